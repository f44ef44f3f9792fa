package app

import (
	"errors"
	"sync"
	"time"

	"github.com/spf13/cast"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
)

const settingsCacheTTL = 30 * time.Second

// ConfigManager reads runtime tunables from the sys_config table with a
// short-lived cache.
type ConfigManager struct {
	db *gorm.DB

	mu      sync.Mutex
	cache   map[string]string
	fetched time.Time
}

func NewConfigManager(db *gorm.DB) *ConfigManager {
	return &ConfigManager{db: db, cache: make(map[string]string)}
}

func (m *ConfigManager) load() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.fetched) < settingsCacheTTL && len(m.cache) > 0 {
		return m.cache
	}

	var rows []domain.SysConfig
	if err := m.db.Find(&rows).Error; err != nil {
		return m.cache // stale values beat none
	}
	cache := make(map[string]string, len(rows))
	for _, r := range rows {
		cache[r.Type+"."+r.Name] = r.Value
	}
	m.cache = cache
	m.fetched = time.Now()
	return m.cache
}

func (m *ConfigManager) GetString(category, key string) string {
	return m.load()[category+"."+key]
}

func (m *ConfigManager) GetInt(category, key string) int {
	return cast.ToInt(m.GetString(category, key))
}

func (m *ConfigManager) GetInt64(category, key string) int64 {
	return cast.ToInt64(m.GetString(category, key))
}

func (m *ConfigManager) GetBool(category, key string) bool {
	return cast.ToBool(m.GetString(category, key))
}

// Set upserts one setting and invalidates the cache.
func (m *ConfigManager) Set(category, key, value string) error {
	var row domain.SysConfig
	err := m.db.Where("type = ? AND name = ?", category, key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = m.db.Create(&domain.SysConfig{Type: category, Name: key, Value: value}).Error
	} else if err == nil {
		err = m.db.Model(&domain.SysConfig{}).Where("id = ?", row.ID).Update("value", value).Error
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.fetched = time.Time{}
	m.mu.Unlock()
	return nil
}
