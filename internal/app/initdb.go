package app

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/pkg/common"
)

func (a *Application) checkSuper() {
	const superUsername = "admin"
	const defaultPassword = "confkeeper"

	hashed, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		zap.L().Error("failed to hash default password", zap.Error(err))
		return
	}

	var user domain.SysUser
	err = a.gormDB.Where("username = ?", superUsername).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := a.gormDB.Create(&domain.SysUser{
			ID:        common.UUIDint64(),
			Username:  superUsername,
			Password:  string(hashed),
			Role:      domain.RoleAdmin,
			Status:    common.ENABLED,
			Remark:    "default administrator",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query default admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(user.Password) == ""
	resetRole := !strings.EqualFold(user.Role, domain.RoleAdmin)
	resetStatus := !strings.EqualFold(user.Status, common.ENABLED)
	if !resetPassword && !resetRole && !resetStatus {
		return
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if resetPassword {
		updates["password"] = string(hashed)
	}
	if resetRole {
		updates["role"] = domain.RoleAdmin
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}
	if err := a.gormDB.Model(&domain.SysUser{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair default admin account", zap.Error(err))
		return
	}
	zap.L().Warn("repaired default admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("roleReset", resetRole),
		zap.Bool("statusEnabled", resetStatus))
}

type settingSchema struct {
	Key         string
	Default     string
	Description string
}

// Default runtime settings. Manual jobs take their retention from
// backup.manual_retention since they have no schedule to inherit from.
var settingSchemas = []settingSchema{
	{"backup.manual_retention", "10", "Backups kept per device for manually triggered jobs"},
	{"runner.fanout", "2", "Concurrent device sessions within one job"},
	{"runner.attempt_timeout", "60", "Per-attempt device session timeout in seconds"},
	{"smtp.host", "", "SMTP relay host; empty disables failure mail"},
	{"smtp.port", "587", "SMTP relay port"},
	{"smtp.from", "", "Failure mail sender address"},
	{"smtp.notify_to", "", "Failure mail recipient address"},
	{"smtp.username", "", "SMTP auth username"},
	{"smtp.password", "", "SMTP auth password"},
}

func (a *Application) checkSettings() {
	for sortid, schema := range settingSchemas {
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}
		category, name := parts[0], parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)
		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     common.UUIDint64(),
				Sort:   sortid,
				Type:   category,
				Name:   name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Key),
				zap.String("default", schema.Default))
		}
	}
}

// checkDefaultSchedule seeds a weekly all-devices schedule on first start.
func (a *Application) checkDefaultSchedule() {
	var count int64
	a.gormDB.Model(&domain.BackupSchedule{}).Count(&count)
	if count > 0 {
		return
	}
	sched := domain.BackupSchedule{
		ID:           common.UUIDint64(),
		Name:         "weekly-all",
		IntervalDays: 7,
		RunAt:        "02:00",
		TargetType:   domain.TargetAll,
		Retention:    10,
		NotifyOnFail: true,
		Status:       common.ENABLED,
		Remark:       "default weekly backup of all devices",
	}
	if err := a.gormDB.Create(&sched).Error; err != nil {
		zap.L().Error("failed to create default schedule", zap.Error(err))
		return
	}
	zap.L().Info("initialized default schedule", zap.String("name", sched.Name))
}
