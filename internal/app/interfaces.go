package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/config"
	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/backupstore"
	"github.com/confkeeper/confkeeper/internal/connector"
	"github.com/confkeeper/confkeeper/internal/engine"
	"github.com/confkeeper/confkeeper/internal/vault"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	ConfigMgr() *ConfigManager
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// QueueProvider provides the job admission gate
type QueueProvider interface {
	Queue() *engine.Queue
}

// AppContext combines all provider interfaces for full application context.
// Services should depend on specific providers or this combined interface.
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	QueueProvider

	Vault() *vault.Vault
	Store() *backupstore.Store
	Audit() *audit.Recorder
	Connector() connector.Connector
	Location() *time.Location

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
}
