package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/confkeeper/confkeeper/config"
)

func getDatabase(cfg config.DatabaseConfig, workdir string) *gorm.DB {
	logLevel := logger.Warn

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
			cfg.Host, cfg.User, cfg.Passwd, cfg.Name, cfg.Port, time.Local.String())
		dialector = postgres.Open(dsn)
	default:
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			zap.S().Errorf("create workdir failed: %v", err)
		}
		dialector = sqlite.Open(filepath.Join(workdir, cfg.Name+".db"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		zap.S().Panicf("database connect failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		if cfg.MaxConn > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConn)
		}
		if cfg.IdleConn > 0 {
			sqlDB.SetMaxIdleConns(cfg.IdleConn)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db
}
