package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/confkeeper/confkeeper/pkg/common"
)

// SystemConfig carries process-level settings.
type SystemConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
	// SecretKey seals device credentials and signs session tokens.
	SecretKey string `yaml:"secret_key" json:"secret_key"`
}

// WebConfig carries the admin API listener settings.
type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// DatabaseConfig carries database connection settings.
type DatabaseConfig struct {
	Type     string `yaml:"type" json:"type"` // postgres | sqlite
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
}

// LoggerConfig carries logging settings.
type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"` // development | production
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SystemConfig   `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Logger   LoggerConfig   `yaml:"logger" json:"logger"`
}

var DefaultAppConfig = &AppConfig{
	System: SystemConfig{
		Appid:     "confkeeper",
		Location:  "Asia/Jakarta",
		Workdir:   "/var/confkeeper",
		Debug:     true,
		SecretKey: "9b6e58a823419bbe24956fa2b4bc1fcd",
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DatabaseConfig{
		Type:     "sqlite",
		Name:     "confkeeper",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LoggerConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/confkeeper/confkeeper.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	if value, ok := os.LookupEnv(name); ok {
		f(value)
	}
}

func setEnvBoolValue(name string, f func(v bool)) {
	if value, ok := os.LookupEnv(name); ok {
		f(value == "true" || value == "1" || value == "on")
	}
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A missing file yields the default configuration.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" && common.FileExists(cfile) {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvValue("CONFKEEPER_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("CONFKEEPER_SYSTEM_LOCATION", func(v string) { cfg.System.Location = v })
	setEnvValue("CONFKEEPER_SYSTEM_SECRET_KEY", func(v string) { cfg.System.SecretKey = v })
	setEnvBoolValue("CONFKEEPER_SYSTEM_DEBUG", func(v bool) { cfg.System.Debug = v })
	setEnvValue("CONFKEEPER_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvValue("CONFKEEPER_DATABASE_TYPE", func(v string) { cfg.Database.Type = v })
	setEnvValue("CONFKEEPER_DATABASE_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("CONFKEEPER_DATABASE_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("CONFKEEPER_DATABASE_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("CONFKEEPER_DATABASE_PASSWD", func(v string) { cfg.Database.Passwd = v })
	setEnvValue("CONFKEEPER_LOGGER_MODE", func(v string) { cfg.Logger.Mode = v })

	return cfg
}

// BackupDir returns the artifact directory under the workdir.
func (c *AppConfig) BackupDir() string {
	return filepath.Join(c.System.Workdir, "backups")
}
