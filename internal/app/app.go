package app

import (
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/config"
	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/backupstore"
	"github.com/confkeeper/confkeeper/internal/connector"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/engine"
	"github.com/confkeeper/confkeeper/internal/notify"
	"github.com/confkeeper/confkeeper/internal/vault"
	"github.com/confkeeper/confkeeper/pkg/metrics"
)

type Application struct {
	appConfig     *config.AppConfig
	gormDB        *gorm.DB
	sched         *cron.Cron
	configManager *ConfigManager
	location      *time.Location

	secretVault *vault.Vault
	store       *backupstore.Store
	recorder    *audit.Recorder
	conn        connector.Connector
	bus         EventBus.Bus
	queue       *engine.Queue
	runner      *engine.JobRunner
	scheduler   *engine.Scheduler
}

// Ensure Application implements all interfaces
var (
	_ DBProvider     = (*Application)(nil)
	_ ConfigProvider = (*Application)(nil)
	_ QueueProvider  = (*Application)(nil)
	_ AppContext     = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
		loc = time.Local
	} else {
		time.Local = loc
	}
	a.location = loc

	// Initialize zap logger
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	a.configManager = NewConfigManager(a.gormDB)

	a.checkSuper()
	a.checkSettings()
	a.checkDefaultSchedule()

	a.initEngine()
	a.initJob()
}

// initEngine wires the backup orchestration core.
func (a *Application) initEngine() {
	a.secretVault = vault.New(a.appConfig.System.SecretKey)
	a.store = backupstore.New(a.gormDB, a.appConfig.BackupDir())
	a.recorder = audit.NewRecorder(a.gormDB)
	a.bus = EventBus.New()

	timeout := time.Duration(a.configManager.GetInt("runner", "attempt_timeout")) * time.Second
	a.conn = connector.NewScrapli(timeout)

	a.runner = engine.NewJobRunner(a.gormDB, a.secretVault, a.conn, a.store, a.recorder, a.bus)
	if fanout := a.configManager.GetInt("runner", "fanout"); fanout > 0 {
		a.runner.Fanout = fanout
	}
	// the per-attempt deadline and the session ops timeout come from the
	// same setting
	if timeout > 0 {
		a.runner.AttemptTimeout = timeout
	}
	a.queue = engine.NewQueue(a.gormDB, a.runner, a.recorder)
	a.queue.Recover()
	a.scheduler = engine.NewScheduler(a.gormDB, a.queue, a.location)

	notifier := notify.New(a.gormDB, a.configManager)
	if err := notifier.Subscribe(a.bus); err != nil {
		zap.S().Errorf("notifier subscribe failed: %v", err)
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEBUG_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
		zap.S().Error(err)
	}
}

// ConfigMgr returns the settings manager
func (a *Application) ConfigMgr() *ConfigManager {
	return a.configManager
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

// Queue returns the job admission gate
func (a *Application) Queue() *engine.Queue {
	return a.queue
}

// Vault returns the credential vault
func (a *Application) Vault() *vault.Vault {
	return a.secretVault
}

// Store returns the backup artifact store
func (a *Application) Store() *backupstore.Store {
	return a.store
}

// Audit returns the audit recorder
func (a *Application) Audit() *audit.Recorder {
	return a.recorder
}

// Connector returns the device session connector
func (a *Application) Connector() connector.Connector {
	return a.conn
}

// Location returns the configured timezone
func (a *Application) Location() *time.Location {
	return a.location
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
