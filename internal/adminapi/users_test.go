package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/confkeeper/confkeeper/config"
	"github.com/confkeeper/confkeeper/internal/app"
	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/backupstore"
	"github.com/confkeeper/confkeeper/internal/connector"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/engine"
	"github.com/confkeeper/confkeeper/internal/vault"
	"github.com/confkeeper/confkeeper/internal/webserver"
)

// testAppCtx is a minimal app context backed by an in-file sqlite database.
type testAppCtx struct {
	db       *gorm.DB
	cfg      *config.AppConfig
	cfgMgr   *app.ConfigManager
	recorder *audit.Recorder
}

func (a *testAppCtx) DB() *gorm.DB { return a.db }
func (a *testAppCtx) Config() *config.AppConfig { return a.cfg }
func (a *testAppCtx) ConfigMgr() *app.ConfigManager { return a.cfgMgr }
func (a *testAppCtx) Scheduler() *cron.Cron { return nil }
func (a *testAppCtx) Queue() *engine.Queue { return nil }
func (a *testAppCtx) Vault() *vault.Vault { return vault.New("test-secret") }
func (a *testAppCtx) Store() *backupstore.Store { return nil }
func (a *testAppCtx) Audit() *audit.Recorder { return a.recorder }
func (a *testAppCtx) Connector() connector.Connector { return nil }
func (a *testAppCtx) Location() *time.Location { return time.UTC }
func (a *testAppCtx) MigrateDB(track bool) error { return nil }
func (a *testAppCtx) InitDb() {}

type apiValidator struct{ v *validator.Validate }

func (av *apiValidator) Validate(i interface{}) error { return av.v.Struct(i) }

func newTestContext(t *testing.T, method, path, body, role string) (echo.Context, *httptest.ResponseRecorder, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := echo.New()
	e.Validator = &apiValidator{v: validator.New()}

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	appCtx := &testAppCtx{
		db:       db,
		cfg:      config.DefaultAppConfig,
		cfgMgr:   app.NewConfigManager(db),
		recorder: audit.NewRecorder(db),
	}
	c.Set(webserver.ContextAppKey, app.AppContext(appCtx))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &webserver.SessionClaims{
		Username: "tester",
		Role:     role,
	})
	c.Set(webserver.ContextUserKey, token)
	return c, rec, db
}

func seedUser(t *testing.T, db *gorm.DB, id int64, username, role, status string) {
	t.Helper()
	hashed, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if err := db.Create(&domain.SysUser{
		ID:       id,
		Username: username,
		Password: string(hashed),
		Role:     role,
		Status:   status,
	}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestDeleteLastAdminRejected(t *testing.T) {
	c, rec, db := newTestContext(t, http.MethodDelete, "/", "", domain.RoleAdmin)
	seedUser(t, db, 1, "admin", domain.RoleAdmin, "enabled")
	seedUser(t, db, 2, "viewer", domain.RoleViewer, "enabled")

	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := deleteUser(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["code"] != "LAST_ADMIN" {
		t.Errorf("code = %v, want LAST_ADMIN", resp["code"])
	}

	var count int64
	db.Model(&domain.SysUser{}).Count(&count)
	if count != 2 {
		t.Errorf("user count = %d, want 2 (nothing deleted)", count)
	}
}

func TestDeleteAdminWithAnotherAdminSucceeds(t *testing.T) {
	c, rec, db := newTestContext(t, http.MethodDelete, "/", "", domain.RoleAdmin)
	seedUser(t, db, 1, "admin", domain.RoleAdmin, "enabled")
	seedUser(t, db, 2, "admin2", domain.RoleAdmin, "enabled")

	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := deleteUser(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var count int64
	db.Model(&domain.SysUser{}).Count(&count)
	if count != 1 {
		t.Errorf("user count = %d, want 1", count)
	}
}

func TestDemoteLastAdminRejected(t *testing.T) {
	body := `{"username":"admin","role":"viewer","status":"enabled"}`
	c, rec, db := newTestContext(t, http.MethodPut, "/", body, domain.RoleAdmin)
	seedUser(t, db, 1, "admin", domain.RoleAdmin, "enabled")

	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := updateUser(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	var user domain.SysUser
	db.First(&user, 1)
	if user.Role != domain.RoleAdmin {
		t.Errorf("role = %q, admin was demoted", user.Role)
	}
}

func TestDisableLastAdminRejected(t *testing.T) {
	body := `{"username":"admin","role":"admin","status":"disabled"}`
	c, rec, db := newTestContext(t, http.MethodPut, "/", body, domain.RoleAdmin)
	seedUser(t, db, 1, "admin", domain.RoleAdmin, "enabled")

	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := updateUser(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestUserWriteRequiresAdminRole(t *testing.T) {
	c, rec, db := newTestContext(t, http.MethodDelete, "/", "", domain.RoleViewer)
	seedUser(t, db, 1, "admin", domain.RoleAdmin, "enabled")

	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := deleteUser(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestCreateUserHashesPassword(t *testing.T) {
	body := `{"username":"operator","password":"s3cret","role":"viewer"}`
	c, rec, db := newTestContext(t, http.MethodPost, "/", body, domain.RoleAdmin)

	if err := createUser(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var user domain.SysUser
	if err := db.Where("username = ?", "operator").First(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.Password == "s3cret" {
		t.Error("password stored in plaintext")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("s3cret")) != nil {
		t.Error("stored hash does not verify")
	}
	// the response envelope must not leak the hash
	if strings.Contains(rec.Body.String(), user.Password) {
		t.Error("password hash leaked in response")
	}
}
