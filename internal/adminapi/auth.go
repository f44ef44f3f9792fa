package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
	"github.com/confkeeper/confkeeper/pkg/common"
)

// Session tokens expire after 8h; the console re-authenticates afterwards.
const sessionTTL = 8 * time.Hour

func registerAuthRoutes() {
	webserver.PubPOST("/auth/login", login)
	webserver.ApiGET("/auth/me", currentUser)
}

type loginPayload struct {
	Username string `json:"username" form:"username" validate:"required"`
	Password string `json:"password" form:"password" validate:"required"`
}

func login(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse login parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	appCtx := GetAppContext(c)
	username := strings.TrimSpace(payload.Username)

	var user domain.SysUser
	err := GetDB(c).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		appCtx.Audit().Record(username, "user_login", "auth", audit.ResultFailed)
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}

	if user.Status != common.ENABLED {
		appCtx.Audit().Record(username, "user_login", "auth", audit.ResultFailed)
		return fail(c, http.StatusUnauthorized, "ACCOUNT_DISABLED", "Account is disabled", nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(payload.Password)) != nil {
		appCtx.Audit().Record(username, "user_login", "auth", audit.ResultFailed)
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	now := time.Now()
	claims := webserver.SessionClaims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(appCtx.Config().System.SecretKey))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_ERROR", "Failed to sign session token", err.Error())
	}

	if err := GetDB(c).Model(&domain.SysUser{}).Where("id = ?", user.ID).
		Update("last_login", now).Error; err != nil {
		zap.L().Error("update last_login failed", zap.Error(err))
	}
	appCtx.Audit().Record(user.Username, "user_login", "auth", audit.ResultSuccess)

	return ok(c, map[string]interface{}{
		"token":      signed,
		"username":   user.Username,
		"role":       user.Role,
		"expires_at": now.Add(sessionTTL),
	})
}

func currentUser(c echo.Context) error {
	claims := webserver.Claims(c)
	if claims == nil {
		return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing session", nil)
	}
	var user domain.SysUser
	err := GetDB(c).Where("username = ?", claims.Username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Account no longer exists", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	return ok(c, user)
}
