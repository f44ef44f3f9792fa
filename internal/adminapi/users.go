package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
	"github.com/confkeeper/confkeeper/pkg/common"
)

func registerUserRoutes() {
	webserver.ApiGET("/users", listUsers)
	webserver.ApiGET("/users/:id", getUser)
	webserver.ApiPOST("/users", createUser)
	webserver.ApiPUT("/users/:id", updateUser)
	webserver.ApiDELETE("/users/:id", deleteUser)
}

func listUsers(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.SysUser{})
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query users", err.Error())
	}
	var users []domain.SysUser
	if err := base.Order("username ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query users", err.Error())
	}
	return paged(c, users, total, page, pageSize)
}

func getUser(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID", nil)
	}
	var user domain.SysUser
	if err := GetDB(c).Where("id = ?", id).First(&user).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	return ok(c, user)
}

type userPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	Remark   string `json:"remark"`
}

func (p *userPayload) normalize() error {
	p.Username = strings.TrimSpace(p.Username)
	if p.Role == "" {
		p.Role = domain.RoleViewer
	}
	if p.Role != domain.RoleAdmin && p.Role != domain.RoleViewer {
		return errors.New("role must be admin or viewer")
	}
	if p.Status == "" {
		p.Status = common.ENABLED
	}
	if p.Status != common.ENABLED && p.Status != common.DISABLED {
		return errors.New("status must be enabled or disabled")
	}
	return nil
}

// lastEnabledAdmin reports whether the user is the only remaining enabled
// admin account.
func lastEnabledAdmin(db *gorm.DB, user *domain.SysUser) (bool, error) {
	if user.Role != domain.RoleAdmin || user.Status != common.ENABLED {
		return false, nil
	}
	var others int64
	err := db.Model(&domain.SysUser{}).
		Where("role = ? AND status = ? AND id <> ?", domain.RoleAdmin, common.ENABLED, user.ID).
		Count(&others).Error
	return others == 0, err
}

func createUser(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var payload userPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse user parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := payload.normalize(); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_USER", err.Error(), nil)
	}
	if payload.Password == "" {
		return fail(c, http.StatusBadRequest, "MISSING_PASSWORD", "Password is required", nil)
	}

	var dup domain.SysUser
	if err := GetDB(c).Where("username = ?", payload.Username).First(&dup).Error; err == nil {
		return fail(c, http.StatusConflict, "DUPLICATE_USER", "User with this username already exists", nil)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "HASH_ERROR", "Failed to hash password", err.Error())
	}
	user := domain.SysUser{
		ID:        common.UUIDint64(),
		Username:  payload.Username,
		Password:  string(hashed),
		Role:      payload.Role,
		Status:    payload.Status,
		Remark:    payload.Remark,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := GetDB(c).Create(&user).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create user", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "user_create", user.Username, audit.ResultSuccess)
	return ok(c, user)
}

func updateUser(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID", nil)
	}
	var payload userPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse user parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := payload.normalize(); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_USER", err.Error(), nil)
	}

	var user domain.SysUser
	if err := GetDB(c).Where("id = ?", id).First(&user).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}

	// demoting or disabling the last enabled admin would lock the console
	if payload.Role != domain.RoleAdmin || payload.Status != common.ENABLED {
		last, err := lastEnabledAdmin(GetDB(c), &user)
		if err != nil {
			return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query users", err.Error())
		}
		if last {
			return fail(c, http.StatusConflict, "LAST_ADMIN", "Cannot demote or disable the last admin account", nil)
		}
	}

	updates := map[string]interface{}{
		"username":   payload.Username,
		"role":       payload.Role,
		"status":     payload.Status,
		"remark":     payload.Remark,
		"updated_at": time.Now(),
	}
	if payload.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
		if err != nil {
			return fail(c, http.StatusInternalServerError, "HASH_ERROR", "Failed to hash password", err.Error())
		}
		updates["password"] = string(hashed)
	}
	if err := GetDB(c).Model(&domain.SysUser{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update user", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "user_update", payload.Username, audit.ResultSuccess)

	if err := GetDB(c).Where("id = ?", id).First(&user).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to reload user", err.Error())
	}
	return ok(c, user)
}

func deleteUser(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID", nil)
	}
	var user domain.SysUser
	if err := GetDB(c).Where("id = ?", id).First(&user).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}

	last, err := lastEnabledAdmin(GetDB(c), &user)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query users", err.Error())
	}
	if last {
		return fail(c, http.StatusConflict, "LAST_ADMIN", "Cannot delete the last admin account", nil)
	}

	if err := GetDB(c).Delete(&domain.SysUser{}, id).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete user", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "user_delete", user.Username, audit.ResultSuccess)
	return ok(c, nil)
}
