// Package adminapi implements the REST handlers behind the admin console.
package adminapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/app"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
)

// InitRouter registers every admin API route. Called once after
// webserver.Init.
func InitRouter() {
	registerAuthRoutes()
	registerDeviceRoutes()
	registerScheduleRoutes()
	registerJobRoutes()
	registerBackupRoutes()
	registerUserRoutes()
	registerAuditRoutes()
	registerDashboardRoutes()
}

// GetAppContext returns the application context injected by the webserver.
func GetAppContext(c echo.Context) app.AppContext {
	return webserver.AppCtx(c)
}

// GetDB returns the request-scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return webserver.AppCtx(c).DB()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": message,
		"detail":  detail,
	})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":      0,
		"data":      data,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	pageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Errorf("invalid id %q", c.Param(name))
	}
	return id, nil
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR",
			"Request validation failed", strings.Join(fields, ", "))
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", err.Error())
}

// currentUsername returns the acting username for audit entries.
func currentUsername(c echo.Context) string {
	if claims := webserver.Claims(c); claims != nil {
		return claims.Username
	}
	return "unknown"
}

// requireAdmin gates admin-only operations. Returns a non-nil response error
// when the caller lacks the admin role.
func requireAdmin(c echo.Context) error {
	claims := webserver.Claims(c)
	if claims == nil || claims.Role != domain.RoleAdmin {
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Admin privileges required", nil)
	}
	return nil
}
