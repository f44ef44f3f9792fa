package adminapi

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
)

func registerBackupRoutes() {
	webserver.ApiGET("/backups", listBackups)
	webserver.ApiGET("/backups/:id", getBackup)
	webserver.ApiGET("/backups/:id/download", downloadBackup)
}

func listBackups(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.BackupEntry{})
	if deviceID := c.QueryParam("device_id"); deviceID != "" {
		base = base.Where("device_id = ?", deviceID)
	}
	if jobID := c.QueryParam("job_id"); jobID != "" {
		base = base.Where("job_id = ?", jobID)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query backups", err.Error())
	}
	var entries []domain.BackupEntry
	if err := base.Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&entries).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query backups", err.Error())
	}
	return paged(c, entries, total, page, pageSize)
}

func getBackup(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid backup ID", nil)
	}
	entry, _, err := GetAppContext(c).Store().Content(id)
	if err != nil {
		return fail(c, http.StatusNotFound, "BACKUP_NOT_FOUND", "Backup not found", nil)
	}
	return ok(c, entry)
}

// downloadBackup streams the stored artifact verbatim as text/plain.
func downloadBackup(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid backup ID", nil)
	}
	entry, content, err := GetAppContext(c).Store().Content(id)
	if err != nil {
		return fail(c, http.StatusNotFound, "BACKUP_NOT_FOUND", "Backup not found", nil)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename=%q`, filepath.Base(entry.Path)))
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, content)
}
