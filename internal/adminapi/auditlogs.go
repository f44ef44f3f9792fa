package adminapi

import (
	"net/http"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
)

func registerAuditRoutes() {
	webserver.ApiGET("/audit-logs", listAuditLogs)
	webserver.ApiGET("/audit-logs/export", exportAuditLogs)
}

func auditQuery(c echo.Context) *gorm.DB {
	base := GetDB(c).Model(&domain.SysAuditLog{})
	if username := c.QueryParam("username"); username != "" {
		base = base.Where("username = ?", username)
	}
	if action := c.QueryParam("action"); action != "" {
		base = base.Where("action = ?", action)
	}
	if start := c.QueryParam("start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			base = base.Where("timestamp >= ?", t)
		}
	}
	if end := c.QueryParam("end"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			base = base.Where("timestamp <= ?", t)
		}
	}
	return base
}

func listAuditLogs(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	page, pageSize := parsePagination(c)
	base := auditQuery(c)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query audit logs", err.Error())
	}
	var logs []domain.SysAuditLog
	if err := base.Order("timestamp DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query audit logs", err.Error())
	}
	return paged(c, logs, total, page, pageSize)
}

type auditCsvRow struct {
	Timestamp string `csv:"timestamp"`
	Username  string `csv:"username"`
	Action    string `csv:"action"`
	Target    string `csv:"target"`
	Result    string `csv:"result"`
}

// exportAuditLogs streams the filtered audit trail as CSV, capped at 10000
// rows per export.
func exportAuditLogs(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var logs []domain.SysAuditLog
	if err := auditQuery(c).Order("timestamp DESC, id DESC").Limit(10000).Find(&logs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query audit logs", err.Error())
	}

	rows := make([]auditCsvRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, auditCsvRow{
			Timestamp: l.Timestamp.Format(time.RFC3339),
			Username:  l.Username,
			Action:    l.Action,
			Target:    l.Target,
			Result:    l.Result,
		})
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="audit-logs.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	return gocsv.Marshal(&rows, c.Response())
}
