package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/engine"
	"github.com/confkeeper/confkeeper/internal/webserver"
	"github.com/confkeeper/confkeeper/pkg/common"
)

func registerScheduleRoutes() {
	webserver.ApiGET("/schedules", listSchedules)
	webserver.ApiGET("/schedules/:id", getSchedule)
	webserver.ApiPOST("/schedules", createSchedule)
	webserver.ApiPUT("/schedules/:id", updateSchedule)
	webserver.ApiDELETE("/schedules/:id", deleteSchedule)
}

func listSchedules(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.BackupSchedule{})
	if status := c.QueryParam("status"); status != "" {
		base = base.Where("status = ?", status)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedules", err.Error())
	}
	var schedules []domain.BackupSchedule
	if err := base.Order("name ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&schedules).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedules", err.Error())
	}
	return paged(c, schedules, total, page, pageSize)
}

func getSchedule(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid schedule ID", nil)
	}
	var sched domain.BackupSchedule
	if err := GetDB(c).Where("id = ?", id).First(&sched).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "Schedule not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedule", err.Error())
	}
	return ok(c, sched)
}

type schedulePayload struct {
	Name         string `json:"name" validate:"required"`
	IntervalDays int    `json:"interval_days" validate:"required,min=1"`
	RunAt        string `json:"run_at" validate:"required"`
	TargetType   string `json:"target_type"`
	TargetTags   string `json:"target_tags"`
	Retention    int    `json:"retention" validate:"required,min=1"`
	NotifyOnFail bool   `json:"notify_on_fail"`
	Status       string `json:"status"`
	Remark       string `json:"remark"`
}

func (p *schedulePayload) normalize() error {
	p.Name = strings.TrimSpace(p.Name)
	if _, _, err := engine.ParseRunAt(p.RunAt); err != nil {
		return err
	}
	if p.TargetType == "" {
		p.TargetType = domain.TargetAll
	}
	switch p.TargetType {
	case domain.TargetAll:
		p.TargetTags = ""
	case domain.TargetTag:
		if strings.TrimSpace(p.TargetTags) == "" {
			return errors.New("tag targets require at least one tag")
		}
	default:
		return errors.New("target_type must be all or tag")
	}
	if p.Status == "" {
		p.Status = common.ENABLED
	}
	if p.Status != common.ENABLED && p.Status != common.DISABLED {
		return errors.New("status must be enabled or disabled")
	}
	return nil
}

func createSchedule(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var payload schedulePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse schedule parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := payload.normalize(); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error(), nil)
	}

	var dup domain.BackupSchedule
	if err := GetDB(c).Where("name = ?", payload.Name).First(&dup).Error; err == nil {
		return fail(c, http.StatusConflict, "DUPLICATE_SCHEDULE", "Schedule with this name already exists", nil)
	}

	sched := domain.BackupSchedule{
		ID:           common.UUIDint64(),
		Name:         payload.Name,
		IntervalDays: payload.IntervalDays,
		RunAt:        payload.RunAt,
		TargetType:   payload.TargetType,
		TargetTags:   payload.TargetTags,
		Retention:    payload.Retention,
		NotifyOnFail: payload.NotifyOnFail,
		Status:       payload.Status,
		Remark:       payload.Remark,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := GetDB(c).Create(&sched).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create schedule", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "schedule_create", sched.Name, audit.ResultSuccess)
	return ok(c, sched)
}

func updateSchedule(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid schedule ID", nil)
	}
	var payload schedulePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse schedule parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := payload.normalize(); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error(), nil)
	}

	var sched domain.BackupSchedule
	if err := GetDB(c).Where("id = ?", id).First(&sched).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "Schedule not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedule", err.Error())
	}

	updates := map[string]interface{}{
		"name":           payload.Name,
		"interval_days":  payload.IntervalDays,
		"run_at":         payload.RunAt,
		"target_type":    payload.TargetType,
		"target_tags":    payload.TargetTags,
		"retention":      payload.Retention,
		"notify_on_fail": payload.NotifyOnFail,
		"status":         payload.Status,
		"remark":         payload.Remark,
		"updated_at":     time.Now(),
	}
	// timing changes invalidate the computed fire time; the scheduler
	// re-anchors it on the next tick
	if payload.IntervalDays != sched.IntervalDays || payload.RunAt != sched.RunAt {
		updates["next_run_at"] = time.Time{}
	}
	if err := GetDB(c).Model(&domain.BackupSchedule{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update schedule", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "schedule_update", payload.Name, audit.ResultSuccess)

	if err := GetDB(c).Where("id = ?", id).First(&sched).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to reload schedule", err.Error())
	}
	return ok(c, sched)
}

func deleteSchedule(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid schedule ID", nil)
	}
	var sched domain.BackupSchedule
	if err := GetDB(c).Where("id = ?", id).First(&sched).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "Schedule not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query schedule", err.Error())
	}
	if err := GetDB(c).Delete(&domain.BackupSchedule{}, id).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete schedule", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "schedule_delete", sched.Name, audit.ResultSuccess)
	return ok(c, nil)
}
