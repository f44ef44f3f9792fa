package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/engine"
	"github.com/confkeeper/confkeeper/internal/webserver"
	"github.com/confkeeper/confkeeper/pkg/common"
)

func registerJobRoutes() {
	webserver.ApiGET("/jobs", listJobs)
	webserver.ApiGET("/jobs/:id", getJob)
	webserver.ApiPOST("/jobs/run/manual", runManualJob)
	webserver.ApiPOST("/jobs/:id/cancel", cancelJob)
}

func listJobs(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.BackupJob{})
	if status := c.QueryParam("status"); status != "" {
		if !common.InSlice(status, []string{domain.JobQueued, domain.JobRunning, domain.JobSuccess, domain.JobFailed}) {
			return fail(c, http.StatusBadRequest, "INVALID_STATUS", "Unknown job status "+status, nil)
		}
		base = base.Where("status = ?", status)
	}
	if trigger := c.QueryParam("triggered_by"); trigger != "" {
		base = base.Where("triggered_by = ?", trigger)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query jobs", err.Error())
	}
	var jobs []domain.BackupJob
	if err := base.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&jobs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query jobs", err.Error())
	}
	return paged(c, jobs, total, page, pageSize)
}

func getJob(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid job ID", nil)
	}
	var job domain.BackupJob
	if err := GetDB(c).Where("id = ?", id).First(&job).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query job", err.Error())
	}

	var entries []domain.BackupEntry
	if err := GetDB(c).Where("job_id = ?", id).Order("created_at ASC").Find(&entries).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query job entries", err.Error())
	}
	return ok(c, map[string]interface{}{
		"job":     job,
		"entries": entries,
	})
}

type runJobPayload struct {
	TargetType string `json:"target_type"`
	TargetTags string `json:"target_tags"`
	Retention  int    `json:"retention"`
}

// runManualJob enqueues an on-demand backup. The job starts immediately when
// the slot is free, otherwise it waits behind the running job.
func runManualJob(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var payload runJobPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse job parameters", nil)
	}
	if payload.TargetType == "" {
		payload.TargetType = domain.TargetAll
	}
	switch payload.TargetType {
	case domain.TargetAll:
		payload.TargetTags = ""
	case domain.TargetTag:
		if strings.TrimSpace(payload.TargetTags) == "" {
			return fail(c, http.StatusBadRequest, "INVALID_TARGET", "Tag targets require at least one tag", nil)
		}
	default:
		return fail(c, http.StatusBadRequest, "INVALID_TARGET", "target_type must be all or tag", nil)
	}

	appCtx := GetAppContext(c)
	if payload.Retention == 0 {
		payload.Retention = appCtx.ConfigMgr().GetInt("backup", "manual_retention")
	}
	if payload.Retention < 1 {
		return fail(c, http.StatusBadRequest, "INVALID_RETENTION", "Retention must be at least 1", nil)
	}

	jobID, err := appCtx.Queue().Enqueue(domain.TriggerManual, engine.EnqueueOptions{
		Retention:  payload.Retention,
		TargetType: payload.TargetType,
		TargetTags: payload.TargetTags,
		Actor:      currentUsername(c),
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "ENQUEUE_ERROR", "Failed to enqueue job", err.Error())
	}

	data := map[string]interface{}{"id": strconv.FormatInt(jobID, 10)}
	var job domain.BackupJob
	if err := GetDB(c).Where("id = ?", jobID).First(&job).Error; err == nil {
		data["status"] = job.Status
	}
	// 202: the job runs asynchronously behind the admission gate
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

// cancelJob requests cooperative cancellation. A queued job fails without
// ever running; a running job stops after the in-flight device attempts.
func cancelJob(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid job ID", nil)
	}
	var job domain.BackupJob
	if err := GetDB(c).Where("id = ?", id).First(&job).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query job", err.Error())
	}
	if job.Terminal() {
		return fail(c, http.StatusConflict, "JOB_FINISHED", "Job already reached a terminal state", nil)
	}
	if err := GetAppContext(c).Queue().Cancel(id); err != nil {
		return fail(c, http.StatusConflict, "CANCEL_ERROR", err.Error(), nil)
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "job_cancel", strconv.FormatInt(id, 10), "requested")
	return ok(c, nil)
}
