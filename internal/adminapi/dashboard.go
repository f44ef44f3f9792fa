package adminapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/montanaflynn/stats"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
	"github.com/confkeeper/confkeeper/pkg/metrics"
)

func registerDashboardRoutes() {
	webserver.ApiGET("/dashboard", getDashboard)
}

// getDashboard returns the console landing page counters: fleet size, job
// outcomes over the last week, the current queue state, and host gauges.
func getDashboard(c echo.Context) error {
	db := GetDB(c)
	appCtx := GetAppContext(c)

	var deviceTotal, deviceEnabled int64
	db.Model(&domain.NetDevice{}).Count(&deviceTotal)
	db.Model(&domain.NetDevice{}).Where("status = ?", "enabled").Count(&deviceEnabled)

	var scheduleEnabled int64
	db.Model(&domain.BackupSchedule{}).Where("status = ?", "enabled").Count(&scheduleEnabled)

	weekAgo := time.Now().AddDate(0, 0, -7)
	var jobsSuccess, jobsFailed int64
	db.Model(&domain.BackupJob{}).Where("status = ? AND created_at >= ?", domain.JobSuccess, weekAgo).Count(&jobsSuccess)
	db.Model(&domain.BackupJob{}).Where("status = ? AND created_at >= ?", domain.JobFailed, weekAgo).Count(&jobsFailed)

	var backupTotal int64
	db.Model(&domain.BackupEntry{}).Count(&backupTotal)

	// mean duration of the last 20 terminal jobs
	var recent []domain.BackupJob
	db.Where("status IN ?", []string{domain.JobSuccess, domain.JobFailed}).
		Order("finished_at DESC").Limit(20).Find(&recent)
	durations := make([]float64, 0, len(recent))
	for _, j := range recent {
		if j.FinishedAt.After(j.StartedAt) {
			durations = append(durations, j.FinishedAt.Sub(j.StartedAt).Seconds())
		}
	}
	avgDuration := float64(0)
	if len(durations) > 0 {
		avgDuration, _ = stats.Mean(durations)
	}

	queue := appCtx.Queue()
	var running interface{}
	if id := queue.RunningJobID(); id != 0 {
		var job domain.BackupJob
		if err := db.Where("id = ?", id).First(&job).Error; err == nil {
			running = job
		} else {
			running = map[string]string{"id": strconv.FormatInt(id, 10)}
		}
	}

	return ok(c, map[string]interface{}{
		"devices": map[string]int64{
			"total":   deviceTotal,
			"enabled": deviceEnabled,
		},
		"schedules_enabled": scheduleEnabled,
		"jobs_7d": map[string]int64{
			"success": jobsSuccess,
			"failed":  jobsFailed,
		},
		"backups_total":        backupTotal,
		"avg_job_duration_sec": avgDuration,
		"running_job":          running,
		"queued_jobs":          len(queue.QueuedJobIDs()),
		"system": map[string]int64{
			"cpu_percent":     metrics.LatestGauge("system_cpuuse"),
			"mem_percent":     metrics.LatestGauge("system_memuse"),
			"process_cpu":     metrics.LatestGauge("confkeeper_cpuuse"),
			"process_mem":     metrics.LatestGauge("confkeeper_memuse"),
			"last_job_ms":     metrics.LatestGauge("backup_job_duration_ms"),
			"last_devices_ok": metrics.LatestGauge("backup_job_devices_ok"),
		},
	})
}
