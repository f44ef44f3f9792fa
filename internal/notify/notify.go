// Package notify sends failure mail for scheduled jobs whose schedule has
// notify-on-fail set. It listens on the engine event bus.
package notify

import (
	"fmt"
	"strings"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/engine"
)

// SettingsReader provides SMTP settings from the system settings table.
type SettingsReader interface {
	GetString(category, key string) string
	GetInt(category, key string) int
}

type Notifier struct {
	db       *gorm.DB
	settings SettingsReader
}

func New(db *gorm.DB, settings SettingsReader) *Notifier {
	return &Notifier{db: db, settings: settings}
}

// Subscribe attaches the notifier to the job-finished topic.
func (n *Notifier) Subscribe(bus EventBus.Bus) error {
	return bus.Subscribe(engine.TopicJobFinished, n.onJobFinished)
}

func (n *Notifier) onJobFinished(jobID int64, status string) {
	if status != domain.JobFailed {
		return
	}
	var job domain.BackupJob
	if err := n.db.First(&job, jobID).Error; err != nil {
		zap.L().Error("notify: job load failed", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}
	name, ok := strings.CutPrefix(job.TriggeredBy, "schedule:")
	if !ok {
		return // manual and system jobs do not notify
	}
	var sched domain.BackupSchedule
	if err := n.db.Where("name = ?", name).First(&sched).Error; err != nil {
		return
	}
	if !sched.NotifyOnFail {
		return
	}
	n.sendFailureMail(&job, &sched)
}

func (n *Notifier) sendFailureMail(job *domain.BackupJob, sched *domain.BackupSchedule) {
	host := n.settings.GetString("smtp", "host")
	to := n.settings.GetString("smtp", "notify_to")
	if host == "" || to == "" {
		zap.L().Debug("notify: smtp not configured, skipping failure mail",
			zap.Int64("job_id", job.ID))
		return
	}
	port := n.settings.GetInt("smtp", "port")
	if port == 0 {
		port = 587
	}
	from := n.settings.GetString("smtp", "from")
	if from == "" {
		from = "confkeeper@localhost"
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", fmt.Sprintf("[confkeeper] backup job %d failed (%s)", job.ID, sched.Name))
	m.SetBody("text/plain", fmt.Sprintf(
		"Schedule : %s\nJob      : %d\nDevices  : %d/%d ok\nStarted  : %s\nFinished : %s\n\nLog:\n%s",
		sched.Name, job.ID, job.DevicesOK, job.DevicesTotal,
		job.StartedAt.Format("2006-01-02 15:04:05"),
		job.FinishedAt.Format("2006-01-02 15:04:05"),
		job.Log))

	d := gomail.NewDialer(host, port,
		n.settings.GetString("smtp", "username"),
		n.settings.GetString("smtp", "password"))
	if err := d.DialAndSend(m); err != nil {
		zap.L().Error("notify: failure mail send failed",
			zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	zap.L().Info("notify: failure mail sent",
		zap.Int64("job_id", job.ID), zap.String("to", to))
}
