package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/backupstore"
	"github.com/confkeeper/confkeeper/internal/connector"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/vault"
	"github.com/confkeeper/confkeeper/pkg/metrics"
)

// TopicJobFinished is published with (jobID int64, status string) when a job
// reaches a terminal state.
const TopicJobFinished = "backup.job.finished"

const maxAttempts = 3

// JobRunner executes one backup job: target fan-out, retry per device,
// device-tagged log aggregation, progress reporting, and cooperative
// cancellation.
type JobRunner struct {
	db    *gorm.DB
	vault *vault.Vault
	conn  connector.Connector
	store *backupstore.Store
	audit *audit.Recorder
	bus   EventBus.Bus

	// Fanout bounds concurrent device sessions within one job.
	Fanout int
	// AttemptTimeout is the hard per-attempt deadline.
	AttemptTimeout time.Duration
}

func NewJobRunner(db *gorm.DB, v *vault.Vault, conn connector.Connector,
	store *backupstore.Store, recorder *audit.Recorder, bus EventBus.Bus) *JobRunner {
	return &JobRunner{
		db:             db,
		vault:          v,
		conn:           conn,
		store:          store,
		audit:          recorder,
		bus:            bus,
		Fanout:         2,
		AttemptTimeout: connector.DefaultTimeout,
	}
}

// jobLog accumulates device-tagged lines in completion order.
type jobLog struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *jobLog) add(host, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString("[" + host + "] ")
	fmt.Fprintf(&l.b, format, args...)
	l.b.WriteByte('\n')
}

func (l *jobLog) note(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(&l.b, format, args...)
	l.b.WriteByte('\n')
}

func (l *jobLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// resolveTargets snapshots the target device list at dispatch time. Devices
// disabled afterwards still get their already-scheduled attempt.
func (r *JobRunner) resolveTargets(job *domain.BackupJob) ([]domain.NetDevice, error) {
	var devices []domain.NetDevice
	if err := r.db.Where("status = ?", "enabled").Order("id ASC").Find(&devices).Error; err != nil {
		return nil, err
	}
	if job.TargetType != domain.TargetTag {
		return devices, nil
	}

	var tags []string
	for _, t := range strings.Split(job.TargetTags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	var out []domain.NetDevice
	for _, d := range devices {
		if d.HasAnyTag(tags) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Run executes the job to a terminal state. Invoked only by the queue.
func (r *JobRunner) Run(job *domain.BackupJob, token *CancelToken) {
	start := time.Now()
	log := &jobLog{}

	targets, err := r.resolveTargets(job)
	if err != nil {
		log.note("target resolution failed: %v", err)
		r.finish(job, domain.JobFailed, log, 0, 0, start)
		return
	}

	total := len(targets)
	r.db.Model(&domain.BackupJob{}).Where("id = ?", job.ID).
		Update("devices_total", total)
	if total == 0 {
		log.note("no enabled devices matched the target selector")
		r.finish(job, domain.JobSuccess, log, 0, 0, start)
		return
	}

	fanout := r.Fanout
	if fanout < 1 {
		fanout = 1
	}
	pool, err := ants.NewPool(fanout)
	if err != nil {
		log.note("worker pool init failed: %v", err)
		r.finish(job, domain.JobFailed, log, 0, 0, start)
		return
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		done    int
		okCount int
	)

	for i := range targets {
		// cancellation yield point: devices not yet dispatched are skipped
		if token.Cancelled() {
			for _, d := range targets[i:] {
				log.add(d.Hostname, "skipped (cancelled)")
			}
			break
		}

		device := targets[i]
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			ok := r.backupDevice(job, &device, token, log)
			mu.Lock()
			done++
			if ok {
				okCount++
			}
			d, o := done, okCount
			mu.Unlock()
			// progress readable by polling clients after every outcome
			r.db.Model(&domain.BackupJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
				"devices_done": d,
				"devices_ok":   o,
				"log":          log.String(),
			})
		})
		if submitErr != nil {
			wg.Done()
			log.add(device.Hostname, "dispatch failed: %v", submitErr)
		}
	}
	wg.Wait()

	status := domain.JobSuccess
	if token.Cancelled() {
		log.note("job cancelled")
		status = domain.JobFailed
	} else if okCount < total {
		status = domain.JobFailed
	}
	r.finish(job, status, log, done, okCount, start)
}

// backupDevice performs up to maxAttempts connection attempts for one device
// and stores the captured configuration. Returns true on success.
func (r *JobRunner) backupDevice(job *domain.BackupJob, device *domain.NetDevice, token *CancelToken, log *jobLog) bool {
	target, err := r.buildTarget(device)
	if err != nil {
		log.add(device.Hostname, "credential unseal failed: %v", err)
		return false
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// cancellation is checked between attempts, never mid-connection
		if token.Cancelled() {
			log.add(device.Hostname, "skipped remaining attempts (cancelled)")
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.AttemptTimeout)
		result, err := r.conn.FetchConfig(ctx, target)
		cancel()

		if err == nil {
			entry, serr := r.store.Store(device, job.ID, []byte(result.Content), job.Retention)
			if serr != nil {
				log.add(device.Hostname, "attempt %d/%d: fetched but store failed: %v", attempt, maxAttempts, serr)
				return false
			}
			log.add(device.Hostname, "backup ok (%d bytes in %dms, hash %s)",
				entry.SizeBytes, result.Duration.Milliseconds(), entry.Hash[:8])
			return true
		}

		cerr := connector.Classify(device.Ipaddr, err)
		log.add(device.Hostname, "attempt %d/%d failed: %s", attempt, maxAttempts, cerr.Kind)
		if !cerr.Retryable() {
			return false
		}
	}
	return false
}

func (r *JobRunner) buildTarget(device *domain.NetDevice) (connector.Target, error) {
	username, err := r.vault.Open(device.UsernameEnc)
	if err != nil {
		return connector.Target{}, err
	}
	password, err := r.vault.Open(device.PasswordEnc)
	if err != nil {
		return connector.Target{}, err
	}
	secret := ""
	if device.SecretEnc != "" {
		if secret, err = r.vault.Open(device.SecretEnc); err != nil {
			return connector.Target{}, err
		}
	}
	return connector.Target{
		Host:         device.Ipaddr,
		Port:         device.Port,
		Protocol:     device.Protocol,
		Vendor:       device.Vendor,
		Username:     username,
		Password:     password,
		EnableSecret: secret,
	}, nil
}

func (r *JobRunner) finish(job *domain.BackupJob, status string, log *jobLog, done, okCount int, start time.Time) {
	now := time.Now()
	if err := r.db.Model(&domain.BackupJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":       status,
		"finished_at":  now,
		"devices_done": done,
		"devices_ok":   okCount,
		"log":          log.String(),
	}).Error; err != nil {
		zap.L().Error("job finalize failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}

	metrics.SetGauge("backup_job_duration_ms", now.Sub(start).Milliseconds())
	metrics.SetGauge("backup_job_devices_ok", int64(okCount))

	auditResult := audit.ResultSuccess
	if status != domain.JobSuccess {
		auditResult = audit.ResultFailed
	}
	r.audit.Record(audit.SystemActor, "job_finish",
		fmt.Sprintf("job=%d trigger=%s ok=%d/%d", job.ID, job.TriggeredBy, okCount, done), auditResult)

	if r.bus != nil {
		r.bus.Publish(TopicJobFinished, job.ID, status)
	}
	zap.L().Info("job finished",
		zap.Int64("job_id", job.ID),
		zap.String("status", status),
		zap.Int("devices_ok", okCount),
		zap.Int("devices_done", done),
		zap.Duration("duration", now.Sub(start)))
}
