// Package engine contains the backup job orchestration core: the single-slot
// admission gate, the schedule evaluator, and the job runner.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/pkg/common"
)

// Runner executes one admitted job to a terminal state. The queue calls it
// on its own goroutine and admits the next pending job when it returns.
type Runner interface {
	Run(job *domain.BackupJob, token *CancelToken)
}

// EnqueueOptions snapshot the trigger's target selector and retention.
type EnqueueOptions struct {
	Retention  int
	TargetType string // domain.TargetAll | domain.TargetTag
	TargetTags string
	Actor      string // audit actor; empty means system
}

// Queue is the single-slot admission gate: at most one job runs system-wide,
// further jobs wait in FIFO order and start automatically when the running
// job reaches a terminal state.
type Queue struct {
	db     *gorm.DB
	runner Runner
	audit  *audit.Recorder

	mu        sync.Mutex
	pending   []int64
	runningID int64
	tokens    map[int64]*CancelToken
}

func NewQueue(db *gorm.DB, runner Runner, recorder *audit.Recorder) *Queue {
	return &Queue{
		db:     db,
		runner: runner,
		audit:  recorder,
		tokens: make(map[int64]*CancelToken),
	}
}

// Enqueue creates a job and admits it immediately when the slot is free,
// otherwise leaves it queued.
func (q *Queue) Enqueue(trigger string, opts EnqueueOptions) (int64, error) {
	if opts.Retention < 1 {
		return 0, errors.Errorf("invalid retention %d", opts.Retention)
	}
	if opts.TargetType == "" {
		opts.TargetType = domain.TargetAll
	}

	job := domain.BackupJob{
		ID:          common.UUIDint64(),
		TriggeredBy: trigger,
		Status:      domain.JobQueued,
		Retention:   opts.Retention,
		TargetType:  opts.TargetType,
		TargetTags:  opts.TargetTags,
	}
	if err := q.db.Create(&job).Error; err != nil {
		return 0, errors.Wrap(err, "create job")
	}

	actor := opts.Actor
	if actor == "" {
		actor = audit.SystemActor
	}
	q.audit.Record(actor, "job_enqueue", fmt.Sprintf("job=%d trigger=%s", job.ID, trigger), audit.ResultSuccess)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runningID == 0 {
		q.admitLocked(job.ID)
	} else {
		q.pending = append(q.pending, job.ID)
		zap.L().Info("job queued behind running job",
			zap.Int64("job_id", job.ID), zap.Int64("running_id", q.runningID))
	}
	return job.ID, nil
}

// admitLocked moves a job into the running slot. Caller holds q.mu.
func (q *Queue) admitLocked(jobID int64) {
	q.runningID = jobID
	token := NewCancelToken()
	q.tokens[jobID] = token

	now := time.Now()
	if err := q.db.Model(&domain.BackupJob{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"status":     domain.JobRunning,
		"started_at": now,
	}).Error; err != nil {
		zap.L().Error("job admit update failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
	zap.L().Info("job admitted", zap.Int64("job_id", jobID))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("job runner panic", zap.Int64("job_id", jobID), zap.Any("panic", r))
				q.db.Model(&domain.BackupJob{}).Where("id = ?", jobID).Updates(map[string]interface{}{
					"status":      domain.JobFailed,
					"finished_at": time.Now(),
				})
			}
			q.finish(jobID)
		}()

		var job domain.BackupJob
		if err := q.db.First(&job, jobID).Error; err != nil {
			zap.L().Error("job load failed", zap.Int64("job_id", jobID), zap.Error(err))
			return
		}
		q.runner.Run(&job, token)
	}()
}

// finish releases the slot and admits the next pending job, FIFO.
func (q *Queue) finish(jobID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runningID == jobID {
		q.runningID = 0
	}
	delete(q.tokens, jobID)
	if q.runningID == 0 && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.admitLocked(next)
	}
}

// Cancel stops a running job cooperatively or fails a queued job before it
// ever runs.
func (q *Queue) Cancel(jobID int64) error {
	q.mu.Lock()

	if q.runningID == jobID {
		token := q.tokens[jobID]
		q.mu.Unlock()
		token.Cancel()
		zap.L().Info("cancel requested for running job", zap.Int64("job_id", jobID))
		return nil
	}

	for i, id := range q.pending {
		if id != jobID {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.mu.Unlock()
		// queued jobs go straight to failed, never through running
		now := time.Now()
		if err := q.db.Model(&domain.BackupJob{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":      domain.JobFailed,
			"finished_at": now,
			"log":         "cancelled while queued\n",
		}).Error; err != nil {
			return errors.Wrap(err, "mark cancelled")
		}
		zap.L().Info("queued job cancelled", zap.Int64("job_id", jobID))
		return nil
	}
	q.mu.Unlock()
	return errors.Errorf("job %d is not queued or running", jobID)
}

// RunningJobID exposes the admission gate state; 0 means the slot is free.
func (q *Queue) RunningJobID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningID
}

// QueuedJobIDs returns a copy of the pending FIFO.
func (q *Queue) QueuedJobIDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, len(q.pending))
	copy(out, q.pending)
	return out
}

// Recover fails jobs left non-terminal by a previous process. Called once at
// startup before the queue accepts work.
func (q *Queue) Recover() {
	res := q.db.Model(&domain.BackupJob{}).
		Where("status IN ?", []string{domain.JobQueued, domain.JobRunning}).
		Updates(map[string]interface{}{
			"status":      domain.JobFailed,
			"finished_at": time.Now(),
			"log":         "interrupted by restart\n",
		})
	if res.Error != nil {
		zap.L().Error("job recovery failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Warn("failed jobs interrupted by restart", zap.Int64("count", res.RowsAffected))
	}
}
