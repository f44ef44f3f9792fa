package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// blockingRunner holds each job until released, so tests can observe the
// admission gate mid-flight.
type blockingRunner struct {
	mu      sync.Mutex
	started []int64
	startCh chan int64
	release chan struct{}
	tokens  map[int64]*CancelToken
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		startCh: make(chan int64, 16),
		release: make(chan struct{}),
		tokens:  make(map[int64]*CancelToken),
	}
}

func (r *blockingRunner) Run(job *domain.BackupJob, token *CancelToken) {
	r.mu.Lock()
	r.started = append(r.started, job.ID)
	r.tokens[job.ID] = token
	r.mu.Unlock()
	r.startCh <- job.ID
	<-r.release
}

func (r *blockingRunner) startedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.started))
	copy(out, r.started)
	return out
}

func waitStart(t *testing.T, r *blockingRunner) int64 {
	t.Helper()
	select {
	case id := <-r.startCh:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a job to start")
		return 0
	}
}

func TestQueueRunsAtMostOneJob(t *testing.T) {
	db := openTestDB(t)
	runner := newBlockingRunner()
	q := NewQueue(db, runner, audit.NewRecorder(db))

	opts := EnqueueOptions{Retention: 5}
	first, err := q.Enqueue(domain.TriggerManual, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(domain.TriggerManual, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := waitStart(t, runner); got != first {
		t.Fatalf("started job %d, want %d", got, first)
	}
	if got := q.RunningJobID(); got != first {
		t.Errorf("RunningJobID = %d, want %d", got, first)
	}
	if got := q.QueuedJobIDs(); len(got) != 1 || got[0] != second {
		t.Errorf("QueuedJobIDs = %v, want [%d]", got, second)
	}

	// the second job must not start while the first holds the slot
	select {
	case id := <-runner.startCh:
		t.Fatalf("job %d started while %d was running", id, first)
	case <-time.After(100 * time.Millisecond):
	}

	var job domain.BackupJob
	if err := db.First(&job, second).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != domain.JobQueued {
		t.Errorf("second job status = %q, want queued", job.Status)
	}

	close(runner.release)
	waitStart(t, runner)
	drainQueue(t, q)
}

func drainQueue(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for q.RunningJobID() != 0 || len(q.QueuedJobIDs()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueAdmitsFIFOOnFinish(t *testing.T) {
	db := openTestDB(t)
	runner := newBlockingRunner()
	q := NewQueue(db, runner, audit.NewRecorder(db))

	opts := EnqueueOptions{Retention: 5}
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(domain.TriggerManual, opts)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	waitStart(t, runner)
	close(runner.release)
	waitStart(t, runner)
	waitStart(t, runner)

	// once the slot drains, started order must match enqueue order
	drainQueue(t, q)

	started := runner.startedIDs()
	if len(started) != 3 {
		t.Fatalf("started %d jobs, want 3", len(started))
	}
	for i := range ids {
		if started[i] != ids[i] {
			t.Errorf("start order %v, want %v", started, ids)
			break
		}
	}
}

func TestQueueCancelQueuedJobNeverRuns(t *testing.T) {
	db := openTestDB(t)
	runner := newBlockingRunner()
	q := NewQueue(db, runner, audit.NewRecorder(db))

	opts := EnqueueOptions{Retention: 5}
	first, _ := q.Enqueue(domain.TriggerManual, opts)
	second, _ := q.Enqueue(domain.TriggerManual, opts)

	waitStart(t, runner)
	if err := q.Cancel(second); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}

	var job domain.BackupJob
	if err := db.First(&job, second).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Errorf("cancelled queued job status = %q, want failed", job.Status)
	}
	if job.Log != "cancelled while queued\n" {
		t.Errorf("cancelled queued job log = %q", job.Log)
	}

	close(runner.release)
	drainQueue(t, q)

	for _, id := range runner.startedIDs() {
		if id == second {
			t.Errorf("cancelled queued job %d was admitted", second)
		}
	}
	_ = first
}

func TestQueueCancelRunningSignalsToken(t *testing.T) {
	db := openTestDB(t)
	runner := newBlockingRunner()
	q := NewQueue(db, runner, audit.NewRecorder(db))

	id, _ := q.Enqueue(domain.TriggerManual, EnqueueOptions{Retention: 5})
	waitStart(t, runner)

	if err := q.Cancel(id); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	runner.mu.Lock()
	token := runner.tokens[id]
	runner.mu.Unlock()
	if !token.Cancelled() {
		t.Error("cancel did not signal the running job's token")
	}
	close(runner.release)
	drainQueue(t, q)
}

func TestQueueCancelUnknownJob(t *testing.T) {
	db := openTestDB(t)
	q := NewQueue(db, newBlockingRunner(), audit.NewRecorder(db))
	if err := q.Cancel(42); err == nil {
		t.Error("cancel of unknown job did not fail")
	}
}

func TestQueueRejectsInvalidRetention(t *testing.T) {
	db := openTestDB(t)
	q := NewQueue(db, newBlockingRunner(), audit.NewRecorder(db))
	if _, err := q.Enqueue(domain.TriggerManual, EnqueueOptions{Retention: 0}); err == nil {
		t.Error("enqueue with zero retention did not fail")
	}
}

func TestQueueRecoverFailsInterruptedJobs(t *testing.T) {
	db := openTestDB(t)
	db.Create(&domain.BackupJob{ID: 1, Status: domain.JobRunning})
	db.Create(&domain.BackupJob{ID: 2, Status: domain.JobQueued})
	db.Create(&domain.BackupJob{ID: 3, Status: domain.JobSuccess})

	q := NewQueue(db, newBlockingRunner(), audit.NewRecorder(db))
	q.Recover()

	var jobs []domain.BackupJob
	db.Order("id ASC").Find(&jobs)
	if jobs[0].Status != domain.JobFailed || jobs[1].Status != domain.JobFailed {
		t.Errorf("interrupted jobs = %q/%q, want failed/failed", jobs[0].Status, jobs[1].Status)
	}
	if jobs[2].Status != domain.JobSuccess {
		t.Errorf("terminal job was touched: %q", jobs[2].Status)
	}
}
