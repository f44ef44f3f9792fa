package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/backupstore"
	"github.com/confkeeper/confkeeper/internal/connector"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/vault"
)

// fakeConnector replays a scripted outcome sequence per host.
type fakeConnector struct {
	mu      sync.Mutex
	script  map[string][]error // per-host outcomes; nil = success
	calls   map[string]int
	content string
	onCall  func(host string)
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		script:  make(map[string][]error),
		calls:   make(map[string]int),
		content: "hostname test\ninterface eth0\n",
	}
}

func (f *fakeConnector) next(host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls[host]
	f.calls[host]++
	seq := f.script[host]
	if i < len(seq) {
		return seq[i]
	}
	return nil
}

func (f *fakeConnector) callCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

func (f *fakeConnector) TestConnection(ctx context.Context, t connector.Target) (string, error) {
	if err := f.next(t.Host); err != nil {
		return "", err
	}
	return "probe ok", nil
}

func (f *fakeConnector) FetchConfig(ctx context.Context, t connector.Target) (*connector.Result, error) {
	if f.onCall != nil {
		f.onCall(t.Host)
	}
	if err := f.next(t.Host); err != nil {
		return nil, err
	}
	return &connector.Result{Content: f.content, Duration: 5 * time.Millisecond}, nil
}

type runnerHarness struct {
	runner *JobRunner
	conn   *fakeConnector
	vault  *vault.Vault
	store  *backupstore.Store
}

func newRunnerHarness(t *testing.T) (*runnerHarness, func() *domain.BackupJob) {
	t.Helper()
	db := openTestDB(t)
	v := vault.New("test-secret")
	conn := newFakeConnector()
	store := backupstore.New(db, t.TempDir())
	r := NewJobRunner(db, v, conn, store, audit.NewRecorder(db), nil)
	r.Fanout = 1
	r.AttemptTimeout = time.Second

	h := &runnerHarness{runner: r, conn: conn, vault: v, store: store}
	newJob := func() *domain.BackupJob {
		job := &domain.BackupJob{
			ID:          time.Now().UnixNano(),
			TriggeredBy: domain.TriggerManual,
			Status:      domain.JobRunning,
			Retention:   5,
			TargetType:  domain.TargetAll,
		}
		if err := db.Create(job).Error; err != nil {
			t.Fatalf("create job: %v", err)
		}
		return job
	}
	return h, newJob
}

func seedDevice(t *testing.T, h *runnerHarness, id int64, host string) *domain.NetDevice {
	t.Helper()
	dev := &domain.NetDevice{
		ID:          id,
		Hostname:    host,
		Ipaddr:      host,
		Vendor:      "cisco_ios",
		Protocol:    domain.ProtocolSSH,
		Port:        22,
		UsernameEnc: h.vault.Seal("backup"),
		PasswordEnc: h.vault.Seal("secret"),
		Status:      "enabled",
	}
	if err := h.runner.db.Create(dev).Error; err != nil {
		t.Fatalf("create device: %v", err)
	}
	return dev
}

func loadJob(t *testing.T, h *runnerHarness, id int64) *domain.BackupJob {
	t.Helper()
	var job domain.BackupJob
	if err := h.runner.db.First(&job, id).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return &job
}

func timeoutErr(host string) error {
	return &connector.Error{Kind: connector.KindTimeout, Host: host}
}

func authErr(host string) error {
	return &connector.Error{Kind: connector.KindAuthFailed, Host: host}
}

func TestRunnerRetriesTimeoutsThenSucceeds(t *testing.T) {
	h, newJob := newRunnerHarness(t)
	seedDevice(t, h, 1, "sw1")
	h.conn.script["sw1"] = []error{timeoutErr("sw1"), timeoutErr("sw1"), nil}

	job := newJob()
	h.runner.Run(job, NewCancelToken())

	if got := h.conn.callCount("sw1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	final := loadJob(t, h, job.ID)
	if final.Status != domain.JobSuccess {
		t.Errorf("status = %q, want success", final.Status)
	}
	if final.DevicesOK != 1 || final.DevicesDone != 1 {
		t.Errorf("progress = %d/%d, want 1/1", final.DevicesOK, final.DevicesDone)
	}
	if n := strings.Count(final.Log, "attempt"); n != 2 {
		t.Errorf("log records %d failed attempts, want 2:\n%s", n, final.Log)
	}
	if !strings.Contains(final.Log, "[sw1] backup ok") {
		t.Errorf("log missing success line:\n%s", final.Log)
	}
}

func TestRunnerStopsOnNonRetryableError(t *testing.T) {
	h, newJob := newRunnerHarness(t)
	seedDevice(t, h, 1, "sw1")
	seedDevice(t, h, 2, "sw2")
	h.conn.script["sw1"] = []error{authErr("sw1")}

	job := newJob()
	h.runner.Run(job, NewCancelToken())

	// auth failures never retry
	if got := h.conn.callCount("sw1"); got != 1 {
		t.Errorf("attempts for sw1 = %d, want 1", got)
	}

	final := loadJob(t, h, job.ID)
	// one device failing never blocks the others
	if final.DevicesDone != 2 || final.DevicesOK != 1 {
		t.Errorf("progress = %d ok / %d done, want 1/2", final.DevicesOK, final.DevicesDone)
	}
	if final.Status != domain.JobFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Log, "[sw1] attempt 1/3 failed: auth_failed") {
		t.Errorf("log missing classified failure:\n%s", final.Log)
	}
	if !strings.Contains(final.Log, "[sw2] backup ok") {
		t.Errorf("log missing sw2 success:\n%s", final.Log)
	}
}

func TestRunnerCancelledTokenSkipsAllDevices(t *testing.T) {
	h, newJob := newRunnerHarness(t)
	seedDevice(t, h, 1, "sw1")
	seedDevice(t, h, 2, "sw2")
	seedDevice(t, h, 3, "sw3")

	token := NewCancelToken()
	token.Cancel()

	job := newJob()
	h.runner.Run(job, token)

	final := loadJob(t, h, job.ID)
	if final.Status != domain.JobFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if final.DevicesDone != 0 {
		t.Errorf("devices_done = %d, want 0", final.DevicesDone)
	}
	if n := strings.Count(final.Log, "skipped (cancelled)"); n != 3 {
		t.Errorf("log records %d skipped devices, want 3:\n%s", n, final.Log)
	}
	if !strings.Contains(final.Log, "job cancelled") {
		t.Errorf("log missing cancellation note:\n%s", final.Log)
	}
	if h.conn.callCount("sw1") != 0 {
		t.Error("cancelled job still opened a session")
	}
}

func TestRunnerCancellationStopsRetries(t *testing.T) {
	h, newJob := newRunnerHarness(t)
	seedDevice(t, h, 1, "sw1")
	h.conn.script["sw1"] = []error{timeoutErr("sw1"), timeoutErr("sw1"), nil}

	token := NewCancelToken()
	h.conn.onCall = func(host string) {
		// cancel during the first attempt; the retry must not happen
		token.Cancel()
	}

	job := newJob()
	h.runner.Run(job, token)

	if got := h.conn.callCount("sw1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	final := loadJob(t, h, job.ID)
	if final.Status != domain.JobFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Log, "skipped remaining attempts (cancelled)") {
		t.Errorf("log missing retry skip note:\n%s", final.Log)
	}
}

func TestRunnerEmptyTargetSetSucceeds(t *testing.T) {
	h, newJob := newRunnerHarness(t)

	job := newJob()
	h.runner.Run(job, NewCancelToken())

	final := loadJob(t, h, job.ID)
	if final.Status != domain.JobSuccess {
		t.Errorf("status = %q, want success", final.Status)
	}
	if final.DevicesTotal != 0 {
		t.Errorf("devices_total = %d, want 0", final.DevicesTotal)
	}
}

func TestRunnerTagTargetFiltersDevices(t *testing.T) {
	h, newJob := newRunnerHarness(t)
	core := seedDevice(t, h, 1, "core1")
	h.runner.db.Model(core).Update("tags", "core,jakarta")
	seedDevice(t, h, 2, "edge1")

	job := newJob()
	h.runner.db.Model(job).Updates(map[string]interface{}{
		"target_type": domain.TargetTag,
		"target_tags": "core",
	})
	job.TargetType = domain.TargetTag
	job.TargetTags = "core"
	h.runner.Run(job, NewCancelToken())

	final := loadJob(t, h, job.ID)
	if final.DevicesTotal != 1 {
		t.Errorf("devices_total = %d, want 1", final.DevicesTotal)
	}
	if h.conn.callCount("edge1") != 0 {
		t.Error("untagged device was contacted")
	}
}

func TestRunnerRetentionHoldsAcrossJobs(t *testing.T) {
	h, newJob := newRunnerHarness(t)
	dev := seedDevice(t, h, 1, "sw1")

	for i := 0; i < 4; i++ {
		job := newJob()
		h.runner.db.Model(job).Update("retention", 2)
		job.Retention = 2
		h.runner.Run(job, NewCancelToken())
		time.Sleep(5 * time.Millisecond)
	}

	count, err := h.store.Count(dev.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count > 2 {
		t.Errorf("stored backups = %d, want <= 2", count)
	}
}
