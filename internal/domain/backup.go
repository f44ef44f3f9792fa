package domain

import "time"

// Backup module related models

// Job status values. A job is created queued, admitted to running by the
// queue, and ends in exactly one of success or failed.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// Job trigger values.
const (
	TriggerManual = "manual"
	TriggerSystem = "system"
)

// Schedule target selector types.
const (
	TargetAll = "all"
	TargetTag = "tag"
)

// BackupSchedule a recurring rule that enqueues backup jobs at a fixed local
// time every IntervalDays days. Target resolution is dynamic: devices are
// matched by tag (or all enabled devices) at dispatch time, never by a frozen
// device list.
type BackupSchedule struct {
	ID           int64     `json:"id,string" form:"id"`
	Name         string    `gorm:"uniqueIndex" json:"name" form:"name"`
	IntervalDays int       `json:"interval_days" form:"interval_days"` // >= 1
	RunAt        string    `json:"run_at" form:"run_at"`               // HH:MM local time
	TargetType   string    `json:"target_type" form:"target_type"`     // all | tag
	TargetTags   string    `json:"target_tags" form:"target_tags"`     // comma-separated, for tag targets
	Retention    int       `json:"retention" form:"retention"`         // backups kept per device, >= 1
	NotifyOnFail bool      `json:"notify_on_fail" form:"notify_on_fail"`
	Status       string    `json:"status" form:"status"` // enabled | disabled
	LastRunAt    time.Time `json:"last_run_at"`
	NextRunAt    time.Time `json:"next_run_at"`
	LastResult   string    `json:"last_result"`
	LastMessage  string    `json:"last_message"`
	Remark       string    `json:"remark" form:"remark"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName Specify table name
func (BackupSchedule) TableName() string {
	return "backup_schedule"
}

// BackupJob one execution of the backup process against a snapshot of target
// devices. Immutable once terminal except for audit annotations.
type BackupJob struct {
	ID           int64     `json:"id,string" form:"id"`
	TriggeredBy  string    `json:"triggered_by"` // manual | schedule:<name> | system
	Status       string    `gorm:"index" json:"status"`
	Retention    int       `json:"retention"`
	TargetType   string    `json:"target_type"` // all | tag, snapshot of the trigger's selector
	TargetTags   string    `json:"target_tags"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DevicesTotal int       `json:"devices_total"`
	DevicesDone  int       `json:"devices_done"`
	DevicesOK    int       `json:"devices_ok"`
	Log          string    `json:"log"` // device-tagged lines, completion order
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName Specify table name
func (BackupJob) TableName() string {
	return "backup_job"
}

// Terminal reports whether the job reached a final state.
func (j BackupJob) Terminal() bool {
	return j.Status == JobSuccess || j.Status == JobFailed
}

// BackupEntry an immutable stored configuration artifact. Rows are written
// once by the backup store and removed only by retention pruning.
type BackupEntry struct {
	ID        int64     `json:"id,string"`
	DeviceID  int64     `gorm:"index" json:"device_id,string"`
	JobID     int64     `gorm:"index" json:"job_id,string"`
	Path      string    `json:"path"`
	SizeBytes int       `json:"size_bytes"`
	Hash      string    `json:"hash"` // sha256 hex of the content
	Status    string    `json:"status"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName Specify table name
func (BackupEntry) TableName() string {
	return "backup_entry"
}
