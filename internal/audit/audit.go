// Package audit appends an entry for every state-changing action. Recording
// is fire-and-forget: a failed insert is reported to the process log and
// never aborts the operation it describes.
package audit

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/pkg/common"
)

// SystemActor marks actions performed by the engine rather than a user.
const SystemActor = "system"

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one audit entry. Never returns an error.
func (r *Recorder) Record(actor, action, target, result string) {
	entry := domain.SysAuditLog{
		ID:        common.UUIDint64(),
		Timestamp: time.Now(),
		Username:  actor,
		Action:    action,
		Target:    target,
		Result:    result,
	}
	if err := r.db.Create(&entry).Error; err != nil {
		// fallback channel: the entry must not be silently dropped
		zap.L().Error("audit write failed",
			zap.String("actor", actor),
			zap.String("action", action),
			zap.String("target", target),
			zap.String("result", result),
			zap.Error(err))
	}
}
