// Package backupstore persists immutable configuration artifacts and
// enforces per-device retention.
package backupstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/pkg/common"
)

type Store struct {
	db  *gorm.DB
	dir string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(db *gorm.DB, dir string) *Store {
	return &Store{db: db, dir: dir, locks: make(map[int64]*sync.Mutex)}
}

// deviceLock serializes store+prune per device so the device never
// transiently holds more than retention+1 entries.
func (s *Store) deviceLock(deviceID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = new(sync.Mutex)
		s.locks[deviceID] = l
	}
	return l
}

// Store writes one immutable artifact for the device, then synchronously
// prunes the oldest entries beyond retention. Pruning only runs after the
// write is confirmed, so a storage failure never violates the retention
// invariant.
func (s *Store) Store(device *domain.NetDevice, jobID int64, content []byte, retention int) (*domain.BackupEntry, error) {
	l := s.deviceLock(device.ID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create backup dir")
	}

	hash := common.Sha256Hash(content)
	name := fmt.Sprintf("%s_%s.cfg", device.Hostname, hash[:8])
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, errors.Wrapf(err, "write artifact %q", path)
	}

	entry := domain.BackupEntry{
		ID:        common.UUIDint64(),
		DeviceID:  device.ID,
		JobID:     jobID,
		Path:      path,
		SizeBytes: len(content),
		Hash:      hash,
		Status:    "success",
	}
	if err := s.db.Create(&entry).Error; err != nil {
		s.removeIfUnreferenced(path)
		return nil, errors.Wrap(err, "insert backup entry")
	}

	if err := s.prune(device.ID, retention); err != nil {
		zap.L().Error("retention prune failed",
			zap.Int64("device_id", device.ID), zap.Error(err))
	}
	return &entry, nil
}

// Prune removes the oldest entries for a device beyond retention.
func (s *Store) Prune(deviceID int64, retention int) error {
	l := s.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()
	return s.prune(deviceID, retention)
}

func (s *Store) prune(deviceID int64, retention int) error {
	if retention < 1 {
		retention = 1
	}
	var stale []domain.BackupEntry
	if err := s.db.Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC").
		Offset(retention).Find(&stale).Error; err != nil {
		return errors.Wrap(err, "list stale entries")
	}

	for _, entry := range stale {
		if err := s.db.Delete(&domain.BackupEntry{}, entry.ID).Error; err != nil {
			return errors.Wrapf(err, "delete entry %d", entry.ID)
		}
		if entry.Path != "" {
			s.removeIfUnreferenced(entry.Path)
		}
		zap.L().Info("pruned backup",
			zap.Int64("device_id", deviceID), zap.Int64("entry_id", entry.ID))
	}
	return nil
}

// removeIfUnreferenced deletes an artifact file only when no entry points at
// it anymore. Identical content hashes to the same path, so a device whose
// configuration never changes shares one file across all its entries.
func (s *Store) removeIfUnreferenced(path string) {
	var refs int64
	if err := s.db.Model(&domain.BackupEntry{}).
		Where("path = ?", path).Count(&refs).Error; err != nil {
		zap.L().Warn("artifact reference check failed",
			zap.String("path", path), zap.Error(err))
		return
	}
	if refs > 0 {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("artifact file removal failed",
			zap.String("path", path), zap.Error(err))
	}
}

// Content reads the artifact body for an entry.
func (s *Store) Content(id int64) (*domain.BackupEntry, []byte, error) {
	var entry domain.BackupEntry
	if err := s.db.First(&entry, id).Error; err != nil {
		return nil, nil, err
	}
	body, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read artifact %q", entry.Path)
	}
	return &entry, body, nil
}

// Count returns the number of stored entries for a device.
func (s *Store) Count(deviceID int64) (int64, error) {
	var n int64
	err := s.db.Model(&domain.BackupEntry{}).Where("device_id = ?", deviceID).Count(&n).Error
	return n, err
}
