// Package metrics stores process gauges in an embedded tstorage time-series
// database under the workdir.
package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

var (
	mu      sync.RWMutex
	storage tstorage.Storage
)

// InitMetrics opens the gauge store under workdir/metrics.
func InitMetrics(workdir string) error {
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = s
	mu.Unlock()
	return nil
}

// SetGauge records one gauge sample. A no-op before InitMetrics.
func SetGauge(name string, value int64) {
	mu.RLock()
	s := storage
	mu.RUnlock()
	if s == nil {
		return
	}
	_ = s.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
	}})
}

// LatestGauge returns the most recent sample of a gauge over the past hour,
// or 0 when none exists.
func LatestGauge(name string) int64 {
	mu.RLock()
	s := storage
	mu.RUnlock()
	if s == nil {
		return 0
	}
	now := time.Now().Unix()
	points, err := s.Select(name, nil, now-3600, now+1)
	if err != nil || len(points) == 0 {
		return 0
	}
	return int64(points[len(points)-1].Value)
}

// Close flushes and closes the store.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
