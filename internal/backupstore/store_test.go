package backupstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

func TestStoreWritesArtifactAndRow(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	s := New(db, dir)
	dev := &domain.NetDevice{ID: 1, Hostname: "sw1"}

	entry, err := s.Store(dev, 100, []byte("hostname sw1\n"), 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if entry.SizeBytes != len("hostname sw1\n") {
		t.Errorf("size = %d", entry.SizeBytes)
	}
	if len(entry.Hash) != 64 {
		t.Errorf("hash length = %d, want sha256 hex", len(entry.Hash))
	}
	body, err := os.ReadFile(entry.Path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if string(body) != "hostname sw1\n" {
		t.Errorf("artifact content = %q", body)
	}
}

func TestPruneKeepsNewestN(t *testing.T) {
	db := openTestDB(t)
	s := New(db, t.TempDir())
	dev := &domain.NetDevice{ID: 7, Hostname: "sw7"}

	var paths []string
	for i := 0; i < 8; i++ {
		entry, err := s.Store(dev, int64(i), []byte(fmt.Sprintf("config rev %d\n", i)), 5)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		paths = append(paths, entry.Path)
		// distinct created_at ordering on sqlite
		time.Sleep(5 * time.Millisecond)

		n, err := s.Count(dev.ID)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n > 5 {
			t.Fatalf("after store %d: %d entries retained, want <= 5", i, n)
		}
	}

	var kept []domain.BackupEntry
	if err := db.Where("device_id = ?", dev.ID).Order("created_at ASC, id ASC").Find(&kept).Error; err != nil {
		t.Fatal(err)
	}
	if len(kept) != 5 {
		t.Fatalf("kept %d entries, want 5", len(kept))
	}
	// oldest were pruned first: revs 3..7 remain
	if kept[0].JobID != 3 || kept[4].JobID != 7 {
		t.Errorf("wrong survivors: first job %d last job %d", kept[0].JobID, kept[4].JobID)
	}
	// pruned artifacts removed from disk
	for _, p := range paths[:3] {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("pruned artifact still on disk: %s", p)
		}
	}
}

func TestPruneIgnoresOtherDevices(t *testing.T) {
	db := openTestDB(t)
	s := New(db, t.TempDir())
	a := &domain.NetDevice{ID: 1, Hostname: "a"}
	b := &domain.NetDevice{ID: 2, Hostname: "b"}

	for i := 0; i < 3; i++ {
		if _, err := s.Store(a, 0, []byte(fmt.Sprintf("a%d", i)), 2); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Store(b, 0, []byte(fmt.Sprintf("b%d", i)), 2); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	na, _ := s.Count(a.ID)
	nb, _ := s.Count(b.ID)
	if na != 2 || nb != 2 {
		t.Errorf("counts a=%d b=%d, want 2/2", na, nb)
	}
}

func TestPruneKeepsSharedArtifactForUnchangedConfig(t *testing.T) {
	db := openTestDB(t)
	s := New(db, t.TempDir())
	dev := &domain.NetDevice{ID: 4, Hostname: "sw1"}

	// a device whose config never changes hashes to the same artifact path
	// every run; pruning older rows must not remove the file the retained
	// rows still point at
	var last *domain.BackupEntry
	for i := 0; i < 6; i++ {
		entry, err := s.Store(dev, int64(i), []byte("hostname sw1\nend\n"), 5)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		last = entry
		time.Sleep(5 * time.Millisecond)
	}

	n, err := s.Count(dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("retained %d entries, want 5", n)
	}
	if _, err := os.Stat(last.Path); err != nil {
		t.Fatalf("shared artifact missing after prune: %v", err)
	}

	var kept []domain.BackupEntry
	if err := db.Where("device_id = ?", dev.ID).Find(&kept).Error; err != nil {
		t.Fatal(err)
	}
	for _, e := range kept {
		if _, body, err := s.Content(e.ID); err != nil {
			t.Errorf("entry %d unreadable: %v", e.ID, err)
		} else if string(body) != "hostname sw1\nend\n" {
			t.Errorf("entry %d content = %q", e.ID, body)
		}
	}
}

func TestPruneRemovesArtifactOnceUnreferenced(t *testing.T) {
	db := openTestDB(t)
	s := New(db, t.TempDir())
	dev := &domain.NetDevice{ID: 5, Hostname: "sw5"}

	old, err := s.Store(dev, 1, []byte("old config\n"), 1)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Store(dev, 2, []byte("new config\n"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Errorf("unreferenced artifact still on disk: %s", old.Path)
	}
}

func TestContentRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := New(db, t.TempDir())
	dev := &domain.NetDevice{ID: 3, Hostname: "fw1"}

	entry, err := s.Store(dev, 9, []byte("set system host-name fw1\n"), 3)
	if err != nil {
		t.Fatal(err)
	}
	got, body, err := s.Content(entry.ID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if got.ID != entry.ID || string(body) != "set system host-name fw1\n" {
		t.Errorf("content mismatch")
	}
}
