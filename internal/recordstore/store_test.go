package recordstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/elderdiet/activitysync/internal/storage"
)

type sampleRecord struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestBuildFromDSNMemory(t *testing.T) {
	store, err := BuildFromDSN("memory://", "session")
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	var empty sampleRecord
	found, err := store.Load(&empty)
	if err != nil || found {
		t.Fatalf("expected empty store, got found=%v err=%v", found, err)
	}
	if err := store.Save(sampleRecord{ID: "a", Count: 3}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	var loaded sampleRecord
	found, err = store.Load(&loaded)
	if err != nil || !found || loaded.Count != 3 {
		t.Fatalf("expected count 3, got %+v found=%v err=%v", loaded, found, err)
	}
}

func TestBuildFromDSNFileUsesKeyedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := BuildFromDSN("file://"+dir, "device")
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	if err := store.Save(sampleRecord{ID: "tok", Count: 7}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "device.json")); err != nil {
		t.Fatalf("expected device.json in store dir: %v", err)
	}
	reopened, err := BuildFromDSN(dir, "device")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	var loaded sampleRecord
	if found, err := reopened.Load(&loaded); err != nil || !found || loaded.ID != "tok" {
		t.Fatalf("expected tok record, got %+v found=%v err=%v", loaded, found, err)
	}
}

func TestFileStoreCorruptRecordIsLocalStorageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file failed: %v", err)
	}
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	var loaded sampleRecord
	if _, err := store.Load(&loaded); !errors.Is(err, ErrLocalStorage) {
		t.Fatalf("expected local storage error, got %v", err)
	}
}

func TestBuildFromDSNSQLite(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "records.db")
	sessions, err := BuildFromDSN(dsn, "session")
	if err != nil {
		t.Fatalf("build sqlite store failed: %v", err)
	}
	defer sessions.Close()
	devices, err := BuildFromDSN(dsn, "device")
	if err != nil {
		t.Fatalf("build second sqlite store failed: %v", err)
	}
	defer devices.Close()

	if err := sessions.Save(sampleRecord{ID: "s1", Count: 1}); err != nil {
		t.Fatalf("save session failed: %v", err)
	}
	if err := sessions.Save(sampleRecord{ID: "s2", Count: 2}); err != nil {
		t.Fatalf("overwrite session failed: %v", err)
	}
	var loaded sampleRecord
	if found, err := sessions.Load(&loaded); err != nil || !found || loaded.ID != "s2" {
		t.Fatalf("expected latest session s2, got %+v found=%v err=%v", loaded, found, err)
	}
	var none sampleRecord
	if found, err := devices.Load(&none); err != nil || found {
		t.Fatalf("expected device key to be independent, got found=%v err=%v", found, err)
	}
}

func TestBuildFromDSNRequiresKey(t *testing.T) {
	if _, err := BuildFromDSN("memory://", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
	if _, err := BuildFromDSN("mysql://localhost/records", "session"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}
}
