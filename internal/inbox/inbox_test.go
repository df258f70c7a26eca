package inbox

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pmeredith/dosetrack/internal/record"
	dosesync "github.com/pmeredith/dosetrack/internal/sync"
)

type fakeImporter struct {
	mu      sync.Mutex
	batches [][]record.Record
}

func (f *fakeImporter) Import(recs []record.Record) (dosesync.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, recs)
	return dosesync.PullResult{Inserted: len(recs)}, nil
}

func (f *fakeImporter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func startWatcher(t *testing.T, dir string, importer Importer) *Watcher {
	t.Helper()

	w, err := New(dir, importer, testConfig())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func writeExport(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write export file: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

const validExport = `[{"entity":"dose","timestamp":"2026-03-01T08:30:00Z","quantity":5,"site":"siteA"}]`

func TestIngestsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	importer := &fakeImporter{}
	startWatcher(t, dir, importer)

	path := filepath.Join(dir, "export.json")
	writeExport(t, path, validExport)

	waitFor(t, func() bool { return importer.batchCount() == 1 }, "import")

	if _, err := os.Stat(path + ".imported"); err != nil {
		t.Errorf("ingested file not renamed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original file still present")
	}

	recs := importer.batches[0]
	if len(recs) != 1 || recs[0].Entity != record.EntityDose || recs[0].Quantity != 5 {
		t.Errorf("unexpected import payload: %+v", recs)
	}
}

func TestIngestsFilesPresentAtStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backlog.json")
	writeExport(t, path, validExport)

	importer := &fakeImporter{}
	startWatcher(t, dir, importer)

	// Start ingests synchronously before watching.
	if got := importer.batchCount(); got != 1 {
		t.Errorf("backlog batches = %d, want 1", got)
	}
}

func TestRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	importer := &fakeImporter{}
	startWatcher(t, dir, importer)

	path := filepath.Join(dir, "broken.json")
	writeExport(t, path, `{"not":"an array"`)

	waitFor(t, func() bool {
		_, err := os.Stat(path + ".rejected")
		return err == nil
	}, "rejection rename")

	if got := importer.batchCount(); got != 0 {
		t.Errorf("malformed file reached the importer (%d batches)", got)
	}
}

func TestRejectsInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	importer := &fakeImporter{}
	startWatcher(t, dir, importer)

	path := filepath.Join(dir, "bad.json")
	writeExport(t, path, `[{"entity":"dose","timestamp":"2026-03-01T08:30:00Z","quantity":-1}]`)

	waitFor(t, func() bool {
		_, err := os.Stat(path + ".rejected")
		return err == nil
	}, "rejection rename")
}

func TestIgnoresNonJSONFiles(t *testing.T) {
	dir := t.TempDir()
	importer := &fakeImporter{}
	startWatcher(t, dir, importer)

	writeExport(t, filepath.Join(dir, "notes.txt"), "not an export")
	writeExport(t, filepath.Join(dir, "export.json"), validExport)

	waitFor(t, func() bool { return importer.batchCount() == 1 }, "import")

	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("non-json file was touched: %v", err)
	}
}

func TestReadExportFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	writeExport(t, path, `[
		{"entity":"dose","timestamp":"2026-03-01T08:30:00Z","quantity":5,"site":"siteA"},
		{"entity":"weight","timestamp":"2026-03-01T07:00:00Z","quantity":82.4}
	]`)

	recs, err := ReadExportFile(path)
	if err != nil {
		t.Fatalf("ReadExportFile failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].Entity != record.EntityWeight {
		t.Errorf("record 1 entity = %s, want weight", recs[1].Entity)
	}
}
