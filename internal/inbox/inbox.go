// Package inbox watches a drop directory for exported record files.
//
// Any *.json file placed in the directory is expected to hold a JSON array
// of records. The watcher parses it, merges the records into the store
// through the deduplicator, and renames the file to *.imported. Files that
// fail to parse or validate are renamed to *.rejected and left for the user
// to inspect; the watcher never deletes anything.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pmeredith/dosetrack/internal/record"
	dosesync "github.com/pmeredith/dosetrack/internal/sync"
)

// Importer merges a batch of records into the local store.
type Importer interface {
	Import(recs []record.Record) (dosesync.PullResult, error)
}

// Config holds watcher configuration.
type Config struct {
	// DebounceInterval is how long a file must sit quiet before it is
	// ingested. Batches the write events of a file still being copied in.
	DebounceInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

// Watcher ingests record export files dropped into a directory.
type Watcher struct {
	dir      string
	importer Importer
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher over dir. A nil config uses DefaultConfig.
func New(dir string, importer Importer, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		dir:         dir,
		importer:    importer,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start ingests any files already sitting in the directory, then watches
// for new ones until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", w.dir, err)
	}

	// Files dropped while nothing was watching.
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.ingest(filepath.Join(w.dir, entry.Name()))
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processChangeQueue(ctx)

	w.config.Logger.Printf("Watching inbox: %s", w.dir)
	return nil
}

// Stop halts watching and waits for in-flight ingestion to finish.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// watchFileEvents queues fsnotify events for debounced processing.
func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			w.changeQueueMu.Lock()
			w.changeQueue[event.Name] = time.Now()
			w.changeQueueMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue ingests files that have been quiet for the debounce
// interval.
func (w *Watcher) processChangeQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			w.changeQueueMu.Lock()
			var ready []string
			for path, queuedAt := range w.changeQueue {
				if now.Sub(queuedAt) < w.config.DebounceInterval {
					continue
				}
				ready = append(ready, path)
				delete(w.changeQueue, path)
			}
			w.changeQueueMu.Unlock()

			for _, path := range ready {
				w.ingest(path)
			}
		}
	}
}

// ingest parses and imports one export file, renaming it by outcome.
func (w *Watcher) ingest(path string) {
	recs, err := ReadExportFile(path)
	if err != nil {
		w.config.Logger.Printf("Rejecting %s: %v", path, err)
		w.renameTo(path, ".rejected")
		return
	}

	res, err := w.importer.Import(recs)
	if err != nil {
		w.config.Logger.Printf("Error importing %s: %v", path, err)
		return
	}

	w.config.Logger.Printf("Ingested %s: %d new, %d updated, %d skipped", filepath.Base(path), res.Inserted, res.Updated, res.Skipped)
	w.renameTo(path, ".imported")
}

func (w *Watcher) renameTo(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.config.Logger.Printf("Error renaming %s: %v", path, err)
	}
}

// ReadExportFile parses a JSON export: an array of records, each of which
// must validate (identifiers excepted, they are assigned on import).
func ReadExportFile(path string) ([]record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	var recs []record.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to parse export file: %w", err)
	}

	for i := range recs {
		if recs[i].Entity == "" {
			recs[i].Entity = record.EntityDose
		}
		if !record.ValidEntity(recs[i].Entity) {
			return nil, fmt.Errorf("record %d: unknown entity type %q", i, recs[i].Entity)
		}
		if recs[i].Timestamp.IsZero() {
			return nil, fmt.Errorf("record %d: timestamp is required", i)
		}
		if recs[i].Quantity <= 0 {
			return nil, fmt.Errorf("record %d: quantity must be positive", i)
		}
	}
	return recs, nil
}
