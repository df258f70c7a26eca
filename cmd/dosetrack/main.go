// dosetrack is an offline-first tracker for dose events, inventory vials,
// and body-weight samples. Records are stored locally and synced to a
// remote service when connectivity and a session allow it.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmeredith/dosetrack/internal/config"
	"github.com/pmeredith/dosetrack/internal/queue"
	"github.com/pmeredith/dosetrack/internal/remote"
	"github.com/pmeredith/dosetrack/internal/store"
	dosesync "github.com/pmeredith/dosetrack/internal/sync"
	"github.com/pmeredith/dosetrack/internal/tombstone"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dosetrack",
	Short: "Offline-first dose, vial, and weight tracker",
	Long: `dosetrack records dose events, inventory vials, and body-weight samples
locally and syncs them to a remote service when one is configured.

Everything works offline: records are queued and pushed the next time
connectivity and a session are available. Pulled records are deduplicated
by content, so the same event logged on two devices converges to one
record.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.dosetrack/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired components a command needs. Close releases the
// database.
type app struct {
	cfg     *config.Config
	db      *store.SQLite
	records *store.RecordStore
	queue   *queue.Queue
	tombs   *tombstone.Tracker
	client  remote.Client
	session *remote.TokenSession
	sched   *queue.Scheduler
	orch    *dosesync.Orchestrator
}

// openApp loads configuration and wires the sync stack. Commands that only
// touch local state work fine with no remote_url configured; sync commands
// become no-ops in that case.
func openApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	records, err := store.NewRecordStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	q, err := queue.Load(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	tombs, err := tombstone.New(db, nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	session := remote.NewTokenSession(cfg.APIToken)
	client := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: cfg.RemoteURL,
		Timeout: cfg.RequestTimeout,
	}, session)

	sched := queue.NewScheduler(q, client, records, tombs, queue.Config{})

	// One-shot commands just attempt the calls; the error taxonomy sorts
	// out unreachable remotes. Connectivity is probed only by the daemon.
	online := remote.Static(cfg.RemoteURL != "")

	orch := dosesync.New(dosesync.Config{
		Store:           records,
		Queue:           q,
		Scheduler:       sched,
		Tombstones:      tombs,
		Client:          client,
		Connectivity:    online,
		Session:         session,
		TombstoneWindow: cfg.TombstoneWindow,
	})

	return &app{
		cfg:     cfg,
		db:      db,
		records: records,
		queue:   q,
		tombs:   tombs,
		client:  client,
		session: session,
		sched:   sched,
		orch:    orch,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Printf("Warning: failed to close database: %v", err)
	}
}

// fatal prints err and exits. Commands use it after cleanup.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
