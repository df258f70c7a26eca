// Package daemon runs the background sync service.
//
// The daemon:
// 1. Drains any operations left queued from previous sessions
// 2. Watches connectivity and drains the queue the moment it returns
// 3. Runs a periodic full sync
// 4. Ingests export files dropped into the inbox directory
// 5. Broadcasts sync activity over the dashboard WebSocket
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pmeredith/dosetrack/internal/dashboard"
	"github.com/pmeredith/dosetrack/internal/inbox"
	"github.com/pmeredith/dosetrack/internal/queue"
	"github.com/pmeredith/dosetrack/internal/remote"
	dosesync "github.com/pmeredith/dosetrack/internal/sync"
)

// ConnectivityMonitor is the daemon's view of the connectivity probe:
// subscription to transitions plus lifecycle control. Stop must not return
// while a transition handler is still running.
type ConnectivityMonitor interface {
	remote.Connectivity
	Start(ctx context.Context)
	Stop()
}

// Config holds the daemon's collaborators. Orchestrator and Scheduler are
// required; Probe, Inbox, and Dashboard are optional features.
type Config struct {
	Orchestrator *dosesync.Orchestrator
	Scheduler    *queue.Scheduler
	Probe        ConnectivityMonitor
	Inbox        *inbox.Watcher
	Dashboard    *dashboard.Server

	// SyncInterval is how often a periodic full sync runs. Zero defaults
	// to five minutes.
	SyncInterval time.Duration

	Logger *log.Logger
}

// Daemon composes the long-running pieces of dosetrack.
type Daemon struct {
	orch      *dosesync.Orchestrator
	sched     *queue.Scheduler
	probe     ConnectivityMonitor
	inbox     *inbox.Watcher
	dashboard *dashboard.Server
	interval  time.Duration
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon from cfg.
func New(cfg Config) (*Daemon, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	return &Daemon{
		orch:      cfg.Orchestrator,
		sched:     cfg.Scheduler,
		probe:     cfg.Probe,
		inbox:     cfg.Inbox,
		dashboard: cfg.Dashboard,
		interval:  cfg.SyncInterval,
		logger:    cfg.Logger,
	}, nil
}

// Start brings up every component and blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")
	d.ctx, d.cancel = context.WithCancel(ctx)

	// Torn down in reverse order before the WaitGroup is waited on, so no
	// component can register new goroutines once shutdown begins.
	var cleanup []func()

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dashboard.Pump(d.ctx, d.sched.Events())
		}()

		unsubscribe := d.orch.Subscribe(func(st dosesync.Status) {
			d.dashboard.Broadcast(dashboard.NewSyncCompleteMessage(st))
		})
		cleanup = append(cleanup, unsubscribe)
	}

	if d.probe != nil {
		unsubscribe := d.probe.Subscribe(func(online bool) {
			if !online {
				return
			}
			d.logger.Println("Connectivity regained, draining queue")
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.sched.Drain(d.ctx); err != nil && d.ctx.Err() == nil {
					d.logger.Printf("Drain error: %v", err)
				}
			}()
		})
		d.probe.Start(d.ctx)
		// Stop waits out the poll goroutine, so no transition handler can
		// spawn a drain after it returns.
		cleanup = append(cleanup, func() {
			d.probe.Stop()
			unsubscribe()
		})
	}

	if d.inbox != nil {
		if err := d.inbox.Start(d.ctx); err != nil {
			d.cancel()
			_ = d.shutdown(cleanup)
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		cleanup = append(cleanup, func() {
			if err := d.inbox.Stop(); err != nil {
				d.logger.Printf("Inbox watcher stop error: %v", err)
			}
		})
	}

	// Operations queued before this session started.
	if err := d.orch.PushLocalChanges(d.ctx); err != nil && d.ctx.Err() == nil {
		d.logger.Printf("Startup push error: %v", err)
	}

	d.wg.Add(1)
	go d.syncLoop()

	<-d.ctx.Done()
	return d.shutdown(cleanup)
}

// Stop signals the daemon to shut down. Safe to call from another
// goroutine; Start returns once everything has wound down.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) shutdown(cleanup []func()) error {
	d.logger.Println("Stopping daemon")
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	d.wg.Wait()

	if d.dashboard != nil {
		if err := d.dashboard.Stop(); err != nil {
			d.logger.Printf("Error stopping dashboard: %v", err)
		}
	}
	d.logger.Println("Daemon stopped")
	return nil
}

// syncLoop runs the periodic full sync.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.orch.FullSync(d.ctx); err != nil && d.ctx.Err() == nil {
				d.logger.Printf("Periodic sync error: %v", err)
			}
		}
	}
}
