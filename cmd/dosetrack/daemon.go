package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pmeredith/dosetrack/internal/daemon"
	"github.com/pmeredith/dosetrack/internal/dashboard"
	"github.com/pmeredith/dosetrack/internal/inbox"
	"github.com/pmeredith/dosetrack/internal/remote"
	dosesync "github.com/pmeredith/dosetrack/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run dosetrack as a long-lived background service.

The daemon:
  1. Drains operations queued in previous sessions
  2. Probes connectivity and drains the queue when it returns
  3. Runs a periodic full sync
  4. Ingests export files dropped into the inbox directory
  5. Serves a WebSocket dashboard of sync activity

Example:
  dosetrack daemon
  dosetrack daemon --dashboard-port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		port, _ := cmd.Flags().GetInt("dashboard-port")
		if port == 0 {
			port = a.cfg.DashboardPort
		}

		logWriter := a.cfg.LogWriter()
		logger := log.New(logWriter, "[daemon] ", log.LstdFlags)

		var probe *remote.Probe
		if a.cfg.RemoteURL != "" {
			probe = remote.NewProbe(a.cfg.RemoteURL, a.cfg.ProbeInterval,
				log.New(logWriter, "[connectivity] ", log.LstdFlags))

			// The daemon's orchestrator consults the probe, so offline
			// periods leave pushed operations queued for the next drain
			// instead of retrying against an unreachable remote.
			a.orch = dosesync.New(dosesync.Config{
				Store:           a.records,
				Queue:           a.queue,
				Scheduler:       a.sched,
				Tombstones:      a.tombs,
				Client:          a.client,
				Connectivity:    probe,
				Session:         a.session,
				TombstoneWindow: a.cfg.TombstoneWindow,
			})
		}

		srv := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Status: a.orch.Status,
			Logger: log.New(logWriter, "[dashboard] ", log.LstdFlags),
		})

		watcher, err := inbox.New(a.cfg.InboxDir, a.orch, &inbox.Config{
			DebounceInterval: inbox.DefaultConfig().DebounceInterval,
			Logger:           log.New(logWriter, "[inbox] ", log.LstdFlags),
		})
		if err != nil {
			fatal(err)
		}

		dcfg := daemon.Config{
			Orchestrator: a.orch,
			Scheduler:    a.sched,
			Inbox:        watcher,
			Dashboard:    srv,
			SyncInterval: a.cfg.SyncInterval,
			Logger:       logger,
		}
		if probe != nil {
			dcfg.Probe = probe
		}
		d, err := daemon.New(dcfg)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Daemon starting (dashboard on port %d, inbox %s)\n", port, a.cfg.InboxDir)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fatal(err)
		}
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "dashboard port (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
