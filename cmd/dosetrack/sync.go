package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pmeredith/dosetrack/internal/queue"
	"github.com/pmeredith/dosetrack/internal/record"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with the remote service",
	Long: `Run a sync against the configured remote service.

By default this is a full sync: local changes are pushed first, then the
remote record set is pulled and merged. Use --push-only or --pull-only to
run half of it.

Without a remote_url or api_token configured, sync is a no-op and local
data stays local.`,
	Run: func(cmd *cobra.Command, args []string) {
		pushOnly, _ := cmd.Flags().GetBool("push-only")
		pullOnly, _ := cmd.Flags().GetBool("pull-only")
		if pushOnly && pullOnly {
			fatal(fmt.Errorf("--push-only and --pull-only are mutually exclusive"))
		}

		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		ctx := context.Background()
		switch {
		case pushOnly:
			if err := a.orch.PushLocalChanges(ctx); err != nil {
				fatal(err)
			}
		case pullOnly:
			res, err := a.orch.PullRemoteChanges(ctx)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Pulled %d new, %d updated, %d skipped\n", res.Inserted, res.Updated, res.Skipped)
		default:
			if err := a.orch.FullSync(ctx); err != nil {
				fatal(err)
			}
		}

		printStatus(a)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long:  `Show queue and record counts without triggering a sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		printStatus(a)

		failed := a.queue.Failed()
		if len(failed) == 0 {
			return
		}
		fmt.Println("\nFailed operations:")
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		for _, op := range failed {
			fmt.Fprintf(w, "  %s\t%s %s\t%d attempts\t%s\n", op.OpID, op.Kind, op.Entity, op.RetryCount, op.LastError)
		}
		w.Flush()
		fmt.Println("\nUse 'dosetrack retry <op-id>' or 'dosetrack clear <op-id>'.")
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [op-id]",
	Short: "Retry a failed operation",
	Long: `Reset a failed operation to pending and drain the queue.

With --all, every failed operation is retried.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) != 1 {
			fatal(fmt.Errorf("provide an operation id or --all"))
		}

		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		if all {
			for _, op := range a.queue.Failed() {
				if err := a.queue.Retry(op.OpID); err != nil {
					fatal(err)
				}
			}
		} else {
			if err := a.queue.Retry(args[0]); err != nil {
				fatal(err)
			}
		}

		if err := a.sched.Drain(context.Background()); err != nil {
			fatal(err)
		}
		printStatus(a)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <op-id>",
	Short: "Discard a failed operation",
	Long: `Remove a failed operation from the queue without retrying it.

The record it belonged to keeps its failed state until edited again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		if err := a.queue.Clear(args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Cleared %s\n", args[0])
	},
}

func printStatus(a *app) {
	st := a.orch.Status()

	if a.cfg.RemoteURL == "" {
		fmt.Println("Remote: (not configured)")
	} else {
		fmt.Printf("Remote: %s\n", a.cfg.RemoteURL)
	}
	fmt.Printf("Authenticated: %v\n", st.Authenticated)
	if !st.LastFullSync.IsZero() {
		fmt.Printf("Last full sync: %s\n", st.LastFullSync.Format("2006-01-02 15:04:05 MST"))
	}

	fmt.Printf("Queue: %d pending, %d failed, %d completed\n",
		st.Queue[queue.StatusPending], st.Queue[queue.StatusFailed], st.Queue[queue.StatusCompleted])
	fmt.Printf("Records: %d synced, %d pending, %d local-only, %d failed\n",
		st.Records[record.StateSynced], st.Records[record.StatePending],
		st.Records[record.StateLocalOnly], st.Records[record.StateFailed])
}

func init() {
	syncCmd.Flags().Bool("push-only", false, "push local changes without pulling")
	syncCmd.Flags().Bool("pull-only", false, "pull remote changes without pushing")
	retryCmd.Flags().Bool("all", false, "retry every failed operation")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(clearCmd)
}
