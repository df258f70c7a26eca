package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmeredith/dosetrack/internal/inbox"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import records from a JSON export",
	Long: `Import a JSON export file: an array of records.

Imported records go through the same deduplication as a pull, so importing
the same export twice changes nothing. New records are queued for push.

Example:
  dosetrack import backup.json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		recs, err := inbox.ReadExportFile(args[0])
		if err != nil {
			fatal(err)
		}

		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		res, err := a.orch.Import(recs)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Imported %d new, %d updated, %d skipped\n", res.Inserted, res.Updated, res.Skipped)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
