package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a record",
	Long: `Delete a record locally and queue the remote deletion.

The record is tombstoned for a short window so a concurrent pull cannot
bring it back before the remote copy is gone.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		localID := args[0]
		if err := a.orch.DeleteRecord(localID); err != nil {
			fatal(err)
		}
		fmt.Printf("Deleted %s\n", localID)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
