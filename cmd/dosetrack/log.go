package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmeredith/dosetrack/internal/record"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record a dose, vial, or weight sample",
}

var logDoseCmd = &cobra.Command{
	Use:   "dose",
	Short: "Record an administered dose",
	Long: `Record a dose event.

Example:
  dosetrack log dose --qty 2.5 --site "left thigh" --notes "slow release"
  dosetrack log dose --qty 2.5 --site abdomen --at 2026-03-01T08:30:00Z`,
	Run: func(cmd *cobra.Command, args []string) {
		logRecord(cmd, record.EntityDose)
	},
}

var logVialCmd = &cobra.Command{
	Use:   "vial",
	Short: "Record an inventory vial",
	Long: `Record a vial added to inventory.

Example:
  dosetrack log vial --qty 10 --lot LOT-2231`,
	Run: func(cmd *cobra.Command, args []string) {
		logRecord(cmd, record.EntityVial)
	},
}

var logWeightCmd = &cobra.Command{
	Use:   "weight",
	Short: "Record a body-weight sample",
	Long: `Record a body-weight sample in your unit of choice.

Example:
  dosetrack log weight --qty 82.4 --bodyfat 18.2`,
	Run: func(cmd *cobra.Command, args []string) {
		logRecord(cmd, record.EntityWeight)
	},
}

func logRecord(cmd *cobra.Command, entity record.EntityType) {
	qty, _ := cmd.Flags().GetFloat64("qty")
	at, _ := cmd.Flags().GetString("at")
	notes, _ := cmd.Flags().GetString("notes")
	site, _ := cmd.Flags().GetString("site")
	lot, _ := cmd.Flags().GetString("lot")
	ref, _ := cmd.Flags().GetString("ref")
	bodyfat, _ := cmd.Flags().GetFloat64("bodyfat")

	timestamp := time.Now().UTC()
	if at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			fatal(fmt.Errorf("invalid --at timestamp (want RFC 3339): %w", err))
		}
		timestamp = parsed
	}

	a, err := openApp()
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	rec, err := a.orch.CreateRecord(record.Record{
		Entity:     entity,
		Timestamp:  timestamp,
		Quantity:   qty,
		Site:       site,
		Notes:      notes,
		LotNumber:  lot,
		RefID:      ref,
		BodyFatPct: bodyfat,
	})
	if err != nil {
		fatal(err)
	}

	fmt.Printf("Recorded %s %s (%s)\n", rec.Entity, rec.LocalID, rec.SyncState)
}

func init() {
	for _, cmd := range []*cobra.Command{logDoseCmd, logVialCmd, logWeightCmd} {
		cmd.Flags().Float64("qty", 0, "quantity (dose units, vial volume, or weight)")
		cmd.Flags().String("at", "", "timestamp in RFC 3339 (default: now)")
		cmd.Flags().String("notes", "", "free-form notes")
		cmd.Flags().String("ref", "", "external reference id")
		cmd.MarkFlagRequired("qty")
		logCmd.AddCommand(cmd)
	}
	logDoseCmd.Flags().String("site", "", "injection site")
	logVialCmd.Flags().String("lot", "", "vial lot number")
	logWeightCmd.Flags().Float64("bodyfat", 0, "body fat percentage")

	rootCmd.AddCommand(logCmd)
}
