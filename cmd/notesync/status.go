package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/spf13/cobra"
)

var statusJSON bool

type statusReport struct {
	Backend   string                   `json:"backend"`
	Store     string                   `json:"store"`
	Watermark *time.Time               `json:"watermark,omitempty"`
	Stats     db.Stats                 `json:"stats"`
	Queue     []notes.PendingOperation `json:"queue"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync watermark, pending work and the retry queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		report := statusReport{Backend: cfg.Backend, Store: cfg.DatabasePath}
		wm, err := store.Watermark(ctx)
		if err != nil {
			return err
		}
		if !wm.IsZero() {
			report.Watermark = &wm
		}
		if report.Stats, err = store.Stats(ctx); err != nil {
			return err
		}
		if report.Queue, err = store.PendingOperations(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		}

		fmt.Fprintf(out, "backend:    %s\n", report.Backend)
		fmt.Fprintf(out, "store:      %s\n", report.Store)
		if report.Watermark == nil {
			fmt.Fprintln(out, "last sync:  never")
		} else {
			fmt.Fprintf(out, "last sync:  %s\n", report.Watermark.Local().Format(time.DateTime))
		}
		st := report.Stats
		fmt.Fprintf(out, "notes:      %d (%d pending upload)\n", st.Notes, st.Dirty)
		fmt.Fprintf(out, "tombstones: %d (%d pending delete)\n", st.Tombstones, st.PendingTombstones)
		fmt.Fprintf(out, "queued:     %d\n", st.Queued)
		for _, op := range report.Queue {
			line := fmt.Sprintf("  #%d %s %s retries=%d", op.Seq, op.Op, op.NoteID, op.RetryCount)
			if op.LastError != "" {
				line += " error=" + logutil.TruncateForLog(op.LastError, 120)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}
