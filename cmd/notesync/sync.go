package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuitang/notesync/internal/obs"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and print its result as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		adapter, err := openAdapter(ctx, cfg)
		if err != nil {
			return err
		}
		engine := newEngine(store, adapter, cfg)

		ctx = obs.WithCorrelation(ctx, obs.Correlation{Trigger: "manual"})
		result := engine.Synchronize(ctx)
		result.Error = redactSecrets(result.Error)

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if !result.Success {
			return fmt.Errorf("sync failed: %s", result.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
