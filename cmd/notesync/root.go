package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kuitang/notesync/internal/config"
	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/spf13/cobra"
)

var (
	overrides config.Overrides

	// cfg is loaded once by the root PersistentPreRunE.
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Reconcile a local notes store with a remote replica",
	Long: `notesync keeps an encrypted local notes store in step with one remote
replica: a snapshot database in a synced folder or S3 bucket, or one file per
note in a GitHub repository.

Settings come from NOTESYNC_* environment variables; the global flags override
the matching variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(overrides)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.LogFile != "" {
			logCloser = obs.InitFile(cfg.LogFile)
		} else {
			obs.Init()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, redactSecrets(err.Error()))
		os.Exit(1)
	}
}

// redactSecrets masks configured credentials in text printed to the user.
func redactSecrets(text string) string {
	if cfg == nil {
		return text
	}
	for _, secret := range []string{cfg.GitHubToken, cfg.AWSSecretAccessKey, cfg.MasterKey} {
		text = logutil.RedactSecret(text, secret)
	}
	return text
}

func init() {
	rootCmd.PersistentFlags().StringVar(&overrides.DatabasePath, "db", "", "local store path (NOTESYNC_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&overrides.Backend, "backend", "", "remote backend: snapshot, github or memory (NOTESYNC_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&overrides.LogFile, "log-file", "", "write JSON logs to a rotated file instead of stderr (NOTESYNC_LOG_FILE)")
}
