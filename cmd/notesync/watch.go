package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/reconcile"
	"github.com/spf13/cobra"
)

const defaultDebounce = 2 * time.Second

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync on an interval and whenever the store or the replica file changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		cfg.PrintSummary(cmd.ErrOrStderr())

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
		unsubscribe := engine.Subscribe(reconcile.ObserverFunc(func(e reconcile.Event) {
			if e.Result == nil {
				return
			}
			fmt.Fprintln(cmd.ErrOrStderr(), summarize(e))
		}))
		defer unsubscribe()

		paths := []string{cfg.DatabasePath, cfg.DatabasePath + "-wal"}
		remoteFile := snapshotFile(cfg)
		if remoteFile != "" {
			if err := os.MkdirAll(filepath.Dir(remoteFile), 0750); err != nil {
				return fmt.Errorf("failed to create snapshot directory: %w", err)
			}
			paths = append(paths, remoteFile)
		}
		trigger, err := newFileTrigger(paths, watchDebounce)
		if err != nil {
			return err
		}
		defer trigger.Close()
		go trigger.Run(ctx)

		loop := &watchLoop{
			engine:     engine,
			store:      store,
			interval:   cfg.SyncInterval,
			remoteFile: remoteFile,
			changes:    trigger.C(),
		}
		loop.Run(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", defaultDebounce, "quiet period after a file change before syncing")
}

func summarize(e reconcile.Event) string {
	r := e.Result
	if e.Kind == reconcile.EventFailed {
		return fmt.Sprintf("%s sync failed: %s", e.At.Local().Format(time.TimeOnly), r.Error)
	}
	return fmt.Sprintf("%s synced: %d down, %d up, %d conflicts, %d deferred",
		e.At.Local().Format(time.TimeOnly), r.LocalUpdates, r.RemoteUpdates, r.Conflicts, r.Deferred)
}

// fileStamp identifies one version of a file.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func statFile(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

// watchLoop runs a cycle at start, on every tick and after file changes that
// are not the engine's own writes.
type watchLoop struct {
	engine     *reconcile.Engine
	store      *db.Store
	interval   time.Duration
	remoteFile string
	changes    <-chan struct{}

	// seen is the replica file as of the end of the last cycle.
	seen fileStamp
}

func (w *watchLoop) Run(ctx context.Context) {
	log := obs.Pkg("main")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sync(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			log.Info("watch_stopped")
			return
		case <-ticker.C:
			w.sync(ctx, "timer")
		case <-w.changes:
			run, err := w.changed(ctx)
			if err != nil {
				log.Warn("watch_check_failed", "error", err.Error())
				continue
			}
			if run {
				w.sync(ctx, "file")
			}
		}
	}
}

func (w *watchLoop) sync(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	w.engine.Synchronize(obs.WithCorrelation(ctx, obs.Correlation{Trigger: trigger}))
	if w.remoteFile != "" {
		w.seen = statFile(w.remoteFile)
	}
}

// changed reports whether a file event reflects work for the engine: local
// edits not yet pushed, or a replica file written by another device.
func (w *watchLoop) changed(ctx context.Context) (bool, error) {
	st, err := w.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	if st.Dirty > 0 || st.PendingTombstones > 0 {
		return true, nil
	}
	if w.remoteFile != "" && statFile(w.remoteFile) != w.seen {
		return true, nil
	}
	return false, nil
}

// fileTrigger turns fsnotify events on a set of files into debounced
// signals. The parent directories are watched so files that are replaced by
// rename, or do not exist yet, are still seen.
type fileTrigger struct {
	watcher  *fsnotify.Watcher
	names    map[string]bool
	debounce time.Duration
	out      chan struct{}
	once     sync.Once
}

func newFileTrigger(paths []string, debounce time.Duration) (*fileTrigger, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	t := &fileTrigger{
		watcher:  watcher,
		names:    make(map[string]bool, len(paths)),
		debounce: debounce,
		out:      make(chan struct{}, 1),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		t.names[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}
	return t, nil
}

// C delivers at most one pending signal at a time.
func (t *fileTrigger) C() <-chan struct{} { return t.out }

// Run forwards events until ctx is done or the watcher is closed.
func (t *fileTrigger) Run(ctx context.Context) {
	log := obs.Pkg("main")
	timer := time.NewTimer(t.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !t.names[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				timer.Reset(t.debounce)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("fsnotify_error", "error", err.Error())
		case <-timer.C:
			select {
			case t.out <- struct{}{}:
			default:
			}
		}
	}
}

func (t *fileTrigger) Close() error {
	var err error
	t.once.Do(func() { err = t.watcher.Close() })
	return err
}
