package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/remote"
)

// ErrAlreadySyncing is reported when a cycle is requested while one runs.
var ErrAlreadySyncing = errors.New("already syncing")

// State is the orchestrator state.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateDownloading
	StateResolving
	StateApplying
	StateUploading
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateDownloading:
		return "downloading"
	case StateResolving:
		return "resolving"
	case StateApplying:
		return "applying"
	case StateUploading:
		return "uploading"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncResult is the outcome of one Synchronize call.
type SyncResult struct {
	Success       bool   `json:"success"`
	LocalUpdates  int    `json:"localUpdates"`
	RemoteUpdates int    `json:"remoteUpdates"`
	Conflicts     int    `json:"conflicts"`
	Error         string `json:"error,omitempty"`
	// Deferred counts items handed to the retry queue this cycle.
	Deferred int `json:"deferred"`
	// Failed counts plan and retry items that failed this cycle.
	Failed   int           `json:"failed"`
	Retried  int           `json:"retried"`
	CycleID  string        `json:"cycleId,omitempty"`
	Duration time.Duration `json:"durationNs"`

	// Err is the cycle-level error behind Error.
	Err error `json:"-"`
}

// Engine runs sync cycles between one local store and one remote adapter.
type Engine struct {
	store      *db.Store
	adapter    remote.Adapter
	policy     Policy
	maxRetries int
	now        func() time.Time
	log        *slog.Logger

	running atomic.Bool
	state   atomic.Int32

	mu      sync.Mutex
	lastErr error

	observers observers
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the conflict resolution policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithMaxRetries caps retry queue attempts; 0 keeps entries until they succeed.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithClock replaces the clock that stamps delta extraction.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an engine over store and adapter.
func New(store *db.Store, adapter remote.Adapter, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		adapter: adapter,
		now:     time.Now,
		log:     obs.Pkg("reconcile"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current orchestrator state.
func (e *Engine) State() State { return State(e.state.Load()) }

// LastError returns the error of the most recent failed cycle, nil after a
// successful one.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Subscribe registers o for sync events and returns its unsubscribe func.
func (e *Engine) Subscribe(o Observer) func() {
	return e.observers.subscribe(o)
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Synchronize runs one full cycle. A call made while another cycle runs
// returns at once with ErrAlreadySyncing.
func (e *Engine) Synchronize(ctx context.Context) (result SyncResult) {
	if !e.running.CompareAndSwap(false, true) {
		return SyncResult{Error: ErrAlreadySyncing.Error(), Err: ErrAlreadySyncing}
	}
	defer e.running.Store(false)
	e.setState(StateAcquiring)

	start := time.Now()
	ctx, cycleID := obs.WithCycleID(ctx)
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Backend: e.adapter.Name()})
	log := obs.From(ctx)
	e.observers.emit(Event{Kind: EventStarted, CycleID: cycleID, Backend: e.adapter.Name(), At: start})

	defer func() {
		if r := recover(); r != nil {
			result = SyncResult{Err: fmt.Errorf("sync panic: %v", r)}
			result.Error = result.Err.Error()
		}
		result.CycleID = cycleID
		result.Duration = time.Since(start)
		e.finish(ctx, &result)
	}()

	log.Info("sync_started", "mode", e.adapter.Mode().String())
	return e.cycle(ctx)
}

func (e *Engine) finish(ctx context.Context, result *SyncResult) {
	log := obs.From(ctx)
	kind := EventCompleted
	if result.Err != nil {
		kind = EventFailed
		e.setState(StateFailed)
		log.Error("sync_failed", "error", result.Error, "dur_ms", result.Duration.Milliseconds())
	} else {
		log.Info("sync_completed",
			"local_updates", result.LocalUpdates,
			"remote_updates", result.RemoteUpdates,
			"conflicts", result.Conflicts,
			"deferred", result.Deferred,
			"failed", result.Failed,
			"dur_ms", result.Duration.Milliseconds(),
		)
	}
	e.mu.Lock()
	e.lastErr = result.Err
	e.mu.Unlock()

	snapshot := *result
	e.observers.emit(Event{Kind: kind, CycleID: result.CycleID, Backend: e.adapter.Name(), At: time.Now(), Result: &snapshot})
	e.setState(StateIdle)
}

func failed(err error) SyncResult {
	return SyncResult{Error: err.Error(), Err: err}
}

func (e *Engine) cycle(ctx context.Context) SyncResult {
	log := obs.From(ctx)

	e.setState(StateDownloading)
	sess, err := e.adapter.Open(ctx, e.store)
	if err != nil {
		return failed(fmt.Errorf("open remote: %w", err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("sync_session_close_failed", "error", err.Error())
		}
	}()

	drained, err := Drain(ctx, e.store, sess, e.maxRetries)
	if err != nil {
		return failed(fmt.Errorf("drain retry queue: %w", err))
	}

	e.setState(StateResolving)
	extractedAt := notes.Truncate(e.now())
	wm, err := e.store.Watermark(ctx)
	if err != nil {
		return failed(err)
	}
	localSince := wm
	if sess.Fresh() {
		localSince = time.Time{}
	}
	local, err := LocalDelta(ctx, e.store, localSince)
	if err != nil {
		return failed(fmt.Errorf("local delta: %w", err))
	}
	rd, err := sess.Delta(ctx, wm)
	if err != nil {
		return failed(fmt.Errorf("remote delta: %w", err))
	}
	// Replayed writes already stand for the local version in this session.
	written := drained.written()
	local = omit(local, written)
	remoteDelta := omit(newDelta(rd.Modified, rd.Deleted, rd.Mode), written)
	plan := Resolve(local, remoteDelta, e.policy)
	log.Debug("sync_plan",
		"watermark", wm,
		"fresh", sess.Fresh(),
		"to_local", len(plan.ToLocal),
		"to_local_deletes", len(plan.ToLocalDeletes),
		"to_remote", len(plan.ToRemote),
		"to_remote_deletes", len(plan.ToRemoteDeletes),
		"conflicts", plan.Conflicts,
	)

	e.setState(StateApplying)
	report := Apply(ctx, e.store, sess, plan)
	for _, f := range report.Failed {
		log.Warn("sync_item_failed", "pass", f.Pass, "note_id", f.ID, "error", f.Err.Error())
	}

	e.setState(StateUploading)
	if err := sess.Commit(ctx, remote.CommitInfo{Watermark: extractedAt, Unapplied: report.Unapplied}); err != nil {
		return failed(fmt.Errorf("commit remote: %w", err))
	}
	if len(report.Unapplied) == 0 {
		if err := e.store.SetWatermark(ctx, extractedAt); err != nil {
			return failed(fmt.Errorf("store watermark: %w", err))
		}
	} else {
		log.Info("sync_watermark_held", "unapplied", len(report.Unapplied))
	}

	// Remote writes are durable only now.
	unconfirmed := confirmAll(ctx, e.store, append(drained.confirm, report.confirm...))
	for _, f := range unconfirmed {
		log.Warn("sync_item_failed", "pass", f.Pass, "note_id", f.ID, "error", f.Err.Error())
	}

	return SyncResult{
		Success:       true,
		LocalUpdates:  report.LocalApplied,
		RemoteUpdates: report.RemoteApplied,
		Conflicts:     plan.Conflicts,
		Deferred:      report.Deferred,
		Failed:        len(report.Failed) + len(drained.Failed) + len(unconfirmed),
		Retried:       drained.Replayed,
	}
}
