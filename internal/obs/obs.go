package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

type correlationContextKey struct{}

// Correlation carries per-cycle correlation identifiers.
type Correlation struct {
	CycleID string
	Backend string
	Trigger string
}

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// Init configures the global structured logger writing to stderr.
func Init() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return
	}
	logger = newLogger(os.Stderr)
	slog.SetDefault(logger)
}

// InitFile configures the global logger to write to a rotating file.
// An empty path falls back to Init.
func InitFile(path string) io.Closer {
	path = strings.TrimSpace(path)
	if path == "" {
		Init()
		return nopCloser{}
	}
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = newLogger(rotating)
	slog.SetDefault(logger)
	return rotating
}

// SetOutputForTests overrides the global logger output for tests.
func SetOutputForTests(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	slog.SetDefault(logger)
	loggerMu.Unlock()

	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if prev != nil {
			logger = prev
		} else {
			logger = newLogger(os.Stderr)
		}
		slog.SetDefault(logger)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				t, ok := attr.Value.Any().(time.Time)
				if ok {
					return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339Nano))
				}
			}
			return attr
		},
	})
	return slog.New(handler)
}

func globalLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	Init()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Pkg returns a logger tagged with package name.
func Pkg(pkg string) *slog.Logger {
	return globalLogger().With("pkg", pkg)
}

// From returns a logger with correlation fields from context.
func From(ctx context.Context) *slog.Logger {
	l := globalLogger()
	attrs := correlationAttrs(CorrelationFromContext(ctx))
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// WithCycleID stores a fresh cycle_id in context and returns it.
func WithCycleID(ctx context.Context) (context.Context, string) {
	id := newCycleID()
	return WithCorrelation(ctx, Correlation{CycleID: id}), id
}

// WithCorrelation merges non-empty correlation fields into context.
func WithCorrelation(ctx context.Context, corr Correlation) context.Context {
	existing := CorrelationFromContext(ctx)
	if corr.CycleID != "" {
		existing.CycleID = strings.TrimSpace(corr.CycleID)
	}
	if corr.Backend != "" {
		existing.Backend = strings.TrimSpace(corr.Backend)
	}
	if corr.Trigger != "" {
		existing.Trigger = strings.TrimSpace(corr.Trigger)
	}
	return context.WithValue(ctx, correlationContextKey{}, existing)
}

// CorrelationFromContext returns correlation fields from context.
func CorrelationFromContext(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	corr, ok := ctx.Value(correlationContextKey{}).(Correlation)
	if !ok {
		return Correlation{}
	}
	return corr
}

func correlationAttrs(corr Correlation) []any {
	attrs := make([]any, 0, 6)
	if corr.CycleID != "" {
		attrs = append(attrs, "cycle_id", corr.CycleID)
	}
	if corr.Backend != "" {
		attrs = append(attrs, "backend", corr.Backend)
	}
	if corr.Trigger != "" {
		attrs = append(attrs, "trigger", corr.Trigger)
	}
	return attrs
}

func newCycleID() string {
	return "cyc-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
