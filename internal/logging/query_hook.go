package logging

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// QueryHook logs every statement bun executes.
type QueryHook struct {
	logger        *zap.Logger
	verbose       bool
	slowThreshold time.Duration
	recorder      *Recorder
}

var _ bun.QueryHook = (*QueryHook)(nil)

// QueryHookOption configures a QueryHook
type QueryHookOption func(*QueryHook)

// WithVerbose logs statements at info level instead of debug. This is the
// show-SQL switch of a persistence unit.
func WithVerbose(verbose bool) QueryHookOption {
	return func(h *QueryHook) {
		h.verbose = verbose
	}
}

// WithSlowThreshold sets the duration above which a statement is logged as a warning.
func WithSlowThreshold(threshold time.Duration) QueryHookOption {
	return func(h *QueryHook) {
		h.slowThreshold = threshold
	}
}

// WithRecorder captures every statement in r.
func WithRecorder(r *Recorder) QueryHookOption {
	return func(h *QueryHook) {
		h.recorder = r
	}
}

// NewQueryHook creates a hook writing to logger.
func NewQueryHook(logger *zap.Logger, opts ...QueryHookOption) *QueryHook {
	h := &QueryHook{
		logger:        OrNop(logger).Named("sql"),
		slowThreshold: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)

	var rows int64 = -1
	if event.Result != nil {
		if n, err := event.Result.RowsAffected(); err == nil {
			rows = n
		}
	}

	if h.recorder != nil {
		h.recorder.record(event.Query)
	}

	fields := []zap.Field{
		zap.String("operation", event.Operation()),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", event.Query),
	}

	switch {
	case event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows):
		h.logger.Error("sql error", append(fields, zap.Error(event.Err))...)
	case h.slowThreshold > 0 && elapsed > h.slowThreshold:
		h.logger.Warn("slow sql", append(fields, zap.Duration("threshold", h.slowThreshold))...)
	case h.verbose:
		h.logger.Info("sql", fields...)
	default:
		h.logger.Debug("sql", fields...)
	}
}

// Recorder keeps the statements seen by a QueryHook.
type Recorder struct {
	mu      sync.Mutex
	queries []string
}

func (r *Recorder) record(query string) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	r.mu.Unlock()
}

// Queries returns a copy of the recorded statements.
func (r *Recorder) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queries))
	copy(out, r.queries)
	return out
}

// Count reports how many recorded statements start with the given verb
// (SELECT, INSERT, UPDATE, DELETE), case-insensitively. An empty verb counts
// everything.
func (r *Recorder) Count(verb string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if verb == "" {
		return len(r.queries)
	}
	n := 0
	for _, q := range r.queries {
		if hasVerb(q, verb) {
			n++
		}
	}
	return n
}

// Reset forgets every recorded statement.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.queries = nil
	r.mu.Unlock()
}

func hasVerb(query, verb string) bool {
	q := strings.TrimSpace(query)
	return len(q) >= len(verb) && strings.EqualFold(q[:len(verb)], verb)
}
