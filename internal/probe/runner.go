package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/persistence"
	"github.com/goliatone/go-entity-lab/service"
)

// All is the name that selects every probe.
const All = "all"

var ErrUnknownProbe = goerrors.New("unknown probe", goerrors.CategoryNotFound)

// Probe performs one operation inside a transaction and prints what it
// observed.
type Probe struct {
	Name        string
	Description string
	Run         func(ctx context.Context, s *Session) error
}

// Session is what a probe runs against: an entity manager with an active
// transaction that the runner commits afterwards.
type Session struct {
	EM      *persistence.EntityManager
	Factory *persistence.Factory
	Persons *service.PersonService

	name string
	out  io.Writer
}

// Printf writes one line of probe output.
func (s *Session) Printf(format string, args ...any) {
	fmt.Fprintf(s.out, "[%s] %s\n", s.name, fmt.Sprintf(format, args...))
}

// Restart commits the current transaction, closes the manager and opens a
// fresh one with a new transaction, the way a second request would.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.EM.GetTransaction().Commit(ctx); err != nil {
		return err
	}
	if err := s.EM.Close(ctx); err != nil {
		return err
	}
	s.EM = s.Factory.CreateEntityManager()
	return s.EM.GetTransaction().Begin(ctx)
}

// Result is the outcome of one probe.
type Result struct {
	Name    string
	Elapsed time.Duration
	Err     error
}

// Runner runs probes from a catalogue against one factory.
type Runner struct {
	factory *persistence.Factory
	persons *service.PersonService
	out     io.Writer
	logger  *zap.Logger
	probes  map[string]Probe
	order   []string
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPersonService enables probes that save through the repository layer.
func WithPersonService(persons *service.PersonService) Option {
	return func(r *Runner) {
		r.persons = persons
	}
}

// WithProbes replaces the default catalogue.
func WithProbes(probes ...Probe) Option {
	return func(r *Runner) {
		r.probes = make(map[string]Probe, len(probes))
		r.order = r.order[:0]
		for _, p := range probes {
			r.probes[p.Name] = p
			r.order = append(r.order, p.Name)
		}
	}
}

// NewRunner returns a runner over the default catalogue writing to out.
func NewRunner(factory *persistence.Factory, out io.Writer, opts ...Option) *Runner {
	r := &Runner{
		factory: factory,
		out:     out,
		logger:  zap.NewNop(),
	}
	WithProbes(Catalogue()...)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Probes returns the catalogue in registration order.
func (r *Runner) Probes() []Probe {
	probes := make([]Probe, 0, len(r.order))
	for _, name := range r.order {
		probes = append(probes, r.probes[name])
	}
	return probes
}

// Resolve maps names to probes. "all" expands to the whole catalogue.
func (r *Runner) Resolve(names ...string) ([]Probe, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no probe named: %w", ErrUnknownProbe)
	}

	var probes []Probe
	var unknown []string
	for _, name := range names {
		if name == All {
			return r.Probes(), nil
		}
		p, ok := r.probes[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		probes = append(probes, p)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%s: %w", strings.Join(unknown, ", "), ErrUnknownProbe)
	}
	return probes, nil
}

// Run runs the named probes one after the other. A failing probe is rolled
// back and reported; the rest still run.
func (r *Runner) Run(ctx context.Context, names ...string) ([]Result, error) {
	probes, err := r.Resolve(names...)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(probes))
	var errs []error
	for _, p := range probes {
		res := r.runOne(ctx, p)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, p Probe) Result {
	start := time.Now()
	s := &Session{
		EM:      r.factory.CreateEntityManager(),
		Factory: r.factory,
		Persons: r.persons,
		name:    p.Name,
		out:     r.out,
	}

	err := r.execute(ctx, p, s)
	if closeErr := s.EM.Close(ctx); err == nil {
		err = closeErr
	}

	res := Result{Name: p.Name, Elapsed: time.Since(start), Err: err}
	if err != nil {
		s.Printf("FAILED: %v", err)
		r.logger.Warn("probe failed", zap.String("probe", p.Name), zap.Error(err))
	} else {
		s.Printf("ok (%s)", res.Elapsed.Round(time.Microsecond))
		r.logger.Debug("probe done", zap.String("probe", p.Name), zap.Duration("elapsed", res.Elapsed))
	}
	return res
}

func (r *Runner) execute(ctx context.Context, p Probe, s *Session) error {
	tx := s.EM.GetTransaction()
	if err := tx.Begin(ctx); err != nil {
		return err
	}

	if err := p.Run(ctx, s); err != nil {
		if tx.IsActive() {
			_ = tx.Rollback(ctx)
		}
		return err
	}

	if !tx.IsActive() {
		return nil
	}
	if tx.RollbackOnly() {
		return tx.Rollback(ctx)
	}
	return tx.Commit(ctx)
}
