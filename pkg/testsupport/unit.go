package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/goliatone/go-entity-lab/internal/logging"
	"github.com/goliatone/go-entity-lab/internal/seed"
	"github.com/goliatone/go-entity-lab/model"
	"github.com/goliatone/go-entity-lab/persistence"
)

// SQLiteDSN returns a modernc DSN for a database file with foreign keys on.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
}

// Unit returns a persistence unit backed by a fresh SQLite file in the test's
// temporary directory, with both cache tiers on.
func Unit(t testing.TB) persistence.Unit {
	t.Helper()

	u := persistence.DefaultUnit()
	u.Name = "test"
	u.DSN = SQLiteDSN(filepath.Join(t.TempDir(), "entitylab.db"))
	u.SlowQuery = time.Second
	return u
}

// OpenUnit opens a factory over Unit(t) with the model schema registered and
// seeded with the default dataset. configure may adjust the unit first; opts are
// appended to the factory options. The returned recorder sees every
// statement issued after seeding.
func OpenUnit(t testing.TB, configure func(*persistence.Unit), opts ...persistence.Option) (*persistence.Factory, *logging.Recorder) {
	t.Helper()
	return OpenMapped(t, model.Mappings(), configure, opts...)
}

// OpenMapped is OpenUnit with the entity mappings replaced, for tests that
// need other fetch or cascade policies on the same schema.
func OpenMapped(t testing.TB, mappings []persistence.EntityMapping, configure func(*persistence.Unit), opts ...persistence.Option) (*persistence.Factory, *logging.Recorder) {
	t.Helper()

	u := Unit(t)
	if configure != nil {
		configure(&u)
	}

	recorder := &logging.Recorder{}
	options := []persistence.Option{
		persistence.WithJunctions(model.Junctions()...),
		persistence.WithEntities(mappings...),
		persistence.WithLogger(zaptest.NewLogger(t)),
		persistence.WithRecorder(recorder),
	}
	options = append(options, opts...)

	ctx := context.Background()
	f, err := persistence.NewFactory(ctx, u, options...)
	if err != nil {
		t.Fatalf("open persistence unit: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Close(context.Background()); err != nil {
			t.Errorf("close persistence unit: %v", err)
		}
	})

	if err := model.Register(f); err != nil {
		t.Fatalf("register named queries: %v", err)
	}

	ds, err := seed.Default()
	if err != nil {
		t.Fatalf("%v", err)
	}
	if err := ds.Insert(ctx, f.DB()); err != nil {
		t.Fatalf("%v", err)
	}

	recorder.Reset()
	return f, recorder
}

// Begin creates an entity manager with an active transaction. The manager
// is closed when the test ends.
func Begin(t testing.TB, f *persistence.Factory) *persistence.EntityManager {
	t.Helper()

	em := f.CreateEntityManager()
	if err := em.GetTransaction().Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() {
		_ = em.Close(context.Background())
	})
	return em
}
