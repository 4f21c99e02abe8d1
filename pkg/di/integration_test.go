package di

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/internal/config"
	"github.com/goliatone/go-entity-lab/internal/logging"
	"github.com/goliatone/go-entity-lab/model"
	"github.com/goliatone/go-entity-lab/pkg/testsupport"
	"github.com/goliatone/go-entity-lab/service"
)

func seedPersons(tb testing.TB, container *Container, n int) []uuid.UUID {
	tb.Helper()
	persons := make([]*model.Person, n)
	for i := range persons {
		persons[i] = &model.Person{
			LastName: fmt.Sprintf("Person %03d", i),
			Email:    fmt.Sprintf("person%d@example.com", i),
		}
	}
	if err := container.PersonService().SavePersons(context.Background(), persons...); err != nil {
		tb.Fatalf("SavePersons() failed: %v", err)
	}

	ids := make([]uuid.UUID, n)
	for i, p := range persons {
		ids[i] = p.ID
	}
	return ids
}

// TestConcurrentAccess reads persons from many goroutines through the cached
// repository and checks most reads never reach the database.
func TestConcurrentAccess(t *testing.T) {
	recorder := &logging.Recorder{}
	container := newTestContainer(t, testConfig(t), WithRecorder(recorder))
	ids := seedPersons(t, container, 20)
	recorder.Reset()

	ctx := context.Background()
	svc := container.PersonService()
	const numGoroutines = 16
	const operationsPerGoroutine = 25

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*operationsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < operationsPerGoroutine; j++ {
				id := ids[(workerID*operationsPerGoroutine+j)%len(ids)]
				p, err := svc.Get(ctx, id)
				if err != nil {
					errs <- fmt.Errorf("worker %d operation %d Get failed: %v", workerID, j, err)
					continue
				}
				if p.ID != id {
					errs <- fmt.Errorf("worker %d got person %s, want %s", workerID, p.ID, id)
				}

				if j%5 == 0 {
					if _, _, err := svc.List(ctx); err != nil {
						errs <- fmt.Errorf("worker %d operation %d List failed: %v", workerID, j, err)
					}
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	var errorCount int
	for err := range errs {
		t.Error(err)
		errorCount++
		if errorCount > 10 {
			t.Error("... and more errors")
			break
		}
	}
	if errorCount > 0 {
		t.Fatalf("Concurrent access test failed with %d errors", errorCount)
	}

	totalOperations := numGoroutines * operationsPerGoroutine
	selects := recorder.Count("SELECT")
	if selects >= totalOperations {
		t.Errorf("Expected cache to reduce SELECTs: got %d for %d reads", selects, totalOperations)
	}
	t.Logf("%d reads issued %d SELECTs", totalOperations, selects)
}

func BenchmarkCachedVsBaseRepository(b *testing.B) {
	cfg := config.DefaultConfig()
	cfg.Database.DSN = testsupport.SQLiteDSN(filepath.Join(b.TempDir(), "bench.db"))

	ctx := context.Background()
	container, err := NewContainer(ctx, cfg, WithLogger(zap.NewNop()))
	if err != nil {
		b.Fatalf("NewContainer() failed: %v", err)
	}
	defer container.Close(ctx)

	ids := seedPersons(b, container, 100)
	base := service.NewPersonRepository(container.Factory().DB())
	cached := container.Persons()

	b.Run("base_repository_GetByID", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = base.GetByID(ctx, ids[i%len(ids)].String())
		}
	})

	for _, id := range ids {
		_, _ = cached.GetByID(ctx, id.String())
	}

	b.Run("cached_repository_GetByID_cache_hit", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = cached.GetByID(ctx, ids[i%len(ids)].String())
		}
	})

	b.Run("base_repository_List", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _, _ = base.List(ctx)
		}
	})

	_, _, _ = cached.List(ctx)

	b.Run("cached_repository_List_cache_hit", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _, _ = cached.List(ctx)
		}
	})
}
