package repositorycache

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type testPerson struct {
	ID       string `json:"id"`
	LastName string `json:"last_name"`
}

// mockRepository records the calls that reach the base repository
type mockRepository[T any] struct {
	mu             sync.Mutex
	calls          []string
	getResult      T
	getError       error
	getByIDResult  T
	getByIDError   error
	listRecords    []T
	listTotal      int
	listError      error
	countResult    int
	countError     error
	getByIDResult2 T
	getByIDError2  error
	createResult   T
	createError    error
	updateResult   T
	updateError    error
	deleteError    error
}

// Helper method to record method calls
func (m *mockRepository[T]) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// Helper method to get recorded calls
func (m *mockRepository[T]) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Helper method to clear recorded calls
func (m *mockRepository[T]) clearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// READ methods that we want to test caching for
func (m *mockRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("Get")
	return m.getResult, m.getError
}

func (m *mockRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByID")
	return m.getByIDResult, m.getByIDError
}

func (m *mockRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	m.recordCall("List")
	return m.listRecords, m.listTotal, m.listError
}

func (m *mockRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	m.recordCall("Count")
	return m.countResult, m.countError
}

func (m *mockRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByIdentifier")
	return m.getByIDResult2, m.getByIDError2
}

// WRITE methods that we want to test delegation for
func (m *mockRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	m.recordCall("Create")
	return m.createResult, m.createError
}

func (m *mockRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	m.recordCall("Update")
	return m.updateResult, m.updateError
}

func (m *mockRepository[T]) Delete(ctx context.Context, record T) error {
	m.recordCall("Delete")
	return m.deleteError
}

// Other methods that panic to ensure they're not called during our tests
func (m *mockRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	panic("Raw not implemented in mock - should not be called in cache tests")
}
func (m *mockRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	panic("RawTx not implemented in mock")
}
func (m *mockRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetTx not implemented in mock")
}
func (m *mockRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	m.recordCall("GetByIDTx")
	return m.getByIDResult, m.getByIDError
}
func (m *mockRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	panic("ListTx not implemented in mock")
}
func (m *mockRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	panic("CountTx not implemented in mock")
}
func (m *mockRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	m.recordCall("CreateTx")
	return m.createResult, m.createError
}
func (m *mockRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	panic("CreateMany not implemented in mock")
}
func (m *mockRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	panic("CreateManyTx not implemented in mock")
}
func (m *mockRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	panic("GetOrCreate not implemented in mock")
}
func (m *mockRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	panic("GetOrCreateTx not implemented in mock")
}
func (m *mockRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	panic("GetByIdentifierTx not implemented in mock")
}
func (m *mockRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("UpdateTx not implemented in mock")
}
func (m *mockRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpdateMany not implemented in mock")
}
func (m *mockRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpdateManyTx not implemented in mock")
}
func (m *mockRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("Upsert not implemented in mock")
}
func (m *mockRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	panic("UpsertTx not implemented in mock")
}
func (m *mockRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpsertMany not implemented in mock")
}
func (m *mockRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	panic("UpsertManyTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	panic("DeleteTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	panic("DeleteMany not implemented in mock")
}
func (m *mockRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	panic("DeleteManyTx not implemented in mock")
}
func (m *mockRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	m.recordCall("DeleteWhere")
	return m.deleteError
}
func (m *mockRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	panic("DeleteWhereTx not implemented in mock")
}
func (m *mockRepository[T]) ForceDelete(ctx context.Context, record T) error {
	panic("ForceDelete not implemented in mock")
}
func (m *mockRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	panic("ForceDeleteTx not implemented in mock")
}
func (m *mockRepository[T]) Handlers() repository.ModelHandlers[T] {
	panic("Handlers not implemented in mock")
}

// mockCacheService is a map-backed CacheService that records every call.
type mockCacheService struct {
	mu      sync.Mutex
	calls   []string
	storage map[string]any
}

func newMockCacheService() *mockCacheService {
	return &mockCacheService{storage: make(map[string]any)}
}

func (m *mockCacheService) GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "GetOrFetch:"+key)
	if value, ok := m.storage[key]; ok {
		m.mu.Unlock()
		return value, nil
	}
	m.mu.Unlock()

	out := reflect.ValueOf(fetchFn).Call([]reflect.Value{reflect.ValueOf(ctx)})
	if !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage[key] = out[0].Interface()
	return out[0].Interface(), nil
}

func (m *mockCacheService) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Delete:"+key)
	delete(m.storage, key)
	return nil
}

func (m *mockCacheService) DeleteByPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "DeleteByPrefix:"+prefix)
	for key := range m.storage {
		if strings.HasPrefix(key, prefix) {
			delete(m.storage, key)
		}
	}
	return nil
}

func (m *mockCacheService) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.storage[key]
	return ok
}

// plainSerializer keeps string arguments readable in keys and drops the rest.
type plainSerializer struct{}

func (plainSerializer) SerializeKey(method string, args ...any) string {
	parts := []string{method}
	for _, arg := range args {
		if s, ok := arg.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "::")
}

func newCached(t *testing.T) (*CachedRepository[testPerson], *mockRepository[testPerson], *mockCacheService) {
	t.Helper()
	base := &mockRepository[testPerson]{
		getByIDResult: testPerson{ID: "p-1", LastName: "Kim"},
		listRecords:   []testPerson{{ID: "p-1", LastName: "Kim"}, {ID: "p-2", LastName: "Lee"}},
		listTotal:     2,
		countResult:   2,
		createResult:  testPerson{ID: "p-3", LastName: "Park"},
		updateResult:  testPerson{ID: "p-1", LastName: "Kang"},
	}
	svc := newMockCacheService()
	return New[testPerson](base, svc, plainSerializer{}), base, svc
}

func countCalls(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestNew_DefaultRegion(t *testing.T) {
	svc := newMockCacheService()

	byValue := New[testPerson](&mockRepository[testPerson]{}, svc, nil)
	if got := byValue.Region(); got != "test_person" {
		t.Errorf("region = %q, want test_person", got)
	}
	if byValue.keySerializer == nil {
		t.Error("nil serializer should fall back to the default one")
	}

	byPointer := New[*testPerson](&mockRepository[*testPerson]{}, svc, nil)
	if got := byPointer.Region(); got != "test_person" {
		t.Errorf("pointer region = %q, want test_person", got)
	}

	custom := New[testPerson](&mockRepository[testPerson]{}, svc, nil, WithRegion("people"))
	if got := custom.Region(); got != "people" {
		t.Errorf("custom region = %q, want people", got)
	}
}

func TestCachedReads_HitAfterMiss(t *testing.T) {
	ctx := context.Background()
	cached, base, svc := newCached(t)

	for i := 0; i < 3; i++ {
		got, err := cached.GetByID(ctx, "p-1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.LastName != "Kim" {
			t.Fatalf("GetByID = %+v", got)
		}
	}
	if n := countCalls(base.getCalls(), "GetByID"); n != 1 {
		t.Errorf("base GetByID called %d times, want 1", n)
	}
	if !svc.has("repo::test_person::GetByID::p-1") {
		t.Error("expected key under the repo region")
	}

	for i := 0; i < 2; i++ {
		records, total, err := cached.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(records) != 2 || total != 2 {
			t.Fatalf("List = %v, %d", records, total)
		}
	}
	if n := countCalls(base.getCalls(), "List"); n != 1 {
		t.Errorf("base List called %d times, want 1", n)
	}

	for i := 0; i < 2; i++ {
		if n, err := cached.Count(ctx); err != nil || n != 2 {
			t.Fatalf("Count = %d, %v", n, err)
		}
	}
	if n := countCalls(base.getCalls(), "Count"); n != 1 {
		t.Errorf("base Count called %d times, want 1", n)
	}
}

func TestCachedReads_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	cached, base, _ := newCached(t)
	base.getByIDError = errors.New("boom")

	for i := 0; i < 2; i++ {
		if _, err := cached.GetByID(ctx, "p-1"); err == nil || err.Error() != "boom" {
			t.Fatalf("GetByID error = %v, want boom", err)
		}
	}
	if n := countCalls(base.getCalls(), "GetByID"); n != 2 {
		t.Errorf("base GetByID called %d times, want 2", n)
	}
}

func TestCreate_InvalidatesListsAndCounts(t *testing.T) {
	ctx := context.Background()
	cached, _, svc := newCached(t)

	_, _ = cached.GetByID(ctx, "p-1")
	_, _, _ = cached.List(ctx)
	_, _ = cached.Count(ctx)

	created, err := cached.Create(ctx, testPerson{LastName: "Park"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != "p-3" {
		t.Errorf("Create returned %+v", created)
	}

	if svc.has("repo::test_person::List") {
		t.Error("List should be invalidated by Create")
	}
	if svc.has("repo::test_person::Count") {
		t.Error("Count should be invalidated by Create")
	}
	if !svc.has("repo::test_person::GetByID::p-1") {
		t.Error("GetByID should survive Create")
	}
}

func TestCreateTx_Invalidates(t *testing.T) {
	ctx := context.Background()
	cached, base, svc := newCached(t)

	_, _, _ = cached.List(ctx)
	if _, err := cached.CreateTx(ctx, nil, testPerson{LastName: "Park"}); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if countCalls(base.getCalls(), "CreateTx") != 1 {
		t.Error("CreateTx should reach the base repository")
	}
	if svc.has("repo::test_person::List") {
		t.Error("List should be invalidated by CreateTx")
	}
}

func TestUpdateAndDelete_InvalidateRegion(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name  string
		write func(*CachedRepository[testPerson]) error
	}{
		{"Update", func(c *CachedRepository[testPerson]) error {
			_, err := c.Update(ctx, testPerson{ID: "p-1", LastName: "Kang"})
			return err
		}},
		{"Delete", func(c *CachedRepository[testPerson]) error {
			return c.Delete(ctx, testPerson{ID: "p-1"})
		}},
		{"DeleteWhere", func(c *CachedRepository[testPerson]) error {
			return c.DeleteWhere(ctx)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cached, _, svc := newCached(t)
			_, _ = cached.GetByID(ctx, "p-1")
			_, _, _ = cached.List(ctx)

			if err := tc.write(cached); err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if svc.has("repo::test_person::GetByID::p-1") || svc.has("repo::test_person::List") {
				t.Errorf("%s should drop the whole region", tc.name)
			}
		})
	}
}

func TestFailedWrite_KeepsCache(t *testing.T) {
	ctx := context.Background()
	cached, base, svc := newCached(t)
	base.updateError = errors.New("constraint")

	_, _ = cached.GetByID(ctx, "p-1")
	if _, err := cached.Update(ctx, testPerson{ID: "p-1"}); err == nil {
		t.Fatal("expected update error")
	}
	if !svc.has("repo::test_person::GetByID::p-1") {
		t.Error("a failed write must not invalidate")
	}
}

func TestTxReads_BypassCache(t *testing.T) {
	ctx := context.Background()
	cached, base, svc := newCached(t)

	for i := 0; i < 2; i++ {
		if _, err := cached.GetByIDTx(ctx, nil, "p-1"); err != nil {
			t.Fatalf("GetByIDTx: %v", err)
		}
	}
	if n := countCalls(base.getCalls(), "GetByIDTx"); n != 2 {
		t.Errorf("base GetByIDTx called %d times, want 2", n)
	}
	if svc.has("repo::test_person::GetByID::p-1") {
		t.Error("Tx reads must not populate the cache")
	}
}

func TestInvalidateTags(t *testing.T) {
	ctx := context.Background()
	cached, base, svc := newCached(t)

	tagged := WithCacheTags(ctx, "dashboard", "dashboard", "")
	_, _ = cached.GetByID(tagged, "p-1")
	_, _ = cached.Count(ctx)

	cached.InvalidateTags(ctx, "dashboard", "unknown")

	if svc.has("repo::test_person::GetByID::p-1") {
		t.Error("tagged read should be invalidated")
	}
	if !svc.has("repo::test_person::Count") {
		t.Error("untagged read should survive")
	}

	base.clearCalls()
	_, _ = cached.GetByID(ctx, "p-1")
	if countCalls(base.getCalls(), "GetByID") != 1 {
		t.Error("invalidated key should be fetched again")
	}
}

func TestWithCacheTags(t *testing.T) {
	ctx := WithCacheTags(context.Background(), "a", "b")
	ctx = WithCacheTags(ctx, "b", "c")

	got := cacheTagsFromContext(ctx)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}

	if WithCacheTags(ctx) != ctx {
		t.Error("no tags should return ctx unchanged")
	}
}

func TestRepositoryInterfaceSatisfaction(t *testing.T) {
	var _ repository.Repository[testPerson] = New[testPerson](&mockRepository[testPerson]{}, newMockCacheService(), nil)
}
