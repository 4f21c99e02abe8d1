package persistence

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type namedQuery struct {
	entity reflect.Type
	build  BuildFunc
}

// namedQueries is the factory-wide catalogue of queries registered by name.
type namedQueries struct {
	mu     sync.RWMutex
	typed  map[string]namedQuery
	native map[string]string
}

func newNamedQueries() *namedQueries {
	return &namedQueries{
		typed:  make(map[string]namedQuery),
		native: make(map[string]string),
	}
}

// RegisterNamedQuery adds an entity query to the catalogue of f. Registering
// a name twice replaces the earlier query.
func RegisterNamedQuery[T any](f *Factory, name string, build BuildFunc) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if _, err := f.meta.metaOf(typ); err != nil {
		return err
	}
	if name == "" || build == nil {
		return fmt.Errorf("persistence: named query needs a name and a builder: %w", ErrInvalidParameter)
	}

	f.named.mu.Lock()
	defer f.named.mu.Unlock()
	f.named.typed[name] = namedQuery{entity: typ, build: build}
	return nil
}

// RegisterNamedNativeQuery adds raw SQL to the catalogue.
func (f *Factory) RegisterNamedNativeQuery(name, query string) error {
	if name == "" || query == "" {
		return fmt.Errorf("persistence: named native query needs a name and SQL: %w", ErrInvalidParameter)
	}
	f.named.mu.Lock()
	defer f.named.mu.Unlock()
	f.named.native[name] = query
	return nil
}

// NamedQueries lists every registered name, sorted.
func (f *Factory) NamedQueries() []string {
	f.named.mu.RLock()
	defer f.named.mu.RUnlock()
	names := make([]string, 0, len(f.named.typed)+len(f.named.native))
	for name := range f.named.typed {
		names = append(names, name)
	}
	for name := range f.named.native {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateNamedQuery looks up an entity query by name. An unknown name, or one
// registered for another type, fails on execution with ErrUnknownNamedQuery.
func CreateNamedQuery[T any](em *EntityManager, name string) *TypedQuery[T] {
	em.factory.named.mu.RLock()
	nq, ok := em.factory.named.typed[name]
	em.factory.named.mu.RUnlock()

	if !ok {
		q := &TypedQuery[T]{em: em, queryState: queryState{name: name}}
		q.err = fmt.Errorf("persistence: %q: %w", name, ErrUnknownNamedQuery)
		return q
	}
	if want := reflect.TypeOf((*T)(nil)).Elem(); nq.entity != want {
		q := &TypedQuery[T]{em: em, queryState: queryState{name: name}}
		q.err = fmt.Errorf("persistence: %q selects %s, not %s: %w", name, nq.entity.Name(), want.Name(), ErrUnknownNamedQuery)
		return q
	}
	return CreateQuery[T](em, name, nq.build)
}

// CreateNamedNativeQuery looks up raw SQL by name.
func (em *EntityManager) CreateNamedNativeQuery(name string) *NativeQuery {
	em.factory.named.mu.RLock()
	query, ok := em.factory.named.native[name]
	em.factory.named.mu.RUnlock()

	q := &NativeQuery{em: em, query: query, queryState: queryState{name: name}}
	if !ok {
		q.err = fmt.Errorf("persistence: %q: %w", name, ErrUnknownNamedQuery)
	}
	return q
}

// mappingFile is the YAML layout of Unit.MappingFiles:
//
//	named-native-queries:
//	  - name: Customer.ageByID
//	    query: SELECT age FROM jpa_customers WHERE id = ?
type mappingFile struct {
	NamedNativeQueries []struct {
		Name  string `yaml:"name"`
		Query string `yaml:"query"`
	} `yaml:"named-native-queries"`
}

func (f *Factory) loadMappingFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("persistence: read mapping file: %w", err)
	}

	var doc mappingFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("persistence: parse mapping file %s: %w", path, err)
	}
	for _, nq := range doc.NamedNativeQueries {
		if err := f.RegisterNamedNativeQuery(nq.Name, nq.Query); err != nil {
			return fmt.Errorf("persistence: mapping file %s: %w", path, err)
		}
	}
	return nil
}
