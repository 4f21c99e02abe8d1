package cache

import "fmt"

// TypeMismatchError is returned by GetOrFetch when the cached value cannot be
// converted to the requested type. It usually means two call sites share a key
// but disagree on the stored type.
type TypeMismatchError struct {
	Key   string
	Value any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("cache: value stored under %q has type %T", e.Key, e.Value)
}
