package persistence

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"

	"github.com/uptrace/bun/schema"
)

// idOf returns the primary key of the entity pointed to by ptr and whether it
// is set.
func (m *entityMeta) idOf(ptr reflect.Value) (any, bool) {
	fv := m.pk.Value(ptr.Elem())
	if fv.IsZero() {
		return nil, false
	}
	if fv.Kind() == reflect.Ptr {
		fv = fv.Elem()
	}
	return fv.Interface(), true
}

func (m *entityMeta) setID(ptr reflect.Value, id any) error {
	return setFieldValue(m.pk.Value(ptr.Elem()), id)
}

func (m *entityMeta) clearID(ptr reflect.Value) {
	fv := m.pk.Value(ptr.Elem())
	fv.Set(reflect.Zero(fv.Type()))
}

// normalizeID converts id to the primary key's Go type so that 2, int64(2)
// and "2" all address the same row.
func (m *entityMeta) normalizeID(id any) (any, error) {
	if id == nil {
		return nil, fmt.Errorf("persistence: nil id for %s: %w", m.name, ErrInvalidParameter)
	}

	want := m.pk.IndirectType
	rv := reflect.ValueOf(id)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("persistence: nil id for %s: %w", m.name, ErrInvalidParameter)
		}
		rv = rv.Elem()
	}

	if rv.Type() == want {
		return rv.Interface(), nil
	}
	if s, ok := rv.Interface().(string); ok {
		return m.parseID(s)
	}
	if rv.Type().ConvertibleTo(want) && isNumeric(rv.Kind()) && isNumeric(want.Kind()) {
		return rv.Convert(want).Interface(), nil
	}
	return nil, fmt.Errorf("persistence: id %v (%T) does not fit %s.%s: %w", id, id, m.name, m.pk.GoName, ErrInvalidParameter)
}

// parseID reverses formatID.
func (m *entityMeta) parseID(s string) (any, error) {
	want := m.pk.IndirectType
	target := reflect.New(want)

	if u, ok := target.Interface().(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText([]byte(s)); err != nil {
			return nil, fmt.Errorf("persistence: parse %s id %q: %w", m.name, s, err)
		}
		return target.Elem().Interface(), nil
	}

	switch want.Kind() {
	case reflect.String:
		target.Elem().SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("persistence: parse %s id %q: %w", m.name, s, err)
		}
		target.Elem().SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("persistence: parse %s id %q: %w", m.name, s, err)
		}
		target.Elem().SetUint(n)
	default:
		return nil, fmt.Errorf("persistence: unsupported id type %s for %s: %w", want, m.name, ErrInvalidParameter)
	}
	return target.Elem().Interface(), nil
}

func formatID(id any) string {
	if s, ok := id.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(id)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// setFieldValue assigns v to fv, allocating when fv is a pointer. A nil v
// zeroes the field.
func setFieldValue(fv reflect.Value, v any) error {
	if v == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	target := fv.Type()
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			fv.Set(reflect.Zero(fv.Type()))
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Type() != target {
		if !rv.Type().ConvertibleTo(target) {
			return fmt.Errorf("persistence: cannot assign %s to %s", rv.Type(), target)
		}
		rv = rv.Convert(target)
	}

	if fv.Kind() == reflect.Ptr {
		nv := reflect.New(target)
		nv.Elem().Set(rv)
		fv.Set(nv)
		return nil
	}
	fv.Set(rv)
	return nil
}

// fieldValue reads f from the struct behind ptr, dereferencing pointers.
// Nil pointers read as nil.
func fieldValue(f *schema.Field, ptr reflect.Value) any {
	fv := f.Value(ptr.Elem())
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return nil
		}
		fv = fv.Elem()
	}
	if fv.IsZero() && f.NullZero {
		return nil
	}
	return fv.Interface()
}

// cloneValue copies v so that later writes through pointers or slices held
// by the source value do not show up in the copy.
func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		nv := reflect.New(v.Type().Elem())
		nv.Elem().Set(cloneValue(v.Elem()))
		return nv
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		nv := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(nv, v)
		return nv
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		nv := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			nv.SetMapIndex(iter.Key(), iter.Value())
		}
		return nv
	default:
		return v
	}
}

// snapshot captures the column state of an entity for dirty checking.
func (m *entityMeta) snapshot(ptr reflect.Value) []any {
	strct := ptr.Elem()
	out := make([]any, len(m.table.DataFields))
	for i, f := range m.table.DataFields {
		out[i] = cloneValue(f.Value(strct)).Interface()
	}
	return out
}

// dirtyColumns compares the current state with snap and returns the changed
// column names.
func (m *entityMeta) dirtyColumns(ptr reflect.Value, snap []any) []string {
	strct := ptr.Elem()
	var cols []string
	for i, f := range m.table.DataFields {
		if !reflect.DeepEqual(f.Value(strct).Interface(), snap[i]) {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// copyColumns copies every data column from src into dst. Relation fields
// are left alone.
func (m *entityMeta) copyColumns(dst, src reflect.Value) {
	d, s := dst.Elem(), src.Elem()
	for _, f := range m.table.DataFields {
		f.Value(d).Set(cloneValue(f.Value(s)))
	}
}

// detachedCopy returns a new *T carrying the key and columns of ptr without
// any relation. Second-level cache entries are stored in this form.
func (m *entityMeta) detachedCopy(ptr reflect.Value) reflect.Value {
	out := reflect.New(m.typ)
	m.pk.Value(out.Elem()).Set(cloneValue(m.pk.Value(ptr.Elem())))
	m.copyColumns(out, ptr)
	return out
}
