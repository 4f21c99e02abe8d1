package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// defaultKeySerializer renders method arguments with reflection. Scalars are
// printed as is, containers are rendered recursively with their length, and
// anything it cannot walk falls back to JSON.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey builds a cache key from method name and args.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, method)
	for _, arg := range args {
		parts = append(parts, s.render(arg))
	}
	return strings.Join(parts, KeySeparator)
}

func (s *defaultKeySerializer) render(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		// stable only for the lifetime of the process
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.render(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return s.renderList("slice", rv)
	case reflect.Array:
		return s.renderList("array", rv)
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.renderMap(rv)
	case reflect.Struct:
		return s.renderStruct(rv)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return fmt.Sprintf("%v", v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + rv.Type().String()
	}
	return "json:" + string(data)
}

func (s *defaultKeySerializer) renderList(label string, rv reflect.Value) string {
	items := make([]string, rv.Len())
	for i := range items {
		items[i] = s.render(rv.Index(i).Interface())
	}
	return fmt.Sprintf("%s[%d]:{%s}", label, len(items), strings.Join(items, ","))
}

func (s *defaultKeySerializer) renderMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.render(iter.Key().Interface())+"="+s.render(iter.Value().Interface()))
	}
	// keys render first so sorting pairs orders by key
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (s *defaultKeySerializer) renderStruct(rv reflect.Value) string {
	// time.Time and friends carry their meaning in unexported fields
	if stringer, ok := rv.Interface().(fmt.Stringer); ok {
		return "struct:" + stringer.String()
	}

	rt := rv.Type()
	fields := make([]string, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fields = append(fields, field.Name+":"+s.render(rv.Field(i).Interface()))
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(fields, ","))
}

// hashedKeySerializer keeps the method readable and replaces the argument
// segment with its xxhash digest. Query cache keys carry arbitrary parameter
// lists and would otherwise grow without bound, which Redis tolerates poorly.
type hashedKeySerializer struct {
	inner KeySerializer
}

// NewHashedKeySerializer wraps inner so that keys take the form
// "<method>::<xxhash64 of inner key>".
func NewHashedKeySerializer(inner KeySerializer) KeySerializer {
	if inner == nil {
		inner = NewDefaultKeySerializer()
	}
	return &hashedKeySerializer{inner: inner}
}

func (h *hashedKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}
	full := h.inner.SerializeKey(method, args...)
	return method + KeySeparator + strconv.FormatUint(xxhash.Sum64String(full), 16)
}
