package cache

import (
	"strconv"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

type ageRange struct {
	Min, Max int
	note     string
}

type customerFilter struct {
	IDs      []int64
	LastName string
	Range    *ageRange
}

func TestDefaultKeySerializer(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	minAge := 30
	birth := time.Date(1990, 4, 26, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		args []any
		want string
	}{
		{"no args", nil, "Customer.all"},
		{"scalars", []any{int64(3), "YY", true, 2.5, uint8(7)}, "3::YY::true::2.5::7"},
		{"separator inside a value", []any{"a::b"}, "a::b"},
		{"nil", []any{nil}, "nil"},
		{"nil pointer", []any{(*int)(nil)}, "nil"},
		{"pointer", []any{&minAge}, "30"},
		{"nil slice", []any{[]int64(nil)}, "slice:nil"},
		{"empty slice", []any{[]int64{}}, "slice[0]:{}"},
		{"ids", []any{[]int64{1, 2, 3}}, "slice[3]:{1,2,3}"},
		{"nil inside a list", []any{[]any{nil, 1}}, "slice[2]:{nil,1}"},
		{"nested lists", []any{[][]string{{"YY"}, {"Kim", "Lee"}}}, "slice[2]:{slice[1]:{YY},slice[2]:{Kim,Lee}}"},
		{"array", []any{[2]int{18, 65}}, "array[2]:{18,65}"},
		{"nil map", []any{map[string]int(nil)}, "map:nil"},
		{"map sorted by rendered key", []any{map[int]string{10: "b", 2: "a"}}, "map[2]:{10=b,2=a}"},
		{"map of lists", []any{map[string][]int{"age": {30, 40}}}, "map[1]:{age=slice[2]:{30,40}}"},
		{"list of maps", []any{[]map[string]any{{"age": 30}}}, "slice[1]:{map[1]:{age=30}}"},
		{"struct skips unexported fields", []any{ageRange{Min: 18, Max: 65, note: "adults"}}, "struct:{Min:18,Max:65}"},
		{
			"struct with containers",
			[]any{&customerFilter{IDs: []int64{4, 5}, LastName: "Choi", Range: &ageRange{Min: 1}}},
			"struct:{IDs:slice[2]:{4,5},LastName:Choi,Range:struct:{Min:1,Max:0}}",
		},
		{"struct with nil pointer field", []any{customerFilter{}}, "struct:{IDs:slice:nil,LastName:,Range:nil}"},
		{"stringer", []any{birth}, "struct:" + birth.String()},
		{"json fallback", []any{uintptr(5)}, "json:5"},
		{"unencodable", []any{unsafe.Pointer(nil)}, "fallback:unsafe.Pointer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := "Customer.all"
			if tt.args != nil {
				want += KeySeparator + tt.want
			}
			if got := serializer.SerializeKey("Customer.all", tt.args...); got != want {
				t.Errorf("SerializeKey() = %q, want %q", got, want)
			}
		})
	}
}

func TestDefaultKeySerializer_MapOrderIsStable(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	filters := map[string]any{}
	for i := 0; i < 32; i++ {
		filters["k"+strconv.Itoa(i)] = i
	}

	first := serializer.SerializeKey("List", filters)
	for i := 0; i < 10; i++ {
		if got := serializer.SerializeKey("List", filters); got != first {
			t.Fatalf("map rendering changed between calls:\n%s\n%s", first, got)
		}
	}
}

func TestDefaultKeySerializer_ProcessLocalValues(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	criteria := func() {}
	key := serializer.SerializeKey("List", criteria)
	if key != serializer.SerializeKey("List", criteria) {
		t.Error("the same function should render the same key")
	}
	if !strings.HasPrefix(key, "List"+KeySeparator+"func:0x") {
		t.Errorf("functions render by address, got %q", key)
	}

	ch := make(chan int)
	if key := serializer.SerializeKey("Watch", ch); !strings.HasPrefix(key, "Watch"+KeySeparator+"chan:0x") {
		t.Errorf("channels render by address, got %q", key)
	}
}

func TestHashedKeySerializer(t *testing.T) {
	inner := NewDefaultKeySerializer()
	serializer := NewHashedKeySerializer(nil)

	if got := serializer.SerializeKey("Customer.all"); got != "Customer.all" {
		t.Errorf("keys without args should be left alone, got %q", got)
	}

	args := []any{0, 10, []int64{1, 2}, "YY"}
	full := inner.SerializeKey("Customer.olderThan", args...)
	want := "Customer.olderThan" + KeySeparator + strconv.FormatUint(xxhash.Sum64String(full), 16)
	if got := serializer.SerializeKey("Customer.olderThan", args...); got != want {
		t.Errorf("SerializeKey() = %q, want %q", got, want)
	}

	if serializer.SerializeKey("Customer.olderThan", 1) == serializer.SerializeKey("Customer.olderThan", 2) {
		t.Error("different params should hash differently")
	}

	long := strings.Repeat("x", 4096)
	if got := serializer.SerializeKey("Customer.byName", long); len(got) > len("Customer.byName")+len(KeySeparator)+16 {
		t.Errorf("hashed key should not grow with its params, got %d bytes", len(got))
	}
}

type upperSerializer struct{}

func (upperSerializer) SerializeKey(method string, args ...any) string {
	return strings.ToUpper(method)
}

func TestHashedKeySerializer_CustomInner(t *testing.T) {
	serializer := NewHashedKeySerializer(upperSerializer{})

	want := "q" + KeySeparator + strconv.FormatUint(xxhash.Sum64String("Q"), 16)
	if got := serializer.SerializeKey("q", 1); got != want {
		t.Errorf("SerializeKey() = %q, want %q", got, want)
	}
}

func TestRegionKey(t *testing.T) {
	if got := RegionKey(EntityNamespace, "customer", "42"); got != "entity::customer::42" {
		t.Errorf("RegionKey() = %q", got)
	}

	prefix := RegionPrefix(QueryNamespace, "customer")
	if prefix != "query::customer::" {
		t.Errorf("RegionPrefix() = %q", prefix)
	}
	if strings.HasPrefix(RegionKey(QueryNamespace, "customer_archive", "x"), prefix) {
		t.Error("region prefix must not match a sibling region")
	}
}

func BenchmarkDefaultKeySerializer(b *testing.B) {
	serializer := NewDefaultKeySerializer()
	args := []any{0, 10, []int64{1, 2, 3}, map[string]int{"age": 30}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		serializer.SerializeKey("Customer.olderThan", args...)
	}
}
