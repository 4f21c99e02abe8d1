package repositorycache

import (
	"reflect"
	"strings"
	"unicode"
)

// regionOf names the default region after the record type, so *model.Person
// and model.Person both land in "person".
func regionOf[T any]() string {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	for typ.Kind() == reflect.Ptr || typ.Kind() == reflect.Slice {
		typ = typ.Elem()
	}
	name := typ.Name()
	if name == "" {
		name = typ.String()
	}
	return regionName(name)
}

// regionName lower-cases name into snake_case words. Anything that is not a
// letter or digit becomes a separator, so reflected names like
// "[]*model.Person" cannot leak "::" or brackets into keys.
func regionName(name string) string {
	runes := []rune(name)
	var words []string
	var word []rune

	flush := func() {
		if len(word) > 0 {
			words = append(words, string(word))
			word = word[:0]
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if len(word) > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower {
					flush()
				}
			}
			word = append(word, unicode.ToLower(r))
		case unicode.IsLower(r):
			word = append(word, r)
		case unicode.IsDigit(r):
			if len(word) > 0 && !unicode.IsDigit(runes[i-1]) {
				flush()
			}
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()

	return strings.Join(words, "_")
}
