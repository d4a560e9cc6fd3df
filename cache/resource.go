package cache

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// ResourceOf returns the resource name for T: the snake_case plural of its
// type name, so ContractEvent becomes contract_events.
func ResourceOf[T any]() string {
	return resourceFromType(reflect.TypeOf((*T)(nil)).Elem())
}

// ResourceName returns the resource name for the dynamic type of v.
func ResourceName(v any) string {
	if v == nil {
		return ""
	}
	return resourceFromType(reflect.TypeOf(v))
}

func resourceFromType(rt reflect.Type) string {
	for rt.Kind() == reflect.Ptr || rt.Kind() == reflect.Slice || rt.Kind() == reflect.Array {
		rt = rt.Elem()
	}
	name := rt.Name()
	// generic instantiations carry their type arguments in the name
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	snake := toSnake(name)
	if snake == "" {
		return ""
	}
	parts := strings.Split(snake, "_")
	last := parts[len(parts)-1]
	if r := []rune(last); unicode.IsLetter(r[len(r)-1]) {
		parts[len(parts)-1] = inflection.Plural(last)
	}
	return strings.Join(parts, "_")
}

// toSnake converts the provided string to snake_case using ASCII-aware rules.
// Punctuation collapses into single underscores so resource names stay safe
// to use as key prefixes.
func toSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	lastUnderscore := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if (unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower) && !lastUnderscore {
					b.WriteByte('_')
					lastUnderscore = true
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false

		case unicode.IsLower(r):
			b.WriteRune(r)
			lastUnderscore = false

		case unicode.IsDigit(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				if !unicode.IsDigit(prev) && prev != '_' && !lastUnderscore {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r)
			lastUnderscore = false

		case r == '_':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}

		case r == '-' || unicode.IsSpace(r):
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}

		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	return strings.Trim(b.String(), "_")
}
