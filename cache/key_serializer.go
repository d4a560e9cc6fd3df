package cache

import (
	"encoding"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter between the resource name and its params.
const KeySeparator = "::"

// PageSeparator defines the delimiter between a paged key and its page number.
const PageSeparator = "#page="

// Key is the canonical fingerprint of a logical request.
type Key string

// String returns the key as a plain string.
func (k Key) String() string { return string(k) }

// Resource returns the resource name the key was encoded from.
func (k Key) Resource() string {
	s := string(k)
	if i := strings.Index(s, KeySeparator); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, PageSeparator); i >= 0 {
		s = s[:i]
	}
	return s
}

// HasPrefix reports whether the key starts with prefix.
func (k Key) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(k), prefix)
}

// Hash returns a 64-bit fingerprint of the key, used for logging and tracing.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(string(k))
}

// PageKey derives the key that caches a single page of a paged resource.
func PageKey(k Key, page int) Key {
	return Key(string(k) + PageSeparator + strconv.Itoa(page))
}

// Params is a request parameter object. Entries whose value is nil, a nil
// pointer or NoFilter are treated as unset.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a copy of p with key set to value.
func (p Params) With(key string, value any) Params {
	out := p.Clone()
	out[key] = value
	return out
}

// NoFilterValue is the type of NoFilter.
type NoFilterValue struct{}

// NoFilter marks a dimension that was considered but deliberately left
// unfiltered. It never reaches a cache key or a query string.
var NoFilter = NoFilterValue{}

// defaultKeyCodec implements KeyCodec with sorted, escaped param pairs.
type defaultKeyCodec struct {
	sentinels       map[string]string
	defaultSentinel string
	hasDefault      bool
}

// KeyCodecOption configures the default key codec.
type KeyCodecOption func(*defaultKeyCodec)

// WithSentinel declares value as the "no filter" sentinel for param.
func WithSentinel(param, value string) KeyCodecOption {
	return func(c *defaultKeyCodec) {
		c.sentinels[param] = value
	}
}

// WithDefaultSentinel declares value as the "no filter" sentinel for every
// param without a specific sentinel.
func WithDefaultSentinel(value string) KeyCodecOption {
	return func(c *defaultKeyCodec) {
		c.defaultSentinel = value
		c.hasDefault = true
	}
}

// NewKeyCodec creates the default key codec.
func NewKeyCodec(opts ...KeyCodecOption) KeyCodec {
	c := &defaultKeyCodec{sentinels: make(map[string]string)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode builds a key from resource and params. Param names are sorted so
// insertion order never matters; unset and sentinel values are dropped.
func (c *defaultKeyCodec) Encode(resource string, params Params) Key {
	normalized := c.Normalize(params)
	if len(normalized) == 0 {
		return Key(resource)
	}

	names := make([]string, 0, len(normalized))
	for name := range normalized {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		value, _ := FormatValue(normalized[name])
		pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(value))
	}

	return Key(resource + KeySeparator + strings.Join(pairs, "&"))
}

// Normalize returns a copy of params without unset and sentinel entries.
func (c *defaultKeyCodec) Normalize(params Params) Params {
	out := make(Params, len(params))
	for name, value := range params {
		formatted, ok := FormatValue(value)
		if !ok || c.isSentinel(name, formatted) {
			continue
		}
		out[name] = value
	}
	return out
}

func (c *defaultKeyCodec) isSentinel(name, formatted string) bool {
	if sentinel, ok := c.sentinels[name]; ok {
		return formatted == sentinel
	}
	return c.hasDefault && formatted == c.defaultSentinel
}

// FormatValue stringifies a param value deterministically. The boolean is
// false when the value counts as unset and must be omitted.
func FormatValue(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	if _, ok := v.(NoFilterValue); ok {
		return "", false
	}
	if m, ok := v.(encoding.TextMarshaler); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return "", false
		}
		text, err := m.MarshalText()
		if err != nil {
			return jsonFallback(v), true
		}
		return string(text), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "", false
		}
		return FormatValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return "", false
		}
	}

	return serializeValue(rv), true
}

// serializeValue handles individual value serialization based on kind.
func serializeValue(rv reflect.Value) string {
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	case reflect.Slice, reflect.Array:
		return serializeList(rv)
	case reflect.Map:
		return serializeMap(rv)
	case reflect.Struct:
		return serializeStruct(rv)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return serializeElem(rv.Elem())
	}

	if rv.CanInterface() {
		return jsonFallback(rv.Interface())
	}
	return rv.Type().String()
}

func serializeElem(rv reflect.Value) string {
	if rv.CanInterface() {
		if s, ok := FormatValue(rv.Interface()); ok {
			return s
		}
		return "nil"
	}
	return serializeValue(rv)
}

// serializeList handles slices and arrays element by element.
func serializeList(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = serializeElem(rv.Index(i))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// serializeMap handles maps with sorted keys for determinism.
func serializeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, serializeElem(iter.Key())+":"+serializeElem(iter.Value()))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

// serializeStruct handles struct serialization with exported field names.
func serializeStruct(rv reflect.Value) string {
	rt := rv.Type()
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+serializeElem(rv.Field(i)))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// jsonFallback provides JSON serialization as a last resort.
func jsonFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("fallback:%T", v)
	}
	return string(data)
}
