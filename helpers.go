package zorel

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// keyDelimiter joins the components of a composite key. Each component is
// prefixed with its length so a delimiter inside a value cannot shift the
// component boundaries.
const keyDelimiter = ";"

// normalizeKey turns a key component into a comparable string so values of
// different Go types coming from different drivers (int vs int64, []byte vs
// string) meet on the same ResultMap slot.
func normalizeKey(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return x.String()
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case reflect.Pointer:
		if rv.IsNil() {
			return ""
		}
		return normalizeKey(rv.Elem().Interface())
	}
	return fmt.Sprintf("%v", v)
}

// compositeKey builds the ResultMap key for values. ok is false when any
// component is nil, since a NULL key never matches.
func compositeKey(values []any) (string, bool) {
	if len(values) == 1 {
		if isNil(values[0]) {
			return "", false
		}
		return normalizeKey(values[0]), true
	}
	parts := make([]string, len(values))
	for i, v := range values {
		if isNil(v) {
			return "", false
		}
		n := normalizeKey(v)
		parts[i] = strconv.Itoa(len(n)) + ":" + n
	}
	return strings.Join(parts, keyDelimiter), true
}

// keysEqual compares two key tuples after normalisation.
func keysEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if isNil(a[i]) != isNil(b[i]) || normalizeKey(a[i]) != normalizeKey(b[i]) {
			return false
		}
	}
	return true
}

// hasNil reports whether any value is nil.
func hasNil(values []any) bool {
	for _, v := range values {
		if isNil(v) {
			return true
		}
	}
	return false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// missingFields returns the fields e does not carry at all.
func missingFields(e *Entity, fields []string) []string {
	var out []string
	for _, f := range fields {
		if !e.IsSet(f) {
			out = append(out, f)
		}
	}
	return out
}
