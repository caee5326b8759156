package config

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Value is the effective value of a policy setting for one request.
type Value struct {
	set       bool
	str       string
	composite any
}

// Resolve computes the effective value of a setting: the request header when
// present (lower-cased), else the configured value (stringified and
// lower-cased for scalars, unchanged for composites), else unset. Either
// headerName or key may be empty.
func Resolve(header http.Header, s *Settings, headerName, key string) Value {
	if headerName != "" {
		if vals := header.Values(headerName); len(vals) > 0 {
			return Value{set: true, str: strings.ToLower(vals[0])}
		}
	}
	if key != "" && s != nil {
		if v, ok := s.Lookup(key); ok {
			switch tv := v.(type) {
			case string:
				return Value{set: true, str: strings.ToLower(tv)}
			case bool:
				return Value{set: true, str: strconv.FormatBool(tv)}
			case int:
				return Value{set: true, str: strconv.Itoa(tv)}
			default:
				return Value{set: true, composite: tv}
			}
		}
	}
	return Value{}
}

// StringValue builds a scalar Value, mainly for tests.
func StringValue(s string) Value {
	return Value{set: true, str: s}
}

// IsSet reports whether the value came from a header or from settings.
func (v Value) IsSet() bool { return v.set }

// String returns the scalar form; composites render with fmt.
func (v Value) String() string {
	if v.composite != nil {
		return fmt.Sprint(v.composite)
	}
	return v.str
}

// IsTrue reports whether the scalar value is exactly "true".
func (v Value) IsTrue() bool { return v.composite == nil && v.str == "true" }

// Composite returns the passthrough value of a list or map setting.
func (v Value) Composite() (any, bool) { return v.composite, v.composite != nil }

// Int parses the leading integer of the scalar form. Anything without leading
// digits yields 0.
func (v Value) Int() int {
	if v.composite != nil {
		return 0
	}
	return leadingInt(v.str)
}

func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	sign := 1
	if s != "" && (s[0] == '-' || s[0] == '+') {
		if s[0] == '-' {
			sign = -1
		}
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return sign * n
}
