package policy

import (
	"unicode/utf16"

	"github.com/tidwall/gjson"
)

// present reports whether a JSON field holds a value that callers treat as
// set: absent, null, false, 0 and "" do not count.
func present(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}

// display renders a field the way it appears in flag descriptions.
func display(r gjson.Result) string {
	switch {
	case !r.Exists():
		return "undefined"
	case r.Type == gjson.Null:
		return "null"
	case r.Type == gjson.String:
		return r.Str
	default:
		return r.Raw
	}
}

// charLen counts UTF-16 code units, the unit client SDKs use for length limits.
func charLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// stringField returns the field's string value when it is a non-empty string.
func stringField(r gjson.Result) (string, bool) {
	if r.Type != gjson.String || r.Str == "" {
		return "", false
	}
	return r.Str, true
}
