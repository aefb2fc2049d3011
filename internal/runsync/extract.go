package runsync

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var digitsPattern = regexp.MustCompile(`\d+`)

// extractInt pulls an integer out of a loosely typed field value.
// Linked ids show up as numbers, plain strings and prefixed keys like
// "CASE-6"; for the last kind the first digit group wins.
func extractInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if m := digitsPattern.FindString(s); m != "" {
			if n, err := strconv.ParseInt(m, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// normalizeTitle produces the comparison key for a case title: NFKD
// with combining marks removed, whitespace compressed, lowercased.
func normalizeTitle(s string) string {
	if s == "" {
		return ""
	}
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(strings.Join(strings.Fields(b.String()), " "))
}

// fieldValue digs the named custom field out of a raw case object and
// extracts an integer from its value. The container differs across
// instance versions: a list of {field_id, value} records, a flat map
// keyed by field name, or buried in a nested blob. Shapes are tried in
// that order with a generic walk as the last resort.
func fieldValue(raw json.RawMessage, key string, fieldID int64) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, false
	}
	var container any
	if v, ok := obj["custom_fields"]; ok && v != nil {
		container = v
	} else if v, ok := obj["fields"]; ok && v != nil {
		container = v
	}
	switch c := container.(type) {
	case []any:
		return recordsValue(c, key, fieldID)
	case map[string]any:
		if v, ok := c[key]; ok {
			return extractInt(v)
		}
		if fieldID != 0 {
			if v, ok := c[strconv.FormatInt(fieldID, 10)]; ok {
				return extractInt(v)
			}
		}
		return 0, false
	}
	return walkValue(obj, key)
}

// recordsValue resolves the value from a record list, preferring the
// field id over the name: labels can repeat, ids cannot.
func recordsValue(records []any, key string, fieldID int64) (int64, bool) {
	var value any
	if fieldID != 0 {
		for _, r := range records {
			rec, ok := r.(map[string]any)
			if !ok {
				continue
			}
			id, ok := extractInt(pick(rec, "field_id", "id"))
			if ok && id == fieldID {
				value = pick(rec, "value", "data", "text")
				break
			}
		}
	}
	if value == nil {
		for _, r := range records {
			rec, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if rec["key"] == key || rec["name"] == key {
				value = pick(rec, "value", "data", "text")
				break
			}
		}
	}
	return extractInt(value)
}

func walkValue(node any, key string) (int64, bool) {
	switch n := node.(type) {
	case map[string]any:
		if n["key"] == key || n["name"] == key {
			if v, ok := extractInt(pick(n, "value", "data", "text")); ok {
				return v, true
			}
		}
		for _, v := range n {
			if got, ok := walkValue(v, key); ok {
				return got, true
			}
		}
	case []any:
		for _, v := range n {
			if got, ok := walkValue(v, key); ok {
				return got, true
			}
		}
	}
	return 0, false
}

func pick(rec map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
