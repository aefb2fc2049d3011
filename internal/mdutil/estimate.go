package mdutil

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// estimateToken matches one number+unit pair of a TestRail estimate
// phrase such as "1wk 1d 1hr 1min 1sec".
var estimateToken = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(wk|week|d|day|hr|hour|h|min|minute|m|sec|second)s?`)

var dateLayouts = []string{
	"1/2/2006",
	"1/2/06",
	"2/1/2006",
	"2/1/06",
	"2006-01-02",
	"2006/01/02",
}

type estimatePart struct {
	value float64
	unit  string // canonical: week, day, hour, minute, second
}

// SimplifyEstimate reduces a TestRail estimate phrase to at most two
// full-word units. Two shapes get special treatment: "Nd Nh Nm" folds
// minutes into a ceiled hour count, and "Nh Nm" keeps both units, each
// ceiled. Everything else takes the first two tokens as-is with zero
// values dropped. Input that yields no tokens passes through.
func SimplifyEstimate(estimate string) string {
	estimate = strings.TrimSpace(estimate)
	if estimate == "" {
		return estimate
	}

	matches := estimateToken.FindAllStringSubmatch(estimate, -1)
	if len(matches) == 0 {
		return estimate
	}

	parts := make([]estimatePart, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		parts = append(parts, estimatePart{value: v, unit: canonicalUnit(m[2])})
	}
	if len(parts) == 0 {
		return estimate
	}

	// "1d 3h 50m": keep days, fold minutes into hours.
	if len(parts) >= 3 && parts[0].unit == "day" && parts[1].unit == "hour" && parts[2].unit == "minute" {
		var out []string
		if d := ceilInt(parts[0].value); d > 0 {
			out = append(out, pluralize(d, "day"))
		}
		if h := ceilInt(parts[1].value + parts[2].value/60); h > 0 {
			out = append(out, pluralize(h, "hour"))
		}
		if len(out) > 0 {
			return strings.Join(out, " ")
		}
		return estimate
	}

	if len(parts) > 2 {
		parts = parts[:2]
	}

	var out []string
	if len(parts) == 2 {
		a, b := parts[0], parts[1]
		switch {
		case a.unit == "hour" && b.unit == "minute":
			if h := ceilInt(a.value); h > 0 {
				out = append(out, pluralize(h, "hour"))
			}
			if m := ceilInt(b.value); m > 0 {
				out = append(out, pluralize(m, "minute"))
			}
		case a.unit == "day" && b.unit == "hour":
			if d := ceilInt(a.value); d > 0 {
				out = append(out, pluralize(d, "day"))
			}
			if h := ceilInt(b.value); h > 0 {
				out = append(out, pluralize(h, "hour"))
			}
		default:
			out = renderParts(parts)
		}
	} else {
		out = renderParts(parts)
	}

	if len(out) == 0 {
		return estimate
	}
	return strings.Join(out, " ")
}

func renderParts(parts []estimatePart) []string {
	var out []string
	for _, p := range parts {
		v := ceilInt(p.value)
		if v == 0 {
			continue
		}
		out = append(out, pluralize(v, p.unit))
	}
	return out
}

func canonicalUnit(raw string) string {
	switch strings.ToLower(raw) {
	case "wk", "week":
		return "week"
	case "d", "day":
		return "day"
	case "hr", "hour", "h":
		return "hour"
	case "min", "minute", "m":
		return "minute"
	default:
		return "second"
	}
}

func ceilInt(v float64) int {
	return int(math.Ceil(v))
}

func pluralize(v int, unit string) string {
	if v == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", v, unit)
}

// ParseElapsed converts a TestRail elapsed phrase like
// "1day 2hr 30min 10sec" into seconds. Components without a known
// suffix are skipped. A component whose numeric part fails to parse
// stops the scan; the seconds accumulated so far are returned with
// the error so callers can log and keep going.
func ParseElapsed(elapsed string) (int64, error) {
	var total int64
	for _, part := range strings.Fields(elapsed) {
		var suffix string
		var mult int64
		switch {
		case strings.HasSuffix(part, "day"):
			suffix, mult = "day", 86400
		case strings.HasSuffix(part, "hr"):
			suffix, mult = "hr", 3600
		case strings.HasSuffix(part, "min"):
			suffix, mult = "min", 60
		case strings.HasSuffix(part, "sec"):
			suffix, mult = "sec", 1
		default:
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(part, suffix), 10, 64)
		if err != nil {
			return total, fmt.Errorf("elapsed component %q: %w", part, err)
		}
		total += n * mult
	}
	return total, nil
}

// ConvertDate parses the calendar formats TestRail emits for
// datepicker fields (US order first, then day-first, then ISO) and
// renders the Qase datetime form "YYYY-MM-DD 00:00:00". Strings that
// match no format pass through unchanged.
func ConvertDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return date
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
	}
	return date
}
