// Package mdutil converts TestRail-flavored rich text into markdown
// that Qase accepts: list renumbering, bare-URL linkification, legacy
// table normalization, and the date/estimate/elapsed parsers used by
// the case and result importers.
package mdutil

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberedLine = regexp.MustCompile(`^\d+\. `)
	bareURL      = regexp.MustCompile(`\bhttps?://[^\s]+`)
)

// ConvertTables normalizes TestRail's pipe-table syntax
// (`|||:Header` / `||cell`) into markdown tables.
//
// TODO: implement the pipe-table translation; text passes through
// unchanged for now and callers already route everything here.
func ConvertTables(text string) string {
	return text
}

// FixNumbering renumbers consecutive `N. ` lines from 1 within each
// contiguous block. TestRail exports steps as `0. ...` lines; a blank
// or unnumbered line ends a block and the next block restarts at 1.
func FixNumbering(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	n := 0
	for _, line := range lines {
		if m := numberedLine.FindString(line); m != "" {
			n++
			out = append(out, strconv.Itoa(n)+". "+line[len(m):])
		} else {
			n = 0
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// FormatLinks runs the full text pipeline: table normalization, list
// renumbering, then wrapping of bare URLs as markdown links. URLs that
// are already part of a markdown link are left alone, which makes the
// function idempotent.
func FormatLinks(text string) string {
	text = ConvertTables(text)
	text = FixNumbering(text)

	locs := bareURL.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + len(locs)*4)
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		b.WriteString(text[last:start])
		url := text[start:end]
		if insideLink(text, start) {
			b.WriteString(url)
		} else {
			b.WriteString("[")
			b.WriteString(url)
			b.WriteString("](")
			b.WriteString(url)
			b.WriteString(")")
		}
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// insideLink reports whether the URL starting at pos is already link
// text or a link target, i.e. directly preceded by `[`, `]` or `](`.
func insideLink(s string, pos int) bool {
	if pos == 0 {
		return false
	}
	switch s[pos-1] {
	case '[', ']':
		return true
	case '(':
		return pos >= 2 && s[pos-2] == ']'
	}
	return false
}

// EscapeRef percent-encodes a reference URL the way the Refs field
// expects: every byte outside [A-Za-z0-9_.~-] is encoded except `/`
// and `:`, so scheme and path separators survive.
func EscapeRef(s string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if refSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func refSafe(c byte) bool {
	if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
		return true
	}
	switch c {
	case '_', '.', '-', '~', '/', ':':
		return true
	}
	return false
}
