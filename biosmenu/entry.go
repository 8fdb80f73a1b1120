package biosmenu

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/posfw/posfw/target"
)

// Entry is a parsed highlighted menu entry. Menus render two kinds:
//
//  1. Submenu entries: a single highlighted name.
//
//  2. Settable key/value entries: the value is highlighted on the right
//     column and the key follows in normal attributes on the left, eg:
//
//	^[[0m^[[37m^[[40m^[[05;31HVALUE
//	^[[0m^[[30m^[[47m^[[05;40H        [SPACES]
//	^[[05;01H   [SPACES]
//	^[[05;04HKEY
type Entry struct {
	Key         string
	Value       string
	Row         int
	ColumnKey   int
	ColumnValue int
	HasValue    bool

	// Groups carries captures from the caller's entry expression, eg
	// macaddr from "MAC:(?P<macaddr>[A-F0-9:]+)".
	Groups map[string]string
}

// submenuRegex matches a highlighted submenu entry: the highlight
// attributes, a position, then the name. Entries may start with spaces
// but are never all spaces; trailing space runs belong to the redraw.
func submenuRegex(highlight string) *regexp.Regexp {
	return regexp.MustCompile(
		regexp.QuoteMeta(highlight) +
			`\x1b\[(?P<row>[0-9]+);(?P<column_key>[0-9]+)H` +
			`(?P<key>[^\x1b]*[^ \x1b][^\x1b]*) *\x1b`)
}

// keyValueRegex matches a highlighted key/value entry: highlighted value
// first, then two space-fill repositions, then the key in normal
// attributes. All four position rows must be the same row; that cannot
// be expressed in RE2, so each is captured and checked in sameRow.
func keyValueRegex(highlight, normal string) *regexp.Regexp {
	return regexp.MustCompile(
		regexp.QuoteMeta(highlight) +
			`\x1b\[(?P<row>[0-9]+);(?P<column_value>[0-9]+)H` +
			`(?P<value>[^\x1b]+)` +
			regexp.QuoteMeta(normal) +
			`\x1b\[(?P<row2>[0-9]+);[0-9]+H\s+` +
			`\x1b\[(?P<row3>[0-9]+);[0-9]+H\s+` +
			`\x1b\[(?P<row4>[0-9]+);(?P<column_key>[0-9]+)H` +
			`(?P<key>[^\x1b]*[^ \x1b][^\x1b]*)`)
}

// parseEntry builds an Entry from an expectation match. The second
// return is false when a key/value match straddles rows, meaning the
// redraw interleaved and the match is a false positive.
func parseEntry(m *target.Match, hasValue bool) (*Entry, bool) {
	e := &Entry{
		Key:      strings.TrimSpace(m.Group("key")),
		HasValue: hasValue,
	}
	e.Row, _ = strconv.Atoi(m.Group("row"))
	e.ColumnKey, _ = strconv.Atoi(m.Group("column_key"))
	if hasValue {
		if !sameRow(m, "row", "row2", "row3", "row4") {
			return nil, false
		}
		e.Value = m.Group("value")
		e.ColumnValue, _ = strconv.Atoi(m.Group("column_value"))
	}
	return e, true
}

func sameRow(m *target.Match, names ...string) bool {
	for _, n := range names[1:] {
		if m.Group(n) != m.Group(names[0]) {
			return false
		}
	}
	return true
}
