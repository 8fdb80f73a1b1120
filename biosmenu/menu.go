package biosmenu

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// End-of-redraw canaries. Menus print one of these at the bottom when
// they finish redrawing.
const (
	CanaryMoveHighlight = "^v=Move Highlight"
	CanarySaveExit      = "F10=Save Changes and Exit"
	CanaryEscExit       = "Esc=Exit"
)

// DefaultMainLevelEntries are the top level menu entries of an EDKII
// BIOS; all of them showing up on screen is how we know we are back at
// the main menu. Overridable per target with bios.main_level_entries.
var DefaultMainLevelEntries = []string{
	"EDKII Menu",
	"Boot Manager Menu",
	"Boot Maintenance Manager",
	"Continue",
	"Reset",
}

// Navigator drives the BIOS menus on one target's console.
type Navigator struct {
	Target *target.Target

	// Highlight and Normal are the attribute sequences this BIOS uses
	// for selected and unselected entries.
	Highlight string
	Normal    string

	// MainLevelEntries identify the top level menu.
	MainLevelEntries []string

	// Terminal type for function key translation.
	Terminal string

	// Timeout bounds each single expectation while navigating; fail
	// quick so the scroll heuristics can recover.
	Timeout time.Duration

	// BootTimeout bounds waiting for the BIOS banner after power on;
	// some BIOSes take minutes.
	BootTimeout time.Duration

	// MainEntryTimeout bounds waiting for each main menu entry to be
	// drawn after mashing the setup key.
	MainEntryTimeout time.Duration

	// SelectWait lets a menu settle before sending ENTER.
	SelectWait time.Duration

	// MainSyncWait is an extra settle after escaping to the main menu;
	// without it the next navigation desyncs.
	MainSyncWait time.Duration

	// KeyInterval paces repeated keystrokes so the firmware's input
	// handler does not drop them.
	KeyInterval time.Duration

	MaxScrolls int

	// ColumnKey is the column menu entries are drawn at; highlights at
	// other columns are frame art, not entries.
	ColumnKey int
}

// New builds a Navigator with EDKII defaults, honoring the target's
// bios.* inventory overrides.
func New(t *target.Target) *Navigator {
	inv := t.Inventory
	return &Navigator{
		Target:           t,
		Highlight:        HighlightWhiteOnBlack,
		Normal:           NormalBlackOnWhite,
		MainLevelEntries: inv.List("bios.main_level_entries", DefaultMainLevelEntries),
		Terminal:         inv.Get("bios.terminal_emulation", "vt100"),
		Timeout:          inv.Seconds("bios.menu_timeout", 10*time.Second),
		BootTimeout:      inv.Seconds("bios.boot_time", 180*time.Second),
		MainEntryTimeout: 120 * time.Second,
		SelectWait:       500 * time.Millisecond,
		MainSyncWait:     5 * time.Second,
		KeyInterval:      500 * time.Millisecond,
		MaxScrolls:       30,
		ColumnKey:        4,
	}
}

// ScrollOpts tune one scroll operation.
type ScrollOpts struct {
	// HasValue selects the key/value entry rendering.
	HasValue bool

	// Up scrolls with arrow-up instead of arrow-down.
	Up bool

	// Level names the menu being navigated, for reports and errors.
	Level string

	// MaxScrolls overrides the navigator default when > 0.
	MaxScrolls int

	// Highlight/Normal override the navigator attributes when set.
	Highlight string
	Normal    string
}

// EntrySelect sends ENTER after letting the menu settle.
func (n *Navigator) EntrySelect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(n.SelectWait):
	}
	return n.Target.Console.Write(KeyEnter)
}

// PacedSend writes text in 5 character chunks with pacing; BIOS input
// dialogs drop characters sent in one burst.
func (n *Navigator) PacedSend(ctx context.Context, text string) error {
	const cs = 5
	var chunks []string
	for i := 0; i < len(text); i += cs {
		end := i + cs
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
	}
	return n.Target.WritePaced(ctx, n.KeyInterval/10, chunks...)
}

// ScrollToEntry scrolls the current menu until an entry matching
// entryExpr (an anchored-nowhere regular expression, no ANSI sequences)
// is highlighted. Returns nil when the entry is not in this menu; menus
// wrap around, so every distinct entry having been seen more than three
// times means we scrolled through everything.
//
// Heuristics learned the hard way:
//
//   - the first highlighted entry is missed unless the first keypress
//     goes the opposite way, so iteration one scrolls backwards;
//   - bad serial lines eat keypresses, so an expect timeout nudges the
//     cursor backwards and retries instead of failing;
//   - the same entry highlighted 3 times in a row means the menu does
//     not wrap; flip the scroll direction.
func (n *Navigator) ScrollToEntry(ctx context.Context, entryExpr string, opts *ScrollOpts) (*Entry, error) {
	if opts == nil {
		opts = &ScrollOpts{}
	}
	level := opts.Level
	if level == "" {
		level = "top"
	}
	maxScrolls := opts.MaxScrolls
	if maxScrolls == 0 {
		maxScrolls = n.MaxScrolls
	}
	highlight := opts.Highlight
	if highlight == "" {
		highlight = n.Highlight
	}
	normal := opts.Normal
	if normal == "" {
		normal = n.Normal
	}

	entryRe, err := regexp.Compile(entryExpr)
	if err != nil {
		return nil, errors.Blockedf("bad menu entry expression %q: %v", entryExpr, err)
	}
	var selRe *regexp.Regexp
	if opts.HasValue {
		selRe = keyValueRegex(highlight, normal)
	} else {
		selRe = submenuRegex(highlight)
	}

	t := n.Target
	name := "BIOS:" + level + "/" + entryExpr
	t.Report.Info("%s: scrolling to find it", name)

	up := opts.Up
	scrollKey := func(up bool) string {
		if up {
			return KeyUp
		}
		return KeyDown
	}

	seenEntries := map[string]int{}
	lastSeenEntry := ""
	lastSeenEntryCount := 0
	firstScroll := true
	for i := 0; i < maxScrolls; i++ {
		if firstScroll {
			// We miss the line that has the first entry already
			// selected, so the first press goes backwards to force a
			// redraw of it.
			if err := t.Console.Write(scrollKey(!up)); err != nil {
				return nil, errors.WithOp(err, name)
			}
			firstScroll = false
		} else {
			if err := t.Console.Write(scrollKey(up)); err != nil {
				return nil, errors.WithOp(err, name)
			}
		}

		// Half-skips so a timeout only costs half a try: it nudges the
		// cursor back and consumes less budget than a non-interesting
		// entry.
		var entry *Entry
		skips := 8
		for skips > 0 {
			skips -= 2
			m, err := t.Expect(ctx, n.Timeout,
				target.Pattern{Name: name, Re: selRe})
			if err != nil {
				if ctx.Err() != nil {
					return nil, errors.WithOp(err, name)
				}
				t.Report.Info("%s: timed out, nudging and retrying (%d left)",
					name, skips)
				// Bad serial lines miss key characters; scroll back
				// once and retry rather than confusing the state
				// machine with an up-down dance.
				skips++
				if err := t.Console.Write(scrollKey(!up)); err != nil {
					return nil, errors.WithOp(err, name)
				}
				continue
			}
			e, ok := parseEntry(m, opts.HasValue)
			if !ok {
				t.Report.Info("%s: interleaved redraw, retrying", name)
				continue
			}
			if e.ColumnKey == n.ColumnKey {
				entry = e
				break
			}
			// probably frame art redrawn in highlight attributes
			t.Report.Info("%s: found non-interesting entry '%s' @%d",
				name, e.Key, e.ColumnKey)
		}
		if entry == nil {
			t.Report.Info("%s: didn't find an interesting entry after four tries", name)
			return nil, nil
		}

		t.Report.Info("%s: found highlighted entry '%s'", name, entry.Key)
		seenEntries[entry.Key]++
		allSeen := len(seenEntries) > 0
		for _, count := range seenEntries {
			if count <= 3 {
				allSeen = false
				break
			}
		}
		if allSeen {
			t.Report.Info("%s: scrolled through all entries; '%s' is not here",
				name, entryExpr)
			return nil, nil
		}
		if lastSeenEntry == entry.Key {
			lastSeenEntryCount++
		} else {
			lastSeenEntry = entry.Key
			lastSeenEntryCount = 1
		}
		if lastSeenEntryCount > 2 {
			// same entry keeps coming back: this menu does not wrap
			// around, go the other way
			up = !up
		}

		if m := entryRe.FindStringSubmatch(entry.Key); m != nil {
			entry.Groups = map[string]string{}
			for gi, gname := range entryRe.SubexpNames() {
				if gi == 0 || gname == "" || m[gi] == "" {
					continue
				}
				entry.Groups[gname] = m[gi]
			}
			t.Report.Info("%s: highlighted entry found", name)
			return entry, nil
		}
		t.Report.Info("%s: highlighted entry is '%s', not '%s'; scrolling",
			name, entry.Key, entryExpr)
	}
	return nil, nil
}

// SubmenuHeader waits for the box banner a submenu or dialog prints
// around its title, plus, when canary is not empty, the end-of-redraw
// canary after it.
// titleExpr is a regular expression; all pieces are matched as one
// expression over the stream so a partial redraw cannot satisfy it.
func (n *Navigator) SubmenuHeader(ctx context.Context, titleExpr, canary, menuName string) error {
	if menuName == "" {
		menuName = titleExpr
	}
	expr := `(?s)/-+\\` + `.*` + titleExpr + `.*` + `-+/`
	if canary != "" {
		expr += `.*` + regexp.QuoteMeta(canary)
	}
	_, err := n.Target.Expect(ctx, n.Timeout,
		target.P(menuName+":menu-header", expr))
	if err != nil {
		return errors.WithOp(err, "BIOS:"+menuName)
	}
	n.Target.Report.Info("BIOS:%s: found menu header", menuName)
	return nil
}

// Level is one step in a nested menu dig: the entry to select and, when
// it differs, the title of the submenu it opens. HasValue marks
// key/value entries.
type Level struct {
	Entry    string
	Title    string
	HasValue bool
}

// L is shorthand for a plain submenu level.
func L(entry string) Level { return Level{Entry: entry} }

func (l Level) title() string {
	if l.Title != "" {
		return l.Title
	}
	return l.Entry
}

// DigTo selects each entry in levels to descend a nested menu
// hierarchy. When digLast is false the final entry is only highlighted,
// not selected. Returns the parsed entry for every level keyed by its
// entry expression.
func (n *Navigator) DigTo(ctx context.Context, levels []Level, digLast bool, canary string) (map[string]*Entry, error) {
	if canary == "" {
		canary = CanarySaveExit
	}
	rs := map[string]*Entry{}
	menuName := []string{"top"}
	for cnt, level := range levels {
		name := strings.Join(menuName, " > ")
		r, err := n.ScrollToEntry(ctx, level.Entry, &ScrollOpts{
			HasValue: level.HasValue,
			Level:    name,
		})
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, errors.Infraf("BIOS:%s: can't find entry '%s'",
				name, level.Entry)
		}
		rs[level.Entry] = r

		last := cnt == len(levels)-1
		if !last || digLast {
			n.Target.Report.Info("BIOS:%s: selecting menu entry '%s'",
				name, level.Entry)
			if err := n.EntrySelect(ctx); err != nil {
				return nil, errors.WithOp(err, "BIOS:"+name)
			}
			menuName = append(menuName, level.title())
			if err := n.SubmenuHeader(ctx, level.title(), canary,
				strings.Join(menuName, " > ")); err != nil {
				return nil, err
			}
		}
	}
	return rs, nil
}

// MultipleEntrySelectOne scrolls a popup list (the blue-background kind
// that offers Enable/Disable) until an entry matching selectExpr is
// highlighted, and returns it without selecting.
func (n *Navigator) MultipleEntrySelectOne(ctx context.Context, selectExpr, level string) (*Entry, error) {
	selectRe, err := regexp.Compile(selectExpr)
	if err != nil {
		return nil, errors.Blockedf("bad entry expression %q: %v", selectExpr, err)
	}
	hlRe := regexp.MustCompile(
		`(?s)/-+\\` + `.*` +
			regexp.QuoteMeta(HighlightWhiteOnCyan) +
			`\x1b\[[0-9]+;[0-9]+H` +
			`(?P<key>[^\x1b]+)` +
			`.*` + `-+/`)

	t := n.Target
	t.Report.Info("BIOS:%s: scrolling popup for '%s'", level, selectExpr)
	up := false
	lastSeenEntry := ""
	lastSeenEntryCount := 0
	for i := 0; i < n.MaxScrolls; i++ {
		key := KeyDown
		if up {
			key = KeyUp
		}
		if err := t.Console.Write(key); err != nil {
			return nil, errors.WithOp(err, "BIOS:"+level)
		}

		var m *target.Match
		const retryTop = 5
		retry := 0
		for ; retry < retryTop; retry++ {
			m, err = t.Expect(ctx, n.Timeout,
				target.Pattern{Name: "highlight", Re: hlRe})
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, errors.WithOp(err, "BIOS:"+level)
			}
			t.Report.Info("BIOS:%s: no highlighted popup entry, tickling", level)
			if err := t.Console.Write(KeyUp); err != nil {
				return nil, errors.WithOp(err, "BIOS:"+level)
			}
			if err := t.Console.Write(KeyDown); err != nil {
				return nil, errors.WithOp(err, "BIOS:"+level)
			}
		}
		if retry == retryTop {
			return nil, errors.Infraf(
				"BIOS:%s: can't find highlighted entries after %d tries",
				level, retryTop)
		}

		entryKey := strings.TrimSpace(m.Group("key"))
		if selectRe.MatchString(entryKey) {
			t.Report.Info("BIOS:%s: popup entry '%s' found", level, selectExpr)
			return &Entry{Key: entryKey}, nil
		}
		if lastSeenEntry == entryKey {
			lastSeenEntryCount++
		} else {
			lastSeenEntry = entryKey
			lastSeenEntryCount = 1
		}
		if lastSeenEntryCount > 2 {
			up = !up
		}
		t.Report.Info("BIOS:%s: popup entry '%s' found, scrolling", level, entryKey)
	}
	return nil, errors.Infraf("BIOS:%s: can't find '%s' after %d scrolls",
		level, selectExpr, n.MaxScrolls)
}

// EscapeToMain presses ESC until the main menu is on screen. After each
// press it waits for the end-of-menu canary, then checks that every
// main level entry was drawn, each anchored to a cursor position so
// ANSI fluff between them cannot fake a match.
func (n *Navigator) EscapeToMain(ctx context.Context, escFirst bool) error {
	t := n.Target
	t.Report.Info("BIOS: going to main menu")

	const maxLevels = 10
	if escFirst {
		if err := t.Console.Write(KeyEsc); err != nil {
			return errors.WithOp(err, "BIOS: escape to main")
		}
	}
	regexl := make([]string, len(n.MainLevelEntries))
	for i, entry := range n.MainLevelEntries {
		regexl[i] = `\[[0-9]+;[0-9]+H` + regexp.QuoteMeta(entry)
	}
	mainMenuRe := regexp.MustCompile("(?s)" + strings.Join(regexl, ".*"))

	for level := 0; level < maxLevels; level++ {
		m, err := t.Expect(ctx, n.Timeout,
			target.P("end-of-menu", regexp.QuoteMeta(CanaryMoveHighlight)))
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithOp(err, "BIOS: escape to main")
			}
			t.Report.Info("BIOS: escaping to main, pressing ESC after timeout %d/%d",
				level, maxLevels)
			if err := t.Console.Write(KeyEsc); err != nil {
				return errors.WithOp(err, "BIOS: escape to main")
			}
			continue
		}
		if mainMenuRe.MatchString(m.Before + m.Text) {
			t.Report.Info("BIOS: escaped to main")
			// sync hack; without this settle the next navigation
			// desyncs and we have not found out why
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.MainSyncWait):
			}
			return nil
		}
		t.Report.Info("BIOS: escaping to main, pressing ESC %d/%d", level, maxLevels)
		if err := t.Console.Write(KeyEsc); err != nil {
			return errors.WithOp(err, "BIOS: escape to main")
		}
	}
	return errors.Infraf(
		"BIOS: escaping to main: pressed ESC %d times and didn't find"+
			" all the main menu entries (%s)",
		maxLevels, strings.Join(n.MainLevelEntries, ","))
}

// DialogChangesNotSaved waits for the "Changes have not saved" dialog
// and answers it: "Y" saves, "N" discards, ESC cancels.
func (n *Navigator) DialogChangesNotSaved(ctx context.Context, action string) error {
	switch action {
	case "Y", "N", KeyEsc:
	default:
		return errors.Blockedf("bad dialog action %q", action)
	}
	if err := n.SubmenuHeader(ctx,
		"Changes have not saved. Save Changes and exit", "", ""); err != nil {
		return err
	}
	return n.Target.Console.Write(action)
}
