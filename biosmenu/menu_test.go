package biosmenu

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/target"
	"github.com/posfw/posfw/target/mock"
)

// newNav builds a navigator over a mock target with timeouts shrunk so
// the heuristic retry paths run in milliseconds.
func newNav(tt *mock.T) *Navigator {
	n := New(tt.Target)
	n.Timeout = 50 * time.Millisecond
	n.BootTimeout = 200 * time.Millisecond
	n.MainEntryTimeout = 50 * time.Millisecond
	n.SelectWait = time.Millisecond
	n.MainSyncWait = time.Millisecond
	n.KeyInterval = time.Millisecond
	return n
}

func TestNewHonorsInventoryOverrides(t *testing.T) {
	tt := mock.NewTarget("t1", target.Inventory{
		"bios.terminal_emulation": "xterm",
		"bios.menu_timeout":       "3",
	})
	n := New(tt.Target)
	assert.Equal(t, "xterm", n.Terminal)
	assert.Equal(t, 3*time.Second, n.Timeout)

	// defaults on a bare inventory
	n = New(mock.NewTarget("t2", nil).Target)
	assert.Equal(t, "vt100", n.Terminal)
}

// subFrame renders a highlighted submenu entry the way EDKII draws it.
func subFrame(row int, key string) string {
	return fmt.Sprintf("%s\x1b[%02d;04H%s  \x1b[0m",
		HighlightWhiteOnBlack, row, key)
}

// kvFrame renders a highlighted key/value entry: value first on the
// right, then space fills, then the key on column 4.
func kvFrame(row int, key, value string) string {
	return fmt.Sprintf(
		"%s\x1b[%02d;31H%s%s\x1b[%02d;40H   \x1b[%02d;01H   \x1b[%02d;04H%s",
		HighlightWhiteOnBlack, row, value, NormalBlackOnWhite,
		row, row, row, key)
}

func TestScrollToEntryFindsAfterScrolling(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.RespondSeq("\x1b[",
		subFrame(5, "Continue"),
		subFrame(6, "Reset"),
		subFrame(7, "Boot Manager Menu"),
	)

	e, err := n.ScrollToEntry(context.Background(), "Boot Manager Menu", nil)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Boot Manager Menu", e.Key)
	assert.Equal(t, 7, e.Row)
	assert.Equal(t, 4, e.ColumnKey)

	// The first keypress goes against the scroll direction to force a
	// redraw of the already highlighted entry.
	writes := tt.Console.Writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, KeyUp, writes[0])
	assert.Equal(t, KeyDown, writes[1])
}

func TestScrollToEntryCapturesGroups(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.RespondSeq("\x1b[", subFrame(9, "MAC:AA:BB:CC:DD:EE:FF"))

	e, err := n.ScrollToEntry(context.Background(),
		"MAC:(?P<macaddr>[A-F0-9:]+)", nil)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", e.Groups["macaddr"])
}

func TestScrollToEntryKeyValue(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.RespondSeq("\x1b[",
		kvFrame(5, "EFI Network", "Disabled"))

	e, err := n.ScrollToEntry(context.Background(), "EFI Network",
		&ScrollOpts{HasValue: true})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "EFI Network", e.Key)
	assert.Equal(t, "Disabled", e.Value)
	assert.Equal(t, 31, e.ColumnValue)
}

func TestScrollToEntryRejectsStraddledRows(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	// First frame interleaves two rows (a torn redraw); the clean one
	// right behind it must win.
	torn := fmt.Sprintf(
		"%s\x1b[05;31HJunk%s\x1b[06;40H   \x1b[05;01H   \x1b[05;04HBad",
		HighlightWhiteOnBlack, NormalBlackOnWhite)
	tt.Console.RespondSeq("\x1b[", torn+kvFrame(7, "Boot URI", "_"))

	e, err := n.ScrollToEntry(context.Background(), "Boot URI",
		&ScrollOpts{HasValue: true})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Boot URI", e.Key)
}

func TestScrollToEntrySkipsOffColumnHighlights(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	// Column 30 highlight is frame art, not an entry.
	art := fmt.Sprintf("%s\x1b[20;30Hdecoration \x1b[0m", HighlightWhiteOnBlack)
	tt.Console.RespondSeq("\x1b[", art+subFrame(5, "Reset"))

	e, err := n.ScrollToEntry(context.Background(), "Reset", nil)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Reset", e.Key)
}

func TestScrollToEntryWrapExhaustion(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	entries := []string{"Continue", "Reset", "EDKII Menu"}
	i := 0
	tt.Console.OnWrite(func(input string) (string, bool) {
		if !strings.Contains(input, "\x1b[") {
			return "", false
		}
		out := subFrame(5+i%3, entries[i%3])
		i++
		return out, true
	})

	e, err := n.ScrollToEntry(context.Background(), "Boot Manager Menu", nil)
	require.NoError(t, err)
	// Every entry seen more than 3 times: wrapped around, not there.
	assert.Nil(t, e)
}

func TestScrollToEntryFlipsDirectionWhenStuck(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.Respond("\x1b[", subFrame(5, "Stuck"))

	e, err := n.ScrollToEntry(context.Background(), "Elsewhere", nil)
	require.NoError(t, err)
	assert.Nil(t, e)

	// down scroll: first press is the opposite (up), then down twice;
	// three consecutive sightings of the same entry flip back to up.
	writes := tt.Console.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, []string{KeyUp, KeyDown, KeyDown, KeyUp}, writes)
}

func TestScrollToEntryNudgesOnTimeout(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	// No frames at all: every expect times out, each timeout nudges
	// backwards until the skip budget runs dry.
	e, err := n.ScrollToEntry(context.Background(), "Anything", nil)
	require.NoError(t, err)
	assert.Nil(t, e)
	// initial press plus one nudge per timeout
	assert.Greater(t, len(tt.Console.Writes()), 4)
}

func TestSubmenuHeaderCompositeMatch(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.Feed(`/------------------\` + "\n" +
		"|  Boot Manager Menu  |\n" +
		`\------------------/` + "\n" +
		"^v=Move Highlight")

	err := n.SubmenuHeader(context.Background(), "Boot Manager Menu",
		CanaryMoveHighlight, "")
	assert.NoError(t, err)
}

func TestSubmenuHeaderRefusesPartialBanner(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	// Title without the box: must not satisfy the composite expression.
	tt.Console.Feed("Boot Manager Menu\n^v=Move Highlight")

	err := n.SubmenuHeader(context.Background(), "Boot Manager Menu",
		CanaryMoveHighlight, "")
	assert.Error(t, err)
}

func TestDigToSelectsEachLevel(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.RespondSeq("\x1b[", subFrame(5, "EDKII Menu"))
	tt.Console.Respond("\r",
		`/----\ EDKII Menu ----/`+" F10=Save Changes and Exit")

	rs, err := n.DigTo(context.Background(),
		[]Level{L("EDKII Menu")}, true, "")
	require.NoError(t, err)
	require.Contains(t, rs, "EDKII Menu")
	assert.Equal(t, "EDKII Menu", rs["EDKII Menu"].Key)
}

func TestDigToErrorNamesTheLevel(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.Respond("\x1b[", subFrame(5, "Something Else"))

	_, err := n.DigTo(context.Background(),
		[]Level{L("Network Device List")}, true, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top")
	assert.Contains(t, err.Error(), "Network Device List")
}

func TestMultipleEntrySelectOne(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	popup := `/------------\` +
		HighlightWhiteOnCyan + "\x1b[11;36HEnable" +
		NormalWhiteOnBlue + "\x1b[12;36HDisable" +
		`\------------/`
	tt.Console.Respond("\x1b[", popup)

	e, err := n.MultipleEntrySelectOne(context.Background(), "Enabled?", "EFI Network")
	require.NoError(t, err)
	assert.Equal(t, "Enable", e.Key)
}

func TestEscapeToMain(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	var sb strings.Builder
	for i, entry := range n.MainLevelEntries {
		fmt.Fprintf(&sb, "\x1b[%02d;05H%s", 3+i, entry)
	}
	sb.WriteString("  ^v=Move Highlight")
	tt.Console.RespondSeq("\x1b",
		"some submenu ^v=Move Highlight",
		sb.String())

	err := n.EscapeToMain(context.Background(), true)
	require.NoError(t, err)
	// first ESC landed in a submenu, second reached the main menu
	escs := 0
	for _, w := range tt.Console.Writes() {
		if w == KeyEsc {
			escs++
		}
	}
	assert.Equal(t, 2, escs)
}

func TestDialogChangesNotSaved(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.Feed(`/----\` +
		" Changes have not saved. Save Changes and exit? " +
		"Press 'Y' to save and exit, 'N' to discard and exit. " +
		`\----/`)

	err := n.DialogChangesNotSaved(context.Background(), "Y")
	require.NoError(t, err)
	writes := tt.Console.Writes()
	assert.Equal(t, "Y", writes[len(writes)-1])
}

func TestDialogRejectsBadAction(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	err := n.DialogChangesNotSaved(context.Background(), "Q")
	assert.Error(t, err)
}

func TestMainMenuExpect(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	n := newNav(tt)
	tt.Console.Feed("Press [F6] to show boot menu options\n")
	tt.Console.RespondOnce("\x1bOQ",
		strings.Join(n.MainLevelEntries, "\n"))

	err := n.MainMenuExpect(context.Background())
	assert.NoError(t, err)
}

func TestKeyCode(t *testing.T) {
	seq, err := KeyCode("F2", "vt100")
	require.NoError(t, err)
	assert.Equal(t, "\x1bOQ", seq)

	seq, err = KeyCode("F12", "xterm")
	require.NoError(t, err)
	assert.Equal(t, "\x1b[24~", seq)

	// unmapped keys pass through
	seq, err = KeyCode("a", "vt100")
	require.NoError(t, err)
	assert.Equal(t, "a", seq)

	_, err = KeyCode("F2", "weirdterm")
	assert.Error(t, err)
}

func TestMkIDStable(t *testing.T) {
	a := MkID("http://server/boot.img", 4)
	b := MkID("http://server/boot.img", 4)
	c := MkID("http://server/other.img", 4)
	assert.Len(t, a, 4)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
