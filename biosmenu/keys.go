// Package biosmenu drives ANSI text BIOS menus (EDKII and friends) over a
// target's serial console: scrolling until an entry is highlighted,
// digging through nested submenus, editing key/value fields and answering
// save dialogs.
package biosmenu

import (
	"github.com/posfw/posfw/errors"
)

// Highlight attribute sequences. White/grey-background menus highlight
// the selected entry in white on black; blue-background popup lists use
// bold white on cyan.
const (
	HighlightWhiteOnBlack = "\x1b[0m\x1b[37m\x1b[40m" // highlighted
	NormalBlackOnWhite    = "\x1b[0m\x1b[30m\x1b[47m" // normal
	HighlightWhiteOnCyan  = "\x1b[1m\x1b[37m\x1b[46m" // highlighted, popup
	NormalWhiteOnBlue     = "\x1b[0m\x1b[37m\x1b[44m" // normal, popup
)

// Navigation keys.
const (
	KeyUp    = "\x1b[A"
	KeyDown  = "\x1b[B"
	KeyEnter = "\r"
	KeyEsc   = "\x1b"
)

// keyCodes maps function key names to the ANSI sequences each terminal
// type understands.
// https://invisible-island.net/xterm/xterm-function-keys.html
var keyCodes = map[string]map[string][]string{
	"F2": {
		"\x1b[12~": {"rxvt", "xterm"},
		"\x1bOQ":   {"vt100"},
	},
	"F6": {
		"\x1b[17~": {"rxvt", "xterm", "vt100"},
	},
	"F7": {
		"\x1b[18~": {"rxvt", "xterm", "vt100"},
	},
	"F10": {
		"\x1b[21~": {"rxvt", "xterm", "vt100"},
	},
	"F12": {
		// 24, not 23 :/
		// https://en.wikipedia.org/wiki/ANSI_escape_code#Terminal_input_sequences
		"\x1b[24~": {"rxvt", "xterm", "vt100"},
	},
}

// KeyCode translates a human key name (F2, F10...) to the ANSI sequence
// for the given terminal type. Names with no translation table pass
// through unchanged; a known key with no sequence for the terminal is a
// configuration problem.
func KeyCode(key, term string) (string, error) {
	keyMap, ok := keyCodes[key]
	if !ok {
		return key, nil
	}
	for seq, terms := range keyMap {
		for _, t := range terms {
			if t == term {
				return seq, nil
			}
		}
	}
	return "", errors.Blockedf("unknown key code %s for terminal %s", key, term)
}
