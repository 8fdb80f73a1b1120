package biosmenu

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// MkID derives a short stable identifier from a string, for naming boot
// entries after the URL they point to.
func MkID(s string, l int) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])[:l]
}

// BIOSBootExpect waits for the power-on firmware banner that announces
// the boot menu hotkey.
func (n *Navigator) BIOSBootExpect(ctx context.Context) error {
	n.Target.Report.Info("BIOS: waiting for main menu after power on")
	_, err := n.Target.Expect(ctx, n.BootTimeout,
		target.P("boot-menu-banner",
			`Press\s+\[F[67]\]\s+to show boot menu options`))
	if err != nil {
		return errors.WithOp(err, "BIOS: power on")
	}
	return nil
}

// MainMenuExpect waits through the firmware boot messages, mashes the
// setup key and confirms every top level entry got drawn.
func (n *Navigator) MainMenuExpect(ctx context.Context) error {
	if err := n.BIOSBootExpect(ctx); err != nil {
		return err
	}
	// F7 does not get us there reliably; mash F2 instead
	f2, err := KeyCode("F2", n.Terminal)
	if err != nil {
		return err
	}
	presses := make([]string, 10)
	for i := range presses {
		presses[i] = f2
	}
	if err := n.Target.WritePaced(ctx, n.KeyInterval, presses...); err != nil {
		return errors.WithOp(err, "BIOS: main menu")
	}

	n.Target.Report.Info("BIOS: confirming we are at toplevel menu")
	for _, entry := range n.MainLevelEntries {
		_, err := n.Target.Expect(ctx, n.MainEntryTimeout,
			target.P("BIOS-toplevel/"+entry, regexp.QuoteMeta(entry)))
		if err != nil {
			return errors.WithOp(err, "BIOS: main menu")
		}
	}
	return nil
}

// Reset selects the main menu Reset entry, rebooting the machine so new
// settings apply.
func (n *Navigator) Reset(ctx context.Context) error {
	r, err := n.ScrollToEntry(ctx, "Reset", nil)
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Infraf("BIOS: can't find 'Reset'")
	}
	return n.EntrySelect(ctx)
}

// Continue selects the main menu Continue entry, proceeding with the
// normal boot order.
func (n *Navigator) Continue(ctx context.Context) error {
	r, err := n.ScrollToEntry(ctx, "Continue", nil)
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Infraf("BIOS: can't find 'Continue'")
	}
	return n.EntrySelect(ctx)
}

// ConfigNetworkEnable makes sure EDKII Menu > Platform Configuration >
// Network Configuration > EFI Network is enabled. Returns true when it
// had to change the setting (the machine then needs a reset for the
// network device list to appear).
func (n *Navigator) ConfigNetworkEnable(ctx context.Context) (bool, error) {
	rs, err := n.DigTo(ctx, []Level{
		L("EDKII Menu"),
		L("Platform Configuration"),
		L("Network Configuration"),
		{Entry: "EFI Network", HasValue: true},
	}, false, CanaryEscExit)
	if err != nil {
		return false, err
	}

	value := rs["EFI Network"].Value
	// sic, different versions say Disable vs Disabled
	if !strings.Contains(value, "Disable") {
		n.Target.Report.Info("BIOS: EFI Network: already enabled (%s)", value)
		if err := n.Target.Console.Write(KeyEsc); err != nil {
			return false, errors.WithOp(err, "BIOS: EFI Network")
		}
		return false, nil
	}

	n.Target.Report.Info("BIOS: EFI Network: enabling (was: %s)", value)
	if err := n.EntrySelect(ctx); err != nil {
		return false, errors.WithOp(err, "BIOS: EFI Network")
	}
	// geee... some say Enable, some Enabled (see the missing d)
	if _, err := n.MultipleEntrySelectOne(ctx, "Enabled?", "EFI Network"); err != nil {
		return false, err
	}
	if err := n.EntrySelect(ctx); err != nil {
		return false, errors.WithOp(err, "BIOS: EFI Network")
	}
	// ESC twice to pop the save dialog
	if err := n.Target.Console.Write(KeyEsc + KeyEsc); err != nil {
		return false, errors.WithOp(err, "BIOS: EFI Network")
	}
	if err := n.DialogChangesNotSaved(ctx, "Y"); err != nil {
		return false, err
	}
	return true, nil
}

// MainBootSelectEntry goes from the main menu into the Boot Manager
// Menu and scrolls to a boot entry matching bootEntry. Returns false
// when no such entry exists (eg: networking still disabled).
func (n *Navigator) MainBootSelectEntry(ctx context.Context, bootEntry string) (bool, error) {
	r, err := n.ScrollToEntry(ctx, "Boot Manager Menu",
		&ScrollOpts{Level: "main menu"})
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, errors.Infraf("BIOS: can't find boot manager menu")
	}
	if err := n.EntrySelect(ctx); err != nil {
		return false, errors.WithOp(err, "BIOS: boot manager menu")
	}
	if err := n.SubmenuHeader(ctx, "Boot Manager Menu", "", ""); err != nil {
		return false, err
	}
	r, err = n.ScrollToEntry(ctx, bootEntry, &ScrollOpts{
		Level: "Boot Manager Menu",
		// yeah, some machines have a lot of boot entries
		MaxScrolls: 60,
	})
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

// editDataField selects the currently scrolled-to key/value field,
// erases the pre-filled value in the "Please type in your data" popup
// and types the new one.
func (n *Navigator) editDataField(ctx context.Context, oldValue, newValue string) error {
	if err := n.EntrySelect(ctx); err != nil {
		return errors.WithOp(err, "BIOS: edit field")
	}
	if err := n.SubmenuHeader(ctx, "Please type in your data", "", ""); err != nil {
		return err
	}
	if err := n.PacedSend(ctx, strings.Repeat("\x08", len(oldValue))); err != nil {
		return errors.WithOp(err, "BIOS: edit field")
	}
	if err := n.PacedSend(ctx, newValue); err != nil {
		return errors.WithOp(err, "BIOS: edit field")
	}
	if err := n.EntrySelect(ctx); err != nil {
		return errors.WithOp(err, "BIOS: edit field")
	}
	// wait for the redraw or the next scroll sees stale output
	_, err := n.Target.Expect(ctx, n.Timeout,
		target.P("end-of-menu", regexp.QuoteMeta(CanaryMoveHighlight)))
	if err != nil {
		return errors.WithOp(err, "BIOS: edit field")
	}
	return nil
}

// HTTPBootAddEntry fills the HTTP Boot Configuration form (already on
// screen) with a description and a boot URI and saves it with F10.
func (n *Navigator) HTTPBootAddEntry(ctx context.Context, entry, url string) error {
	r, err := n.ScrollToEntry(ctx, "Input the description", &ScrollOpts{
		Level:    "HTTP Boot Menu",
		HasValue: true,
	})
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Infraf("BIOS: HTTP Boot Menu: can't find description field")
	}
	if err := n.editDataField(ctx, r.Value, entry); err != nil {
		return err
	}

	r, err = n.ScrollToEntry(ctx, "Boot URI", &ScrollOpts{
		Level:    "HTTP Boot Menu",
		HasValue: true,
	})
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Infraf("BIOS: HTTP Boot Menu: can't find Boot URI field")
	}
	if err := n.editDataField(ctx, r.Value, url); err != nil {
		return err
	}

	f10, err := KeyCode("F10", n.Terminal)
	if err != nil {
		return err
	}
	if err := n.Target.Console.Write(f10); err != nil {
		return errors.WithOp(err, "BIOS: HTTP Boot Menu")
	}
	if _, err := n.Target.Expect(ctx, n.Timeout,
		target.P("save-dialog", `Press 'Y' to save and exit`)); err != nil {
		return errors.WithOp(err, "BIOS: HTTP Boot Menu")
	}
	return n.Target.Console.Write("Y")
}

// BootNetworkPXE boots the PXE entry matching entryExpr from the main
// menu, enabling EFI networking when the entry is missing.
func (n *Navigator) BootNetworkPXE(ctx context.Context, entryExpr string, assumeInMainMenu bool) error {
	if entryExpr == "" {
		entryExpr = "UEFI PXEv4.*"
	}
	const top = 4
	for cnt := 0; cnt < top; cnt++ {
		if assumeInMainMenu {
			assumeInMainMenu = false
		} else {
			if err := n.MainMenuExpect(ctx); err != nil {
				return err
			}
		}
		found, err := n.MainBootSelectEntry(ctx, entryExpr)
		if err != nil {
			return err
		}
		if found {
			return n.EntrySelect(ctx)
		}
		n.Target.Report.Info("BIOS: can't find PXE network boot entry '%s';"+
			" attempting to enable EFI network support", entryExpr)
		if err := n.EscapeToMain(ctx, true); err != nil {
			return err
		}
		if _, err := n.ConfigNetworkEnable(ctx); err != nil {
			return err
		}
		if err := n.EscapeToMain(ctx, false); err != nil {
			return err
		}
		if err := n.Reset(ctx); err != nil {
			return err
		}
		n.Target.Report.Info("BIOS: PXE network boot failed %d/%d; retrying",
			cnt+1, top)
	}
	return errors.Infraf("BIOS: PXE network boot failed %d times; giving up", top)
}

// BootNetworkHTTP boots an HTTP boot entry from the main menu, creating
// it when missing. entryFmt may contain the token %(ID)s which is
// replaced with a short hash of the URL, so entries for stale URLs are
// not reused.
func (n *Navigator) BootNetworkHTTP(ctx context.Context, entryFmt, url string, assumeInMainMenu bool) error {
	entry := strings.ReplaceAll(entryFmt, "%(ID)s", MkID(url, 4))
	const top = 4
	for cnt := 0; cnt < top; cnt++ {
		if assumeInMainMenu {
			assumeInMainMenu = false
		} else {
			if err := n.MainMenuExpect(ctx); err != nil {
				return err
			}
		}
		found, err := n.MainBootSelectEntry(ctx, regexp.QuoteMeta(entry))
		if err != nil {
			return err
		}
		if found {
			return n.EntrySelect(ctx)
		}
		n.Target.Report.Info("BIOS: can't find HTTP network boot entry '%s';"+
			" attempting to enable EFI network support", entry)
		if err := n.EscapeToMain(ctx, true); err != nil {
			return err
		}
		changed, err := n.ConfigNetworkEnable(ctx)
		if err != nil {
			return err
		}
		if changed {
			// networking was just enabled; the network device list only
			// shows up after a reset
			if err := n.EscapeToMain(ctx, false); err != nil {
				return err
			}
			if err := n.Reset(ctx); err != nil {
				return err
			}
			if err := n.MainMenuExpect(ctx); err != nil {
				return err
			}
		} else {
			if err := n.EscapeToMain(ctx, false); err != nil {
				return err
			}
		}

		// seriously.. the entry is called MAC: but the menu title is
		// "Network Device MAC:"
		_, err = n.DigTo(ctx, []Level{
			L("EDKII Menu"),
			L("Network Device List"),
			{
				Entry: "MAC:(?P<macaddr>[A-F0-9:]+)",
				Title: "Network Device MAC:(?P<macaddr>[A-F0-9:]+)",
			},
			L("HTTP Boot Configuration"),
		}, true, CanaryEscExit)
		if err != nil {
			return errors.WithOp(err,
				"BIOS: can't get to the menu to add HTTP boot")
		}
		if err := n.HTTPBootAddEntry(ctx, entry, url); err != nil {
			return err
		}
		if err := n.EscapeToMain(ctx, false); err != nil {
			return err
		}
		assumeInMainMenu = true
	}
	return errors.Infraf("BIOS: HTTP network boot failed %d times; giving up", top)
}

// BootEFIShell boots into the EFI shell from the main menu and waits
// for its prompt.
func (n *Navigator) BootEFIShell(ctx context.Context) error {
	if err := n.MainMenuExpect(ctx); err != nil {
		return err
	}
	found, err := n.MainBootSelectEntry(ctx, "EFI .* Shell")
	if err != nil {
		return err
	}
	if !found {
		return errors.Infraf("BIOS: can't find an EFI shell entry")
	}
	if err := n.EntrySelect(ctx); err != nil {
		return err
	}
	if _, err := n.Target.Expect(ctx, n.BootTimeout,
		target.P("efi-shell", `Shell>`)); err != nil {
		return errors.WithOp(err, "BIOS: EFI shell")
	}
	return nil
}
