// Package bootdrv implements the boot_to_pos and boot_to_normal
// capability drivers: everything that takes a powered-off machine to
// either the Provisioning OS or its installed OS. Drivers differ in how
// much the server side helps: with a cooperating PXE server a property
// flip is enough, while standalone machines need their BIOS menus driven
// over the serial console, or an iPXE console seized mid-boot.
package bootdrv

import (
	"context"
	"strings"
	"time"

	"github.com/posfw/posfw/biosmenu"
	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/retry"
	"github.com/posfw/posfw/target"
)

// retryConfig is the bounded retry every boot driver runs under: boot
// flows fail for transient reasons (missed banners, dropped keys) and a
// power cycle resets the world.
func retryConfig(t *target.Target, what string) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error) {
		t.IncRetry(what)
		t.Report.Info("%s: attempt %d failed, retrying: %v", what, attempt, err)
	}
	return cfg
}

// BootToPOSPXE boots into the Provisioning OS on deployments where the
// PXE server reads the target's pos_mode property to decide what boot
// configuration to serve. Registered as the boot_to_pos "pxe" driver.
func BootToPOSPXE(ctx context.Context, t *target.Target) error {
	t.Report.Info("POS: setting target to PXE boot Provisioning OS")
	if err := t.Properties.SetProperty("pos_mode", "pxe"); err != nil {
		return errors.WithOp(err, "set pos_mode")
	}
	if err := t.Power.Cycle(ctx); err != nil {
		return errors.WithOp(err, "power cycle")
	}
	// flip back right away so an accidental reboot mid-deploy lands in
	// the installed OS, not in a half-provisioned POS
	if err := t.Properties.SetProperty("pos_mode", "local"); err != nil {
		return errors.WithOp(err, "set pos_mode")
	}
	return nil
}

// BootToNormalPXE boots the installed OS on pos_mode deployments.
// Registered as the boot_to_normal "pxe" driver.
func BootToNormalPXE(ctx context.Context, t *target.Target) error {
	t.Report.Info("POS: setting target not to PXE boot Provisioning OS")
	if err := t.Properties.SetProperty("pos_mode", "local"); err != nil {
		return errors.WithOp(err, "set pos_mode")
	}
	if err := t.Power.Cycle(ctx); err != nil {
		return errors.WithOp(err, "power cycle")
	}
	return nil
}

// BootToNormalPower boots the installed OS on machines whose firmware
// boot order already points at the local disk; a plain power cycle is
// all it takes.
func BootToNormalPower(ctx context.Context, t *target.Target) error {
	t.Report.Info("POS: power cycling to boot installed OS")
	if err := t.Power.Cycle(ctx); err != nil {
		return errors.WithOp(err, "power cycle")
	}
	return nil
}

// PXEEntryExpr builds the regexp matching the firmware boot entry for
// the target's boot interface, eg `UEFI PXEv4 \(MAC:4AB0155F98A1\)`.
// Without a MAC in the inventory any IPv4 PXE entry does.
func PXEEntryExpr(t *target.Target) string {
	mac := t.Inventory.Get("mac_addr", "")
	if mac == "" {
		return "UEFI PXEv4.*"
	}
	hexmac := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), ":", ""))
	return `UEFI PXEv4 \(MAC:` + hexmac + `\)`
}

// BootToPOSEDKII boots into the Provisioning OS by driving an EDKII
// BIOS over the serial console: break into the boot manager menu and
// select the PXE entry for the boot interface, enabling EFI networking
// when the entry is missing. Registered as the boot_to_pos "edkii"
// driver.
func BootToPOSEDKII(ctx context.Context, t *target.Target) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		t.SkipToEnd()
		if err := t.Power.Cycle(ctx); err != nil {
			return errors.WithOp(err, "power cycle")
		}
		n := biosmenu.New(t)
		return n.BootNetworkPXE(ctx, PXEEntryExpr(t), false)
	}, retryConfig(t, "BIOS PXE boot"))
}

// BootToPOSHTTP boots into the Provisioning OS over UEFI HTTP boot,
// creating the firmware boot entry for the boot URI when missing. The
// URI comes from the inventory (pos.http_url); the entry name embeds a
// hash of it so entries for stale URLs are not reused. Registered as
// the boot_to_pos "http" driver.
func BootToPOSHTTP(ctx context.Context, t *target.Target) error {
	url := t.Inventory.Get("pos.http_url", "")
	if url == "" {
		return errors.Blockedf(
			"%s: HTTP boot driver needs pos.http_url in the inventory", t.Name)
	}
	entryFmt := t.Inventory.Get("pos.http_entry", "TCF-POS-%(ID)s")
	return retry.Do(ctx, func(ctx context.Context) error {
		t.SkipToEnd()
		if err := t.Power.Cycle(ctx); err != nil {
			return errors.WithOp(err, "power cycle")
		}
		n := biosmenu.New(t)
		return n.BootNetworkHTTP(ctx, entryFmt, url, false)
	}, retryConfig(t, "BIOS HTTP boot"))
}

// f12Banner announces the network boot hotkey on firmwares that have
// one; cheaper than a trip through the menus when available.
var f12Banner = target.P("f12-banner",
	`Press\s+\[F12\]\s+to boot from network`)

// BootToPOSF12 boots into the Provisioning OS by pressing the network
// boot hotkey when the firmware banner offers it. Registered as the
// boot_to_pos "serial_f12" driver.
func BootToPOSF12(ctx context.Context, t *target.Target) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		t.SkipToEnd()
		if err := t.Power.Cycle(ctx); err != nil {
			return errors.WithOp(err, "power cycle")
		}
		n := biosmenu.New(t)
		t.Report.Info("BIOS: waiting for the network boot hotkey banner")
		if _, err := t.Expect(ctx, n.BootTimeout, f12Banner); err != nil {
			return errors.WithOp(err, "BIOS: F12 network boot")
		}
		f12, err := biosmenu.KeyCode("F12", n.Terminal)
		if err != nil {
			return err
		}
		// mash it; firmware input handlers drop keys around redraws
		presses := make([]string, 5)
		for i := range presses {
			presses[i] = f12
		}
		if err := t.WritePaced(ctx, n.KeyInterval, presses...); err != nil {
			return errors.WithOp(err, "BIOS: F12 network boot")
		}
		return nil
	}, retryConfig(t, "BIOS F12 boot"))
}

// BootToPOSIPXE boots into the Provisioning OS without any PXE server
// side help: select the firmware PXE entry, seize the iPXE console,
// configure the network and sanboot the provisioning image URL from the
// inventory (pos.ipxe_sanboot_url). Registered as the boot_to_pos
// "ipxe" driver.
func BootToPOSIPXE(ctx context.Context, t *target.Target) error {
	url := t.Inventory.Get("pos.ipxe_sanboot_url", "")
	if url == "" {
		return errors.Blockedf(
			"%s: iPXE boot driver needs pos.ipxe_sanboot_url in the inventory",
			t.Name)
	}
	timeout := t.Inventory.Seconds("pos.ipxe_timeout", 60*time.Second)
	return retry.Do(ctx, func(ctx context.Context) error {
		t.SkipToEnd()
		if err := t.Power.Cycle(ctx); err != nil {
			return errors.WithOp(err, "power cycle")
		}
		n := biosmenu.New(t)
		if err := n.BootNetworkPXE(ctx, PXEEntryExpr(t), false); err != nil {
			return err
		}
		if err := Seize(ctx, t, timeout); err != nil {
			return err
		}
		if err := ConfigureNetwork(ctx, t, timeout); err != nil {
			return err
		}
		return SANBoot(ctx, t, url, timeout)
	}, retryConfig(t, "iPXE boot"))
}
