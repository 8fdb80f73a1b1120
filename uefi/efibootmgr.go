package uefi

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// LocalBootLabel is the EFI boot entry this driver creates to boot the
// local disk through \EFI\BOOT\BOOTX64.EFI.
const LocalBootLabel = "TCF Localboot v2"

// POSBootNames match EFI entries that boot into provisioning (PXE and
// firmware LAN entries). Servers with unusual firmware naming can
// append to this.
var POSBootNames = []*regexp.Regexp{
	// UEFI: PXE IP4 ..., UEFI PXEv4 ...
	regexp.MustCompile(`^UEFI:?\s+PXE[v ](IP)?[46].*$`),
	// UEFI : LAN : IP4 Intel(R) ..., UEFI : LAN : PXE IP6 ...
	regexp.MustCompile(`^UEFI\s?:( LAN :)? (IP|PXE IP)[46].*$`),
}

// LocalBootNames match entries that boot the installed OS.
var LocalBootNames = []*regexp.Regexp{
	regexp.MustCompile(`^TCF Localboot v2$`),
	// UEFI : SATA : PORT 0 : INTEL SSD... : PART 0 : OS Bootloader
	regexp.MustCompile(`^UEFI : .* PART [0-9]+ : OS Bootloader$`),
}

// entriesToRemove are stale entries from older deployments that only
// clutter the boot order.
var entriesToRemove = []string{
	"TCF Localboot",
	"Linux bootloader",
	"ACRN",
	"debian",
}

const (
	sectionPOS   = 0  // provisioning (PXE and friends) boots first
	sectionLocal = 10 // then the local disk
	sectionOther = 20 // then whatever else
)

// BootEntry is one efibootmgr Boot#### line that appears in the boot
// order.
type BootEntry struct {
	ID      string // four hex digits
	Name    string
	Section int // sectionPOS, sectionLocal or sectionOther
	Index   int // position in the current BootOrder
}

var (
	bootOrderRe = regexp.MustCompile(`(?m)^BootOrder: (?P<order>[0-9a-fA-F,]+)$`)
	bootEntryRe = regexp.MustCompile(`(?m)^Boot(?P<entry>[0-9A-F]{4})\*? (?P<name>.*)$`)
)

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ParseEFIBootMgr extracts the boot order and the classified entries
// from efibootmgr output. Entries not in the boot order are ignored.
func ParseEFIBootMgr(output string) (bootOrder []string, entries []BootEntry, err error) {
	m := bootOrderRe.FindStringSubmatch(output)
	if m == nil {
		return nil, nil, errors.Infraf("can't extract boot order").
			WithAttachment("output", output)
	}
	bootOrder = strings.Split(m[1], ",")

	for _, em := range bootEntryRe.FindAllStringSubmatch(output, -1) {
		id, name := em[1], em[2]
		section := sectionOther
		if matchAny(POSBootNames, name) {
			section = sectionPOS
		} else if matchAny(LocalBootNames, name) {
			section = sectionLocal
		}
		for i, ordered := range bootOrder {
			if ordered == id {
				entries = append(entries, BootEntry{
					ID: id, Name: name, Section: section, Index: i})
				break
			}
		}
	}
	return bootOrder, entries, nil
}

// ponder works out the boot order we need from the current one,
// deleting stale and duplicate localboot entries along the way. The
// firmware's relative ordering inside each section is kept: some EFIs
// keep rearranging entries and fighting them corrupts their variable
// store, so we only enforce POS before local before the rest.
func ponder(ctx context.Context, t *target.Target, output string) (
	current, needed []string, needToAdd bool, err error) {

	bootOrder, entries, err := ParseEFIBootMgr(output)
	if err != nil {
		return nil, nil, false, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Section != entries[j].Section {
			return entries[i].Section < entries[j].Section
		}
		return entries[i].Index < entries[j].Index
	})

	localBootSeen := false
	for _, e := range entries {
		switch {
		case e.Name == LocalBootLabel && localBootSeen:
			// excess localboot entries, remove
			if _, err := t.RunCheck(ctx, "efibootmgr -b "+e.ID+" -B", nil); err != nil {
				return nil, nil, false, err
			}
			continue
		case e.Name == LocalBootLabel:
			localBootSeen = true
		case stale(e.Name):
			if _, err := t.RunCheck(ctx, "efibootmgr -b "+e.ID+" -B", nil); err != nil {
				return nil, nil, false, err
			}
			continue
		}
		needed = append(needed, e.ID)
	}
	t.Report.Info("POS/EFI: current boot order: %s", strings.Join(bootOrder, " "))
	t.Report.Info("POS/EFI: boot order needed: %s", strings.Join(needed, " "))
	return bootOrder, needed, !localBootSeen, nil
}

func stale(name string) bool {
	for _, s := range entriesToRemove {
		if name == s {
			return true
		}
	}
	return false
}

// EFIBootMgrSetup makes the EFI boot manager try the provisioning
// entries first and a localboot entry right after, creating the
// localboot entry when missing. The server-side PXE configuration then
// decides per boot whether the target lands in POS or the local OS, so
// nobody has to drive BIOS menus.
func EFIBootMgrSetup(ctx context.Context, t *target.Target, bootDev string, partition int) error {
	output, err := t.RunCheck(ctx, "efibootmgr", nil)
	if err != nil {
		return err
	}
	bootOrder, needed, needToAdd, err := ponder(ctx, t, output)
	if err != nil {
		return err
	}
	if needToAdd {
		// boot the local default (BOOTX64), installed by bootctl during
		// boot config. The order is fixed afterwards in one go so PXE
		// stays first.
		output, err = t.RunCheck(ctx, fmt.Sprintf(
			"efibootmgr -c -d %s -p %d -L '%s' -l \\\\EFI\\\\BOOT\\\\BOOTX64.EFI",
			bootDev, partition, LocalBootLabel), nil)
		if err != nil {
			return err
		}
		bootOrder, needed, needToAdd, err = ponder(ctx, t, output)
		if err != nil {
			return err
		}
		if needToAdd {
			return errors.Infraf(
				"efibootmgr did not list the localboot entry it just created").
				WithAttachment("output", output)
		}
	}

	if strings.Join(bootOrder, ",") != strings.Join(needed, ",") {
		t.Report.Info("POS: updating EFI boot order to %s from %s",
			strings.Join(needed, ","), strings.Join(bootOrder, ","))
		if _, err := t.RunCheck(ctx,
			"efibootmgr -o "+strings.Join(needed, ","), nil); err != nil {
			return err
		}
	} else {
		t.Report.Info("POS: maintaining EFI boot order %s",
			strings.Join(bootOrder, ","))
	}
	// we never set BootNext: frequent variable pokes corrupt some BIOS
	// implementations, and the PXE server redirects to localboot anyway
	return nil
}
