package uefi

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/pos"
	"github.com/posfw/posfw/target"
)

// Driver implements the boot_config and boot_config_fix capabilities
// for systemd-boot capable UEFI systems.
type Driver struct {
	D *pos.Deployer
}

// New binds a UEFI boot configuration driver to a deployer.
func New(d *pos.Deployer) *Driver {
	return &Driver{D: d}
}

// cmdlineFix rewrites the guessed kernel command line for the freshly
// formatted system: hard device names instead of the UUIDs/labels that
// reformatting invalidated, plus the serial console the framework
// listens on.
func cmdlineFix(t *target.Target, options, rootPartBase string) string {
	serial := t.Inventory.Get("linux.serial_console_default", "ttyS0")
	options += " console=" + serial + ",115200n8"
	if mac := t.Inventory.Get("mac_addr", ""); mac != "" {
		// pin the boot interface name so the cmdline survives NIC
		// enumeration changes
		options += " ifname=bootnet:" + mac
	}
	if extra := t.Inventory.Get("linux.options_append", ""); extra != "" {
		options += " " + extra
	}

	replace := map[string]string{
		"root":   "/dev/" + rootPartBase,
		"resume": "/dev/disk/by-label/tcf-swap",
	}
	keys := make([]string, 0, len(replace))
	for k := range replace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, option := range keys {
		re := regexp.MustCompile(`\b` + option + `=\S+`)
		if re.MatchString(options) {
			options = re.ReplaceAllString(options, option+"="+replace[option])
		} else {
			options += " " + option + "=" + replace[option]
		}
	}
	return options
}

// BootConfig replicates the deployed image's boot setup onto the EFI
// system partition and wires the EFI boot manager. Registered as the
// boot_config capability.
func (u *Driver) BootConfig(ctx context.Context, t *target.Target,
	bootDev, image string) error {

	spec, err := LinuxBootGuess(ctx, t, image)
	if err != nil {
		return err
	}
	if spec.empty() {
		return errors.Blockedf("cannot guess a Linux kernel to boot")
	}
	// drop absolutization (some specs have it); we copy off mounted
	// filesystems
	spec.Kernel = strings.TrimPrefix(spec.Kernel, "/")
	spec.Initrd = strings.TrimPrefix(spec.Initrd, "/")
	if spec.Options == "" {
		t.Report.Info("WARNING! can't figure out Linux cmdline options," +
			" taking defaults")
		spec.Options = "console=tty0 root=SOMEWHERE"
	}

	rootPartDev := u.D.RootPartDev
	if rootPartDev == "" {
		return errors.Blockedf(
			"%s: no root partition mounted; mount_fs runs before"+
				" boot_config", t.Name)
	}
	rootPartBase := strings.TrimPrefix(rootPartDev, "/dev/")
	// tag the partition with what it now carries, for the next seed
	// match
	t.Properties.SetProperty("pos_root_"+rootPartBase, image)

	// the EFI system partition is always the first one; we partition
	// like that
	bootPartDev := bootDev + pos.PartPrefix(bootDev) + "1"

	t.Report.Info("linux cmdline options: %s", spec.Options)
	spec.Options = cmdlineFix(t, spec.Options, rootPartBase)
	t.Report.Info("linux cmdline options (modified): %s", spec.Options)

	if err := u.espMount(ctx, t, bootPartDev); err != nil {
		return err
	}
	if err := u.espMakeRoom(ctx, t, spec); err != nil {
		return err
	}

	// copy the boot files off /mnt (the root partition) into the ESP
	kernelBase := basename(spec.Kernel)
	if _, err := t.RunCheck(ctx,
		"time -p rsync --force --inplace /mnt/"+spec.Kernel+
			" /boot/"+kernelBase, nil); err != nil {
		return err
	}
	initrdBase := ""
	if spec.Initrd != "" {
		initrdBase = basename(spec.Initrd)
		if _, err := t.RunCheck(ctx,
			"time -p rsync --force --inplace /mnt/"+spec.Initrd+
				" /boot/"+initrdBase, nil); err != nil {
			return err
		}
	}

	// ours is the only entry; leftovers would make systemd-boot pick
	// whatever sorts first
	if _, err := t.RunCheck(ctx,
		"/usr/bin/rm -rf /boot/loader/entries/*.conf", nil); err != nil {
		return err
	}
	conf := "cat <<EOF > /boot/loader/entries/tcf-boot.conf\n" +
		"title TCF-driven local boot\n" +
		"linux /" + kernelBase + "\n" +
		"options " + spec.Options + "\n"
	if initrdBase != "" {
		conf += "initrd /" + initrdBase + "\n"
	}
	conf += "EOF\n"
	if _, err := t.RunCheck(ctx, conf, nil); err != nil {
		return err
	}

	// no variable pokes here; the boot order is fixed atomically below
	// so PXE can't lose the race
	if _, err := t.RunCheck(ctx,
		"bootctl update --no-variables"+
			" || bootctl install --no-variables;"+
			" sync", nil); err != nil {
		return err
	}

	if err := EFIBootMgrSetup(ctx, t, bootDev, 1); err != nil {
		return err
	}
	// unmount only when things went well; on errors the mount helps
	// whoever jumps in to debug by hand
	_, err = t.RunCheck(ctx, "umount "+bootPartDev, nil)
	return err
}

// espMount fscks the EFI system partition, reformats it when broken,
// and mounts it on /boot.
func (u *Driver) espMount(ctx context.Context, t *target.Target, bootPartDev string) error {
	t.Report.Info("POS/EFI: checking %s", bootPartDev)
	output, err := t.RunCheck(ctx, "fsck.fat -aw "+bootPartDev+" || true", nil)
	if err != nil {
		return err
	}
	// a healthy (or repaired) filesystem ends with a device summary
	// line; a hosed one never prints it
	goodRe := regexp.MustCompile("(?m)^" + regexp.QuoteMeta(bootPartDev) +
		": [0-9]+ files, [0-9]+/[0-9]+ clusters$")
	if !goodRe.MatchString(output) {
		t.Report.Info("POS/EFI: %s: formatting EFI filesystem, fsck"+
			" couldn't fix it", bootPartDev)
		if _, err := t.RunCheck(ctx,
			"mkfs.fat -F32 "+bootPartDev+"; sync", nil); err != nil {
			return err
		}
	}
	t.Report.Info("POS/EFI: %s: mounting in /boot", bootPartDev)
	_, err = t.RunCheck(ctx,
		" mount "+bootPartDev+" /boot; mkdir -p /boot/loader/entries ", nil)
	return err
}

var pcentRe = regexp.MustCompile(`(?m)^\s*(?P<percent>[\.0-9]+)%$`)

// espMakeRoom frees ESP space when it is over 75% full: the older half
// of files over 300 KiB goes, sparing the kernel and initrd being
// installed.
func (u *Driver) espMakeRoom(ctx context.Context, t *target.Target, spec BootSpec) error {
	output, err := t.RunCheck(ctx, "df --output=pcent /boot", nil)
	if err != nil {
		return err
	}
	m := pcentRe.FindStringSubmatch(output)
	if m == nil {
		return errors.Infraf("can't determine the amount of free space in /boot").
			WithAttachment("output", output)
	}
	used, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return errors.Infraf("bad df percentage %q", m[1])
	}
	if used <= 75 {
		return nil
	}
	t.Report.Info("POS/EFI: /boot: freeing up space (%0.f%% used)", used)
	// sorted by timestamp, so oldest first
	output, err = t.RunCheck(ctx,
		`find /boot/ -type f -printf '%T+\t%s\t%p\n' | sort`, nil)
	if err != nil {
		return err
	}
	kernelBase := basename(spec.Kernel)
	initrdBase := basename(spec.Initrd)
	var toRemove []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		path := fields[2]
		if size <= 300*1024 {
			continue
		}
		if strings.Contains(path, kernelBase) {
			continue
		}
		if initrdBase != "" && strings.Contains(path, initrdBase) {
			continue
		}
		toRemove = append(toRemove, path)
	}
	// wipe the older half; one rm per file, command lines have limits
	for _, path := range toRemove[:len(toRemove)/2] {
		if _, err := t.RunCheck(ctx, "rm -f "+path, nil); err != nil {
			return err
		}
	}
	return nil
}

// BootConfigFix repairs a target that booted the installed OS when it
// was supposed to boot provisioning: on UEFI that means the boot
// manager order got munged, so rewire it. Registered as the
// boot_config_fix capability.
func (u *Driver) BootConfigFix(ctx context.Context, t *target.Target) error {
	bootDev, err := u.D.BootDevGuess("")
	if err != nil {
		return err
	}
	return EFIBootMgrSetup(ctx, t, bootDev, 1)
}
