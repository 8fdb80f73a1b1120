// Package uefi configures the bootloader of a freshly imaged system:
// it replicates the image's own boot configuration (systemd-boot loader
// entries, grub.cfg or a plain /boot listing) into the EFI system
// partition and points the EFI boot manager at the network first, local
// disk second.
package uefi

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// BootEntriesIgnore drops boot entries nobody wants replicated:
// rescue/recovery modes (RHEL, Fedora) and Android debug entries.
var BootEntriesIgnore = []*regexp.Regexp{
	regexp.MustCompile(`(rescue|recovery mode)`),
	regexp.MustCompile(`Debug`),
}

func ignoreBootEntry(t *target.Target, name, origin string) bool {
	for i, re := range BootEntriesIgnore {
		if re.MatchString(name) {
			t.Report.Info("POS: ignoring boot entry '%s' @%s as it matched"+
				" ignore regex #%d [%s]", name, origin, i, re.String())
			return true
		}
	}
	return false
}

// BootSpec is what we need to replicate a boot: kernel and initrd paths
// relative to the image root, plus the kernel command line.
type BootSpec struct {
	Kernel  string
	Initrd  string
	Options string
}

func (b BootSpec) empty() bool { return b.Kernel == "" }

func basename(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func dirname(path string) string {
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return "/"
}

var lecFieldRe = regexp.MustCompile(`^\s*(linux|initrd|efi|options)\s+(\S[^\n]*)`)

// guessFromLoaderEntries reads systemd-boot Loader Entry Specification
// files under the image's /boot.
func guessFromLoaderEntries(ctx context.Context, t *target.Target) (BootSpec, error) {
	output, err := t.RunCheck(ctx,
		`find /mnt/boot/loader/entries -type f -iname \*.conf || true`, nil)
	if err != nil {
		return BootSpec{}, err
	}
	var lecs []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "/mnt/boot/loader/entries/") {
			continue
		}
		if ignoreBootEntry(t, basename(line), dirname(line)) {
			continue
		}
		lecs = append(lecs, line)
		t.Report.Info("loader entry found: %s", line)
	}
	if len(lecs) > 1 {
		return BootSpec{}, errors.Blockedf(
			"multiple loader entries in /boot, do not know which one to"+
				" use: %s", strings.Join(lecs, " "))
	}
	if len(lecs) == 0 {
		return BootSpec{}, nil
	}
	content, err := t.RunCheck(ctx, "cat "+lecs[0], nil)
	if err != nil {
		return BootSpec{}, err
	}
	var spec BootSpec
	for _, line := range strings.Split(content, "\n") {
		m := lecFieldRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case "linux", "efi":
			spec.Kernel = m[2]
		case "initrd":
			spec.Initrd = m[2]
		case "options":
			spec.Options = m[2]
		}
	}
	// LEC paths are relative to the filesystem /boot lives on
	if spec.Kernel != "" {
		spec.Kernel = "/boot/" + spec.Kernel
	}
	if spec.Initrd != "" {
		spec.Initrd = "/boot/" + spec.Initrd
	}
	return spec, nil
}

var (
	grubVarRe    = regexp.MustCompile(`\$\{[^}]+\}`)
	grubMenuRe   = regexp.MustCompile(`^[ \t]*(menuentry[ \t]+'(?P<name1>[^']+)'|title[ \t]+(?P<name2>.+)$)`)
	grubKernelRe = regexp.MustCompile(`^[ \t]*(kernel|linux)[ \t]+(?P<linux>\S+)[ \t]+(?P<args>.*)$`)
	grubInitrdRe = regexp.MustCompile(`^[ \t]*initrd[ \t]+(?P<initrd>\S+)$`)
)

type grubEntry struct {
	name string
	spec BootSpec
}

func (e *grubEntry) id() string {
	return e.spec.Kernel + e.spec.Initrd + e.spec.Options
}

// guessFromGrub scrapes a grub.cfg (or old-style menu.lst) for the one
// real boot entry. Entries with identical kernel/initrd/options
// collapse together; rescue entries are dropped.
func guessFromGrub(ctx context.Context, t *target.Target) (BootSpec, error) {
	path, err := t.RunCheck(ctx,
		// /mnt/grub|menu.lst is android ISO x86, /mnt/boot|grub.cfg
		// most other distros
		"find /mnt/grub /mnt/boot"+
			" -iname grub.cfg -o -iname menu.lst 2> /dev/null"+
			" || true", nil)
	if err != nil {
		return BootSpec{}, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		t.Report.Info("POS/uefi: found no grub config")
		return BootSpec{}, nil
	}
	t.Report.Info("POS/uefi: found grub config at %s", path)
	cfg, err := t.RunCheck(ctx,
		` grep --color=never -w '\(menuentry\|title\|kernel\|linux\|initrd\)' `+
			path, nil)
	if err != nil {
		return BootSpec{}, err
	}

	entries := make(map[string]*grubEntry)
	record := func(e *grubEntry) {
		if e != nil && e.id() != "" {
			entries[e.id()] = e
		}
	}
	entry := &grubEntry{}
	count := 0
	for _, line := range strings.Split(cfg, "\n") {
		if m := grubMenuRe.FindStringSubmatch(line); m != nil {
			record(entry)
			entry = &grubEntry{}
			name1, name2 := m[2], m[3]
			switch {
			case name1 != "":
				entry.name = name1
			case name2 != "":
				entry.name = name2
			default:
				entry.name = "entry #" + strconv.Itoa(count)
			}
			count++
			continue
		}
		if m := grubKernelRe.FindStringSubmatch(line); m != nil {
			entry.spec.Kernel = m[2]
			entry.spec.Options = grubVarRe.ReplaceAllString(m[3], "")
			continue
		}
		if m := grubInitrdRe.FindStringSubmatch(line); m != nil {
			entry.spec.Initrd = m[1]
		}
	}
	record(entry)

	for id, e := range entries {
		if ignoreBootEntry(t, e.name, strings.Replace(path, "/mnt", "", 1)) {
			delete(entries, id)
		}
	}
	if len(entries) > 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.name)
		}
		return BootSpec{}, errors.Blockedf(
			"more than one Linux kernel entry; I don't know which one"+
				" to use: %s", strings.Join(names, ", "))
	}
	for _, e := range entries {
		return e.spec, nil
	}
	return BootSpec{}, nil
}

var kernelFileRe = regexp.MustCompile(`^(initramfs|initrd|bzImage|vmlinuz)(-(.*))?$`)

// guessFromBootDir decides from a bare /boot listing which files are
// the kernel and initramfs, picking the only surviving version.
func guessFromBootDir(ctx context.Context, t *target.Target, image string) (BootSpec, error) {
	// read os-release off the mounted image, not the POS
	osRelease, err := osReleaseGet(ctx, t, "/mnt")
	if err != nil {
		return BootSpec{}, err
	}
	distro := osRelease["ID"]

	output, err := t.RunCheck(ctx, "ls -1 /mnt/boot", nil)
	if err != nil {
		return BootSpec{}, err
	}
	kernels := make(map[string]string)
	initramfses := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		m := kernelFileRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fileName, kver := m[1], m[3]
		if kver == "" {
			kver = "default"
		}
		if strings.Contains(kver, "rescue") || strings.Contains(kver, "kdump") {
			// usually found on Fedora
			continue
		}
		if fileName == "initramfs" || fileName == "initrd" {
			kver = strings.TrimSuffix(kver, ".img")
			initramfses[kver] = line
		} else {
			kernels[kver] = line
		}
	}
	if len(kernels) > 1 {
		delete(kernels, "default")
	}
	if len(kernels) > 1 {
		var names []string
		for _, k := range kernels {
			names = append(names, k)
		}
		return BootSpec{}, errors.Blockedf(
			"more than one Linux kernel in /boot; I don't know which one"+
				" to use: %s", strings.Join(names, " ")).
			WithAttachment("output", output)
	}
	for kver, kernel := range kernels {
		spec := BootSpec{Kernel: "/boot/" + kernel}
		if initrd, ok := initramfses[kver]; ok {
			spec.Initrd = "/boot/" + initrd
		}
		switch distro {
		case "fedora", "debian", "ubuntu":
			if strings.Contains(image, "live") {
				// live spins don't boot without rw; console=tty0 so the
				// output is not lost
				t.Report.Info("Linux live hack: adding 'rw' to cmdline")
				spec.Options = "console=tty0 rw"
			}
		}
		return spec, nil
	}
	return BootSpec{}, nil
}

// LinuxBootGuess scans the deployed image's boot configuration so it
// can be replicated: systemd-boot loader entries first, then grub, then
// whatever sits in /boot.
func LinuxBootGuess(ctx context.Context, t *target.Target, image string) (BootSpec, error) {
	spec, err := guessFromLoaderEntries(ctx, t)
	if err != nil || !spec.empty() {
		return spec, err
	}
	spec, err = guessFromGrub(ctx, t)
	if err != nil || !spec.empty() {
		return spec, err
	}
	spec, err = guessFromBootDir(ctx, t, image)
	if err != nil {
		return spec, err
	}
	if !spec.empty() {
		t.Report.Info("POS: guessed kernel from /boot directory:"+
			" kernel %s initrd %s options %s",
			spec.Kernel, spec.Initrd, spec.Options)
	}
	return spec, nil
}

var osReleaseLineRe = regexp.MustCompile(`^([A-Z_]+)=("?)(.*)("?)$`)

// osReleaseGet parses PREFIX/etc/os-release into a map.
func osReleaseGet(ctx context.Context, t *target.Target, prefix string) (map[string]string, error) {
	output, err := t.RunCheck(ctx, "cat "+prefix+"/etc/os-release || true", nil)
	if err != nil {
		return nil, err
	}
	vals := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		m := osReleaseLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		vals[m[1]] = strings.Trim(m[3], `"`)
	}
	return vals, nil
}
