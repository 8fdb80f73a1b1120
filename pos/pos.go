package pos

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/posfw/posfw/cache"
	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// PersistentDir is where the provisioned system keeps the rsync seed
// cache; the deployer excludes it from flashing and trims it when it
// grows past CacheCap.
const PersistentDir = "/mnt/persistent.tcf.d"

// CacheCap bounds the persistent cache.
const CacheCap = 3 * 1024 * 1024 * 1024

// rsync needs workspace in the root filesystem or it bails out.
const makeRoomMinMB = 150

// MakeRoomCandidates are wiped one by one, least precious first, until
// the root filesystem has makeRoomMinMB free. The cache goes last.
var MakeRoomCandidates = []string{
	"/mnt/tmp/",
	"/mnt/var/tmp/",
	"/mnt/var/log/",
	"/mnt/var/cache/",
	"/mnt/var/lib/swupd",
	"/mnt/var/lib/rpm",
	"/mnt/var/lib/systemd",
	"/mnt/var/lib/",
	"/mnt/persistent.tcf.d/",
}

// ExtraDeployFunc lands extra content on the target after the image
// tree is flashed; it runs with the deployer's rsync daemon up. The kws
// map carries image, boot_dev, root_part_dev and rsync_server.
type ExtraDeployFunc func(ctx context.Context, t *target.Target, kws map[string]string) error

// Deployer drives the whole provisioning sequence on one target: boot
// it into the Provisioning OS, pick and flash an image, configure the
// bootloader.
type Deployer struct {
	Target   *target.Target
	Registry *Registry

	// RsyncServer is HOST::module or HOST:PATH of the image
	// repository, from the interconnect's pos.rsync_server inventory
	// when empty.
	RsyncServer string

	// LocalShell runs commands on the machine driving the deployment,
	// for pushing local trees through the target's rsync daemon. Nil
	// when no local pushes happen.
	LocalShell target.Shell

	// Rng injects determinism into image selection for tests; nil uses
	// the global source.
	Rng *rand.Rand

	// Timeout bounds each post-boot shell interaction.
	Timeout time.Duration

	// MakeRoomCandidates overrides the default wipe list when non-nil.
	MakeRoomCandidates []string

	// Metadata is the last deployed image's metadata, for callers that
	// want the post-flash details.
	Metadata Metadata

	// FSInfo is the target's block device tree, refreshed on each
	// deploy and after repartitioning.
	FSInfo *FSInfo

	// RootPartDev is the root partition the mount_fs driver picked,
	// for the bootloader drivers that run later in the sequence.
	RootPartDev string

	rsyncPort string
}

// NewDeployer binds a deployer to a target, reading the rsync server
// from the target's inventory.
func NewDeployer(t *target.Target, reg *Registry) *Deployer {
	if len(t.UmountList) == 0 {
		t.UmountList = []string{"/mnt"}
	}
	return &Deployer{
		Target:      t,
		Registry:    reg,
		RsyncServer: t.Inventory.Get("pos.rsync_server", ""),
		Timeout:     60 * time.Second,
	}
}

// BootDevGuess resolves the device the target boots from: the argument
// when given, else the pos.boot_dev inventory key. The returned device
// has the /dev/ prefix; PartPrefix tells how its partitions are named.
func (d *Deployer) BootDevGuess(bootDev string) (string, error) {
	t := d.Target
	if bootDev == "" {
		bootDev = t.Inventory.Get("pos.boot_dev", "")
		if bootDev == "" {
			return "", errors.Blockedf(
				"%s: can't guess boot device; inventory sets no pos.boot_dev",
				t.Name)
		}
	}
	return "/dev/" + bootDev, nil
}

// PartPrefix returns what sits between a device name and its partition
// numbers: /dev/sda1 but /dev/mmcblk0p1.
func PartPrefix(bootDev string) string {
	if strings.HasPrefix(bootDev, "/dev/hd") ||
		strings.HasPrefix(bootDev, "/dev/sd") ||
		strings.HasPrefix(bootDev, "/dev/vd") {
		return ""
	}
	return "p"
}

var loginPromptRe = regexp.MustCompile(`\blogin:\s+`)

// BootToPOS power cycles the target into the Provisioning OS, retrying
// up to three times. A boot that lands on a login prompt instead means
// the firmware booted the installed OS; the boot_config_fix driver gets
// a chance to repair the boot order before the next try.
func (d *Deployer) BootToPOS(ctx context.Context) error {
	t := d.Target
	bootFn, err := d.Registry.BootToPOS(t)
	if err != nil {
		return err
	}
	bootTime := t.Inventory.Seconds("bios.boot_time", 30*time.Second)
	banner := t.Inventory.Get("pos.boot_message", "TCF test node")

	for tries := 0; tries < 3; tries++ {
		t.Report.Info("POS: rebooting into Provisioning OS [%d/3]", tries)
		if bootFn != nil {
			if err := bootFn(ctx, t); err != nil {
				if !errors.IsRecoverable(err) {
					return err
				}
				t.Report.Error("POS: boot driver failed, retrying: %v", err)
				continue
			}
		}
		m, err := t.Expect(ctx, bootTime+d.Timeout,
			target.P("pos", regexp.QuoteMeta(banner)),
			// soft POS prompt, until login updates it
			target.P("prompt", ` [0-9]+ \$ `),
			target.P("login", `\blogin:\s+`))
		if err == nil && m.Name != "login" {
			t.Report.Info("POS: got Provisioning OS shell")
			return nil
		}
		if err != nil {
			output := t.ConsoleTail(4096)
			if strings.Trim(output, "\x00") == "" {
				t.Report.Error("POS: no console output, retrying")
				continue
			}
		}
		// a login prompt means the BIOS booted the installed OS; with
		// other unexpected output we might as well retry too
		t.Report.Error("POS: unexpected console output, retrying")
		if loginPromptRe.MatchString(t.ConsoleTail(4096)) {
			d.tryBootConfigFix(ctx)
		}
	}
	return errors.Blockedf(
		"POS: tried too many times to boot, without signs of life").
		WithAttachment("console output", t.ConsoleTail(4096))
}

// tryBootConfigFix runs the boot_config_fix driver when the target has
// one; a target without it just reboots and hopes.
func (d *Deployer) tryBootConfigFix(ctx context.Context) {
	t := d.Target
	fixFn, err := d.Registry.BootConfigFix(t)
	if err != nil || fixFn == nil {
		t.Report.Error("POS: got a login prompt that is not the" +
			" Provisioning OS, but the target declares no boot_config_fix" +
			" capability to repair it")
		return
	}
	t.Report.Info("POS: got an unexpected login prompt, will try to fix" +
		" the boot configuration")
	if err := fixFn(ctx, t); err != nil {
		t.Report.Error("POS: boot config fix failed: %v", err)
	}
}

// BootNormal power cycles the target into the installed OS.
func (d *Deployer) BootNormal(ctx context.Context) error {
	fn, err := d.Registry.BootToNormal(d.Target)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return fn(ctx, d.Target)
}

// MountFS formats (if needed) and mounts the target's filesystems under
// /mnt, returning the root partition device the mount_fs driver picked.
func (d *Deployer) MountFS(ctx context.Context, image, bootDev string) (string, error) {
	fn, err := d.Registry.MountFS(d.Target)
	if err != nil {
		return "", err
	}
	if fn == nil {
		return "", errors.Blockedf(
			"%s: mount_fs capability resolves to no-action, but an image"+
				" deploy needs filesystems mounted", d.Target.Name)
	}
	return fn(ctx, d.Target, image, bootDev)
}

// DeployImage flashes an image onto the target and configures its
// bootloader. The image may be partial (eg "fedora" or "clear::25550");
// the best match on the rsync server completes it. Returns the name of
// the image actually deployed.
func (d *Deployer) DeployImage(ctx context.Context, image string,
	extraDeployFns ...ExtraDeployFunc) (string, error) {

	t := d.Target
	if d.RsyncServer == "" {
		return "", errors.Blockedf(
			"%s: no rsync server; inventory sets no pos.rsync_server", t.Name)
	}
	bootDev, err := d.BootDevGuess("")
	if err != nil {
		return "", err
	}

	if err := d.BootToPOS(ctx); err != nil {
		return "", err
	}

	// keep the console more or less clean, so we can easily parse it
	if _, err := t.RunCheck(ctx, "dmesg -n alert", nil); err != nil {
		return "", err
	}
	d.FSInfo, err = LoadFSInfo(ctx, t)
	if err != nil {
		return "", err
	}

	// list what the server offers and complete the image name
	output, err := t.RunCheck(ctx, "rsync "+d.RsyncServer+"/", nil)
	if err != nil {
		return "", err
	}
	images := ImageListFromRsync(output)
	final, err := SelectBest(image, images,
		t.Inventory.Get("arch", ""), d.Rng, t.Report)
	if err != nil {
		return "", err
	}
	imageFinal := final.String()

	if err := d.metadataLoad(ctx, imageFinal); err != nil {
		return "", err
	}

	rootPartDev, err := d.MountFS(ctx, imageFinal, bootDev)
	if err != nil {
		return "", err
	}

	if err := d.cacheManage(ctx, rootPartDev); err != nil {
		return "", err
	}
	d.makeRoom(ctx, makeRoomMinMB)

	if err := d.flash(ctx, imageFinal, rootPartDev); err != nil {
		return "", err
	}

	if err := d.postFlashSetup(ctx, rootPartDev, imageFinal); err != nil {
		return "", err
	}

	if len(extraDeployFns) > 0 {
		if err := d.RsyncdStart(ctx); err != nil {
			return "", err
		}
		kws := map[string]string{
			"image":         imageFinal,
			"boot_dev":      bootDev,
			"root_part_dev": rootPartDev,
			"rsync_server":  d.RsyncServer,
		}
		for _, fn := range extraDeployFns {
			if err := fn(ctx, t, kws); err != nil {
				return "", err
			}
		}
		if err := d.RsyncdStop(ctx); err != nil {
			return "", err
		}
	}

	// configure the bootloader by hand with shell commands, so a user
	// can reproduce it by typing them
	t.Report.Info("POS: configuring bootloader")
	bootConfigFn, err := d.Registry.BootConfig(t)
	if err != nil {
		return "", err
	}
	if bootConfigFn != nil {
		if err := bootConfigFn(ctx, t, bootDev, imageFinal); err != nil {
			return "", err
		}
	}

	d.teardown(ctx)
	t.Report.Info("POS: deployed %s", imageFinal)
	return imageFinal, nil
}

// metadataLoad pulls the image's .tcf.metadata.yaml to the target and
// parses it; images without one get empty metadata.
func (d *Deployer) metadataLoad(ctx context.Context, image string) error {
	t := d.Target
	_, err := t.RunCheck(ctx,
		"rm -f /tmp/tcf.metadata.yaml;"+
			" time -p rsync -cHaAX --numeric-ids --delete --inplace -L -vv"+
			" --ignore-missing-args"+
			" "+d.RsyncServer+"/"+image+"/.tcf.metadata.yaml"+
			" /tmp/tcf.metadata.yaml", nil)
	if err != nil {
		return err
	}
	output, err := t.RunCheck(ctx,
		"[ -r /tmp/tcf.metadata.yaml ] && cat /tmp/tcf.metadata.yaml", nil)
	if err != nil {
		return err
	}
	d.Metadata, err = ParseMetadata(output)
	return err
}

// cacheManage trims the persistent seed cache when it outgrew its
// budget, reporting current usage either way.
func (d *Deployer) cacheManage(ctx context.Context, rootPartDev string) error {
	t := d.Target
	p := cache.NewPruner(t, PersistentDir)
	usage, err := p.Usage(ctx)
	if err != nil {
		return errors.WithOp(err, "cache usage")
	}
	t.Report.Data("persistent cache usage",
		t.Name+":"+rootPartDev, strconv.FormatInt(usage/1024/1024, 10))
	if usage < CacheCap {
		t.Report.Info("POS: cache uses %d/%dM: skipping cleanup",
			usage/1024/1024, CacheCap/1024/1024)
		return nil
	}
	return cache.Manage(ctx, t, PersistentDir, CacheCap)
}

var availRe = regexp.MustCompile(`(?m)(?P<avail>[0-9]+)M`)

// makeRoom frees space in the root filesystem until at least minMB are
// available, wiping the candidate directories one by one. Failing to
// free enough is not fatal here; the rsync that follows will say so
// loudly.
func (d *Deployer) makeRoom(ctx context.Context, minMB int) {
	t := d.Target
	candidates := d.MakeRoomCandidates
	if candidates == nil {
		candidates = MakeRoomCandidates
	}
	for _, candidate := range candidates {
		output, err := t.RunCheck(ctx,
			"df -BM --output=avail /mnt   # got enough free space?", nil)
		if err != nil {
			t.Report.Error("POS: rootfs: df failed: %v", err)
			return
		}
		m := availRe.FindStringSubmatch(output)
		if m == nil {
			t.Report.Error("POS: rootfs: unable to verify available space," +
				" can't parse df output")
			return
		}
		availMB, _ := strconv.Atoi(m[1])
		if availMB >= minMB {
			t.Report.Info("POS: rootfs: %dM free (vs minimum %dM)",
				availMB, minMB)
			return
		}
		t.Report.Info("POS: rootfs: only %dM free vs minimum %dM, wiping %s",
			availMB, minMB, candidate)
		// way faster than rm -rf on big trees and the empty dirs cost
		// nearly nothing
		if _, err := t.RunCheck(ctx,
			"find "+candidate+" -type f -delete", nil); err != nil {
			t.Report.Error("POS: rootfs: wipe of %s failed: %v", candidate, err)
		}
	}
}

var realSecondsRe = regexp.MustCompile(`(?m)^real[ \t]+(?P<seconds>[\.0-9]+)$`)

// flash rsyncs the image tree over the mounted root filesystem and
// reports how long the transfer took.
func (d *Deployer) flash(ctx context.Context, image, rootPartDev string) error {
	t := d.Target
	t.Report.Info("POS: rsyncing %s from %s to %s",
		image, d.RsyncServer, rootPartDev)

	// big trees take a while; budget by declared size
	timeout := t.Inventory.Seconds("pos.deploy_timeout_base", 500*time.Second)
	if d.Metadata.EstimatedSizeGiB > 0 {
		perGiB := t.Inventory.Seconds("pos.deploy_timeout_per_gib", 30*time.Second)
		timeout += time.Duration(d.Metadata.EstimatedSizeGiB) * perGiB
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := t.RunCheck(rctx,
		"time -p rsync -cHaAX --numeric-ids --delete --inplace"+
			" --exclude=/persistent.tcf.d"+
			" --exclude='/persistent.tcf.d/*'"+
			" "+d.RsyncServer+"/"+image+"/. /mnt/.", nil)
	if err != nil {
		return err
	}
	m := realSecondsRe.FindStringSubmatch(output)
	if m == nil {
		return errors.Infraf("can't find rsync timing in output").
			WithAttachment("output", output)
	}
	t.Report.Data("deployment stats image "+image,
		"image rsync to "+t.Name+" (s)", m[1])
	t.Report.Info("POS: rsynced %s from %s to %s",
		image, d.RsyncServer, rootPartDev)
	return nil
}

// postFlashSetup runs the image metadata's post flash script, line by
// line with backslash continuations honored, with ROOTDEV, ROOT and
// MAC in the environment. Each line carries the exports itself; the
// shell transport may run every command in a fresh session, so state
// set by one command is gone by the next.
func (d *Deployer) postFlashSetup(ctx context.Context, rootPartDev, image string) error {
	t := d.Target
	script := d.Metadata.PostFlashScript
	if script == "" {
		return nil
	}
	t.Report.Info("POS: executing post flash script from %s:.tcf.metadata.yaml",
		image)
	env := "export ROOTDEV=" + rootPartDev + " ROOT=/mnt"
	if mac := t.Inventory.Get("mac_addr", ""); mac != "" {
		env += " MAC=" + mac
	}
	lineAcc := ""
	for _, line := range strings.Split(script, "\n") {
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "\\") {
			lineAcc += strings.TrimSuffix(line, "\\")
			continue
		}
		if _, err := t.RunCheck(ctx, env+"; "+lineAcc+line, nil); err != nil {
			return err
		}
		lineAcc = ""
	}
	return nil
}

// RsyncdStart brings up an rsync daemon on the target serving /mnt as
// module rootfs on port 3000, for pushing content from outside.
func (d *Deployer) RsyncdStart(ctx context.Context) error {
	t := d.Target
	if _, err := t.RunCheck(ctx, `cat > /tmp/rsync.conf <<EOF
[rootfs]
use chroot = true
path = /mnt/
read only = false
timeout = 60
uid = root
gid = root
EOF`, nil); err != nil {
		return err
	}
	// rsync writes no pid file of its own and the POS may lack
	// killall; setsid detaches the daemon from the session so it
	// survives the session closing
	_, err := t.RunCheck(ctx,
		"setsid rsync --port 3000 --daemon --no-detach"+
			" --config /tmp/rsync.conf < /dev/null > /dev/null 2>&1 &"+
			" echo $! > /tmp/rsync.pid", nil)
	if err != nil {
		return err
	}
	d.rsyncPort = "3000"
	return nil
}

var killedRsyncRe = regexp.MustCompile("Killed +rsync")

// RsyncdStop kills the daemon RsyncdStart left running. The kill may
// run in a different session than the one that spawned the daemon, so
// no job control notice appears; confirm the kill with an echo.
func (d *Deployer) RsyncdStop(ctx context.Context) error {
	// sh syntax rather than bash's $(</tmp/rsync.pid), in case the
	// shell changes under us
	_, err := d.Target.RunCheck(ctx,
		"kill -9 `cat /tmp/rsync.pid` && echo Killed rsync", killedRsyncRe)
	if err != nil {
		return err
	}
	d.rsyncPort = ""
	return nil
}

// Rsync pushes a local tree to the target through the persistent cache:
// first into /mnt/persistent.tcf.d so later deploys find it already
// seeded, then from there to its final place. Needs RsyncdStart and a
// LocalShell.
func (d *Deployer) Rsync(ctx context.Context, src, dst, persistentName string) error {
	t := d.Target
	if d.rsyncPort == "" {
		return errors.Blockedf("%s: rsync daemon not started", t.Name)
	}
	if _, err := t.RunCheck(ctx, "mkdir -p "+PersistentDir, nil); err != nil {
		return err
	}
	name := persistentName
	if name == "" {
		if src == "" {
			return errors.Blockedf(
				"no source given, a persistent name is then required")
		}
		name = src[strings.LastIndex(src, "/")+1:]
	}
	if src != "" {
		if d.LocalShell == nil {
			return errors.Blockedf(
				"%s: pushing local content needs a local shell", t.Name)
		}
		t.Report.Info("rsyncing %s to target's persistent area %s/%s",
			src, PersistentDir, name)
		host := rsyncHost(d.RsyncServer)
		_, err := d.LocalShell.Run(ctx, fmt.Sprintf(
			"time -p rsync -cHaAX --force --numeric-ids --delete"+
				" --port %s %s/. %s::rootfs/persistent.tcf.d/%s",
			d.rsyncPort, src, host, persistentName))
		if err != nil {
			return errors.WithOp(err, "rsync to persistent area")
		}
	}
	if dst != "" {
		if parent := dst[:strings.LastIndex(dst, "/")+1]; parent != "" {
			if _, err := t.RunCheck(ctx, "mkdir -p /mnt/"+parent, nil); err != nil {
				return err
			}
		}
		if _, err := t.RunCheck(ctx, fmt.Sprintf(
			"time -p rsync -cHaAX --delete %s/%s/. /mnt/%s",
			PersistentDir, name, dst), nil); err != nil {
			return err
		}
	}
	return nil
}

// RsyncNP pushes a local tree straight to its final destination,
// skipping the persistent cache.
func (d *Deployer) RsyncNP(ctx context.Context, src, dst string, del bool) error {
	t := d.Target
	if d.rsyncPort == "" {
		return errors.Blockedf("%s: rsync daemon not started", t.Name)
	}
	if d.LocalShell == nil {
		return errors.Blockedf(
			"%s: pushing local content needs a local shell", t.Name)
	}
	if _, err := t.RunCheck(ctx,
		"mkdir -p /mnt/"+dst+"	# create dest for rsync", nil); err != nil {
		return err
	}
	deleteOpt := ""
	if del {
		deleteOpt = "--delete"
	}
	host := rsyncHost(d.RsyncServer)
	cmd := fmt.Sprintf(
		"time sudo rsync -cHaAX --numeric-ids %s --inplace"+
			" --exclude=persistent.tcf.d --exclude='persistent.tcf.d/*'"+
			" --port %s %s/. %s::rootfs/%s/.",
		deleteOpt, d.rsyncPort, src, host, dst)
	t.Report.Info("POS: rsyncing %s to target's %s", src, dst)
	if _, err := d.LocalShell.Run(ctx, cmd); err != nil {
		return errors.WithOp(err, "rsync")
	}
	t.Report.Info("rsynced %s to target's /%s", src, dst)
	return nil
}

// rsyncHost strips the module or path off a server spec, leaving the
// host rsync clients dial.
func rsyncHost(server string) string {
	if i := strings.Index(server, "::"); i >= 0 {
		return server[:i]
	}
	if i := strings.Index(server, ":"); i >= 0 {
		return server[:i]
	}
	return server
}

// teardown makes a good hearted attempt at leaving the target clean:
// flush writes, kill whatever still holds /mnt, unmount everything in
// reverse mount order. Failures here don't fail the deploy.
func (d *Deployer) teardown(ctx context.Context) {
	t := d.Target
	devices := make([]string, 0, len(t.UmountList))
	for i := len(t.UmountList) - 1; i >= 0; i-- {
		devices = append(devices, t.UmountList[i])
	}
	_, err := t.RunCheck(ctx,
		"sync; "+
			"which lsof"+
			" && kill -9 `lsof -Fp /mnt | sed -n '/^p/{s/^p//;p}'`; "+
			"cd /; "+
			"for device in "+strings.Join(devices, " ")+";"+
			" do umount -l $device || true; done", nil)
	if err != nil {
		t.Report.Error("POS: cleanup failed (ignored): %v", err)
	}
}
