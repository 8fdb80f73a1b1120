// Package multiroot partitions a target with several root filesystems
// so different OS images can live side by side; switching between them
// is an rsync refresh instead of a full install. The root partition for
// a deploy is picked by how similar its current content is to the image
// coming in, so the transfer moves as little data as possible.
package multiroot

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/pos"
	"github.com/posfw/posfw/target"
)

// Driver implements the mount_fs capability over the multiroot layout:
// partition 1 boots, 2 swaps, 3 is scratch and 4 onwards are root
// filesystems tracked through pos_root_<dev> properties.
type Driver struct {
	D *pos.Deployer

	// RandIntn picks among equally good partitions; tests pin it.
	RandIntn func(n int) int
}

// New binds a multiroot driver to a deployer.
func New(d *pos.Deployer) *Driver {
	return &Driver{D: d, RandIntn: rand.Intn}
}

// MountFS picks (and formats, when needed) a root partition for the
// image and mounts it on /mnt. Registered as the mount_fs capability.
func (m *Driver) MountFS(ctx context.Context, t *target.Target,
	image, bootDev string) (string, error) {

	if _, reinit := t.Properties.GetProperty("pos_reinitialize"); reinit {
		t.Report.Info("POS: repartitioning per pos_reinitialize property")
		for key := range t.Properties.Properties("pos_root_") {
			t.Properties.SetProperty(key, "")
		}
		if err := m.diskPartition(ctx, t, bootDev); err != nil {
			return "", err
		}
		t.Properties.SetProperty("pos_reinitialize", "")
	}

	rootPartDev, err := m.rootfsGuess(ctx, t, image, bootDev)
	if err != nil {
		return "", err
	}
	m.D.RootPartDev = rootPartDev
	base := strings.TrimPrefix(rootPartDev, "/dev/")
	imagePrev, ok := t.Properties.GetProperty("pos_root_" + base)
	if !ok {
		imagePrev = "nothing"
	}
	t.Report.Info("POS: will use %s for root partition (had %s before)",
		rootPartDev, imagePrev)

	fi, err := m.fsinfo(ctx, t)
	if err != nil {
		return "", err
	}
	devInfo, ok := fi.Partition(base)
	if !ok {
		// at this point *we* have partitioned, so this isn't a
		// repartition-and-retry situation
		return "", errors.Infraf(
			"can't find information for root device %s in fsinfo", base)
	}
	currentFSType := devInfo.FSType
	if currentFSType == "" {
		currentFSType = "ext4"
	}

	// we can't have several root filesystems sharing a UUID or LABEL,
	// so the image can't rely on them; format per its metadata
	want, origin := m.D.Metadata.RootFilesystem()
	if want.FSType != currentFSType {
		t.Report.Info("POS: reformatting %s because current format is '%s'"+
			" and '%s' is needed (per %s)",
			rootPartDev, currentFSType, want.FSType, origin)
		if err := mkfs(ctx, t, rootPartDev, want); err != nil {
			return "", err
		}
	} else {
		t.Report.Info("POS: no need to reformat %s; current format is '%s'"+
			" and '%s' is needed (per %s)",
			rootPartDev, currentFSType, want.FSType, origin)
	}

	for try := 0; try < 3; try++ {
		t.Report.Info("POS: mounting root partition %s onto /mnt"+
			" to image [%d/3]", rootPartDev, try)
		// the double apostrophe keeps the failure marker from matching
		// the echoed command itself
		output, err := t.RunCheck(ctx,
			"mount "+rootPartDev+" /mnt || echo FAI''LED", nil)
		if err != nil {
			return "", err
		}
		if !strings.Contains(output, "FAILED") {
			t.Report.Info("POS: mounted %s onto /mnt to image", rootPartDev)
			return rootPartDev, nil
		}
		if strings.Contains(output,
			"special device "+rootPartDev+" does not exist.") {
			if err := m.diskPartition(ctx, t, bootDev); err != nil {
				return "", err
			}
		} else {
			// probably not formatted; reformat and retry
			if err := mkfs(ctx, t, rootPartDev, want); err != nil {
				return "", err
			}
		}
	}
	return "", errors.Blockedf("POS: tried to mount %s too many times and failed",
		rootPartDev)
}

// fsinfo returns the deployer's block device tree, loading it on first
// use.
func (m *Driver) fsinfo(ctx context.Context, t *target.Target) (*pos.FSInfo, error) {
	if m.D.FSInfo == nil {
		fi, err := pos.LoadFSInfo(ctx, t)
		if err != nil {
			return nil, err
		}
		m.D.FSInfo = fi
	}
	return m.D.FSInfo, nil
}

func mkfs(ctx context.Context, t *target.Target, dev string,
	fs pos.FilesystemMeta) error {
	t.Report.Info("POS: formatting %s (mkfs.%s %s)", dev, fs.FSType, fs.MkfsOpts)
	_, err := t.RunCheck(ctx,
		fmt.Sprintf("mkfs.%s %s %s", fs.FSType, fs.MkfsOpts, dev), nil)
	if err != nil {
		return err
	}
	t.Report.Info("POS: formatted rootfs %s as %s", dev, fs.FSType)
	return nil
}

// diskPartition lays the multiroot partition table on the boot device:
// an EFI system partition, swap, scratch, then as many root partitions
// as the disk fits. Sizes come from the pos.partsizes inventory key as
// BOOT:SWAP:SCRATCH:ROOT in GiB.
func (m *Driver) diskPartition(ctx context.Context, t *target.Target,
	bootDev string) error {

	base := strings.TrimPrefix(bootDev, "/dev/")
	// in case we autoswapped
	if _, err := t.RunCheck(ctx, "swapoff -a || true", nil); err != nil {
		return err
	}

	fi, err := pos.LoadFSInfo(ctx, t)
	if err != nil {
		return err
	}
	devInfo, ok := fi.Device(base)
	if !ok {
		return errors.Infraf(
			"%s: can't find information about this block device; is the"+
				" right pos.boot_dev set in the configuration?", base)
	}
	sizeGB := int64(devInfo.Size) / 1024 / 1024 / 1024
	t.Report.Info("POS: %s is %d GiB in size", bootDev, sizeGB)

	partsizes := t.Inventory.Get("pos.partsizes", "")
	if partsizes == "" {
		return errors.Blockedf(
			"can't partition target, inventory sets no pos.partsizes")
	}
	sizes := strings.Split(partsizes, ":")
	if len(sizes) != 4 {
		return errors.Blockedf("pos.partsizes %q: want BOOT:SWAP:SCRATCH:ROOT",
			partsizes)
	}
	var gib [4]int64
	for i, s := range sizes {
		gib[i], err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return errors.Blockedf("pos.partsizes %q: bad size %q", partsizes, s)
		}
	}
	bootSize, swapSize, scratchSize, rootSize := gib[0], gib[1], gib[2], gib[3]

	var cmd strings.Builder
	fmt.Fprintf(&cmd,
		"parted -a optimal -ms %s unit GiB"+
			" mklabel gpt"+
			" mkpart primary fat32 0%% %d"+
			" set 1 boot on"+
			" mkpart primary linux-swap %d %d"+
			" mkpart primary ext4 %d %d",
		bootDev, bootSize,
		bootSize, bootSize+swapSize,
		bootSize+swapSize, bootSize+swapSize+scratchSize)

	prefix := pos.PartPrefix(bootDev)
	offset := bootSize + swapSize + scratchSize
	var rootDevs []string
	pid := 4
	for offset+rootSize < sizeGB {
		fmt.Fprintf(&cmd, " mkpart primary ext4 %d %d", offset, offset+rootSize)
		offset += rootSize
		rootDevs = append(rootDevs, base+prefix+strconv.Itoa(pid))
		pid++
	}
	if _, err := t.RunCheck(ctx, cmd.String(), nil); err != nil {
		return err
	}

	// record the fresh root partitions so the guesser can format quick
	for _, rootDev := range rootDevs {
		t.Properties.SetProperty("pos_root_"+rootDev, "EMPTY")
	}

	if _, err := t.RunCheck(ctx, "partprobe "+bootDev, nil); err != nil {
		return err
	}

	// only the boot (1), swap (2) and scratch (3) partitions get
	// formatted here; roots are formatted on demand. FAT over VFAT:
	// vfat name translation trips on long file names.
	bootPart := bootDev + prefix + "1"
	swapPart := bootDev + prefix + "2"
	scratchPart := bootDev + prefix + "3"
	if _, err := t.RunCheck(ctx, "mkfs.fat -F32 -n TCF-BOOT "+bootPart, nil); err != nil {
		return err
	}
	if _, err := t.RunCheck(ctx, "mkswap -L tcf-swap "+swapPart, nil); err != nil {
		return err
	}
	if _, err := t.RunCheck(ctx, "mkfs.ext4 -FqL tcf-scratch "+scratchPart, nil); err != nil {
		return err
	}

	// partition table changed under the cached fsinfo
	m.D.FSInfo, err = pos.LoadFSInfo(ctx, t)
	return err
}

// rootfsGuess picks a root partition for the image, repartitioning and
// retrying up to three times when the target has none to offer.
func (m *Driver) rootfsGuess(ctx context.Context, t *target.Target,
	image, bootDev string) (string, error) {

	for tries := 1; tries <= 3; tries++ {
		t.Report.Info("POS: guessing partition device [%d/3]", tries)
		rootPartDev, err := m.rootfsGuessByImage(t, image, bootDev)
		if err != nil {
			return "", err
		}
		if rootPartDev != "" {
			return rootPartDev, nil
		}
		// no root partitions known: uninitialized or trashed
		t.Report.Info("POS: repartitioning because couldn't find root partitions")
		if err := m.diskPartition(ctx, t, bootDev); err != nil {
			return "", err
		}
	}
	return "", errors.Blockedf(
		"tried too much to reinitialize the partition table to pick up"+
			" a root partition; is there enough space to create root"+
			" partitions?").
		WithAttachment("partsizes", t.Inventory.Get("pos.partsizes", ""))
}

// rootfsGuessByImage scans the pos_root_<dev> properties for the
// partition whose installed image is most similar to the one coming,
// empty meaning no pos_root_ properties exist at all.
func (m *Driver) rootfsGuessByImage(t *target.Target,
	image, bootDev string) (string, error) {

	seeded := make(map[string]string)
	var empties []string
	for key, value := range t.Properties.Properties("pos_root_") {
		devName := "/dev/" + strings.TrimPrefix(key, "pos_root_")
		if value == "EMPTY" {
			empties = append(empties, devName)
		} else {
			seeded[devName] = value
		}
	}
	sort.Strings(empties)
	t.Report.Info("POS: %s: empty partitions: %s",
		bootDev, strings.Join(empties, " "))
	if len(seeded) == 0 && len(empties) == 0 {
		t.Report.Info("POS: %s: no root partitions known, uninitialized?",
			bootDev)
		return "", nil
	}

	rootPartDev, score, checkEmpties, seed := pos.SeedMatch(seeded, image)
	switch {
	case score == 0 && len(empties) > 0:
		rootPartDev = empties[m.RandIntn(len(empties))]
		t.Report.Info("POS: picked up empty root partition %s", rootPartDev)
	case score == 0:
		names := make([]string, 0, len(seeded))
		for name := range seeded {
			names = append(names, name)
		}
		sort.Strings(names)
		rootPartDev = names[m.RandIntn(len(names))]
		t.Report.Info("POS: picked up random partition %s, because none of"+
			" the existing installed ones was a good match and there are"+
			" no empty ones", rootPartDev)
	case checkEmpties && len(empties) > 0:
		// image and seed share a distro but not a spin; an empty
		// partition beats reseeding across spins
		rootPartDev = empties[m.RandIntn(len(empties))]
		t.Report.Info("POS: picked up empty root partition %s", rootPartDev)
	default:
		t.Report.Info("POS: picked up root partition %s due to a %.02f"+
			" similarity with %s", rootPartDev, score, seed)
	}
	return rootPartDev, nil
}
