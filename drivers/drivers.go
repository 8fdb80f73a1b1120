// Package drivers assembles the standard capability driver set: the
// boot drivers, the multiroot filesystem layout and the UEFI boot
// configuration, registered under the names target inventories refer to
// them by.
package drivers

import (
	"github.com/posfw/posfw/bootdrv"
	"github.com/posfw/posfw/multiroot"
	"github.com/posfw/posfw/pos"
	"github.com/posfw/posfw/target"
	"github.com/posfw/posfw/uefi"
)

// Register adds every standard driver to the registry. The mount_fs and
// boot_config drivers carry deploy state (filesystem info, metadata, the
// chosen root partition), so they bind to the deployer.
func Register(r *pos.Registry, d *pos.Deployer) {
	r.Register(pos.CapBootToPOS, "pxe",
		pos.BootToPOSFunc(bootdrv.BootToPOSPXE))
	r.Register(pos.CapBootToPOS, "edkii",
		pos.BootToPOSFunc(bootdrv.BootToPOSEDKII))
	r.Register(pos.CapBootToPOS, "serial_f12",
		pos.BootToPOSFunc(bootdrv.BootToPOSF12))
	r.Register(pos.CapBootToPOS, "http",
		pos.BootToPOSFunc(bootdrv.BootToPOSHTTP))
	r.Register(pos.CapBootToPOS, "ipxe",
		pos.BootToPOSFunc(bootdrv.BootToPOSIPXE))

	r.Register(pos.CapBootToNormal, "pxe",
		pos.BootToNormalFunc(bootdrv.BootToNormalPXE))
	r.Register(pos.CapBootToNormal, "power",
		pos.BootToNormalFunc(bootdrv.BootToNormalPower))

	mr := multiroot.New(d)
	r.Register(pos.CapMountFS, "multiroot", pos.MountFSFunc(mr.MountFS))

	u := uefi.New(d)
	r.Register(pos.CapBootConfig, "uefi", pos.BootConfigFunc(u.BootConfig))
	r.Register(pos.CapBootConfigFix, "uefi",
		pos.BootConfigFixFunc(u.BootConfigFix))
}

// NewDeployer builds a deployer for the target with the full standard
// driver set registered.
func NewDeployer(t *target.Target) *pos.Deployer {
	reg := pos.NewRegistry()
	d := pos.NewDeployer(t, reg)
	Register(reg, d)
	return d
}
