package pos

import (
	"context"
	"fmt"
	"sort"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// Capability names one of the pluggable provisioning behaviors a
// target driver can implement. The set is closed: the deploy engine
// only ever asks for these.
type Capability string

const (
	// CapBootToPOS power cycles the target so it boots the
	// Provisioning OS. One shot; the next power cycle boots normally.
	CapBootToPOS Capability = "boot_to_pos"

	// CapBootToNormal power cycles the target into the installed OS.
	CapBootToNormal Capability = "boot_to_normal"

	// CapBootConfig configures the bootloader after provisioning.
	CapBootConfig Capability = "boot_config"

	// CapBootConfigFix repairs the boot configuration of a system that
	// booted to something with a login prompt instead of the POS.
	CapBootConfigFix Capability = "boot_config_fix"

	// CapMountFS partitions (if needed) and mounts the target's
	// filesystems under /mnt, returning the root partition device.
	CapMountFS Capability = "mount_fs"
)

// Capabilities is the closed set, in a stable order.
var Capabilities = []Capability{
	CapBootToPOS, CapBootToNormal, CapBootConfig, CapBootConfigFix, CapMountFS,
}

// capabilityDefaults map each capability to the driver used when the
// target's inventory does not name one.
var capabilityDefaults = map[Capability]string{
	CapBootToPOS:     "pxe",
	CapBootToNormal:  "pxe",
	CapBootConfig:    "uefi",
	CapBootConfigFix: "uefi",
	CapMountFS:       "multiroot",
}

// Driver function signatures, one per capability.
type (
	BootToPOSFunc    func(ctx context.Context, t *target.Target) error
	BootToNormalFunc func(ctx context.Context, t *target.Target) error
	BootConfigFunc   func(ctx context.Context, t *target.Target, bootDev, image string) error
	BootConfigFixFunc func(ctx context.Context, t *target.Target) error
	MountFSFunc      func(ctx context.Context, t *target.Target, image, bootDev string) (string, error)
)

// Registry maps (capability, driver name) to driver functions. Build
// one explicitly at startup with the drivers the deployment supports;
// nothing registers itself behind your back.
type Registry struct {
	fns map[Capability]map[string]interface{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{fns: make(map[Capability]map[string]interface{})}
	for _, c := range Capabilities {
		r.fns[c] = make(map[string]interface{})
	}
	return r
}

// Register adds a driver under a capability. Registering an unknown
// capability or a function of the wrong signature is a programming
// error and panics.
func (r *Registry) Register(cap Capability, name string, fn interface{}) {
	m, ok := r.fns[cap]
	if !ok {
		panic(fmt.Sprintf("capability %q is not one of: %v", cap, Capabilities))
	}
	valid := false
	switch cap {
	case CapBootToPOS:
		_, valid = fn.(BootToPOSFunc)
	case CapBootToNormal:
		_, valid = fn.(BootToNormalFunc)
	case CapBootConfig:
		_, valid = fn.(BootConfigFunc)
	case CapBootConfigFix:
		_, valid = fn.(BootConfigFixFunc)
	case CapMountFS:
		_, valid = fn.(MountFSFunc)
	}
	if !valid {
		panic(fmt.Sprintf("driver %s/%s: wrong function type %T",
			cap, name, fn))
	}
	m[name] = fn
}

// Names returns the driver names registered under a capability, sorted.
func (r *Registry) Names(cap Capability) []string {
	var names []string
	for name := range r.fns[cap] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve returns the driver function for a capability on a target:
// the inventory's pos.capable.<capability> value picks the driver,
// falling back (with a warning) to the capability default. The value
// "none" means the capability is not needed on this hardware and
// resolves to nil. Asking for a capability outside the closed set is a
// programming error and panics; an inventory naming a driver that was
// never registered is a configuration problem.
func (r *Registry) resolve(t *target.Target, cap Capability) (interface{}, error) {
	m, ok := r.fns[cap]
	if !ok {
		panic(fmt.Sprintf("unknown capability %q; not one of: %v",
			cap, Capabilities))
	}
	key := "pos.capable." + string(cap)
	name := t.Inventory.Get(key, "")
	if name == "" {
		name = capabilityDefaults[cap]
		t.Report.Info("WARNING! target's inventory doesn't list %s;"+
			" defaulting to '%s'", key, name)
	}
	if name == "none" {
		t.Report.Info("POS: capability %s resolves to no-action", cap)
		return nil, nil
	}
	fn, ok := m[name]
	if !ok {
		return nil, errors.Blockedf(
			"target defines '%s' driver for '%s' that is unknown to"+
				" the provisioning library; maybe its driver is not"+
				" registered?", name, cap)
	}
	t.Report.Info("POS: capability %s/%s resolved", cap, name)
	return fn, nil
}

// BootToPOS resolves the boot_to_pos driver for a target.
func (r *Registry) BootToPOS(t *target.Target) (BootToPOSFunc, error) {
	fn, err := r.resolve(t, CapBootToPOS)
	if err != nil || fn == nil {
		return nil, err
	}
	return fn.(BootToPOSFunc), nil
}

// BootToNormal resolves the boot_to_normal driver for a target.
func (r *Registry) BootToNormal(t *target.Target) (BootToNormalFunc, error) {
	fn, err := r.resolve(t, CapBootToNormal)
	if err != nil || fn == nil {
		return nil, err
	}
	return fn.(BootToNormalFunc), nil
}

// BootConfig resolves the boot_config driver for a target.
func (r *Registry) BootConfig(t *target.Target) (BootConfigFunc, error) {
	fn, err := r.resolve(t, CapBootConfig)
	if err != nil || fn == nil {
		return nil, err
	}
	return fn.(BootConfigFunc), nil
}

// BootConfigFix resolves the boot_config_fix driver for a target.
func (r *Registry) BootConfigFix(t *target.Target) (BootConfigFixFunc, error) {
	fn, err := r.resolve(t, CapBootConfigFix)
	if err != nil || fn == nil {
		return nil, err
	}
	return fn.(BootConfigFixFunc), nil
}

// MountFS resolves the mount_fs driver for a target.
func (r *Registry) MountFS(t *target.Target) (MountFSFunc, error) {
	fn, err := r.resolve(t, CapMountFS)
	if err != nil || fn == nil {
		return nil, err
	}
	return fn.(MountFSFunc), nil
}
