package drivers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/pos"
	"github.com/posfw/posfw/target"
	"github.com/posfw/posfw/target/mock"
)

func TestNewDeployerRegistersStandardSet(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	d := NewDeployer(tt.Target)

	assert.Equal(t, []string{"edkii", "http", "ipxe", "pxe", "serial_f12"},
		d.Registry.Names(pos.CapBootToPOS))
	assert.Equal(t, []string{"power", "pxe"},
		d.Registry.Names(pos.CapBootToNormal))
	assert.Equal(t, []string{"multiroot"}, d.Registry.Names(pos.CapMountFS))
	assert.Equal(t, []string{"uefi"}, d.Registry.Names(pos.CapBootConfig))
	assert.Equal(t, []string{"uefi"}, d.Registry.Names(pos.CapBootConfigFix))
}

func TestDefaultsResolveOnBareInventory(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	d := NewDeployer(tt.Target)

	for _, resolve := range []func() (interface{}, error){
		func() (interface{}, error) { return d.Registry.BootToPOS(tt.Target) },
		func() (interface{}, error) { return d.Registry.BootToNormal(tt.Target) },
		func() (interface{}, error) { return d.Registry.BootConfig(tt.Target) },
		func() (interface{}, error) { return d.Registry.BootConfigFix(tt.Target) },
		func() (interface{}, error) { return d.Registry.MountFS(tt.Target) },
	} {
		fn, err := resolve()
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}
}

func TestInventoryPicksAlternateBootDriver(t *testing.T) {
	tt := mock.NewTarget("t1", target.Inventory{
		"pos.capable.boot_to_pos": "serial_f12",
	})
	d := NewDeployer(tt.Target)

	fn, err := d.Registry.BootToPOS(tt.Target)
	require.NoError(t, err)
	assert.NotNil(t, fn)
}
