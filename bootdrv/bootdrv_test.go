package bootdrv

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
	"github.com/posfw/posfw/target/mock"
)

func TestPXEEntryExpr(t *testing.T) {
	tt := mock.NewTarget("t1", target.Inventory{
		"mac_addr": "4a:b0:15:5f:98:a1",
	})
	assert.Equal(t, `UEFI PXEv4 \(MAC:4AB0155F98A1\)`, PXEEntryExpr(tt.Target))

	tt = mock.NewTarget("t1", nil)
	assert.Equal(t, "UEFI PXEv4.*", PXEEntryExpr(tt.Target))
}

func TestBootToPOSPXEFlipsModeAroundTheCycle(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	modeAtCycle := ""
	tt.Power.OnCycle = func() {
		modeAtCycle, _ = tt.Props.GetProperty("pos_mode")
	}

	require.NoError(t, BootToPOSPXE(context.Background(), tt.Target))

	assert.Equal(t, "pxe", modeAtCycle)
	mode, _ := tt.Props.GetProperty("pos_mode")
	assert.Equal(t, "local", mode)
	assert.Equal(t, 1, tt.Power.Cycles())
}

func TestBootToNormalPXE(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Props.SetProperty("pos_mode", "pxe")

	require.NoError(t, BootToNormalPXE(context.Background(), tt.Target))

	mode, _ := tt.Props.GetProperty("pos_mode")
	assert.Equal(t, "local", mode)
	assert.Equal(t, 1, tt.Power.Cycles())
}

func TestBootToNormalPowerJustCycles(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	require.NoError(t, BootToNormalPower(context.Background(), tt.Target))
	assert.Equal(t, []string{"cycle"}, tt.Power.Log())
}

func TestBootToPOSF12PressesHotkey(t *testing.T) {
	tt := mock.NewTarget("t1", target.Inventory{
		"bios.boot_time": "1",
	})
	tt.Power.OnCycle = func() {
		tt.Console.Feed("UEFI BIOS v2.1\r\n" +
			"          Press [F12]   to boot from network.\r\r\n")
	}

	require.NoError(t, BootToPOSF12(context.Background(), tt.Target))

	assert.Equal(t, 1, tt.Power.Cycles())
	f12 := 0
	for _, w := range tt.Console.Writes() {
		if w == "\x1b[24~" {
			f12++
		}
	}
	assert.Equal(t, 5, f12)
}

func TestBootToPOSF12ExhaustsRetries(t *testing.T) {
	tt := mock.NewTarget("t1", target.Inventory{
		"bios.boot_time": "0.01",
	})
	// console stays dead; every attempt times out waiting for the banner

	err := BootToPOSF12(context.Background(), tt.Target)

	require.Error(t, err)
	assert.False(t, errors.IsRecoverable(err))
	assert.Equal(t, 3, tt.Power.Cycles())
	assert.Equal(t, 3, tt.RetryCount("BIOS F12 boot"))
}

func TestBootToPOSHTTPNeedsURL(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	err := BootToPOSHTTP(context.Background(), tt.Target)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	assert.Contains(t, err.Error(), "pos.http_url")
}

func TestBootToPOSIPXENeedsURL(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	err := BootToPOSIPXE(context.Background(), tt.Target)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	assert.Contains(t, err.Error(), "pos.ipxe_sanboot_url")
}

func TestBootToPOSPXEPowerFailure(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Power.FailFor = 1

	err := BootToPOSPXE(context.Background(), tt.Target)

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "relay"))
}
