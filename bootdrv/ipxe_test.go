package bootdrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
	"github.com/posfw/posfw/target/mock"
)

func TestSeizeBlastsCtrlB(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Console.Feed("iPXE initialising devices...\r\n")
	// the hint shows up after the second blast, the prompt after the
	// window finally opens
	tt.Console.RespondSeq("\x02\x02",
		"",
		"iPXE 1.20.1 -- Open Source Network Boot Firmware -- http://ipxe.org\r\n"+
			"Press Ctrl-B for the iPXE command line...\r\n",
		"",
		"",
		"iPXE> ")

	require.NoError(t, Seize(context.Background(), tt.Target, 5*time.Second))

	blasts := 0
	for _, w := range tt.Console.Writes() {
		if w == "\x02\x02" {
			blasts++
		}
	}
	assert.Equal(t, 5, blasts)
}

func TestSeizeTimesOutWithoutBanner(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	err := Seize(context.Background(), tt.Target, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
}

func TestConfigureNetworkStatic(t *testing.T) {
	tt := mock.NewTarget("t1", target.Inventory{
		"ipv4_addr":       "10.129.18.9",
		"ipv4_prefix_len": "22",
	})
	tt.Console.Respond("\r", "\r\niPXE> ")

	require.NoError(t, ConfigureNetwork(context.Background(), tt.Target, time.Second))

	writes := tt.Console.Writes()
	assert.Contains(t, writes, "set net0/ip 10.129.18.9\r")
	assert.Contains(t, writes, "set net0/netmask 255.255.252.0\r")
	assert.Contains(t, writes, "ifopen\r")
}

func TestConfigureNetworkDHCP(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Console.Respond("dhcp",
		"Configuring (net0 52:54:00:12:34:56)...... ok\r\niPXE> ")

	require.NoError(t, ConfigureNetwork(context.Background(), tt.Target, time.Second))

	assert.Contains(t, tt.Console.Writes(), "dhcp\r")
}

func TestSANBoot(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Console.Respond("sanboot",
		"http://images.example.com/pos.iso... ok\r\n"+
			"Booting from SAN device 0x80\r\n")

	err := SANBoot(context.Background(), tt.Target,
		"http://images.example.com/pos.iso", time.Second)

	require.NoError(t, err)
	assert.Contains(t, tt.Console.Writes(),
		"sanboot http://images.example.com/pos.iso\r")
}

func TestSANBootConnectionTimedOut(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Console.Respond("sanboot",
		"http://images.example.com/pos.iso... Connection timed out "+
			"(http://ipxe.org/4c0a6092)\r\niPXE> ")

	err := SANBoot(context.Background(), tt.Target,
		"http://images.example.com/pos.iso", time.Second)

	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
	assert.Contains(t, err.Error(), "sanboot")
}

func TestRunRacesPXEErrors(t *testing.T) {
	tt := mock.NewTarget("t1", nil)
	tt.Console.Respond("dhcp",
		"PXE-E18: Server response timeout\r\niPXE> ")

	err := ConfigureNetwork(context.Background(), tt.Target, time.Second)

	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
}

func TestPrefixToNetmask(t *testing.T) {
	assert.Equal(t, "255.255.252.0", PrefixToNetmask(22))
	assert.Equal(t, "255.255.255.0", PrefixToNetmask(24))
	assert.Equal(t, "255.255.255.255", PrefixToNetmask(32))
	assert.Equal(t, "255.255.255.255", PrefixToNetmask(40))
	assert.Equal(t, "0.0.0.0", PrefixToNetmask(0))
	assert.Equal(t, "128.0.0.0", PrefixToNetmask(1))
}
