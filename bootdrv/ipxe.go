package bootdrv

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// ctrlB is the iPXE console escape. Sent doubled: single keystrokes get
// lost in the banner noise of slow serial links.
const ctrlB = "\x02\x02"

// seizePace spaces the escape blasts; iPXE polls its input between
// device probes so back to back writes collapse into one.
const seizePace = 300 * time.Millisecond

var ipxePrompt = target.P("ipxe-prompt", `iPXE>`)

// ipxeFailures are raced against every expected success pattern; any of
// them firing means this boot is lost and only a power cycle helps.
var ipxeFailures = []target.Pattern{
	target.P("connection-timed-out", `Connection timed out`),
	target.P("pxe-error", `PXE-E[0-9]+`),
}

// Seize breaks into the iPXE command line. The Ctrl-B window is tight
// and opens before the hint is printed, so the escape gets blasted from
// the first boot message on; by the time the hint shows up iPXE has
// seen at least one.
func Seize(ctx context.Context, t *target.Target, timeout time.Duration) error {
	if _, err := t.Expect(ctx, timeout,
		target.P("ipxe-init", `iPXE initialising devices\.\.\.`)); err != nil {
		return errors.WithOp(err, "iPXE: waiting for boot banner")
	}
	if err := t.WritePaced(ctx, seizePace, ctrlB, ctrlB, ctrlB); err != nil {
		return errors.WithOp(err, "iPXE: seize")
	}
	if _, err := t.Expect(ctx, timeout,
		target.P("ipxe-ctrl-b", `Ctrl-B`)); err != nil {
		return errors.WithOp(err, "iPXE: seize")
	}
	// the hint showing up does not mean the window is open yet
	if err := t.WritePaced(ctx, seizePace, ctrlB, ctrlB); err != nil {
		return errors.WithOp(err, "iPXE: seize")
	}
	if _, err := t.Expect(ctx, timeout, ipxePrompt); err != nil {
		return errors.WithOp(err, "iPXE: seize")
	}
	t.Report.Info("iPXE: got command line")
	return nil
}

// run sends one command to the seized iPXE console and waits for ok,
// racing the failure patterns.
func run(ctx context.Context, t *target.Target, timeout time.Duration,
	cmd string, ok target.Pattern) error {

	if err := t.Console.Write(cmd + "\r"); err != nil {
		return errors.WithOp(err, "iPXE: "+cmd)
	}
	patterns := append([]target.Pattern{ok}, ipxeFailures...)
	m, err := t.Expect(ctx, timeout, patterns...)
	if err != nil {
		return errors.WithOp(err, "iPXE: "+cmd)
	}
	if m.Name != ok.Name {
		return errors.Infraf("iPXE: %s failed: %s", cmd, m.Text).
			WithAttachment("console output", t.ConsoleTail(1024))
	}
	return nil
}

// ConfigureNetwork opens net0: statically when the inventory carries
// the address (faster, and the address is known anyway), over DHCP
// otherwise.
func ConfigureNetwork(ctx context.Context, t *target.Target, timeout time.Duration) error {
	addr := t.Inventory.Get("ipv4_addr", "")
	if addr == "" {
		t.Report.Info("iPXE: configuring net0 over DHCP")
		if err := run(ctx, t, timeout, "dhcp",
			target.P("dhcp-ok", `Configuring[^\n]*ok`)); err != nil {
			return err
		}
		_, err := t.Expect(ctx, timeout, ipxePrompt)
		if err != nil {
			return errors.WithOp(err, "iPXE: dhcp")
		}
		return nil
	}
	netmask := PrefixToNetmask(t.Inventory.Int("ipv4_prefix_len", 24))
	t.Report.Info("iPXE: configuring net0 statically: %s/%s", addr, netmask)
	if err := run(ctx, t, timeout, "set net0/ip "+addr, ipxePrompt); err != nil {
		return err
	}
	if err := run(ctx, t, timeout, "set net0/netmask "+netmask, ipxePrompt); err != nil {
		return err
	}
	return run(ctx, t, timeout, "ifopen", ipxePrompt)
}

// SANBoot boots the image at url. On success iPXE never prints another
// prompt, so only the boot announcement is waited for.
func SANBoot(ctx context.Context, t *target.Target, url string, timeout time.Duration) error {
	t.Report.Info("iPXE: sanbooting %s", url)
	return run(ctx, t, timeout, "sanboot "+url,
		target.P("san-booting", `Booting from SAN device`))
}

// PrefixToNetmask renders a prefix length as the dotted quad netmask
// iPXE wants. Out of range lengths clamp to /0 and /32.
func PrefixToNetmask(length int) string {
	if length < 0 {
		length = 0
	}
	if length > 32 {
		length = 32
	}
	mask := uint32(0)
	if length > 0 {
		mask = ^uint32(0) << (32 - length)
	}
	octets := make([]string, 4)
	for i := 0; i < 4; i++ {
		octets[i] = strconv.Itoa(int(mask >> (24 - 8*i) & 0xff))
	}
	return strings.Join(octets, ".")
}
