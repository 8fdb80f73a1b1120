package pos

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// BlockDevice mirrors one lsblk --json entry. Sizes come back as
// strings or numbers depending on the lsblk version, so Size gets a
// tolerant decoder.
type BlockDevice struct {
	Name       string        `json:"name"`
	Size       flexInt64     `json:"size"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	UUID       string        `json:"uuid"`
	Label      string        `json:"label"`
	Mountpoint string        `json:"mountpoint"`
	Children   []BlockDevice `json:"children"`
}

// FSInfo is the target's block device tree as reported by lsblk.
type FSInfo struct {
	BlockDevices []BlockDevice `json:"blockdevices"`
}

// flexInt64 decodes both `"size": "1073741312"` and `"size": 1073741312`.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt64(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

// Device returns the top-level block device with the given basename.
func (fi *FSInfo) Device(name string) (BlockDevice, bool) {
	for _, bd := range fi.BlockDevices {
		if bd.Name == name {
			return bd, true
		}
	}
	return BlockDevice{}, false
}

// Partition returns the child partition with the given basename,
// wherever it hangs.
func (fi *FSInfo) Partition(name string) (BlockDevice, bool) {
	for _, bd := range fi.BlockDevices {
		for _, child := range bd.Children {
			if child.Name == name {
				return child, true
			}
		}
	}
	return BlockDevice{}, false
}

// LoadFSInfo queries the target's block devices. Run it after anything
// that changes the partition table.
func LoadFSInfo(ctx context.Context, t *target.Target) (*FSInfo, error) {
	output, err := t.RunCheck(ctx,
		"lsblk --json -bni -o NAME,SIZE,TYPE,FSTYPE,UUID,LABEL,MOUNTPOINT", nil)
	if err != nil {
		return nil, err
	}
	var fi FSInfo
	if err := json.Unmarshal([]byte(output), &fi); err != nil {
		return nil, errors.Infraf("can't parse lsblk output: %v", err).
			WithAttachment("output", output)
	}
	return &fi, nil
}
