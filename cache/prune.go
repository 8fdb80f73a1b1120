package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// Pruner lists and trims a cache directory on a target through its shell.
type Pruner struct {
	Target    *target.Target
	Dir       string
	BlockSize int64
}

// NewPruner returns a Pruner for dir on t.
func NewPruner(t *target.Target, dir string) *Pruner {
	return &Pruner{Target: t, Dir: dir, BlockSize: DefaultBlockSize}
}

// Usage returns the directory's disk usage in bytes, per du.
func (p *Pruner) Usage(ctx context.Context) (int64, error) {
	output, err := p.Target.RunCheck(ctx, "du -BM -sc "+p.Dir, nil)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "total" {
			mib, err := strconv.ParseInt(strings.TrimSuffix(fields[0], "M"), 10, 64)
			if err != nil {
				return 0, errors.Infraf("bad du output line %q", line)
			}
			return mib * 1024 * 1024, nil
		}
	}
	return 0, errors.Infraf("du printed no total for %s", p.Dir).
		WithAttachment("output", output)
}

// List returns every entry under the directory, with type, mtime and size.
func (p *Pruner) List(ctx context.Context) ([]Entry, error) {
	cmd := fmt.Sprintf(`find %s -mindepth 1 -printf '%%y %%T@ %%s %%p\n'`, p.Dir)
	output, err := p.Target.RunCheck(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 4)
		if len(fields) != 4 {
			continue
		}
		mtime, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Path:    fields[3],
			ModTime: time.Unix(int64(mtime), int64((mtime-float64(int64(mtime)))*1e9)),
			Size:    size,
			Dir:     fields[0] == "d",
		})
	}
	return entries, nil
}

// Apply removes everything the plan evicts. Files go with rm, directories
// with rmdir so a non-empty one survives rather than losing data.
func (p *Pruner) Apply(ctx context.Context, plan Plan) error {
	for _, e := range plan.Remove {
		var cmd string
		if e.Dir {
			cmd = "rmdir --ignore-fail-on-non-empty " + e.Path
		} else {
			cmd = "rm -f " + e.Path
		}
		if _, err := p.Target.RunCheck(ctx, cmd, nil); err != nil {
			return err
		}
	}
	return nil
}

// Manage trims dir down to capBytes when over it, reporting how much was
// evicted.
func Manage(ctx context.Context, t *target.Target, dir string, capBytes int64) error {
	p := NewPruner(t, dir)
	usage, err := p.Usage(ctx)
	if err != nil {
		return errors.WithOp(err, "cache manage")
	}
	if usage <= capBytes {
		return nil
	}
	entries, err := p.List(ctx)
	if err != nil {
		return errors.WithOp(err, "cache manage")
	}
	plan := PlanLRU(entries, capBytes, p.BlockSize)
	t.Report.Info("cache %s over budget (%d MiB used), evicting %d entries",
		dir, usage/1024/1024, len(plan.Remove))
	if err := p.Apply(ctx, plan); err != nil {
		return errors.WithOp(err, "cache manage")
	}
	return nil
}
