package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/posfw/posfw/drivers"
	"github.com/posfw/posfw/pos"
	"github.com/posfw/posfw/target"
)

// capsCmd lists the registered capability drivers; with --target it
// also shows which driver the target's inventory resolves to.
var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "List capability drivers and per-target resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		var t *target.Target
		if targetFile != "" {
			cfg, err := LoadTargetConfig(targetFile)
			if err != nil {
				return err
			}
			t, err = cfg.Target(stateDir)
			if err != nil {
				return err
			}
		}

		// the registry is the same regardless of the target; binding
		// needs one, so make a placeholder when none was given
		bindTo := t
		if bindTo == nil {
			bindTo = target.New("none", nil, nil, nil, nil, nil, nil)
		}
		d := drivers.NewDeployer(bindTo)

		for _, c := range pos.Capabilities {
			line := fmt.Sprintf("%-16s %s", c,
				strings.Join(d.Registry.Names(c), " "))
			if t != nil {
				name := t.Inventory.Get("pos.capable."+string(c), "")
				if name == "" {
					name = "(default)"
				}
				line += fmt.Sprintf("   -> %s", name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capsCmd)
}
