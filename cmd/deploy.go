package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/posfw/posfw/drivers"
)

var deployNormalBoot bool

var deployCmd = &cobra.Command{
	Use:   "deploy IMAGESPEC",
	Short: "Deploy an OS image onto the target",
	Long: `Deploys an image from the catalog onto the target named by --target:
boots the Provisioning OS, mounts the root partition most similar to
the incoming image, rsyncs the image over, configures the bootloader
and (with --boot) reboots into it.

The IMAGESPEC is distro:spin:version:subversion:arch with any trailing
fields omitted; 'posctl images select' previews the resolution.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if targetFile == "" {
			return fmt.Errorf("deploy needs --target")
		}
		cfg, err := LoadTargetConfig(targetFile)
		if err != nil {
			return err
		}
		t, closer, err := cfg.Connect(stateDir)
		if err != nil {
			return err
		}
		defer closer()

		d := drivers.NewDeployer(t)
		d.LocalShell = localShell{}

		// DeployImage boots the POS itself
		deployed, err := d.DeployImage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deployed %s\n", deployed)

		if deployNormalBoot {
			return d.BootNormal(cmd.Context())
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().BoolVar(&deployNormalBoot, "boot", false,
		"Boot the installed OS after deploying")
	rootCmd.AddCommand(deployCmd)
}
