// Package cmd implements the posctl command line tool: provisioning a
// target with an OS image, browsing the image catalog and inspecting
// the driver setup, all from a YAML target description.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "posctl",
		Short: "Provision OS images onto lab hardware",
		Long: `posctl drives a target machine through the Provisioning OS flow:
power cycle into a network-booted service OS, pick the root partition
most similar to the incoming image, rsync the image over and configure
the bootloader.

Targets are described by a YAML file (see 'posctl deploy --help');
per-target state, like which image sits on which partition, persists
under the state directory between runs.`,
		SilenceUsage: true,
	}

	// Global flags
	targetFile string
	stateDir   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&targetFile, "target", "t", "",
		"Path to the target description YAML")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir",
		defaultStateDir(), "Directory for per-target state files")
}

func defaultStateDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "/tmp/posctl"
	}
	return filepath.Join(configDir, "posctl")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
