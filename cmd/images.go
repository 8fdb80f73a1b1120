package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/posfw/posfw/pos"
	"github.com/posfw/posfw/target"
)

var imagesServer string

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Browse the deployment image catalog",
}

// imagesList fetches the rsync server's top level listing and prints
// the image specs found in it.
var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the images the rsync server offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := imageServer()
		if err != nil {
			return err
		}
		output, err := localShell{}.Run(cmd.Context(), "rsync "+server+"/")
		if err != nil {
			return err
		}
		for _, img := range pos.ImageListFromRsync(output) {
			fmt.Fprintln(cmd.OutOrStdout(), img)
		}
		return nil
	},
}

// imagesSelect resolves a partial image spec against the catalog the
// way a deploy would, printing the image it settles on.
var imagesSelectCmd = &cobra.Command{
	Use:   "select IMAGESPEC",
	Short: "Show which catalog image a spec resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := imageServer()
		if err != nil {
			return err
		}
		output, err := localShell{}.Run(cmd.Context(), "rsync "+server+"/")
		if err != nil {
			return err
		}
		available := pos.ImageListFromRsync(output)

		archDefault := ""
		var report target.Reporter = target.NewLogReporter("select")
		if targetFile != "" {
			cfg, err := LoadTargetConfig(targetFile)
			if err != nil {
				return err
			}
			archDefault = target.Inventory(cfg.Inventory).Get("arch", "")
			report = target.NewLogReporter(cfg.Name)
		}
		img, err := pos.SelectBest(args[0], available, archDefault, nil, report)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), img)
		return nil
	},
}

// imageServer resolves the rsync server: the flag wins, then the
// target's inventory.
func imageServer() (string, error) {
	if imagesServer != "" {
		return imagesServer, nil
	}
	if targetFile != "" {
		cfg, err := LoadTargetConfig(targetFile)
		if err != nil {
			return "", err
		}
		if s := target.Inventory(cfg.Inventory).Get("pos.rsync_server", ""); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("no image server; use --server or a target" +
		" config with pos.rsync_server")
}

func init() {
	imagesCmd.PersistentFlags().StringVar(&imagesServer, "server", "",
		"rsync image server (HOST::module/path)")
	imagesCmd.AddCommand(imagesListCmd)
	imagesCmd.AddCommand(imagesSelectCmd)
	rootCmd.AddCommand(imagesCmd)
}
