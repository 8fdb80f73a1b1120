package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/posfw/posfw/pos"
)

// schemaCmd prints the JSON schema of the per-image metadata file
// (.tcf.metadata.yaml), for validating image trees before publishing
// them on the rsync server.
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the image metadata JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(pos.MetadataSchema(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
