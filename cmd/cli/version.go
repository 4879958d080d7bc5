package cli

import (
	"fmt"

	"github.com/glimps-re/vt-connector/pkg/config"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print connector version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vtconnector version: %s\n", config.Version)
	},
}
