package cli

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the verification HTTP API, and monitor configured folders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		h, err := newHandler(cmd)
		if err != nil {
			return
		}
		defer closeHandler(h)
		return h.Serve(cmd.Context())
	},
}
