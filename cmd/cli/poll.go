package cli

import (
	"fmt"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/spf13/cobra"
)

var pollKind string

var pollCmd = &cobra.Command{
	Use:   "poll <analysis-id>",
	Short: "Wait for an analysis submitted earlier, typically after a timeout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		kind := datamodel.ScanKind(pollKind)
		if kind != datamodel.KindURL && kind != datamodel.KindFile {
			return fmt.Errorf("invalid kind %q, expected url or file", pollKind)
		}
		h, err := newHandler(cmd)
		if err != nil {
			return
		}
		defer closeHandler(h)
		if _, err = h.Resume(cmd.Context(), datamodel.AnalysisHandle{ID: args[0], Kind: kind}); err != nil {
			return userError(err)
		}
		return
	},
}
