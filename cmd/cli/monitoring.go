package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
)

var monitoringCmd = &cobra.Command{
	Use:   "monitoring [folder]...",
	Short: "Verify every file dropped in the monitored folders",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		paths := slices.Concat(conf.Monitoring.Paths, args)
		if err = checkFolders(paths); err != nil {
			return
		}
		h, err := newHandler(cmd)
		if err != nil {
			return
		}
		defer closeHandler(h)
		return h.Monitor(cmd.Context(), paths)
	},
}

func checkFolders(paths []string) error {
	if len(paths) < 1 {
		return errors.New("at least one folder is mandatory")
	}
	for _, path := range paths {
		info, err := os.Stat(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("could not check folder %s: %w", path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a folder", path)
		}
	}
	return nil
}
