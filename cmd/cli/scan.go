package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Verify urls or files with VirusTotal",
}

var scanURLCmd = &cobra.Command{
	Use:   "url <url>...",
	Short: "Verify urls",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		h, err := newHandler(cmd)
		if err != nil {
			return
		}
		defer closeHandler(h)

		var failed []error
		for _, rawURL := range args {
			if _, scanErr := h.ScanURL(cmd.Context(), strings.TrimSpace(rawURL)); scanErr != nil {
				logger.Debug("url verification failed", slog.String("url", rawURL), slog.String("error", scanErr.Error()))
				failed = append(failed, fmt.Errorf("%s: %w", rawURL, userError(scanErr)))
			}
		}
		return errors.Join(failed...)
	},
}

var scanFileCmd = &cobra.Command{
	Use:   "file <path|s3://bucket/prefix>...",
	Short: "Verify files, folders content or S3 objects",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		h, err := newHandler(cmd)
		if err != nil {
			return
		}
		defer closeHandler(h)

		var failed []error
		for _, location := range args {
			if _, scanErr := h.ScanLocation(cmd.Context(), location); scanErr != nil {
				logger.Error("error during scan", slog.String("location", location), slog.String("error", scanErr.Error()))
				failed = append(failed, fmt.Errorf("%s: %w", location, userError(scanErr)))
			}
		}
		return errors.Join(failed...)
	},
}
