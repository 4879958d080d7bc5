package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/scanner"
)

func TestUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "timeout suggests poll",
			err:  &scanner.ScanError{Kind: scanner.ErrTimeoutExceeded, AnalysisID: "an-1", Err: &datamodel.TimeoutExceededError{AnalysisID: "an-1"}},
			want: "verification is taking longer than expected, try again later (vtconnector poll an-1)",
		},
		{
			name: "upstream details hidden",
			err:  &scanner.ScanError{Kind: scanner.ErrUpstreamSubmit, Err: &datamodel.UpstreamSubmissionError{Status: 403, Body: "QuotaExceededError"}},
			want: "verification failed, try again",
		},
		{
			name: "other error",
			err:  errors.New("no such file"),
			want: "no such file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := userError(tt.err).Error(); got != tt.want {
				t.Errorf("userError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckFolders(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		paths   []string
		wantErr bool
	}{
		{name: "folder", paths: []string{dir}},
		{name: "none", wantErr: true},
		{name: "file", paths: []string{file}, wantErr: true},
		{name: "missing", paths: []string{filepath.Join(dir, "missing")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := checkFolders(tt.paths); (err != nil) != tt.wantErr {
				t.Errorf("checkFolders() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
