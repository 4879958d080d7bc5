package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glimps-re/vt-connector/pkg/config"
	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/scanner"
	"github.com/glimps-re/vt-connector/pkg/virustotal"
)

const completedAnalysis = `{"data":{"id":"an-1","type":"analysis","attributes":{"status":"completed","stats":{"harmless":50,"malicious":4,"suspicious":0,"undetected":10,"timeout":0},"results":{"E1":{"category":"malicious","result":"trojan"}}}}}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.Default()
	conf.History.Location = ""
	conf.Actions.Log = false
	conf.Polling.URL = config.PollingConfig{MaxAttempts: 2, PollInterval: config.Duration(time.Millisecond), RequestTimeout: config.Duration(time.Second)}
	conf.Polling.File = conf.Polling.URL
	return conf
}

func testClient(submitted *[]string) *virustotal.MockClient {
	return &virustotal.MockClient{
		SubmitURLMock: func(_ context.Context, rawURL string) (datamodel.AnalysisHandle, error) {
			*submitted = append(*submitted, rawURL)
			return datamodel.AnalysisHandle{ID: "an-1", Kind: datamodel.KindURL}, nil
		},
		SubmitFileMock: func(_ context.Context, content io.Reader, filename string) (datamodel.AnalysisHandle, error) {
			data, err := io.ReadAll(content)
			if err != nil {
				return datamodel.AnalysisHandle{}, err
			}
			if string(data) == "broken" {
				return datamodel.AnalysisHandle{}, &datamodel.UpstreamSubmissionError{Status: http.StatusInternalServerError}
			}
			*submitted = append(*submitted, filename)
			return datamodel.AnalysisHandle{ID: "an-1", Kind: datamodel.KindFile}, nil
		},
		GetAnalysisMock: func(context.Context, string) (datamodel.AnalysisStatus, error) {
			return datamodel.AnalysisStatus{ID: "an-1", Status: datamodel.StatusCompleted, Raw: []byte(completedAnalysis)}, nil
		},
	}
}

func TestNewHandler_MissingAPIKey(t *testing.T) {
	_, err := NewHandler(t.Context(), testConfig(t))
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("NewHandler() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestHandler_ScanURL(t *testing.T) {
	var submitted []string
	out := &bytes.Buffer{}
	h, err := NewHandler(t.Context(), testConfig(t), WithSubmitter(testClient(&submitted)), WithPrintDest(out))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	defer h.Close()

	result, err := h.ScanURL(t.Context(), "https://example.com")
	if err != nil {
		t.Fatalf("ScanURL() error = %v", err)
	}
	if result.Severity != datamodel.SeverityMalicious || result.Verdict.Counts.Malicious != 4 {
		t.Errorf("ScanURL() = %+v", result)
	}
	if want := "url https://example.com seems malicious (4/64 engines)\n"; out.String() != want {
		t.Errorf("printed %q, want %q", out.String(), want)
	}

	entry, err := h.History.Get(t.Context(), result.ID)
	if err != nil {
		t.Fatalf("history Get() error = %v", err)
	}
	if entry.Severity != datamodel.SeverityMalicious || entry.Target != "https://example.com" {
		t.Errorf("history entry = %+v", entry)
	}
}

func TestHandler_ScanLocation(t *testing.T) {
	root := t.TempDir()
	for name, content := range map[string]string{"a.exe": "MZ", "sub/b.pdf": "%PDF", "sub/c.bin": "broken"} {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	var submitted []string
	conf := testConfig(t)
	conf.Actions.Print = false
	h, err := NewHandler(t.Context(), conf, WithSubmitter(testClient(&submitted)))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	defer h.Close()

	results, err := h.ScanLocation(t.Context(), root)
	if err == nil || !strings.Contains(err.Error(), "c.bin") {
		t.Errorf("ScanLocation() error = %v, want c.bin failure", err)
	}
	if len(results) != 2 {
		t.Errorf("ScanLocation() results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.SHA256 == "" || r.Kind != datamodel.KindFile {
			t.Errorf("ScanLocation() result = %+v", r)
		}
	}

	stats, err := h.History.Stats(t.Context())
	if err != nil {
		t.Fatalf("history Stats() error = %v", err)
	}
	if stats.Files != 2 || stats.Malicious != 2 {
		t.Errorf("history stats = %+v", stats)
	}

	if err := h.OnNewFile()(t.Context(), filepath.Join(root, "a.exe")); err != nil {
		t.Errorf("OnNewFile() error = %v", err)
	}
	if _, err := h.ScanLocation(t.Context(), "s3://bucket/key"); err == nil {
		t.Errorf("ScanLocation() on s3 without s3 source error = nil")
	}
}

func TestHandler_APIServer(t *testing.T) {
	var submitted []string
	conf := testConfig(t)
	conf.Actions.Print = false
	h, err := NewHandler(t.Context(), conf, WithSubmitter(testClient(&submitted)))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	defer h.Close()

	srv := httptest.NewServer(h.APIServer())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/scans/url", "application/json", strings.NewReader(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatalf("POST scan error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST scan status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `vtconnector_scans_total{degraded="false",kind="url",severity="malicious"} 1`) {
		t.Errorf("metrics output:\n%s", body)
	}
}

func TestHandler_Monitor(t *testing.T) {
	dir := t.TempDir()
	var submitted []string
	conf := testConfig(t)
	conf.Actions.Print = false
	conf.Monitoring.ModificationDelay = 0
	h, err := NewHandler(t.Context(), conf, WithSubmitter(testClient(&submitted)))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.Monitor(ctx, []string{dir}) }()
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "dropped.exe"), []byte("MZ"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := h.History.Stats(t.Context())
		if err != nil {
			t.Fatalf("history Stats() error = %v", err)
		}
		if stats.Files > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dropped file was never scanned")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Monitor() error = %v", err)
	}
}

func TestHandler_Console(t *testing.T) {
	previous := scanner.ConsoleLogger
	defer func() { scanner.ConsoleLogger = previous }()

	var submitted []string
	conf := testConfig(t)
	conf.Actions.Report = filepath.Join(t.TempDir(), "report.json")
	console := &bytes.Buffer{}
	h, err := NewHandler(t.Context(), conf, WithSubmitter(testClient(&submitted)), WithPrintDest(io.Discard), WithConsole(console))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	defer h.Close()
	// report writes now fail
	if err := h.reportFile.Close(); err != nil {
		t.Fatalf("could not close report file: %v", err)
	}

	if _, err := h.ScanURL(t.Context(), "https://example.com"); err != nil {
		t.Fatalf("ScanURL() error = %v", err)
	}
	if !strings.Contains(console.String(), "could not handle scan action for https://example.com") {
		t.Errorf("console output = %q", console.String())
	}
}
