package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/scanner"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	c := NewCollector(false)
	c.ScanCompleted(datamodel.KindURL, datamodel.SeverityMalicious, false, 12*time.Second)
	c.ScanCompleted(datamodel.KindURL, datamodel.SeverityMalicious, false, 3*time.Second)
	c.ScanCompleted(datamodel.KindFile, datamodel.SeverityClean, true, time.Second)
	c.ScanFailed(datamodel.KindFile, scanner.ErrTimeoutExceeded)
	c.PollAttempt(datamodel.KindURL, datamodel.StatusQueued, false)
	c.PollAttempt(datamodel.KindURL, datamodel.StatusQueued, true)
	c.PollAttempt(datamodel.KindURL, datamodel.StatusCompleted, false)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "malicious urls", got: testutil.ToFloat64(c.scans.WithLabelValues("url", "malicious", "false")), want: 2},
		{name: "degraded files", got: testutil.ToFloat64(c.scans.WithLabelValues("file", "clean", "true")), want: 1},
		{name: "timeouts", got: testutil.ToFloat64(c.failures.WithLabelValues("file", "timeout-exceeded")), want: 1},
		{name: "failed queries", got: testutil.ToFloat64(c.pollAttempts.WithLabelValues("url", "queued", "true")), want: 1},
		{name: "completed queries", got: testutil.ToFloat64(c.pollAttempts.WithLabelValues("url", "completed", "false")), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if n := testutil.CollectAndCount(c.duration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(false)
	c.ScanFailed(datamodel.KindURL, scanner.ErrInvalidInput)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	if want := `vtconnector_scan_failures_total{error="invalid-input",kind="url"} 1`; !strings.Contains(string(body), want) {
		t.Errorf("metrics output does not contain %q:\n%s", want, body)
	}
}
