package virustotal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/poller"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("x-apikey") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{URL: server.URL, APIKey: "test-key", MaxFileSize: 64})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, &calls
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "missing key", config: Config{}, wantErr: true},
		{name: "invalid url", config: Config{APIKey: "k", URL: "::"}, wantErr: true},
		{name: "defaults", config: Config{APIKey: "k"}},
		{name: "rate limited", config: Config{APIKey: "k", RequestsPerMinute: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if c.baseURL != DefaultURL {
				t.Errorf("NewClient() baseURL = %s, want %s", c.baseURL, DefaultURL)
			}
			if c.MaxFileSize() != DefaultMaxFileSize {
				t.Errorf("NewClient() MaxFileSize = %d, want %d", c.MaxFileSize(), DefaultMaxFileSize)
			}
			if (tt.config.RequestsPerMinute > 0) != (c.limiter != nil) {
				t.Errorf("NewClient() limiter = %v, RequestsPerMinute = %v", c.limiter, tt.config.RequestsPerMinute)
			}
		})
	}
}

func TestClient_SubmitURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		handler   http.HandlerFunc
		wantID    string
		wantErr   any
		wantCalls int32
	}{
		{
			name: "ok",
			url:  "https://example.com/path?q=1",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/urls" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				if err := r.ParseForm(); err != nil || r.PostForm.Get("url") != "https://example.com/path?q=1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(`{"data":{"type":"analysis","id":"u-123"}}`))
			},
			wantID:    "u-123",
			wantCalls: 1,
		},
		{
			name: "uppercase scheme",
			url:  "HTTP://EXAMPLE.COM",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"id":"u-2"}}`))
			},
			wantID:    "u-2",
			wantCalls: 1,
		},
		{
			name:      "no scheme",
			url:       "example.com",
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.InvalidInputError),
			wantCalls: 0,
		},
		{
			name:      "ftp scheme",
			url:       "ftp://example.com",
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.InvalidInputError),
			wantCalls: 0,
		},
		{
			name:      "scheme only",
			url:       "https://",
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.InvalidInputError),
			wantCalls: 0,
		},
		{
			name: "provider error",
			url:  "https://example.com",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"code":"QuotaExceededError"}}`))
			},
			wantErr:   new(*datamodel.UpstreamSubmissionError),
			wantCalls: 1,
		},
		{
			name: "not json",
			url:  "https://example.com",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			wantErr:   new(*datamodel.UpstreamSubmissionError),
			wantCalls: 1,
		},
		{
			name: "missing id",
			url:  "https://example.com",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"type":"analysis"}}`))
			},
			wantErr:   new(*datamodel.MalformedUpstreamResponseError),
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, calls := newTestClient(t, tt.handler)
			handle, err := client.SubmitURL(t.Context(), tt.url)
			if got := atomic.LoadInt32(calls); got != tt.wantCalls {
				t.Errorf("SubmitURL() calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantErr != nil {
				if err == nil || !errors.As(err, tt.wantErr) {
					t.Fatalf("SubmitURL() error = %v, want %T", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SubmitURL() error = %v", err)
			}
			if handle.ID == "" || handle.ID != tt.wantID {
				t.Errorf("SubmitURL() id = %q, want %q", handle.ID, tt.wantID)
			}
			if handle.Kind != datamodel.KindURL {
				t.Errorf("SubmitURL() kind = %s", handle.Kind)
			}
		})
	}
}

func TestClient_SubmitURL_UpstreamStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad url`))
	})
	_, err := client.SubmitURL(t.Context(), "https://example.com")
	submitErr := new(datamodel.UpstreamSubmissionError)
	if !errors.As(err, &submitErr) {
		t.Fatalf("SubmitURL() error = %v, want UpstreamSubmissionError", err)
	}
	if submitErr.Status != http.StatusBadRequest || submitErr.Body != "bad url" {
		t.Errorf("SubmitURL() error = %+v", submitErr)
	}
}

func TestClient_SubmitFile(t *testing.T) {
	tests := []struct {
		name      string
		content   io.Reader
		handler   http.HandlerFunc
		wantID    string
		wantErr   any
		wantCalls int32
	}{
		{
			name:    "ok",
			content: strings.NewReader("MZ test content"),
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/files" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				f, header, err := r.FormFile("file")
				if err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				defer f.Close()
				content, _ := io.ReadAll(f)
				if string(content) != "MZ test content" || header.Filename != "sample.exe" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(`{"data":{"type":"analysis","id":"f-1"}}`))
			},
			wantID:    "f-1",
			wantCalls: 1,
		},
		{
			name:      "empty",
			content:   bytes.NewReader(nil),
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.InvalidInputError),
			wantCalls: 0,
		},
		{
			name:      "nil content",
			content:   nil,
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.InvalidInputError),
			wantCalls: 0,
		},
		{
			name:      "too large",
			content:   bytes.NewReader(make([]byte, 65)),
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.PayloadTooLargeError),
			wantCalls: 0,
		},
		{
			name:      "unreadable content",
			content:   iotest.ErrReader(errors.New("stream reset")),
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.ContentReadError),
			wantCalls: 0,
		},
		{
			name:      "request body limit",
			content:   http.MaxBytesReader(nil, io.NopCloser(bytes.NewReader(make([]byte, 32))), 16),
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantErr:   new(*datamodel.PayloadTooLargeError),
			wantCalls: 0,
		},
		{
			name:    "exactly max size",
			content: bytes.NewReader(bytes.Repeat([]byte("a"), 64)),
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"id":"f-2"}}`))
			},
			wantID:    "f-2",
			wantCalls: 1,
		},
		{
			name:    "server error",
			content: strings.NewReader("content"),
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr:   new(*datamodel.UpstreamSubmissionError),
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, calls := newTestClient(t, tt.handler)
			handle, err := client.SubmitFile(t.Context(), tt.content, "sample.exe")
			if got := atomic.LoadInt32(calls); got != tt.wantCalls {
				t.Errorf("SubmitFile() calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantErr != nil {
				if err == nil || !errors.As(err, tt.wantErr) {
					t.Fatalf("SubmitFile() error = %v, want %T", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SubmitFile() error = %v", err)
			}
			if handle.ID != tt.wantID || handle.Kind != datamodel.KindFile {
				t.Errorf("SubmitFile() handle = %+v, want id %s", handle, tt.wantID)
			}
		})
	}
}

func TestClient_SubmitFile_UploadURL(t *testing.T) {
	var uploaded int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/upload_url":
			_, _ = w.Write([]byte(`{"data":"` + server.URL + `/upload/abc"}`))
		case "/upload/abc":
			atomic.AddInt32(&uploaded, 1)
			_, _ = w.Write([]byte(`{"data":{"id":"big-1"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, APIKey: "k", MaxFileSize: 40 * 1024 * 1024})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	handle, err := client.SubmitFile(t.Context(), bytes.NewReader(make([]byte, directUploadLimit+1)), "big.bin")
	if err != nil {
		t.Fatalf("SubmitFile() error = %v", err)
	}
	if handle.ID != "big-1" || atomic.LoadInt32(&uploaded) != 1 {
		t.Errorf("SubmitFile() id = %s, uploaded = %d", handle.ID, uploaded)
	}
}

func TestClient_GetAnalysis(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus datamodel.PollStatus
		wantErr    any
	}{
		{
			name: "completed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/analyses/abc" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_, _ = w.Write([]byte(`{"data":{"id":"abc","attributes":{"status":"completed","stats":{"malicious":1}}}}`))
			},
			wantStatus: datamodel.StatusCompleted,
		},
		{
			name: "in progress",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"id":"abc","attributes":{"status":"in-progress"}}}`))
			},
			wantStatus: datamodel.StatusInProgress,
		},
		{
			name: "queued",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"id":"abc","attributes":{"status":"queued"}}}`))
			},
			wantStatus: datamodel.StatusQueued,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr: new(*HTTPError),
		},
		{
			name: "garbage",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			wantErr: new(*datamodel.MalformedUpstreamResponseError),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			status, err := client.GetAnalysis(t.Context(), "abc")
			if tt.wantErr != nil {
				if err == nil || !errors.As(err, tt.wantErr) {
					t.Fatalf("GetAnalysis() error = %v, want %T", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetAnalysis() error = %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("GetAnalysis() status = %s, want %s", status.Status, tt.wantStatus)
			}
			if len(status.Raw) == 0 {
				t.Errorf("GetAnalysis() raw payload is empty")
			}
		})
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{URL: server.URL, APIKey: "k", SubmitURLTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.SubmitURL(context.Background(), "https://example.com")
	submitErr := new(datamodel.UpstreamSubmissionError)
	if !errors.As(err, &submitErr) {
		t.Fatalf("SubmitURL() error = %v, want UpstreamSubmissionError", err)
	}
	if submitErr.Status != 0 || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SubmitURL() error = %v, want deadline exceeded without status", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestClient_GetAnalysis_PollerTimeout(t *testing.T) {
	var remaining time.Duration
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			return nil, errors.New("status query without deadline")
		}
		remaining = time.Until(deadline)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"data":{"id":"an-1","attributes":{"status":"completed","stats":{"harmless":3}}}}`)),
			Request:    r,
		}, nil
	})
	client, err := NewClient(Config{APIKey: "k", HTTPClient: &http.Client{Transport: transport}})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	config := poller.Config{MaxAttempts: 1, PollInterval: time.Millisecond, RequestTimeout: 30 * time.Second}
	outcome, err := poller.WaitForCompletion(t.Context(), client, datamodel.AnalysisHandle{ID: "an-1", Kind: datamodel.KindFile}, config)
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	if outcome.Kind != poller.OutcomeCompleted {
		t.Errorf("WaitForCompletion() kind = %s", outcome.Kind)
	}
	if remaining <= 20*time.Second || remaining > 30*time.Second {
		t.Errorf("status query deadline in %s, want the 30s poll request timeout", remaining)
	}
}

func TestClient_GetAnalysis_SlowServer(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{URL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	config := poller.Config{MaxAttempts: 2, PollInterval: time.Millisecond, RequestTimeout: 100 * time.Millisecond}
	outcome, err := poller.WaitForCompletion(t.Context(), client, datamodel.AnalysisHandle{ID: "an-2", Kind: datamodel.KindURL}, config)
	if outcome.Kind != poller.OutcomeTimedOut || outcome.State.Status != datamodel.StatusFailed {
		t.Errorf("WaitForCompletion() outcome = %s %s", outcome.Kind, outcome.State.Status)
	}
	timeoutErr := new(datamodel.TimeoutExceededError)
	if !errors.As(err, &timeoutErr) || timeoutErr.AnalysisID != "an-2" || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForCompletion() error = %v, want TimeoutExceededError on deadline", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server queried %d times, want 2", got)
	}
}
