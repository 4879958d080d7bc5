package virustotal

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"golang.org/x/time/rate"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const (
	DefaultURL               = "https://www.virustotal.com/api/v3"
	DefaultSubmitURLTimeout  = 15 * time.Second
	DefaultSubmitFileTimeout = 30 * time.Second
	DefaultMaxFileSize       = 50 * 1024 * 1024

	// files above this size must go through a dedicated upload url
	directUploadLimit = 32 * 1024 * 1024
	// provider bodies kept for diagnosis are truncated to this size
	maxErrorBody = 4096

	apiKeyHeader = "x-apikey"
)

var urlPattern = regexp.MustCompile(`(?i)^https?://.+`)

// Now is overridden in tests.
var Now = time.Now

type Config struct {
	URL               string
	APIKey            string
	Insecure          bool
	SubmitURLTimeout  time.Duration
	SubmitFileTimeout time.Duration
	MaxFileSize       int64
	// RequestsPerMinute caps outbound calls, 0 means unlimited.
	RequestsPerMinute float64
	HTTPClient        *http.Client
}

// Client talks to the VirusTotal v3 API. It only holds read-only
// configuration and is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	config     Config
}

func NewClient(config Config) (c *Client, err error) {
	if config.APIKey == "" {
		err = errors.New("virustotal api key is mandatory")
		return
	}
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if _, err = url.ParseRequestURI(config.URL); err != nil {
		err = fmt.Errorf("invalid virustotal url %q: %w", config.URL, err)
		return
	}
	if config.SubmitURLTimeout <= 0 {
		config.SubmitURLTimeout = DefaultSubmitURLTimeout
	}
	if config.SubmitFileTimeout <= 0 {
		config.SubmitFileTimeout = DefaultSubmitFileTimeout
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if config.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // user asked for it
		}
		httpClient = &http.Client{Transport: transport}
	}

	c = &Client{
		baseURL:    strings.TrimRight(config.URL, "/"),
		apiKey:     config.APIKey,
		httpClient: httpClient,
		config:     config,
	}
	if config.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerMinute/60), 1)
	}
	return
}

// MaxFileSize returns the largest payload SubmitFile accepts.
func (c *Client) MaxFileSize() int64 {
	return c.config.MaxFileSize
}

// SubmitURL creates an URL analysis.
func (c *Client) SubmitURL(ctx context.Context, rawURL string) (handle datamodel.AnalysisHandle, err error) {
	rawURL = strings.TrimSpace(rawURL)
	if !urlPattern.MatchString(rawURL) {
		err = &datamodel.InvalidInputError{Reason: "url must start with http:// or https://"}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SubmitURLTimeout)
	defer cancel()

	body := "url=" + url.QueryEscape(rawURL)
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/urls", strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	id, err := c.submit(req)
	if err != nil {
		return
	}
	handle = datamodel.AnalysisHandle{ID: id, Kind: datamodel.KindURL, CreatedAt: Now()}
	Logger.Debug("url submitted", slog.String("analysis-id", id))
	return
}

// SubmitFile creates a file analysis. Content is buffered once to enforce the
// size limit before anything is sent.
func (c *Client) SubmitFile(ctx context.Context, content io.Reader, filename string) (handle datamodel.AnalysisHandle, err error) {
	if content == nil {
		err = &datamodel.InvalidInputError{Reason: "file content is missing"}
		return
	}
	data, err := io.ReadAll(io.LimitReader(content, c.config.MaxFileSize+1))
	if err != nil {
		maxBytesErr := new(http.MaxBytesError)
		if errors.As(err, &maxBytesErr) {
			err = &datamodel.PayloadTooLargeError{Max: c.config.MaxFileSize}
			return
		}
		err = &datamodel.ContentReadError{Err: err}
		return
	}
	if len(data) == 0 {
		err = &datamodel.InvalidInputError{Reason: "file is empty"}
		return
	}
	if int64(len(data)) > c.config.MaxFileSize {
		err = &datamodel.PayloadTooLargeError{Max: c.config.MaxFileSize}
		return
	}
	if filename == "" {
		filename = "file"
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SubmitFileTimeout)
	defer cancel()

	endpoint := c.baseURL + "/files"
	if len(data) > directUploadLimit {
		endpoint, err = c.uploadURL(ctx)
		if err != nil {
			return
		}
	}

	buffer := &bytes.Buffer{}
	form := multipart.NewWriter(buffer)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return
	}
	if _, err = part.Write(data); err != nil {
		return
	}
	if err = form.Close(); err != nil {
		return
	}

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, buffer)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	id, err := c.submit(req)
	if err != nil {
		return
	}
	handle = datamodel.AnalysisHandle{ID: id, Kind: datamodel.KindFile, CreatedAt: Now()}
	Logger.Debug("file submitted", slog.String("analysis-id", id), slog.String("filename", filename), slog.Int("size", len(data)))
	return
}

// GetAnalysis fetches the current state of an analysis. The query is bound
// by ctx only, callers such as the poller set its timeout.
func (c *Client) GetAnalysis(ctx context.Context, id string) (status datamodel.AnalysisStatus, err error) {
	if id == "" {
		err = &datamodel.InvalidInputError{Reason: "analysis id is empty"}
		return
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/analyses/"+url.PathEscape(id), nil)
	if err != nil {
		return
	}
	body, err := c.do(req)
	if err != nil {
		return
	}

	var resp analysisResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		err = &datamodel.MalformedUpstreamResponseError{Reason: "analysis is not valid json", Body: truncate(body)}
		return
	}
	status = datamodel.AnalysisStatus{
		ID:     id,
		Status: datamodel.ParsePollStatus(resp.Data.Attributes.Status),
		Raw:    body,
	}
	return
}

type dataIDResponse struct {
	Data *struct {
		ID string `json:"id"`
	} `json:"data"`
}

type analysisResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

type uploadURLResponse struct {
	Data string `json:"data"`
}

func (c *Client) uploadURL(ctx context.Context) (endpoint string, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/files/upload_url", nil)
	if err != nil {
		return
	}
	body, err := c.do(req)
	if err != nil {
		err = toSubmissionError(err)
		return
	}
	var resp uploadURLResponse
	if err = json.Unmarshal(body, &resp); err != nil || resp.Data == "" {
		err = &datamodel.MalformedUpstreamResponseError{Reason: "upload url is missing", Body: truncate(body)}
		return
	}
	endpoint = resp.Data
	return
}

// submit sends a creation request and extracts data.id.
func (c *Client) submit(req *http.Request) (id string, err error) {
	body, err := c.do(req)
	if err != nil {
		err = toSubmissionError(err)
		return
	}
	var resp dataIDResponse
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
		err = &datamodel.UpstreamSubmissionError{Status: http.StatusOK, Body: truncate(body), Err: jsonErr}
		return
	}
	if resp.Data == nil || resp.Data.ID == "" {
		err = &datamodel.MalformedUpstreamResponseError{Reason: "data.id is missing", Body: truncate(body)}
		return
	}
	id = resp.Data.ID
	return
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (req *http.Request, err error) {
	req, err = http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	return
}

func (c *Client) do(req *http.Request) (body []byte, err error) {
	if c.limiter != nil {
		if err = c.limiter.Wait(req.Context()); err != nil {
			return
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	defer func() {
		if e := resp.Body.Close(); e != nil {
			Logger.Warn("could not close response body", slog.String("error", e.Error()))
		}
	}()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = &HTTPError{Code: resp.StatusCode, Status: resp.Status, Body: truncate(body)}
		return
	}
	return
}

func toSubmissionError(err error) error {
	httpErr := new(HTTPError)
	if errors.As(err, &httpErr) {
		return &datamodel.UpstreamSubmissionError{Status: httpErr.Code, Body: httpErr.Body, Err: err}
	}
	return &datamodel.UpstreamSubmissionError{Err: err}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
