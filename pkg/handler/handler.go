package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/glimps-re/vt-connector/pkg/config"
	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/history"
	"github.com/glimps-re/vt-connector/pkg/metrics"
	"github.com/glimps-re/vt-connector/pkg/monitor"
	"github.com/glimps-re/vt-connector/pkg/poller"
	"github.com/glimps-re/vt-connector/pkg/scanner"
	"github.com/glimps-re/vt-connector/pkg/server"
	"github.com/glimps-re/vt-connector/pkg/source"
	"github.com/glimps-re/vt-connector/pkg/virustotal"
	"golang.org/x/sync/errgroup"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const shutdownTimeout = 30 * time.Second

// Handler wires the configured components together.
type Handler struct {
	Orchestrator *scanner.Orchestrator
	History      history.Store
	Metrics      *metrics.Collector
	Source       source.Source

	submitter   scanner.Submitter
	printDest   io.Writer
	console     io.Writer
	maxFileSize int64
	reportFile  *os.File
	conf        *config.Config
}

// Option customizes a Handler before its components are built.
type Option func(h *Handler)

// WithSubmitter replaces the VirusTotal client.
func WithSubmitter(submitter scanner.Submitter) Option {
	return func(h *Handler) {
		h.submitter = submitter
	}
}

// WithSource replaces the file source.
func WithSource(src source.Source) Option {
	return func(h *Handler) {
		h.Source = src
	}
}

// WithPrintDest redirects printed verdicts.
func WithPrintDest(w io.Writer) Option {
	return func(h *Handler) {
		h.printDest = w
	}
}

// WithConsole shows scan issues meant for an interactive user on w.
func WithConsole(w io.Writer) Option {
	return func(h *Handler) {
		h.console = w
	}
}

func NewHandler(ctx context.Context, conf *config.Config, opts ...Option) (h *Handler, err error) {
	h = &Handler{conf: conf, printDest: os.Stdout}
	for _, opt := range opts {
		opt(h)
	}
	if h.console != nil {
		scanner.ConsoleLogger = slog.New(slog.NewTextHandler(h.console, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if err = h.setup(ctx); err != nil {
		if closeErr := h.Close(); closeErr != nil {
			Logger.Warn("could not release partially set up handler", slog.String("error", closeErr.Error()))
		}
		h = nil
	}
	return
}

func (h *Handler) setup(ctx context.Context) (err error) {
	h.maxFileSize, err = h.conf.MaxFileSizeBytes()
	if err != nil {
		return
	}
	if err = h.setupClient(); err != nil {
		err = fmt.Errorf("setup virustotal client error: %w", err)
		return
	}
	if err = h.setupSource(ctx); err != nil {
		err = fmt.Errorf("setup file source error: %w", err)
		return
	}
	if err = h.setupHistory(ctx); err != nil {
		err = fmt.Errorf("setup history error: %w", err)
		return
	}
	return h.setupOrchestrator()
}

func (h *Handler) setupClient() (err error) {
	if h.submitter != nil {
		return
	}
	if h.conf.VirusTotal.APIKey == "" {
		return config.ErrMissingAPIKey
	}
	client, err := virustotal.NewClient(virustotal.Config{
		URL:               h.conf.VirusTotal.URL,
		APIKey:            h.conf.VirusTotal.APIKey,
		Insecure:          h.conf.VirusTotal.Insecure,
		SubmitURLTimeout:  time.Duration(h.conf.VirusTotal.SubmitURLTimeout),
		SubmitFileTimeout: time.Duration(h.conf.VirusTotal.SubmitFileTimeout),
		MaxFileSize:       h.maxFileSize,
		RequestsPerMinute: h.conf.VirusTotal.RequestsPerMinute,
	})
	if err != nil {
		return
	}
	h.submitter = client
	return
}

func (h *Handler) setupSource(ctx context.Context) (err error) {
	if h.Source != nil {
		return
	}
	mux := &source.Mux{Local: &source.Local{FollowSymlinks: h.conf.FollowSymlinks}}
	if h.conf.S3.Endpoint != "" || h.conf.S3.Region != "" {
		mux.S3, err = source.NewS3(ctx, source.S3Config{
			Endpoint:        h.conf.S3.Endpoint,
			Region:          h.conf.S3.Region,
			AccessKeyID:     h.conf.S3.AccessKeyID,
			SecretAccessKey: h.conf.S3.SecretAccessKey,
			Insecure:        h.conf.S3.Insecure,
			UsePathStyle:    h.conf.S3.UsePathStyle,
		})
		if err != nil {
			return
		}
	}
	h.Source = mux
	return
}

func (h *Handler) setupHistory(ctx context.Context) (err error) {
	if h.conf.History.Disabled {
		return
	}
	h.History, err = history.NewSQLiteStore(ctx, h.conf.History.Location)
	return
}

func pollingConfig(c config.PollingConfig) poller.Config {
	return poller.Config{
		MaxAttempts:    c.MaxAttempts,
		PollInterval:   time.Duration(c.PollInterval),
		RequestTimeout: time.Duration(c.RequestTimeout),
	}
}

func orDefault(d config.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

func (h *Handler) setupOrchestrator() (err error) {
	actions := scanner.Actions{
		Log:       h.conf.Actions.Log,
		Print:     h.conf.Actions.Print,
		Verbose:   h.conf.Verbose,
		PrintDest: h.printDest,
	}
	if h.conf.Actions.Report != "" {
		h.reportFile, err = os.Create(filepath.Clean(h.conf.Actions.Report))
		if err != nil {
			err = fmt.Errorf("could not open report location, error: %w", err)
			return
		}
		actions.ReportDest = h.reportFile
	}

	customActions := make([]scanner.Action, 0, 1)
	if h.History != nil {
		customActions = append(customActions, history.NewAction(h.History))
	}
	h.Metrics = metrics.NewCollector(true)

	h.Orchestrator = scanner.NewOrchestrator(scanner.Config{
		URLPolling:        pollingConfig(h.conf.Polling.URL),
		FilePolling:       pollingConfig(h.conf.Polling.File),
		URLSubmitTimeout:  orDefault(h.conf.VirusTotal.SubmitURLTimeout, virustotal.DefaultSubmitURLTimeout),
		FileSubmitTimeout: orDefault(h.conf.VirusTotal.SubmitFileTimeout, virustotal.DefaultSubmitFileTimeout),
		Actions:           actions,
		CustomActions:     customActions,
		Observer:          h.Metrics,
	}, h.submitter)
	return
}

func (h *Handler) Close() (err error) {
	if h.History != nil {
		err = errors.Join(err, h.History.Close())
	}
	if h.reportFile != nil {
		err = errors.Join(err, h.reportFile.Close())
	}
	return
}

func (h *Handler) ScanURL(ctx context.Context, rawURL string) (scanner.Result, error) {
	return h.Orchestrator.Scan(ctx, datamodel.ScanRequest{Kind: datamodel.KindURL, URL: rawURL})
}

// ScanLocation scans a file, every file below a folder, or every object below
// an s3:// prefix. A failed file does not stop the others, all failures are
// returned joined.
func (h *Handler) ScanLocation(ctx context.Context, location string) (results []scanner.Result, err error) {
	var scanErrs []error
	walkErr := h.Source.Walk(ctx, location, func(file string, size int64) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, scanErr := h.scanFile(ctx, file)
		if scanErr != nil {
			scanErr = fmt.Errorf("%s: %w", file, scanErr)
			if datamodel.IsCancelled(scanErr) {
				return scanErr
			}
			Logger.Warn("file verification failed", slog.String("file", file), slog.String("error", scanErr.Error()))
			scanErrs = append(scanErrs, scanErr)
			return nil
		}
		results = append(results, result)
		return nil
	})
	err = errors.Join(append(scanErrs, walkErr)...)
	return
}

func (h *Handler) scanFile(ctx context.Context, location string) (result scanner.Result, err error) {
	obj, err := h.Source.Open(ctx, location)
	if err != nil {
		return
	}
	defer func() {
		if e := obj.Close(); e != nil {
			Logger.Warn("could not close scanned file", slog.String("file", location), slog.String("error", e.Error()))
		}
	}()
	return h.Orchestrator.Scan(ctx, datamodel.ScanRequest{
		Kind:     datamodel.KindFile,
		Content:  obj,
		Filename: obj.Name,
	})
}

func (h *Handler) Resume(ctx context.Context, handle datamodel.AnalysisHandle) (scanner.Result, error) {
	return h.Orchestrator.Resume(ctx, handle)
}

// OnNewFile scans files dropped in monitored folders.
func (h *Handler) OnNewFile() monitor.FileHandler {
	return func(ctx context.Context, location string) (err error) {
		_, err = h.ScanLocation(ctx, location)
		return
	}
}

func (h *Handler) newMonitor(paths []string) (mon *monitor.Monitor, err error) {
	mon, err = monitor.NewMonitor(h.OnNewFile(), monitor.Config{
		Prescan:           h.conf.Monitoring.PreScan,
		Period:            time.Duration(h.conf.Monitoring.Period),
		ModificationDelay: time.Duration(h.conf.Monitoring.ModificationDelay),
	})
	if err != nil {
		return
	}
	for _, path := range paths {
		if err = mon.Add(path); err != nil {
			err = fmt.Errorf("error monitoring path %s: %w", path, err)
			if e := mon.Close(); e != nil {
				Logger.Error("could not close monitor", slog.String("error", e.Error()))
			}
			return
		}
	}
	return
}

// Monitor watches the given folders until ctx is done.
func (h *Handler) Monitor(ctx context.Context, paths []string) (err error) {
	g, ctx := errgroup.WithContext(ctx)
	mon, err := h.newMonitor(paths)
	if err != nil {
		return
	}
	g.Go(func() error {
		return mon.Run(ctx)
	})
	Logger.Info("monitoring started", slog.Any("paths", paths))
	return g.Wait()
}

func (h *Handler) APIServer() *server.Server {
	serverConfig := server.Config{
		MaxFileSize: h.maxFileSize,
		History:     h.History,
	}
	if h.conf.Server.Metrics {
		serverConfig.Metrics = h.Metrics.Handler()
	}
	return server.NewServer(h.Orchestrator, serverConfig)
}

// Serve runs the HTTP API, and the folder monitor when paths are configured,
// until ctx is done.
func (h *Handler) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := h.APIServer().HTTPServer(h.conf.Server.Listen)
	g.Go(func() error {
		Logger.Info("http server listening", slog.String("listen", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if len(h.conf.Monitoring.Paths) > 0 {
		g.Go(func() error {
			return h.Monitor(ctx, h.conf.Monitoring.Paths)
		})
	}
	return g.Wait()
}
