package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/poller"
	"github.com/glimps-re/vt-connector/pkg/verdict"
	"github.com/google/uuid"
)

const (
	actionTimeout = 30 * time.Second
)

var (
	LogLevel = &slog.LevelVar{}
	Logger   = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: LogLevel}))
	// ConsoleLogger receives short messages meant for an interactive user.
	ConsoleLogger = slog.New(slog.DiscardHandler)
)

const (
	logErrorKey = "error"
)

// for test purposes
var (
	Now   = time.Now
	NewID = func() string { return uuid.NewString() }
)

// Submitter is implemented by virustotal.Client.
type Submitter interface {
	SubmitURL(ctx context.Context, rawURL string) (datamodel.AnalysisHandle, error)
	SubmitFile(ctx context.Context, content io.Reader, filename string) (datamodel.AnalysisHandle, error)
	GetAnalysis(ctx context.Context, id string) (datamodel.AnalysisStatus, error)
}

// Observer is notified of scan lifecycle events.
type Observer interface {
	ScanCompleted(kind datamodel.ScanKind, severity datamodel.Severity, degraded bool, duration time.Duration)
	ScanFailed(kind datamodel.ScanKind, errKind ErrorKind)
	PollAttempt(kind datamodel.ScanKind, status datamodel.PollStatus, failed bool)
}

type noopObserver struct{}

func (noopObserver) ScanCompleted(datamodel.ScanKind, datamodel.Severity, bool, time.Duration) {}
func (noopObserver) ScanFailed(datamodel.ScanKind, ErrorKind)                                 {}
func (noopObserver) PollAttempt(datamodel.ScanKind, datamodel.PollStatus, bool)               {}

type Config struct {
	URLPolling  poller.Config
	FilePolling poller.Config
	// submission timeouts of the Submitter, part of the per-scan ceiling
	URLSubmitTimeout  time.Duration
	FileSubmitTimeout time.Duration

	Actions       Actions
	CustomActions []Action
	Observer      Observer
}

type Result struct {
	ID          string                   `json:"id"`
	Kind        datamodel.ScanKind       `json:"kind"`
	Target      string                   `json:"target"`
	SHA256      string                   `json:"sha256,omitempty"`
	Handle      datamodel.AnalysisHandle `json:"analysis"`
	Verdict     datamodel.Verdict        `json:"verdict"`
	Severity    datamodel.Severity       `json:"severity"`
	Degraded    bool                     `json:"degraded"`
	SubmittedAt time.Time                `json:"submittedAt"`
	Duration    time.Duration            `json:"duration"`
}

// Orchestrator drives one scan from submission to post-scan actions. It holds
// no per-scan state and may serve concurrent scans.
type Orchestrator struct {
	submitter Submitter
	config    Config
	action    Action
	observer  Observer
}

func NewOrchestrator(config Config, submitter Submitter) *Orchestrator {
	config.URLPolling = config.URLPolling.WithDefaults()
	config.FilePolling = config.FilePolling.WithDefaults()
	observer := config.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Orchestrator{
		submitter: submitter,
		config:    config,
		action:    newAction(config),
		observer:  observer,
	}
}

func newAction(config Config) *MultiAction {
	action := NewMultiAction(&ReportAction{})
	if config.Actions.Log {
		action.Actions = append(action.Actions, NewLogAction(Logger))
	}
	if config.Actions.Print {
		action.Actions = append(action.Actions, &PrintAction{Verbose: config.Actions.Verbose, Out: config.Actions.PrintDest})
	}
	if config.Actions.ReportDest != nil {
		action.Actions = append(action.Actions, NewReportWriterAction(config.Actions.ReportDest))
	}
	action.Actions = append(action.Actions, config.CustomActions...)
	return action
}

// Scan submits the request exactly once, waits for the analysis and
// classifies it. Every error is a *ScanError. The whole scan is bound by the
// polling ceiling plus the submission timeout of its kind.
func (o *Orchestrator) Scan(ctx context.Context, req datamodel.ScanRequest) (result Result, err error) {
	start := Now()
	ctx, cancel := context.WithTimeout(ctx, o.ceiling(req.Kind)+o.submitTimeout(req.Kind))
	defer cancel()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = start
	}

	var (
		handle    datamodel.AnalysisHandle
		submitErr error
		digest    hash.Hash
	)
	switch req.Kind {
	case datamodel.KindURL:
		handle, submitErr = o.submitter.SubmitURL(ctx, req.URL)
	case datamodel.KindFile:
		content := req.Content
		if content != nil {
			digest = sha256.New()
			content = io.TeeReader(content, digest)
		}
		handle, submitErr = o.submitter.SubmitFile(ctx, content, req.Filename)
	default:
		submitErr = &datamodel.InvalidInputError{Reason: "scan kind must be url or file"}
	}
	if submitErr != nil {
		err = o.fail(ctx, req.Kind, "", submitErr)
		return
	}

	result = Result{
		ID:          NewID(),
		Kind:        req.Kind,
		Target:      req.Target(),
		Handle:      handle,
		SubmittedAt: req.SubmittedAt,
	}
	if digest != nil {
		result.SHA256 = hex.EncodeToString(digest.Sum(nil))
	}
	err = o.complete(ctx, &result, start)
	return
}

// Resume polls an analysis submitted earlier, typically one whose previous
// scan timed out. Nothing is resubmitted.
func (o *Orchestrator) Resume(ctx context.Context, handle datamodel.AnalysisHandle) (result Result, err error) {
	start := Now()
	ctx, cancel := context.WithTimeout(ctx, o.ceiling(handle.Kind))
	defer cancel()
	if handle.ID == "" {
		err = o.fail(ctx, handle.Kind, "", &datamodel.InvalidInputError{Reason: "analysis id is empty"})
		return
	}
	if handle.Kind == "" {
		handle.Kind = datamodel.KindURL
	}
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = start
	}
	result = Result{
		ID:          NewID(),
		Kind:        handle.Kind,
		Target:      handle.ID,
		Handle:      handle,
		SubmittedAt: handle.CreatedAt,
	}
	err = o.complete(ctx, &result, start)
	return
}

func (o *Orchestrator) pollConfig(kind datamodel.ScanKind) poller.Config {
	if kind == datamodel.KindFile {
		return o.config.FilePolling
	}
	return o.config.URLPolling
}

func (o *Orchestrator) ceiling(kind datamodel.ScanKind) time.Duration {
	return o.pollConfig(kind).Ceiling()
}

func (o *Orchestrator) submitTimeout(kind datamodel.ScanKind) time.Duration {
	if kind == datamodel.KindFile {
		return o.config.FileSubmitTimeout
	}
	return o.config.URLSubmitTimeout
}

func (o *Orchestrator) complete(ctx context.Context, result *Result, start time.Time) (err error) {
	scanLogger := Logger.With(slog.String("analysis-id", result.Handle.ID), slog.String("kind", string(result.Kind)))
	outcome, pollErr := poller.WaitForCompletion(ctx, o.submitter, result.Handle, o.pollConfig(result.Kind), o.onAttempt)
	if pollErr != nil {
		err = o.fail(ctx, result.Kind, result.Handle.ID, pollErr)
		return
	}

	result.Verdict = verdict.Normalize(outcome.Payload)
	result.Severity = verdict.Classify(result.Verdict.Counts)
	result.Degraded = verdict.Degraded(result.Verdict)
	result.Duration = Now().Sub(start)
	if result.Degraded {
		scanLogger.Warn("unrecognized analysis payload, verdict has low confidence", slog.String("payload", truncate(outcome.Payload)))
	}
	o.observer.ScanCompleted(result.Kind, result.Severity, result.Degraded, result.Duration)

	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), actionTimeout)
	defer cancel()
	report := &datamodel.Report{}
	if actionErr := o.action.Handle(actionCtx, *result, report); actionErr != nil {
		scanLogger.Error("could not handle scan action", slog.String(logErrorKey, actionErr.Error()))
		ConsoleLogger.Error("could not handle scan action for " + result.Target + ": " + actionErr.Error())
	}
	return
}

func (o *Orchestrator) onAttempt(handle datamodel.AnalysisHandle, state datamodel.PollState) {
	o.observer.PollAttempt(handle.Kind, state.Status, state.LastError != nil)
}

func (o *Orchestrator) fail(ctx context.Context, kind datamodel.ScanKind, analysisID string, err error) *ScanError {
	scanErr := newScanError(ctx, analysisID, err)
	failLogger := Logger.With(slog.String("kind", string(kind)), slog.String("error-kind", string(scanErr.Kind)))
	if scanErr.AnalysisID != "" {
		failLogger = failLogger.With(slog.String("analysis-id", scanErr.AnalysisID))
	}

	var (
		submitErr *datamodel.UpstreamSubmissionError
		malformed *datamodel.MalformedUpstreamResponseError
	)
	switch {
	case scanErr.Kind == ErrCancelled:
		failLogger.Info("scan cancelled")
	case errors.As(err, &malformed):
		failLogger.Error("malformed upstream response", slog.String(logErrorKey, err.Error()), slog.String("body", malformed.Body))
	case errors.As(err, &submitErr):
		failLogger.Error("upstream submission failed", slog.String(logErrorKey, err.Error()), slog.Int("status", submitErr.Status), slog.String("body", submitErr.Body))
	case scanErr.Kind == ErrInvalidInput || scanErr.Kind == ErrPayloadTooLarge:
		failLogger.Debug("scan rejected", slog.String(logErrorKey, err.Error()))
	default:
		failLogger.Error("scan failed", slog.String(logErrorKey, err.Error()))
	}
	o.observer.ScanFailed(kind, scanErr.Kind)
	return scanErr
}

const maxLoggedPayload = 2048

func truncate(payload []byte) string {
	if len(payload) > maxLoggedPayload {
		return string(payload[:maxLoggedPayload])
	}
	return string(payload)
}
