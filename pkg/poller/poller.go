package poller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const (
	DefaultMaxAttempts    = 30
	DefaultPollInterval   = 10 * time.Second
	DefaultRequestTimeout = 15 * time.Second
)

type Config struct {
	MaxAttempts    int
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// WithDefaults fills unset fields with the canonical polling budget.
func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Budget is the longest time spent waiting between queries.
func (c Config) Budget() time.Duration {
	c = c.WithDefaults()
	return time.Duration(c.MaxAttempts-1) * c.PollInterval
}

// Ceiling is the longest a full poll can last, every query included.
func (c Config) Ceiling() time.Duration {
	c = c.WithDefaults()
	return time.Duration(c.MaxAttempts) * (c.PollInterval + c.RequestTimeout)
}

// StatusFetcher issues one status query for an analysis.
type StatusFetcher interface {
	GetAnalysis(ctx context.Context, id string) (datamodel.AnalysisStatus, error)
}

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeTimedOut  OutcomeKind = "timed-out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

type Outcome struct {
	Kind    OutcomeKind
	Payload []byte
	Handle  datamodel.AnalysisHandle
	State   datamodel.PollState
}

// AttemptFunc is called after every status query.
type AttemptFunc func(handle datamodel.AnalysisHandle, state datamodel.PollState)

// WaitForCompletion queries the analysis until it completes, the attempt
// budget is spent or ctx is done. At most config.MaxAttempts queries are
// issued and none after ctx is done. A ctx deadline ends the poll like a
// spent budget, with a TimeoutExceededError.
func WaitForCompletion(ctx context.Context, fetcher StatusFetcher, handle datamodel.AnalysisHandle, config Config, onAttempt ...AttemptFunc) (outcome Outcome, err error) {
	config = config.WithDefaults()
	outcome = Outcome{Handle: handle, State: datamodel.PollState{Status: datamodel.StatusQueued}}
	pollLogger := Logger.With(slog.String("analysis-id", handle.ID), slog.String("kind", string(handle.Kind)))

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			err = abort(ctx, &outcome)
			return
		}

		status, queryErr := query(ctx, fetcher, handle.ID, config.RequestTimeout)
		outcome.State.Attempt = attempt
		if queryErr != nil {
			if ctx.Err() != nil {
				err = abort(ctx, &outcome)
				return
			}
			outcome.State.LastError = queryErr
			pollLogger.Debug("analysis status query failed", slog.Int("attempt", attempt), slog.String("error", queryErr.Error()))
		} else {
			outcome.State.LastError = nil
			outcome.State.Status = status.Status
			pollLogger.Debug("analysis status", slog.Int("attempt", attempt), slog.String("status", string(status.Status)))
		}
		for _, f := range onAttempt {
			f(handle, outcome.State)
		}

		if queryErr == nil && status.Status == datamodel.StatusCompleted {
			outcome.Kind = OutcomeCompleted
			outcome.Payload = status.Raw
			return
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = abort(ctx, &outcome)
			return
		case <-timer.C:
		}
	}

	pollLogger.Warn("analysis not completed in time", slog.Int("attempt", outcome.State.Attempt), slog.String("last-status", string(outcome.State.Status)))
	err = timeOut(&outcome, outcome.State.LastError)
	return
}

// abort ends a poll whose ctx is done: a deadline is a timeout, anything
// else a cancellation.
func abort(ctx context.Context, outcome *Outcome) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		Logger.Warn("analysis poll deadline exceeded", slog.String("analysis-id", outcome.Handle.ID), slog.Int("attempt", outcome.State.Attempt))
		return timeOut(outcome, ctx.Err())
	}
	outcome.Kind = OutcomeCancelled
	return datamodel.ErrCancelled
}

func timeOut(outcome *Outcome, lastErr error) error {
	outcome.Kind = OutcomeTimedOut
	outcome.State.Status = datamodel.StatusFailed
	outcome.State.LastError = lastErr
	return &datamodel.TimeoutExceededError{
		AnalysisID: outcome.Handle.ID,
		Attempts:   outcome.State.Attempt,
		LastErr:    lastErr,
	}
}

func query(ctx context.Context, fetcher StatusFetcher, id string, timeout time.Duration) (datamodel.AnalysisStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fetcher.GetAnalysis(ctx, id)
}
