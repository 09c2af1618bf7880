package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rafabd1/nightshade/internal/metrics"
	"github.com/rafabd1/nightshade/internal/mutation"
	"github.com/rafabd1/nightshade/internal/networking"
	"github.com/rafabd1/nightshade/internal/payloads"
	"github.com/rafabd1/nightshade/internal/report"
	"github.com/rafabd1/nightshade/internal/utils"
)

// DefaultTimeoutSeconds is used until SetTimeout is called.
const DefaultTimeoutSeconds = 6

// TimeSQLOptions wires the collaborators of a TimeSQL attack.
type TimeSQLOptions struct {
	Sender  Sender
	Mutator Mutator
	Sink    report.Sink
	Console Console
	Logger  utils.Logger
	Metrics *metrics.Metrics

	// NetworkErrors is shared by every attack of a scan. A private counter is used when nil.
	NetworkErrors *atomic.Int64
	// Payloads is the raw corpus, with the [TIME] placeholder.
	Payloads []string
	// Verbosity 2 logs every mutated request before it is sent.
	Verbosity int
}

// TimeSQL detects blind SQL injections by asking the backend to sleep longer than the
// transport deadline. A timeout is only trusted when the original request answers in time.
type TimeSQL struct {
	sender        Sender
	mutator       Mutator
	sink          report.Sink
	console       Console
	logger        utils.Logger
	metrics       *metrics.Metrics
	networkErrors *atomic.Int64
	rawPayloads   []string
	verbosity     int

	timeout     time.Duration
	timeToSleep int
	payloads    []string
}

// NewTimeSQL creates the attack. Sender, Mutator and Sink are required.
func NewTimeSQL(opts TimeSQLOptions) *TimeSQL {
	t := &TimeSQL{
		sender:        opts.Sender,
		mutator:       opts.Mutator,
		sink:          opts.Sink,
		console:       opts.Console,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		networkErrors: opts.NetworkErrors,
		rawPayloads:   opts.Payloads,
		verbosity:     opts.Verbosity,
	}
	if t.console == nil {
		t.console = noopConsole{}
	}
	if t.logger == nil {
		t.logger = &utils.NoOpLogger{}
	}
	if t.networkErrors == nil {
		t.networkErrors = new(atomic.Int64)
	}
	if t.rawPayloads == nil {
		t.rawPayloads = payloads.Default()
	}
	t.SetTimeout(DefaultTimeoutSeconds)
	return t
}

func (t *TimeSQL) Name() string {
	return "timesql"
}

// SetTimeout sets the deadline and renders the payloads with a sleep of seconds+1.
func (t *TimeSQL) SetTimeout(seconds int) {
	t.timeout = time.Duration(seconds) * time.Second
	t.timeToSleep = 1 + seconds
	t.payloads = payloads.Render(t.rawPayloads, t.timeToSleep)
}

// TimeToSleep is the number of seconds payloads ask the backend to sleep.
func (t *TimeSQL) TimeToSleep() int {
	return t.timeToSleep
}

// NetworkErrors returns the shared network error count.
func (t *TimeSQL) NetworkErrors() int64 {
	return t.networkErrors.Load()
}

// parameterState follows the parameter currently under test. Only the last seen
// parameter is remembered, which relies on the mutator grouping payloads by parameter.
type parameterState struct {
	name       string
	seen       bool
	vulnerable bool
}

// advance moves to parameter name and reports whether its mutation must be sent.
func (s *parameterState) advance(name string) bool {
	if !s.seen || s.name != name {
		s.name = name
		s.seen = true
		s.vulnerable = false
		return true
	}
	return !s.vulnerable
}

// Attack sends every mutation of req in order, one at a time.
// It returns an error wrapping ErrTooMuchLag when the target is too slow to be tested,
// and the context error when ctx is cancelled.
func (t *TimeSQL) Attack(ctx context.Context, req *networking.Request) error {
	page := req.Path()
	sawInternalError := false
	var current parameterState

	for mut := range t.mutator.Mutate(req, t.payloads) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !current.advance(mut.Parameter) {
			t.metrics.Skipped()
			continue
		}

		if t.verbosity >= 2 {
			t.logger.Infof("[¨] %s", mut.Request)
		}

		resp, err := t.sender.Send(ctx, mut.Request, t.timeout)
		switch {
		case err == nil:
			t.metrics.ObserveRequest(metrics.KindMutation, "ok", resp.Duration)
			if resp.StatusCode == 500 && !sawInternalError {
				sawInternalError = true
				t.reportInternalError(req, mut, page)
			}

		case ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, networking.ErrTimeout):
			t.metrics.ObserveRequest(metrics.KindMutation, "timeout", 0)
			lagging, err := t.doesTimeout(ctx, req)
			if err != nil {
				return err
			}
			if lagging {
				t.networkErrors.Add(1)
				t.metrics.NetworkError()
				t.metrics.Aborted()
				t.console.Warning(fmt.Sprintf(report.MsgTooMuchLag, page))
				return fmt.Errorf("%s: %w", page, ErrTooMuchLag)
			}
			t.reportVulnerability(req, mut, page)
			current.vulnerable = true

		default:
			t.metrics.ObserveRequest(metrics.KindMutation, "error", 0)
			t.metrics.NetworkError()
			t.networkErrors.Add(1)
			t.logger.Debugf("Network error on %s: %v", mut.Request, err)
		}
	}
	return nil
}

// doesTimeout sends the original request with the same deadline.
// Only a timeout counts as lag, any other failure means the target answered.
func (t *TimeSQL) doesTimeout(ctx context.Context, req *networking.Request) (bool, error) {
	resp, err := t.sender.Send(ctx, req, t.timeout)
	if err == nil {
		t.metrics.ObserveRequest(metrics.KindControl, "ok", resp.Duration)
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if errors.Is(err, networking.ErrTimeout) {
		t.metrics.ObserveRequest(metrics.KindControl, "timeout", 0)
		return true, nil
	}
	t.metrics.ObserveRequest(metrics.KindControl, "error", 0)
	return false, nil
}

func (t *TimeSQL) reportVulnerability(req *networking.Request, mut mutation.Mutation, page string) {
	var info, title string
	if mut.Parameter == mutation.QueryStringParameter {
		info = fmt.Sprintf(report.MsgQSInject, report.MsgBlindSQL, page)
		title = info
	} else {
		info = fmt.Sprintf(report.MsgParamVuln, report.MsgBlindSQL, mut.Parameter)
		title = fmt.Sprintf(report.MsgParamInject, report.MsgBlindSQL, page, mut.Parameter)
	}

	evil := mut.Request.HTTPRepr()
	t.sink.AddVulnerability(t.finding(req, mut, report.CategoryBlindSQL, report.SeverityCritical, info, evil))
	t.metrics.Finding(report.CategoryBlindSQL, string(report.SeverityCritical))
	t.console.Vulnerability(title, evil)
}

func (t *TimeSQL) reportInternalError(req *networking.Request, mut mutation.Mutation, page string) {
	info := report.MsgQS500
	if mut.Parameter != mutation.QueryStringParameter {
		info = fmt.Sprintf(report.MsgParam500, mut.Parameter)
	}

	evil := mut.Request.HTTPRepr()
	t.sink.AddAnomaly(t.finding(req, mut, report.CategoryInternalError, report.SeverityHigh, info, evil))
	t.metrics.Finding(report.CategoryInternalError, string(report.SeverityHigh))
	t.console.Anomaly(fmt.Sprintf(report.Msg500, page), evil)
}

func (t *TimeSQL) finding(req *networking.Request, mut mutation.Mutation, category string, severity report.Severity, info, evil string) report.Finding {
	return report.Finding{
		RequestID: req.PathID,
		Category:  category,
		Severity:  severity,
		Parameter: mut.Parameter,
		Info:      info,
		Method:    mut.Request.Method,
		URL:       mut.Request.FullURL(),
		Payload:   mut.Payload,
		Evidence:  evil,
	}
}
