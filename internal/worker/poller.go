package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/enhance-gateway/internal/provider"
)

// StatusSource is the part of a provider client the poller needs.
type StatusSource interface {
	GetStatus(ctx context.Context, path string) (*provider.Response, error)
}

// Layout describes where a provider keeps job state in its responses.
type Layout struct {
	StatusPath func(taskID string) string
	Status     []Extractor
	ResultURL  []Extractor
}

// Clock abstracts wall time so deadlines can be tested without waiting.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PollOptions bounds a single PollUntilDone call.
type PollOptions struct {
	// Deadline is measured from loop entry in wall-clock time.
	Deadline time.Duration
	Interval time.Duration
}

type Poller struct {
	source         StatusSource
	layout         Layout
	clock          Clock
	requestTimeout time.Duration
	tracer         trace.Tracer
	logger         zerolog.Logger
}

type Option func(*Poller)

func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithRequestTimeout caps every individual status call. The remaining
// deadline caps it further.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Poller) { p.requestTimeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Poller) { p.tracer = t }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func NewPoller(source StatusSource, layout Layout, opts ...Option) *Poller {
	p := &Poller{
		source:         source,
		layout:         layout,
		clock:          realClock{},
		requestTimeout: 10 * time.Second,
		tracer:         noop.NewTracerProvider().Tracer("worker"),
		logger:         zerolog.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check performs exactly one status call. The returned error is reserved
// for transport failures; provider rejections come back as a failed Status.
func (p *Poller) Check(ctx context.Context, taskID string) (*Status, error) {
	ctx, span := p.tracer.Start(ctx, "worker.check")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	resp, err := p.source.GetStatus(ctx, p.layout.StatusPath(taskID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	st := p.normalize(resp)
	span.SetAttributes(attribute.String("job.state", string(st.State)))
	return st, nil
}

func (p *Poller) normalize(resp *provider.Response) *Status {
	if !resp.OK {
		return &Status{
			State:      JobStatusFailed,
			HTTPStatus: resp.Status,
			Detail:     "status check failed: " + resp.Text,
			Raw:        resp.Body,
		}
	}

	token, _ := Extract(resp.Body, p.layout.Status...)
	st := &Status{State: Classify(token), Token: token, Raw: resp.Body}
	switch st.State {
	case JobStatusSucceeded:
		url, ok := Extract(resp.Body, p.layout.ResultURL...)
		if !ok {
			st.State = JobStatusFailed
			st.Detail = fmt.Sprintf("job succeeded but no retrievable URL: %s", resp.Text)
			return st
		}
		st.ResultURL = url
	case JobStatusFailed:
		st.Detail = fmt.Sprintf("job failed: %s", resp.Text)
	}
	return st
}

// PollUntilDone checks status at a fixed interval until the job is terminal
// or opts.Deadline elapses. Only cancellation of ctx is returned as an error.
func (p *Poller) PollUntilDone(ctx context.Context, taskID string, opts PollOptions) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "worker.poll")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.Int64("deadline_ms", opts.Deadline.Milliseconds()),
		attribute.Int64("interval_ms", opts.Interval.Milliseconds()),
	)

	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	start := p.clock.Now()
	out := &Outcome{TaskID: taskID}
	finish := func(kind OutcomeKind) (*Outcome, error) {
		out.Kind = kind
		out.Elapsed = p.clock.Now().Sub(start)
		span.SetAttributes(
			attribute.String("outcome", string(kind)),
			attribute.Int("attempts", out.Attempts),
		)
		p.logger.Debug().
			Str("task_id", taskID).
			Str("outcome", string(kind)).
			Int("attempts", out.Attempts).
			Dur("elapsed", out.Elapsed).
			Msg("poll finished")
		return out, nil
	}

	for {
		remaining := opts.Deadline - p.clock.Now().Sub(start)
		if remaining <= 0 {
			return finish(OutcomeTimedOut)
		}

		callTimeout := p.requestTimeout
		budgetCapped := false
		if callTimeout <= 0 || remaining < callTimeout {
			callTimeout = remaining
			budgetCapped = true
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		out.Attempts++
		st, err := p.Check(callCtx, taskID)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if budgetCapped && errors.Is(err, context.DeadlineExceeded) {
				return finish(OutcomeTimedOut)
			}
			out.Reason = err.Error()
			return finish(OutcomeFailed)
		}

		out.Raw = st.Raw
		switch st.State {
		case JobStatusSucceeded:
			out.ResultURL = st.ResultURL
			return finish(OutcomeSucceeded)
		case JobStatusFailed:
			out.Reason = st.Detail
			out.HTTPStatus = st.HTTPStatus
			return finish(OutcomeFailed)
		}

		wait := opts.Interval
		if left := opts.Deadline - p.clock.Now().Sub(start); left < wait {
			wait = left
		}
		if wait <= 0 {
			continue
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}
