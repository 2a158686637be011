package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/enhance-gateway/internal/provider"
	"github.com/vnmchuo/enhance-gateway/internal/provider/cloudinary"
	"github.com/vnmchuo/enhance-gateway/internal/provider/dzine"
	"github.com/vnmchuo/enhance-gateway/internal/worker"
)

// Mode selects how much of the poll loop runs before responding.
type Mode string

const (
	// ModeDeferred returns the task id at once; the caller polls later.
	ModeDeferred Mode = "deferred"
	// ModeSync polls to a terminal state before responding.
	ModeSync Mode = "sync"
)

// ParseMode returns fallback for anything other than "sync" or "deferred".
func ParseMode(s string, fallback Mode) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSync:
		return ModeSync
	case ModeDeferred:
		return ModeDeferred
	}
	return fallback
}

// JobCreator submits provider jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, path string, payload any) (*provider.Response, error)
	HasCredentials() bool
}

// StatusChecker observes provider jobs.
type StatusChecker interface {
	Check(ctx context.Context, taskID string) (*worker.Status, error)
	PollUntilDone(ctx context.Context, taskID string, opts worker.PollOptions) (*worker.Outcome, error)
}

// Materializer generates CDN derivatives on demand.
type Materializer interface {
	Explicit(ctx context.Context, publicID, transformation string) (*provider.Response, error)
	HasCredentials() bool
}

// Request is one caller request to transform one image. It is not mutated.
type Request struct {
	Operation      dzine.Operation
	ImageReference string
	Options        dzine.Options
	Mode           Mode
	Materialize    bool
}

// Result is what the caller receives.
type Result struct {
	ProcessedURL   string `json:"processedUrl,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	Status         string `json:"status,omitempty"`
	ProviderStatus string `json:"providerStatus,omitempty"`
	PassThrough    bool   `json:"passThrough,omitempty"`
	Note           string `json:"note,omitempty"`
}

type Settings struct {
	Dzine          dzine.Settings
	PollDeadline   time.Duration
	PollInterval   time.Duration
	// CircuitBreaker shares failure counts across requests per provider.
	// Off by default: every request then reaches the provider.
	CircuitBreaker bool
}

type Orchestrator struct {
	jobs     JobCreator
	status   StatusChecker
	cdn      Materializer
	settings Settings
	breakers map[string]*breaker
	tracer   trace.Tracer
	logger   zerolog.Logger
}

type OrchestratorOption func(*Orchestrator)

func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// errUpstream counts a 5xx reply against the breaker without turning it
// into a transport error for the caller.
var errUpstream = errors.New("upstream server error")

// breaker remembers the last failure so an open circuit can still report
// what the provider said.
type breaker struct {
	cb *gobreaker.CircuitBreaker

	mu         sync.Mutex
	lastStatus int
	lastBody   string
}

func newBreaker(name string) *breaker {
	return &breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})}
}

func (b *breaker) remember(status int, body string) {
	b.mu.Lock()
	b.lastStatus, b.lastBody = status, body
	b.mu.Unlock()
}

func (b *breaker) last() (int, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastStatus, b.lastBody
}

func NewOrchestrator(jobs JobCreator, status StatusChecker, cdn Materializer, settings Settings, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		jobs:     jobs,
		status:   status,
		cdn:      cdn,
		settings: settings,
		tracer:   noop.NewTracerProvider().Tracer("proxy"),
		logger:   zerolog.New(io.Discard),
	}
	if settings.CircuitBreaker {
		o.breakers = map[string]*breaker{
			"dzine":      newBreaker("dzine"),
			"cloudinary": newBreaker("cloudinary"),
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process handles one request end to end. CDN requests never create jobs.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	if req.Operation == OperationCDN {
		return o.transformCDN(ctx, req)
	}
	return o.submit(ctx, req)
}

// OperationCDN routes a request to the CDN transformation path.
const OperationCDN dzine.Operation = "cdn"

func (o *Orchestrator) submit(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "proxy.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation", string(req.Operation)),
		attribute.String("mode", string(req.Mode)),
	)

	imageURL, err := validateImageURL(req.ImageReference)
	if err != nil {
		return nil, err
	}
	if o.jobs == nil || !o.jobs.HasCredentials() {
		return nil, fmt.Errorf("%w: DZINE_API_KEY is not set", ErrNotConfigured)
	}

	path, payload := dzine.BuildPayload(req.Operation, imageURL, req.Options, o.settings.Dzine)
	resp, err := o.execute(ctx, "dzine", func() (*provider.Response, error) {
		return o.jobs.CreateJob(ctx, path, payload)
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &ProviderError{Op: "dzine create error", Status: resp.Status, Body: resp.Text}
	}
	taskID, ok := dzine.TaskID(resp.Body)
	if !ok {
		return nil, &ProviderError{Op: "dzine create: no task_id", Body: resp.Text}
	}
	span.SetAttributes(attribute.String("task_id", taskID))
	o.logger.Info().
		Str("task_id", taskID).
		Str("operation", string(req.Operation)).
		Str("mode", string(req.Mode)).
		Msg("job created")

	if req.Mode != ModeSync {
		return &Result{TaskID: taskID, Status: "queued"}, nil
	}
	return o.wait(ctx, taskID)
}

func (o *Orchestrator) wait(ctx context.Context, taskID string) (*Result, error) {
	out, err := o.status.PollUntilDone(ctx, taskID, worker.PollOptions{
		Deadline: o.settings.PollDeadline,
		Interval: o.settings.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	switch out.Kind {
	case worker.OutcomeSucceeded:
		return &Result{ProcessedURL: out.ResultURL}, nil
	case worker.OutcomeTimedOut:
		o.logger.Warn().Str("task_id", taskID).Int("attempts", out.Attempts).Msg("poll deadline exceeded")
		return nil, &TimeoutError{TaskID: taskID, Attempts: out.Attempts, Elapsed: out.Elapsed}
	default:
		return nil, &ProviderError{Op: "dzine job failed", Status: out.HTTPStatus, Body: out.Reason, TaskID: taskID}
	}
}

// Status runs a single status check for a previously created job.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "proxy.status")
	defer span.End()

	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: missing taskId", ErrInvalidRequest)
	}
	span.SetAttributes(attribute.String("task_id", taskID))
	if o.jobs == nil || !o.jobs.HasCredentials() {
		return nil, fmt.Errorf("%w: DZINE_API_KEY is not set", ErrNotConfigured)
	}

	st, err := o.status.Check(ctx, taskID)
	if err != nil {
		return nil, &ProviderError{Op: "dzine status error", Body: err.Error(), TaskID: taskID}
	}
	switch st.State {
	case worker.JobStatusSucceeded:
		return &Result{ProcessedURL: st.ResultURL, TaskID: taskID, Status: "succeeded"}, nil
	case worker.JobStatusFailed:
		return nil, &ProviderError{Op: "dzine job failed", Status: st.HTTPStatus, Body: st.Detail, TaskID: taskID}
	default:
		return &Result{TaskID: taskID, Status: "processing", ProviderStatus: st.Token}, nil
	}
}

func (o *Orchestrator) transformCDN(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "proxy.cdn")
	defer span.End()

	ref := strings.TrimSpace(req.ImageReference)
	if ref == "" {
		return nil, fmt.Errorf("%w: missing or invalid imageReference", ErrInvalidRequest)
	}
	publicID, ok := cloudinary.ParsePublicID(ref)
	if !ok {
		return &Result{ProcessedURL: ref, PassThrough: true, Note: "non-cloudinary-url"}, nil
	}
	transformation := cloudinary.Transformation(dzine.NormalizeScale(req.Options.Scale), req.Options.Style)
	span.SetAttributes(attribute.Bool("materialize", req.Materialize))

	if !req.Materialize {
		processed, _ := cloudinary.TransformURL(ref, transformation)
		return &Result{ProcessedURL: processed}, nil
	}

	if o.cdn == nil || !o.cdn.HasCredentials() {
		return nil, fmt.Errorf("%w: CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET must be set", ErrNotConfigured)
	}
	resp, err := o.execute(ctx, "cloudinary", func() (*provider.Response, error) {
		return o.cdn.Explicit(ctx, publicID, transformation)
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &ProviderError{Op: "cloudinary explicit error", Status: resp.Status, Body: resp.Text}
	}
	processed, ok := cloudinary.EagerURL(resp.Body)
	if !ok {
		return nil, &ProviderError{Op: "cloudinary explicit: no eager url", Body: resp.Text}
	}
	return &Result{ProcessedURL: processed}, nil
}

// execute runs one create call, through the named breaker when enabled.
// Transport errors and 5xx replies count as breaker failures; nothing is
// retried.
func (o *Orchestrator) execute(ctx context.Context, name string, call func() (*provider.Response, error)) (*provider.Response, error) {
	b, ok := o.breakers[name]
	if !ok {
		resp, err := call()
		if err != nil {
			return nil, requestFailed(ctx, name, err)
		}
		return resp, nil
	}

	var resp *provider.Response
	_, err := b.cb.Execute(func() (interface{}, error) {
		r, err := call()
		if err != nil {
			b.remember(0, err.Error())
			return nil, err
		}
		resp = r
		if r.Status >= 500 {
			b.remember(r.Status, r.Text)
			return r, errUpstream
		}
		return r, nil
	})
	switch {
	case err == nil, errors.Is(err, errUpstream):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status, body := b.last()
		return nil, &ProviderError{Op: name + " temporarily unavailable after repeated failures", Status: status, Body: body}
	default:
		return nil, requestFailed(ctx, name, err)
	}
}

func requestFailed(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ProviderError{Op: name + " request failed", Body: err.Error()}
}

// validateImageURL requires an absolute http(s) URL.
func validateImageURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: missing or invalid imageReference", ErrInvalidRequest)
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: imageReference must be an absolute http(s) URL", ErrInvalidRequest)
	}
	return ref, nil
}
