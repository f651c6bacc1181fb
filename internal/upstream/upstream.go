// Package upstream implements the server stage: the actual network call. It
// owns the HTTP client, classifies transport failures into the error
// taxonomy, propagates trace context to the provider, and exposes the
// lightweight health probe the monitor uses.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultProbeWindow = 5 * time.Second
)

// Stage is the server pipeline stage for one binding.
type Stage struct {
	client       *http.Client
	timeout      time.Duration
	probeTimeout time.Duration
}

// Option configures a Stage.
type Option func(*Stage)

// WithHTTPClient substitutes the HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Stage) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds one upstream call. Streaming calls are bounded by the
// caller's context instead.
func WithTimeout(d time.Duration) Option {
	return func(s *Stage) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithProbeTimeout bounds the health probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Stage) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// New creates the server stage.
func New(opts ...Option) *Stage {
	s := &Stage{
		client:       &http.Client{},
		timeout:      defaultTimeout,
		probeTimeout: defaultProbeWindow,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Stage) Name() string { return "server" }

// ProcessRequest is a no-op: the server stage acts at the turnaround point.
func (s *Stage) ProcessRequest(ctx context.Context, ex *pipeline.Exchange) error {
	return nil
}

// ProcessResponse performs the network call. It runs first on the reverse
// pass, so by the time other stages see the exchange the response is present.
func (s *Stage) ProcessResponse(ctx context.Context, ex *pipeline.Exchange) error {
	ctx, span := otel.Tracer("modelrelay.upstream").Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", ex.Upstream.URL),
			attribute.String("binding.id", ex.BindingID),
		),
	)

	callCtx := ctx
	if !ex.StreamUpstream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, ex.Upstream.Method, ex.Upstream.URL, bytes.NewReader(ex.Upstream.Body))
	if err != nil {
		endSpanErr(span, err, "create request failed")
		return apperr.Wrap(apperr.KindTransformError, "build upstream request", err)
	}
	req.Header = ex.Upstream.Header.Clone()
	if ex.RequestID != "" {
		req.Header.Set("X-Request-ID", ex.RequestID)
	}
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		endSpanErr(span, err, "request failed")
		return classifyTransport(ctx, err, ex.BindingID)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if ex.StreamUpstream && resp.StatusCode == http.StatusOK {
		span.SetStatus(codes.Ok, "")
		ex.Response = &pipeline.UpstreamResponse{
			Status: resp.StatusCode,
			Header: resp.Header,
			Stream: &spanCloser{ReadCloser: resp.Body, span: span},
		}
		return nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		endSpanErr(span, readErr, "read response failed")
		return classifyTransport(ctx, readErr, ex.BindingID)
	}

	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	ex.Response = &pipeline.UpstreamResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}
	return nil
}

// Probe performs the health check: a minimal POST bounded by the probe
// timeout. Any 2xx-4xx answer proves liveness; transport failure does not.
func (s *Stage) Probe(ctx context.Context, url string, header http.Header, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindTransformError, "build probe request", err)
	}
	req.Header = header.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, err, "")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return apperr.New(apperr.KindUpstreamError, "probe failed").WithStatus(resp.StatusCode)
	}
	return nil
}

// classifyTransport maps transport errors into the taxonomy: timeouts,
// cancellation, and everything else as network failure.
func classifyTransport(ctx context.Context, err error, bindingID string) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return apperr.Wrap(apperr.KindCancelled, "upstream call cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, "upstream call timed out", err).With("binding", bindingID)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, "upstream call timed out", err).With("binding", bindingID)
	}
	return apperr.Wrap(apperr.KindNetworkError, "upstream unreachable", err).With("binding", bindingID)
}

func endSpanErr(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	span.End()
}

// spanCloser ends the call span when the streamed body is closed.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
