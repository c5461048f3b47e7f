// Package client provides the HTTP client for the upstream Forgejo/Gitea instance.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"forgejo-gateway/internal/config"
	"forgejo-gateway/internal/metrics"
	"forgejo-gateway/internal/model"
	"forgejo-gateway/internal/observability"
)

// maxProbeBody caps how much of a diagnostic response is decoded.
const maxProbeBody = 1 << 20

// UpstreamClient sends requests to the upstream forge.
type UpstreamClient struct {
	httpClient  *http.Client
	probeClient *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
// A nil tracer provider disables spans.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp trace.TracerProvider) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// The upstream timeout bounds the wait for response headers only.
		// Clone and push bodies may legitimately stream far longer.
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		// Bodies are relayed as the upstream sent them; the transport must not
		// negotiate gzip on its own and silently decode it.
		DisableCompression: true,
	}

	// Redirects belong to the caller's browser or git client.
	noRedirect := func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	var tracer trace.Tracer
	if tp != nil {
		tracer = tp.Tracer(observability.TracerName)
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport:     transport,
			CheckRedirect: noRedirect,
		},
		probeClient: &http.Client{
			Transport:     transport,
			Timeout:       time.Duration(cfg.Debug.TimeoutSeconds) * time.Second,
			CheckRedirect: noRedirect,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		tracer:  tracer,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// Exactly one attempt is made. The caller is responsible for closing the
// response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	method := metrics.NormalizeMethod(req.Method)

	var span trace.Span
	if c.tracer != nil {
		var ctx context.Context
		ctx, span = c.tracer.Start(req.Context(), "upstream "+method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.path", req.URL.Path),
				attribute.String("server.address", req.URL.Host),
			),
		)
		defer span.End()
		req = req.WithContext(ctx)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		outcome := Classify(err)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(outcome.String()).Inc()
		}
		if span != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("gateway.outcome", outcome.String()))
			span.SetStatus(codes.Error, outcome.String())
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.String("gateway.outcome", model.Success.String()),
		)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// GetJSON issues a short-timeout GET to url and decodes the body as JSON,
// whatever the status code. It is used by diagnostics, never by forwarding.
func (c *UpstreamClient) GetJSON(ctx context.Context, url string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var v any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode probe response (status %d): %w", resp.StatusCode, err)
	}
	return v, nil
}
