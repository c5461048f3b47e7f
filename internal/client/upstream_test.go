package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"syscall"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"forgejo-gateway/internal/config"
	"forgejo-gateway/internal/metrics"
	"forgejo-gateway/internal/model"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
		Debug: config.DebugConfig{TimeoutSeconds: 5},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// closedAddr returns a loopback address with nothing listening on it.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestUpstreamClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/test", http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_Do_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/target" {
			t.Error("redirect was followed")
		}
		http.Redirect(w, r, "/target", http.StatusSeeOther)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/user/login", http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if loc := resp.Header.Get("Location"); loc != "/target" {
		t.Errorf("Location = %q, want %q", loc, "/target")
	}
}

func TestUpstreamClient_Do_NoTransportCompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "" {
			t.Errorf("Accept-Encoding = %q, want none added by the transport", r.Header.Get("Accept-Encoding"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()
}

func TestUpstreamClient_Do_ConnectionRefused(t *testing.T) {
	m := metrics.New()
	c := NewUpstreamClient(testConfig(1), discardLogger(), m, nil)

	req, _ := http.NewRequest(http.MethodGet, "http://"+closedAddr(t)+"/", http.NoBody)
	_, err := c.Do(req)
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
	if got := Classify(err); got != model.UpstreamUnreachable {
		t.Errorf("Classify() = %v, want %v", got, model.UpstreamUnreachable)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "forgejo_gateway_upstream_failures_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == "upstream_unreachable" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected forgejo_gateway_upstream_failures_total{outcome=upstream_unreachable}")
	}
}

func TestUpstreamClient_Do_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewUpstreamClient(testConfig(1), discardLogger(), nil, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/slow", http.NoBody)
	_, err := c.Do(req)
	if err == nil {
		t.Fatal("Do() expected timeout error, got nil")
	}
	if got := Classify(err); got != model.OtherFailure {
		t.Errorf("Classify() = %v, want %v", got, model.OtherFailure)
	}
}

func TestUpstreamClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(30), discardLogger(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", http.NoBody)
	_, err := c.Do(req)
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if got := Classify(err); got != model.OtherFailure {
		t.Errorf("Classify() = %v, want %v", got, model.OtherFailure)
	}
}

func TestUpstreamClient_Do_RecordsSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, tp)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/repos", http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "upstream POST" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "upstream POST")
	}
}

func TestUpstreamClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/version" {
			t.Errorf("path = %q, want /api/v1/version", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"9.0.3+gitea-1.22.0"}`))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, nil)

	v, err := c.GetJSON(context.Background(), srv.URL+"/api/v1/version")
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("GetJSON() = %T, want map[string]any", v)
	}
	if obj["version"] != "9.0.3+gitea-1.22.0" {
		t.Errorf("version = %v, want %q", obj["version"], "9.0.3+gitea-1.22.0")
	}
}

func TestUpstreamClient_GetJSON_NotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>starting</html>"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, nil)

	if _, err := c.GetJSON(context.Background(), srv.URL); err == nil {
		t.Fatal("GetJSON() expected decode error, got nil")
	}
}

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want model.Outcome
	}{
		{"nil", nil, model.Success},
		{"connection refused", refused, model.UpstreamUnreachable},
		{"refused wrapped in url.Error", &url.Error{Op: "Get", URL: "http://localhost:3000/", Err: refused}, model.UpstreamUnreachable},
		{"refused wrapped twice", fmt.Errorf("forward: %w", &url.Error{Op: "Get", URL: "http://x/", Err: refused}), model.UpstreamUnreachable},
		{"host unreachable on dial", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, model.UpstreamUnreachable},
		{"name not found", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "forgejo", IsNotFound: true}}, model.UpstreamUnreachable},
		{"bare dns not found", &net.DNSError{Err: "no such host", Name: "forgejo", IsNotFound: true}, model.UpstreamUnreachable},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "forgejo", IsTimeout: true}, model.OtherFailure},
		{"dial timeout", &net.OpError{Op: "dial", Net: "tcp", Err: &timeoutErr{}}, model.OtherFailure},
		{"deadline exceeded", fmt.Errorf("upstream request: %w", context.DeadlineExceeded), model.OtherFailure},
		{"canceled", context.Canceled, model.OtherFailure},
		{"read reset", &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, model.OtherFailure},
		{"tls", &tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, model.OtherFailure},
		{"eof", io.ErrUnexpectedEOF, model.OtherFailure},
		{"generic", errors.New("malformed HTTP response"), model.OtherFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }

func TestOutcomeIsStableForRepeatedFailures(t *testing.T) {
	c := NewUpstreamClient(testConfig(1), discardLogger(), nil, nil)
	addr := closedAddr(t)

	for range 3 {
		req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/", http.NoBody)
		_, err := c.Do(req)
		if got := Classify(err); got != model.UpstreamUnreachable {
			t.Fatalf("Classify() = %v, want %v", got, model.UpstreamUnreachable)
		}
	}
}
