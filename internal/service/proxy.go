// Package service implements the core forwarding logic: request translation,
// header policy and response translation.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"forgejo-gateway/internal/client"
	"forgejo-gateway/internal/config"
	"forgejo-gateway/internal/model"
)

// droppedRequestHeaders are framing headers that are invalid once the request
// is re-issued on a different connection.
var droppedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// droppedResponseHeaders are recomputed by the outward-facing server.
var droppedResponseHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// versionPath is the forge API endpoint probed by diagnostics.
const versionPath = "/api/v1/version"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	policy  config.ProxyConfig
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService bound to the configured upstream.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be absolute", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		policy:  cfg.Proxy,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the upstream and returns the translated
// response. Exactly one upstream attempt is made. The caller is responsible
// for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)

	body := pr.Body
	if body == nil {
		body = http.NoBody
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, upstreamURL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = s.filterRequestHeaders(pr)
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	if s.policy.ForwardHeaders {
		req.Host = s.publicHost(pr)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	encoding := strings.Join(resp.Header.Values("Content-Encoding"), ",")
	decoded, ok := decodeBody(encoding, resp.Body)
	if !ok {
		s.logger.Warn("relaying body with unknown content encoding as is",
			"encoding", encoding,
			"path", pr.Path,
		)
	}
	resp.Body = decoded
	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// ForgeVersion asks the upstream for its version document.
func (s *ProxyService) ForgeVersion(ctx context.Context) (any, error) {
	return s.client.GetJSON(ctx, s.buildUpstreamURL(versionPath, "", ""))
}

// BaseURL returns the upstream base URL as configured.
func (s *ProxyService) BaseURL() string {
	return s.baseURL.String()
}

// buildUpstreamURL joins the upstream base (including any path prefix) with
// the inbound path. The raw query is carried over verbatim so repeated keys
// keep their order.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = joinPath(s.baseURL.Path, path)
	u.RawPath = ""
	if rawPath != "" {
		u.RawPath = joinPath(s.baseURL.EscapedPath(), rawPath)
	}
	u.RawQuery = rawQuery
	u.ForceQuery = false
	return u.String()
}

func joinPath(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// filterRequestHeaders copies every inbound header except the framing set,
// then applies the forwarding injection policy. Cookies travel untouched in
// the Cookie header.
func (s *ProxyService) filterRequestHeaders(pr *model.ProxyRequest) http.Header {
	dst := make(http.Header, len(pr.Header)+4)
	for key, vals := range pr.Header {
		if matchesAny(key, droppedRequestHeaders) {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}

	if s.policy.ForwardHeaders {
		if pr.ClientAddr != "" {
			dst.Set("X-Forwarded-For", pr.ClientAddr)
			dst.Set("X-Real-IP", pr.ClientAddr)
		}
		dst.Set("X-Forwarded-Proto", "https")
		if host := s.publicHost(pr); host != "" {
			dst.Set("X-Forwarded-Host", host)
		}
	}
	return dst
}

// filterResponseHeaders drops the framing set and applies the cookie policy.
// Each Set-Cookie occurrence stays a separate value.
func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if matchesAny(key, droppedResponseHeaders) {
			continue
		}
		if s.policy.SecureCookies && strings.EqualFold(key, "Set-Cookie") {
			rewritten := make([]string, len(vals))
			for i, v := range vals {
				rewritten[i] = RewriteSetCookie(v)
			}
			dst[key] = rewritten
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

// publicHost is the host announced to the upstream: the configured public
// hostname, or the host the caller used.
func (s *ProxyService) publicHost(pr *model.ProxyRequest) string {
	if s.policy.PublicHost != "" {
		return s.policy.PublicHost
	}
	return pr.Host
}

func matchesAny(key string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(key, n) {
			return true
		}
	}
	return false
}
