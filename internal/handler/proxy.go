package handler

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"forgejo-gateway/internal/client"
	"forgejo-gateway/internal/model"
	"forgejo-gateway/internal/service"
)

// secretParamPattern matches credential query parameters (Forgejo accepts
// ?token= and ?access_token= on API calls) in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)\b((?:access_)?token|password|secret|api_?key)=[^&\s"]+`)

// ProxyHandler forwards every request that is not served locally to the
// upstream forge.
type ProxyHandler struct {
	service  *service.ProxyService
	fallback *FallbackPage
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, fallback *FallbackPage, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		fallback: fallback,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) (err error) {
	req := c.Request()

	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				panic(r)
			}
			err = h.respond(c, nil, fmt.Errorf("panic while forwarding: %v", r))
		}
	}()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientAddr:    clientAddr(req),
		Host:          req.Host,
	}

	resp, err := h.service.Forward(pr)
	return h.respond(c, resp, err)
}

// respond turns the outcome of one forwarding cycle into exactly one response.
func (h *ProxyHandler) respond(c echo.Context, resp *model.ProxyResponse, err error) error {
	path := c.Request().URL.Path

	if c.Response().Committed {
		// Headers are already on the wire; nothing sensible can follow.
		h.logger.Error("proxy error after response was committed",
			"err", sanitizeError(err),
			"path", path,
		)
		return nil
	}

	switch client.Classify(err) {
	case model.Success:
		return h.relay(c, resp)

	case model.UpstreamUnreachable:
		h.logger.Warn("upstream unreachable, serving fallback page",
			"err", sanitizeError(err),
			"path", path,
		)
		return h.fallback.Write(c)

	default:
		msg := sanitizeError(err)
		h.logger.Error("proxy error",
			"err", msg,
			"path", path,
		)
		return c.String(http.StatusBadGateway, "Proxy error: "+msg)
	}
}

// relay copies the translated upstream response to the caller.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware set for the same name.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// A nil entry stops net/http from sniffing a type the upstream never sent.
	if len(resp.Header.Values(echo.HeaderContentType)) == 0 {
		dst[echo.HeaderContentType] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)

	var w io.Writer = c.Response()
	if isEventStream(resp.Header.Get(echo.HeaderContentType)) {
		w = &flushWriter{res: c.Response()}
	}

	// Once the status is sent a mid-stream failure can only truncate the
	// body; log it for observability.
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

// flushWriter pushes each chunk to the caller immediately, which server-sent
// event streams (Forgejo's /user/events) depend on.
type flushWriter struct {
	res *echo.Response
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.res.Write(p)
	if err == nil {
		f.res.Flush()
	}
	return n, err
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// clientAddr is the peer address of the inbound connection, without port.
func clientAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// sanitizeError redacts credentials from error messages that may contain
// upstream URLs.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}=[REDACTED]")
}
