package handler

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"forgejo-gateway/internal/config"
)

var fallbackTemplate = template.Must(template.New("fallback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="{{.Refresh}}">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    * { margin: 0; padding: 0; box-sizing: border-box; }
    body {
      font-family: system-ui, sans-serif;
      display: flex; flex-direction: column;
      align-items: center; justify-content: center;
      height: 100vh;
      background: #0d1117; color: #e6edf3;
    }
    .spinner {
      width: 48px; height: 48px;
      border: 5px solid #30363d;
      border-top-color: #f0883e;
      border-radius: 50%;
      animation: spin 1s linear infinite;
      margin-bottom: 20px;
    }
    @keyframes spin { to { transform: rotate(360deg); } }
    h1 { font-size: 1.3rem; margin-bottom: 8px; }
    p { color: #8b949e; font-size: 0.85rem; }
  </style>
</head>
<body>
  <div class="spinner"></div>
  <h1>{{.Message}}</h1>
  <p>{{.Detail}}</p>
</body>
</html>
`))

// FallbackPage is the self-refreshing page served while the upstream does not
// accept connections. It is rendered once, so every response is identical.
type FallbackPage struct {
	body       []byte
	retryAfter string
}

// NewFallbackPage renders the page from the fallback settings.
func NewFallbackPage(cfg *config.Config) (*FallbackPage, error) {
	var buf bytes.Buffer
	err := fallbackTemplate.Execute(&buf, struct {
		Refresh int
		Title   string
		Message string
		Detail  string
	}{
		Refresh: cfg.Fallback.RefreshSeconds,
		Title:   cfg.Fallback.Title,
		Message: cfg.Fallback.Message,
		Detail:  cfg.Fallback.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("render fallback page: %w", err)
	}

	return &FallbackPage{
		body:       buf.Bytes(),
		retryAfter: strconv.Itoa(cfg.Fallback.RefreshSeconds),
	}, nil
}

// Write sends the page with status 503.
func (p *FallbackPage) Write(c echo.Context) error {
	h := c.Response().Header()
	h.Set("Retry-After", p.retryAfter)
	h.Set(echo.HeaderCacheControl, "no-store")
	return c.HTMLBlob(http.StatusServiceUnavailable, p.body)
}
