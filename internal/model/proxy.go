// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the decoded request path; RawPath is its escaped form when it
	// differs from the default encoding of Path.
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	ClientAddr    string
	Host          string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Outcome classifies how a single forwarding cycle ended.
type Outcome int

const (
	Success Outcome = iota
	UpstreamUnreachable
	OtherFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case UpstreamUnreachable:
		return "upstream_unreachable"
	default:
		return "other_failure"
	}
}
