package client

import (
	"context"
	"errors"
	"net"
	"syscall"

	"forgejo-gateway/internal/model"
)

// Classify maps an upstream call error to an outcome.
//
// UpstreamUnreachable means the upstream is categorically not serving yet:
// the connection was refused, or dialing failed for a reason other than a
// timeout (no route to host, name not resolvable yet while a container starts).
// Timeouts, cancellations, TLS and protocol errors are OtherFailure.
func Classify(err error) model.Outcome {
	if err == nil {
		return model.Success
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.OtherFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.OtherFailure
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.UpstreamUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return model.UpstreamUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.UpstreamUnreachable
	}

	return model.OtherFailure
}
