package relay

import (
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// retryTransport retries a request on transient connection-level errors,
// modeled on nugget-thane-ai-agent/internal/httpkit's retryTransport.
// Only requests with a rewindable body (GetBody set, or no body at all)
// are retried, per spec §3's non-repeatable-body invariant: a body that
// can't be resubmitted must not be retried.
type retryTransport struct {
	base  http.RoundTripper
	count int
	delay time.Duration
	log   *zap.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isRetryableError(err) {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.log.Debug("retrying relayed request after transient error",
			zap.String("method", req.Method), zap.Int("attempt", attempt), zap.Error(err))

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			req.Body = body
		}

		resp, err = t.base.RoundTrip(req)
		if err == nil || !isRetryableError(err) {
			return resp, err
		}
	}
	return resp, err
}

func isRetryableError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
				return true
			}
		}
	}
	return false
}
