// Package relay implements RelayHandler (C5): for every non-CONNECT
// method, it mirrors the client's request onto the upstream proxy
// through an authenticating pooled HTTP client, then streams the
// response back through the CRLF framer, per spec §4.5.
package relay

import (
	"fmt"
	"io"
	"net/http"
	"time"

	httpntlm "github.com/vadimi/go-http-ntlm/v2"
	"go.uber.org/zap"

	"github.com/ecovaci/prfoom/internal/body"
	"github.com/ecovaci/prfoom/internal/creds"
	"github.com/ecovaci/prfoom/internal/errs"
	"github.com/ecovaci/prfoom/internal/pool"
	"github.com/ecovaci/prfoom/internal/wire"
)

// Handler implements C5. One Handler is shared across every relayed
// request on a given connection's proxy; it holds no per-request state.
type Handler struct {
	pool   *pool.Pool
	client *http.Client
	log    *zap.Logger
}

// New builds a Handler whose upstream client authenticates every
// request with prov over p's pooled transport, composing
// vadimi/go-http-ntlm's NtlmTransport directly over the pool's base
// transport (NtlmTransport{..., RoundTripper: base}) rather than hanging
// it off a request-interception callback.
func New(p *pool.Pool, prov *creds.Provider, retries bool, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	var rt http.RoundTripper = &httpntlm.NtlmTransport{
		Domain:       prov.Domain,
		User:         prov.Username,
		Password:     prov.Password(),
		RoundTripper: p.Transport,
	}
	if retries {
		rt = &retryTransport{base: rt, count: 2, delay: 250 * time.Millisecond, log: log}
	}

	client := &http.Client{
		Transport: rt,
		// Redirects and cookies are explicitly out of scope (spec §4.5):
		// this is a transparent forward relay, not a browser.
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
		Jar:           nil,
	}
	return &Handler{pool: p, client: client, log: log}
}

// Relay mirrors head (minus hop-by-hop headers) and reqBody onto the
// upstream proxy, then streams the response status line, headers, and
// body back through out via the wire framer. The absolute-URI target
// required for forward-proxy semantics is head.Target itself. Returns
// the upstream status code (0 if the request never reached a response)
// so callers can attribute metrics/logging without re-parsing out.
func (h *Handler) Relay(head wire.RequestHead, reqBody *body.Body, out io.Writer) (int, error) {
	req, err := http.NewRequest(head.Method, head.Target, bodyReadCloser(reqBody))
	if err != nil {
		return 0, errs.New(errs.KindMalformedRequest, "relay.Relay", err)
	}
	if reqBody.Repeatable() {
		rb := reqBody
		req.GetBody = func() (io.ReadCloser, error) { return bodyReadCloser(rb), nil }
	}
	req.Header = make(http.Header, len(head.Headers))
	for _, f := range wire.StripHopByHop(head.Headers) {
		req.Header.Add(f.Name, f.Value)
	}
	if cl := reqBody.ContentLength(); cl >= 0 {
		req.ContentLength = cl
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errs.New(errs.KindUpstreamIO, "relay.Relay", err)
	}
	defer resp.Body.Close()
	h.pool.TouchResponse(resp)

	respHeaders := headersFromHTTP(resp.Header)
	line := fmt.Sprintf("HTTP/1.1 %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if err := wire.WriteHead(out, line, wire.StripHopByHop(respHeaders)); err != nil {
		return resp.StatusCode, errs.New(errs.KindUpstreamIO, "relay.Relay", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return resp.StatusCode, errs.New(errs.KindUpstreamIO, "relay.Relay", err)
	}
	return resp.StatusCode, nil
}

// bodyReadCloser adapts Body's push-based WriteTo to the pull-based
// io.ReadCloser net/http.Request requires, via an in-memory pipe. Body
// deliberately exposes no getContent()-style accessor (spec §4.3), so
// this bridge is the only way to hand it to an http.Client.
func bodyReadCloser(b *body.Body) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := b.WriteTo(pw)
		pw.CloseWithError(err)
	}()
	return pr
}

func headersFromHTTP(h http.Header) []wire.HeaderField {
	out := make([]wire.HeaderField, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, wire.HeaderField{Name: name, Value: v})
		}
	}
	return out
}
