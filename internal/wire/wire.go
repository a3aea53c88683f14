// Package wire implements the RequestLineParser / CrlfFramer (C2): raw,
// order- and case-preserving parsing of an HTTP/1.1 request head off a
// byte stream, and its inverse for framing a status line and headers
// back onto one.
//
// This is deliberately not built on net/http's request parser: net/http
// canonicalizes header names and discards wire order, both of which
// spec §3/§8 require this layer to preserve.
package wire

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/ecovaci/prfoom/internal/errs"
)

// MaxHeadSize caps the bytes read while looking for the blank line that
// ends a request head, per spec §4.2.
const MaxHeadSize = 64 * 1024

// HeaderField is one header line, name and value exactly as received.
type HeaderField struct {
	Name  string
	Value string
}

// RequestHead is a parsed HTTP/1.1 request line plus header block.
type RequestHead struct {
	Method  string
	Target  string
	Proto   string
	Headers []HeaderField
}

// ContentLength parses the Content-Length header as a non-negative
// integer, returning -1 when the header is absent or malformed.
// Transfer-Encoding: chunked is recognized but also yields -1 (unknown
// length) for this core, per spec §3.
func (h RequestHead) ContentLength() int64 {
	if h.hasChunkedTransferEncoding() {
		return -1
	}
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (h RequestHead) hasChunkedTransferEncoding() bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Transfer-Encoding")), "chunked")
}

// Get returns the first header value matching name, case-insensitively,
// or "" if absent.
func (h RequestHead) Get(name string) string {
	for _, f := range h.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// ParseHead reads a request line and header block from r, stopping at
// the first blank CRLF line. It rejects heads larger than MaxHeadSize
// with a KindMalformedRequest error.
func ParseHead(r *bufio.Reader) (RequestHead, error) {
	lr := &limitedLineReader{r: r, remaining: MaxHeadSize}

	line, err := lr.readLine()
	if err != nil {
		return RequestHead{}, errs.New(errs.KindMalformedRequest, "wire.ParseHead", err)
	}
	method, target, proto, err := parseRequestLine(line)
	if err != nil {
		return RequestHead{}, errs.New(errs.KindMalformedRequest, "wire.ParseHead", err)
	}

	headers, err := readHeaders(lr)
	if err != nil {
		return RequestHead{}, errs.New(errs.KindMalformedRequest, "wire.ParseHead", err)
	}
	return RequestHead{Method: method, Target: target, Proto: proto, Headers: headers}, nil
}

// ResponseHead is a parsed HTTP/1.1 status line plus header block, used
// for the upstream-facing side of the CONNECT negotiator (C4), where
// the same order/case fidelity ParseHead provides is required before
// relaying the status line and headers back to the client verbatim.
type ResponseHead struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    []HeaderField
}

// Get returns the first header value matching name, case-insensitively.
func (h ResponseHead) Get(name string) string {
	for _, f := range h.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// StatusLine renders the status line exactly as it should be written to
// a client ("HTTP/1.1 200 Connection established").
func (h ResponseHead) StatusLine() string {
	return fmt.Sprintf("%s %d %s", h.Proto, h.StatusCode, h.Reason)
}

// ParseResponseHead reads a status line and header block from r, using
// the same 64 KiB cap ParseHead applies.
func ParseResponseHead(r *bufio.Reader) (ResponseHead, error) {
	lr := &limitedLineReader{r: r, remaining: MaxHeadSize}

	line, err := lr.readLine()
	if err != nil {
		return ResponseHead{}, errs.New(errs.KindUpstreamProtocol, "wire.ParseResponseHead", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return ResponseHead{}, errs.New(errs.KindUpstreamProtocol, "wire.ParseResponseHead",
			fmt.Errorf("malformed status line %q", line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return ResponseHead{}, errs.New(errs.KindUpstreamProtocol, "wire.ParseResponseHead",
			fmt.Errorf("malformed status code %q", parts[1]))
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	headers, err := readHeaders(lr)
	if err != nil {
		return ResponseHead{}, errs.New(errs.KindUpstreamProtocol, "wire.ParseResponseHead", err)
	}
	return ResponseHead{Proto: parts[0], StatusCode: code, Reason: reason, Headers: headers}, nil
}

func readHeaders(lr *limitedLineReader) ([]HeaderField, error) {
	var headers []HeaderField
	for {
		line, err := lr.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers = append(headers, HeaderField{Name: name, Value: value})
	}
}

func parseRequestLine(line string) (method, target, proto string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed request line %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed header line %q", line)
	}
	name = line[:idx]
	value = strings.TrimSpace(line[idx+1:])
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return "", "", fmt.Errorf("invalid header field %q", line)
	}
	return name, value, nil
}

// Buffered returns and discards any bytes already pulled into r's
// internal buffer beyond what ParseHead/ParseResponseHead consumed, so a
// caller handing the underlying connection off to a raw byte bridge
// doesn't silently drop them (cf. saucelabs-martian's drainBuffer: a
// peer that lands its first payload bytes in the same TCP segment as
// the head is common enough — pipelined TLS ClientHellos, chatty
// servers — that this can't be ignored).
func Buffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	peeked, _ := r.Peek(n)
	out := make([]byte, len(peeked))
	copy(out, peeked)
	r.Discard(len(out))
	return out
}

// limitedLineReader reads CRLF- or LF-terminated lines from a
// *bufio.Reader, failing once more than `remaining` bytes have been
// consumed looking for the head's end.
type limitedLineReader struct {
	r         *bufio.Reader
	remaining int
}

func (l *limitedLineReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := l.r.ReadByte()
		if err != nil {
			return "", err
		}
		l.remaining--
		if l.remaining < 0 {
			return "", fmt.Errorf("request head exceeds %d bytes", MaxHeadSize)
		}
		if b == '\n' {
			s := sb.String()
			s = strings.TrimSuffix(s, "\r")
			return s, nil
		}
		sb.WriteByte(b)
	}
}
