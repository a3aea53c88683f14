// Package body implements StreamingRequestBody (C3): it wraps a
// still-buffered client input stream as a body suitable for upstream
// replay, deciding up front whether that replay can happen more than
// once (see spec §3 "Body repeatability").
package body

import (
	"bufio"
	"io"

	"github.com/ecovaci/prfoom/internal/errs"
)

// MaxBuffered is the repeatability threshold from spec §3: 100 KiB.
const MaxBuffered = 100 * 1024

// Body is a request body positioned for a single upstream write, with a
// pre-computed repeatability verdict.
type Body struct {
	prefix        []byte
	remaining     int64 // bytes still to stream from src; -1 means "until EOF"
	repeatable    bool
	src           *bufio.Reader
	contentLength int64
	written       bool
}

// ContentLength returns the declared length this body was constructed
// with (may be -1 for unknown).
func (b *Body) ContentLength() int64 { return b.contentLength }

// Repeatable reports whether WriteTo can be called more than once with
// identical output.
func (b *Body) Repeatable() bool { return b.repeatable }

// New buffers src according to the repeatability law in spec §3 and
// returns a Body ready to be replayed upstream via WriteTo.
func New(src *bufio.Reader, contentLength int64) (*Body, error) {
	switch {
	case contentLength >= 0 && contentLength <= MaxBuffered:
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(src, buf); err != nil {
			return nil, errs.New(errs.KindUpstreamIO, "body.New", err)
		}
		return &Body{prefix: buf, remaining: 0, repeatable: true, contentLength: contentLength}, nil

	case contentLength < 0:
		buf := make([]byte, MaxBuffered)
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, errs.New(errs.KindUpstreamIO, "body.New", err)
		}
		buf = buf[:n]
		// Determine whether more bytes follow: Peek(1) answers from the
		// buffer when it holds data, and otherwise reads from the source,
		// blocking until a byte arrives or the source reports EOF/error.
		_, peekErr := src.Peek(1)
		more := peekErr == nil
		if !more {
			return &Body{prefix: buf, remaining: 0, repeatable: true, contentLength: contentLength}, nil
		}
		return &Body{prefix: buf, remaining: -1, repeatable: false, src: src, contentLength: contentLength}, nil

	default: // contentLength > MaxBuffered
		return &Body{remaining: contentLength, repeatable: false, src: src, contentLength: contentLength}, nil
	}
}

// WriteTo writes the pre-buffered prefix (if any), then, for
// non-repeatable bodies, streams the remainder from the original source
// until contentLength is satisfied or (for unknown length) until EOF.
//
// getContent() is intentionally not exposed: the upstream HTTP client in
// this design consumes bodies by push, same as spec §4.3 requires.
func (b *Body) WriteTo(w io.Writer) (int64, error) {
	if !b.repeatable && b.written {
		return 0, errs.New(errs.KindUpstreamIO, "body.WriteTo", errRereadNonRepeatable)
	}
	b.written = true

	var total int64
	if len(b.prefix) > 0 {
		n, err := w.Write(b.prefix)
		total += int64(n)
		if err != nil {
			return total, errs.New(errs.KindUpstreamIO, "body.WriteTo", err)
		}
	}
	if b.repeatable || b.remaining == 0 {
		return total, nil
	}

	var n int64
	var err error
	if b.remaining < 0 {
		n, err = io.Copy(w, b.src)
	} else {
		n, err = io.CopyN(w, b.src, b.remaining)
	}
	total += n
	if err != nil && err != io.EOF {
		return total, errs.New(errs.KindUpstreamIO, "body.WriteTo", err)
	}
	return total, nil
}

var errRereadNonRepeatable = rereadError{}

type rereadError struct{}

func (rereadError) Error() string { return "non-repeatable body written more than once" }
