package server

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// bridgeBufPool supplies the copy buffers SocketBridge uses in each
// direction, a fixed 32 KiB regardless of the configured socket buffer
// sizes, modeled on saucelabs/martian's copyBufPool.
var bridgeBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

type halfCloser interface {
	CloseWrite() error
}

// Bridge implements SocketBridge (C8): it copies bytes bidirectionally
// between client and upstream until both directions have finished,
// half-closing the peer's write side as soon as one direction ends.
// clientLeading and upstreamLeading are bytes already read off the
// respective sockets by a head parser before the handoff (see
// wire.Buffered) — each is replayed as the start of its direction's
// stream so bytes that landed in the same TCP segment as a parsed head
// are never dropped (cf. saucelabs-martian's drainBuffer).
func Bridge(client, upstream net.Conn, clientLeading, upstreamLeading []byte) {
	var wg sync.WaitGroup
	wg.Add(2)
	go copyDirection(&wg, upstream, client, clientLeading)
	go copyDirection(&wg, client, upstream, upstreamLeading)
	wg.Wait()
}

func copyDirection(wg *sync.WaitGroup, dst, src net.Conn, leading []byte) {
	defer wg.Done()
	bufp := bridgeBufPool.Get().(*[]byte)
	defer bridgeBufPool.Put(bufp)

	var r io.Reader = src
	if len(leading) > 0 {
		r = io.MultiReader(bytes.NewReader(leading), src)
	}

	io.CopyBuffer(dst, r, *bufp)
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	} else {
		dst.Close()
	}
}
