package wire

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

// WriteHead writes a status/request line followed by header lines and
// the blank CRLF separator, in the exact order given. No canonicalization
// is applied to header names: callers are responsible for stripping
// hop-by-hop headers before calling this.
func WriteHead(w io.Writer, line string, headers []HeaderField) error {
	if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
		return err
	}
	for _, f := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteHeadTolerant is WriteHead but swallows any I/O failure, logging it
// at debug instead of returning it. Spec §4.2/§9: clients routinely close
// the socket the instant they see a status line for an error tunnel, and
// that race must not be treated as a handler failure.
func WriteHeadTolerant(w io.Writer, line string, headers []HeaderField, log *zap.Logger) {
	if err := WriteHead(w, line, headers); err != nil && log != nil {
		log.Debug("swallowed error writing response head to client",
			zap.String("line", line), zap.Error(err))
	}
}
