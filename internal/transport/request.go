// package transport implements the HTTP/1.1 wire codec consumed by the
// pipeline as a byte-level collaborator (spec §1: "HTTP message
// parsing/serialization... consumed as a byte-level codec").
package transport

import (
	"bufio"
	"io"

	"github.com/NightBlues/go-httppipe/internal/message"
	"github.com/NightBlues/go-httppipe/internal/transport/chunked"
)

// WriteHeader writes the request line and effective header of c to w.
// Grounded on the teacher's internal/transport/http1.go writeHeader,
// generalized to take the header straight from a *message.Call.
func WriteHeader(w io.Writer, c *message.Call) error {
	bw := bufio.NewWriterSize(w, 4096)

	if _, err := bw.WriteString(c.Descriptor.Method); err != nil {
		return err
	}
	bw.WriteByte(' ')
	bw.WriteString(c.RequestTarget())
	bw.WriteString(" HTTP/1.1\r\n")

	bw.WriteString("Host: ")
	bw.WriteString(c.HostHeader())
	bw.WriteString("\r\n")

	for k, vs := range c.EffectiveHeader {
		for _, v := range vs {
			bw.WriteString(k)
			bw.WriteString(": ")
			bw.WriteString(v)
			bw.WriteString("\r\n")
		}
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

// BodyWriter wraps w with chunked framing when the Call's Content-Length
// is unknown, matching the teacher's chunked.NewChunkedWriter usage in
// dialer/proxy.go's CONNECT tunnel writer.
func BodyWriter(w io.Writer, c *message.Call) io.WriteCloser {
	if c.ContentLength >= 0 {
		return nopWriteCloser{w}
	}
	return chunked.NewChunkedWriter(w)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
