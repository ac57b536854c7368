package transport

import (
	"bufio"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/NightBlues/go-httppipe/internal/message"
	"github.com/NightBlues/go-httppipe/internal/transport/chunked"
)

// ResponseReader parses one HTTP/1.1 response at a time off a shared
// buffered reader, the way the teacher's internal/transport/http1.go Read
// does, but exposed as a value the Connection state machine can drive
// across multiple non-blocking read attempts: the connection puts a short
// read deadline on the socket before every underlying Read, so a call
// that would otherwise block returns message.ErrWouldBlock and the state
// machine simply waits for the reactor's next readiness event before
// retrying — the bufio.Reader carries partial bytes forward between
// attempts.
type ResponseReader struct {
	tp *textproto.Reader
	br *bufio.Reader
}

func NewResponseReader(r io.Reader) *ResponseReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ResponseReader{tp: textproto.NewReader(br), br: br}
}

// Next reads the status line, headers, and sets up resp.RespBody as a stream
// bound to whatever framing (Content-Length / chunked) the headers imply.
// wouldBlock classifies the underlying error as message.ErrWouldBlock
// when appropriate (a deadline-exceeded net.Error).
func (rr *ResponseReader) Next(resp *message.Call, wouldBlock func(error) bool) error {
	line, err := rr.tp.ReadLine()
	if err != nil {
		if wouldBlock(err) {
			return message.ErrWouldBlock
		}
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return &message.BadMessageError{Reason: "malformed status line"}
	}
	resp.Proto = proto
	resp.StatusText = strings.TrimLeft(status, " ")

	codeStr, _, _ := strings.Cut(resp.StatusText, " ")
	if len(codeStr) != 3 {
		return &message.BadMessageError{Reason: "malformed status code " + codeStr}
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 0 {
		return &message.BadMessageError{Reason: "malformed status code"}
	}
	resp.StatusCode = code

	mh, err := rr.tp.ReadMIMEHeader()
	if err != nil {
		if wouldBlock(err) {
			return message.ErrWouldBlock
		}
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	resp.RespHeader = http.Header(mh)

	return rr.setupBody(resp)
}

func (rr *ResponseReader) setupBody(resp *message.Call) error {
	h := resp.RespHeader
	contentLens := h["Content-Length"]
	if len(contentLens) > 1 {
		first := textproto.TrimString(contentLens[0])
		for _, ct := range contentLens[1:] {
			if first != textproto.TrimString(ct) {
				return &message.BadMessageError{Reason: "multiple mismatched Content-Length headers"}
			}
		}
		h.Del("Content-Length")
		h.Add("Content-Length", first)
		contentLens = h["Content-Length"]
	}

	if resp.StatusCode == 100 {
		// Continue interim: no body, caller keeps parsing the real response.
		return nil
	}
	if resp.Descriptor != nil && !resp.Descriptor.HasResponseBody {
		resp.RespBody = http.NoBody
		return nil
	}

	if h.Get("Transfer-Encoding") == "chunked" {
		resp.RespBody = io.NopCloser(chunked.NewChunkedReader(rr.br))
		return nil
	}

	cl := int64(-1)
	if len(contentLens) > 0 {
		if n, err := strconv.ParseUint(contentLens[0], 10, 63); err == nil {
			cl = int64(n)
		}
	}
	switch {
	case cl > 0:
		resp.RespBody = io.NopCloser(io.LimitReader(rr.br, cl))
	default:
		resp.RespBody = http.NoBody
	}
	return nil
}
