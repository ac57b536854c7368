// package http is the public surface of the asynchronous HTTP/1.1
// pipeline client engine: a Pipeline of per-origin Queues driving
// Connections against an external event-loop Reactor, following the
// teacher's thin root-package-of-aliases convention (http.go/client.go/
// dialer.go re-exporting internal/* types) rather than redeclaring them.
package http

import (
	"io"

	"github.com/NightBlues/go-httppipe/internal/message"
)

type Header = message.Header
type Call = message.Call
type BodyStorage = message.BodyStorage
type MemoryStorage = message.MemoryStorage
type FileStorage = message.FileStorage
type SinkStorage = message.SinkStorage

type ReconnectMode = message.ReconnectMode
type RedirectMode = message.RedirectMode
type InquireFunc = message.InquireFunc

const (
	SendAgainIfIdem = message.SendAgainIfIdem
	SendAgain       = message.SendAgain
	RequestFails    = message.RequestFails
	Inquire         = message.Inquire
)

const (
	RedirectIdempotentOnly = message.RedirectIdempotentOnly
	RedirectAlways         = message.RedirectAlways
	RedirectNever          = message.RedirectNever
)

// NewCall builds a Call for method against absoluteURI. header is cloned
// so later caller mutation never touches the engine's copy; body may be
// nil for bodiless requests (spec §3 "Call").
func NewCall(method, absoluteURI string, header Header, body io.Reader) (*Call, error) {
	return message.NewCall(method, absoluteURI, header, body)
}
