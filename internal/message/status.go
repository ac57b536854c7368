package message

// CondensedStatus is the coarse classification of a Call's outcome
// exposed to callback consumers (spec: "condensed status").
type CondensedStatus int

const (
	Unserved CondensedStatus = iota
	ProtocolErrorStatus
	Successful
	Redirection
	ClientError
	ServerError
)

func (s CondensedStatus) String() string {
	switch s {
	case Unserved:
		return "unserved"
	case ProtocolErrorStatus:
		return "protocol_error"
	case Successful:
		return "successful"
	case Redirection:
		return "redirection"
	case ClientError:
		return "client_error"
	case ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Condense maps an HTTP status code to its condensed classification.
// Codes handled internally by the engine (100, 301, 302, 401, 407) are
// resolved before this is ever consulted for a terminal Call.
func Condense(code int) CondensedStatus {
	switch {
	case code >= 200 && code < 300:
		return Successful
	case code >= 300 && code < 400:
		return Redirection
	case code >= 400 && code < 500:
		return ClientError
	case code >= 500 && code < 600:
		return ServerError
	default:
		return ServerError
	}
}

// ReconnectMode controls whether an interrupted Call is re-queued after a
// connection error (spec §4.4).
type ReconnectMode int

const (
	// SendAgainIfIdem resends only GET/HEAD calls (the default).
	SendAgainIfIdem ReconnectMode = iota
	SendAgain
	RequestFails
	Inquire
)

// InquireFunc is consulted when ReconnectMode is Inquire; returning true
// permits a resend.
type InquireFunc func(call interface{}, err error) bool

// RedirectMode controls whether a Call follows 3xx responses (spec §4.4).
type RedirectMode int

const (
	// RedirectIdempotentOnly follows redirects only for idempotent methods (default).
	RedirectIdempotentOnly RedirectMode = iota
	RedirectAlways
	RedirectNever
)
