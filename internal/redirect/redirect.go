// package redirect resolves 3xx Location headers into a new absolute URI
// and enforces the loop-protection counter (spec §4.4).
package redirect

import (
	"net/url"

	"github.com/NightBlues/go-httppipe/internal/message"
)

// Handled reports whether code is one of the redirect statuses the
// engine handles internally (spec §4.4 "Handled status codes... 301,
// 302").
func Handled(code int) bool { return code == 301 || code == 302 || code == 303 || code == 307 }

// Resolve builds the redirect target for call, given the response's
// Location header and the maximum redirection count. It increments
// call's redirect counter as a side effect.
func Resolve(call *message.Call, location string, maxRedirections int) (*url.URL, error) {
	if !call.AllowsRedirect() {
		return nil, nil // caller delivers the 3xx verbatim
	}
	if location == "" {
		return nil, &message.BadMessageError{Reason: "redirect response missing Location"}
	}
	target, err := call.URI.Parse(location)
	if err != nil {
		return nil, &message.URLSyntaxError{URL: location, Err: err}
	}
	if call.IncrRedirectCount() > maxRedirections {
		return nil, message.ErrTooManyRedirects
	}
	return target, nil
}

// CrossOrigin reports whether target lives on a different (scheme, host, port)
// than call's current URI, meaning the Call must move to a different
// per-origin queue (spec §4.4).
func CrossOrigin(current, target *url.URL) bool {
	return current.Hostname() != target.Hostname() || current.Port() != target.Port() || current.Scheme != target.Scheme
}
