package message

// Descriptor replaces the source library's deep hierarchy of per-verb
// request classes (get, post, ...) with virtual hooks. A Call carries one
// Descriptor instead of being a subtype (spec §9 Design Notes).
type Descriptor struct {
	Method               string
	EmptyPathReplacement string // path used when the request URI has an empty path, e.g. "/"
	Idempotent           bool
	HasRequestBody       bool
	HasResponseBody      bool
	// Fixup runs once, immediately before transmission, so a descriptor
	// can adjust headers or body framing without a virtual method.
	Fixup func(c *Call)
}

var (
	GetDescriptor = &Descriptor{
		Method: "GET", EmptyPathReplacement: "/",
		Idempotent: true, HasResponseBody: true,
	}
	HeadDescriptor = &Descriptor{
		Method: "HEAD", EmptyPathReplacement: "/",
		Idempotent: true, HasResponseBody: false,
	}
	PostDescriptor = &Descriptor{
		Method: "POST", EmptyPathReplacement: "/",
		Idempotent: false, HasRequestBody: true, HasResponseBody: true,
	}
	PutDescriptor = &Descriptor{
		Method: "PUT", EmptyPathReplacement: "/",
		Idempotent: true, HasRequestBody: true, HasResponseBody: true,
	}
	DeleteDescriptor = &Descriptor{
		Method: "DELETE", EmptyPathReplacement: "/",
		Idempotent: true, HasResponseBody: true,
	}
	OptionsDescriptor = &Descriptor{
		Method: "OPTIONS", EmptyPathReplacement: "*",
		Idempotent: true, HasResponseBody: true,
	}
)

// ByMethod resolves the built-in descriptor for a method name, or
// synthesizes a conservative one (non-idempotent, has both bodies) for an
// unrecognized verb.
func ByMethod(method string) *Descriptor {
	switch method {
	case "GET":
		return GetDescriptor
	case "HEAD":
		return HeadDescriptor
	case "POST":
		return PostDescriptor
	case "PUT":
		return PutDescriptor
	case "DELETE":
		return DeleteDescriptor
	case "OPTIONS":
		return OptionsDescriptor
	default:
		return &Descriptor{
			Method: method, EmptyPathReplacement: "/",
			Idempotent: false, HasRequestBody: true, HasResponseBody: true,
		}
	}
}
