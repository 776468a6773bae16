package transaction

import "strings"

// SameSite is the Set-Cookie SameSite attribute, per spec.md §6.
type SameSite int

const (
	SameSiteLax SameSite = iota
	SameSiteStrict
	SameSiteNone
)

// Cookie models one Set-Cookie entry. Lax is the implicit default and
// is never written out explicitly.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HttpOnly bool
	SameSite SameSite
}

// String serialises the cookie as spec.md §6 requires:
// `name=value; [Domain=…; Path=…; Secure; HttpOnly; SameSite=<Strict|Lax|None>]`.
func (c Cookie) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	b.WriteByte(';')
	if c.Domain != "" {
		b.WriteString(" Domain=")
		b.WriteString(c.Domain)
		b.WriteByte(';')
	}
	if c.Path != "" {
		b.WriteString(" Path=")
		b.WriteString(c.Path)
		b.WriteByte(';')
	}
	if c.Secure {
		b.WriteString(" Secure;")
	}
	if c.HttpOnly {
		b.WriteString(" HttpOnly;")
	}
	if c.SameSite != SameSiteLax {
		name := "Strict"
		if c.SameSite == SameSiteNone {
			name = "None"
		}
		b.WriteString(" SameSite=")
		b.WriteString(name)
		b.WriteByte(';')
	}
	return b.String()
}

// Header is a response header field name/value pair.
type Header struct {
	Key   string
	Value string
}

// Response is installed once per transaction and may be reset
// (ResetResponse) any number of times before WriteResponse is called.
type Response struct {
	Code    int
	Text    string
	Headers []Header
	Cookies []Cookie
}

// SetHeader appends a header field. Duplicate keys are permitted
// (needed for multiple Set-Cookie-like fields in the general case);
// callers that want "set" semantics should filter first.
func (r *Response) SetHeader(key, value string) {
	r.Headers = append(r.Headers, Header{Key: key, Value: value})
}

// AddCookie appends a Set-Cookie entry. Multiple cookies are permitted
// per response.
func (r *Response) AddCookie(c Cookie) {
	r.Cookies = append(r.Cookies, c)
}

var reasonPhrases = map[int]string{
	200: "OK",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

// ReasonPhrase returns the canonical reason text for a status code,
// falling back to "Unknown" for codes this package doesn't recognize.
func ReasonPhrase(code int) string {
	if t, ok := reasonPhrases[code]; ok {
		return t
	}
	return "Unknown"
}
