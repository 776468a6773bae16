// Package httpconn implements the Session and Stream layer of
// spec.md §4.4-4.5: per-connection state, the incremental HTTP/1
// request parser, and the body reader/writer framing.
//
// Grounded on internal/queue/runner.go's TagState enum and
// handleCompletion's explicit state-transition switch: this package
// reuses that "small integer state, switch-driven transitions,
// explicit not-enough-data-yet return" shape for the parser and the
// stream state machine alike.
package httpconn

import (
	"bytes"
	"errors"
)

// ErrMalformed and ErrUnsupportedVersion are the two parse-error kinds
// spec.md §7 names; internal/httpconn has no business wrapping them in
// the root package's Error taxonomy, so it returns these sentinels and
// lets the caller (Transaction/Server) do the wrapping.
var (
	ErrMalformed         = errors.New("httpconn: malformed request line or headers")
	ErrUnsupportedVersion = errors.New("httpconn: unsupported HTTP version")
)

// Header is one parsed request header field.
type Header struct {
	Key   string
	Value string
}

// Request is the fully parsed request line and header block.
type Request struct {
	Method  string
	Path    string
	Major   int
	Minor   int
	Headers []Header
}

// HeaderValue looks up a header by case-insensitive key, returning the
// first match.
func (r *Request) HeaderValue(key string) (string, bool) {
	for _, h := range r.Headers {
		if len(h.Key) == len(key) && equalFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	return bytes.EqualFold([]byte(a), []byte(b))
}

type parserState int

const (
	parserStateFirstLine parserState = iota
	parserStateHeaders
	parserStateDone
)

// Parser incrementally consumes request-line and header bytes as they
// arrive in arbitrarily-cut chunks, per spec.md §4.5's
// {walked_offset, is_first_line, final} state description (here
// realized as parserState + a carry buffer for a line split across
// chunk boundaries, since Go slices don't need an explicit walked
// offset to express "not done yet").
type Parser struct {
	state parserState
	carry []byte
	req   *Request
}

// NewParser returns a parser ready to consume the first line of a new
// request.
func NewParser() *Parser {
	return &Parser{state: parserStateFirstLine, req: &Request{}}
}

// Feed consumes one chunk of bytes. It returns how many leading bytes
// of chunk were consumed (fewer than len(chunk) once final, per spec.md
// §4.5's "residual bytes... pushed back to the input queue"), whether
// the request is now fully parsed, and any parse error.
func (p *Parser) Feed(chunk []byte) (consumed int, final bool, err error) {
	full := chunk
	if len(p.carry) > 0 {
		full = make([]byte, 0, len(p.carry)+len(chunk))
		full = append(full, p.carry...)
		full = append(full, chunk...)
	}

	processed := 0
	for {
		idx := bytes.IndexByte(full[processed:], '\n')
		if idx < 0 {
			break
		}
		lineEnd := processed + idx
		line := bytes.TrimSuffix(full[processed:lineEnd], []byte{'\r'})
		processed = lineEnd + 1

		if err := p.consumeLine(line); err != nil {
			return 0, false, err
		}
		if p.state == parserStateDone {
			leftoverInFull := len(full) - processed
			p.carry = nil
			consumedFromChunk := len(chunk) - leftoverInFull
			if consumedFromChunk < 0 {
				consumedFromChunk = 0
			}
			return consumedFromChunk, true, nil
		}
	}

	p.carry = append([]byte(nil), full[processed:]...)
	return len(chunk), false, nil
}

// Request returns the parsed request. Only meaningful once Feed has
// returned final=true.
func (p *Parser) Request() *Request { return p.req }

func (p *Parser) consumeLine(line []byte) error {
	switch p.state {
	case parserStateFirstLine:
		return p.consumeFirstLine(line)
	case parserStateHeaders:
		return p.consumeHeaderLine(line)
	default:
		return nil
	}
}

func (p *Parser) consumeFirstLine(line []byte) error {
	if len(line) == 0 {
		return ErrMalformed
	}

	// A line beginning with '/' is an HTTP/1.0 "simple request":
	// just a path, method implied GET, no version token at all.
	if line[0] == '/' {
		p.req.Method = "GET"
		p.req.Path = string(line)
		p.req.Major, p.req.Minor = 1, 0
		p.state = parserStateHeaders
		return nil
	}

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return ErrMalformed
	}
	method, path, version := parts[0], parts[1], parts[2]
	if len(method) == 0 || len(path) == 0 {
		return ErrMalformed
	}
	if !bytes.HasPrefix(version, []byte("HTTP/")) {
		return ErrMalformed
	}

	major, minor, ok := parseVersion(version)
	if !ok {
		return ErrUnsupportedVersion
	}

	p.req.Method = internMethod(method)
	p.req.Path = string(path)
	p.req.Major, p.req.Minor = major, minor
	p.state = parserStateHeaders
	return nil
}

func parseVersion(v []byte) (major, minor int, ok bool) {
	if len(v) != 8 {
		return 0, 0, false
	}
	if !bytes.HasPrefix(v, []byte("HTTP/1.")) {
		return 0, 0, false
	}
	switch v[7] {
	case '0':
		return 1, 0, true
	case '1':
		return 1, 1, true
	default:
		return 0, 0, false
	}
}

func (p *Parser) consumeHeaderLine(line []byte) error {
	if len(line) == 0 {
		p.state = parserStateDone
		return nil
	}

	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return ErrMalformed
	}
	key := line[:colon]
	value := bytes.TrimSpace(line[colon+1:])
	if len(key) == 0 {
		return ErrMalformed
	}

	p.req.Headers = append(p.req.Headers, Header{
		Key:   internHeaderKey(key),
		Value: string(value),
	})
	return nil
}

var internedMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE"}

func internMethod(b []byte) string {
	for _, m := range internedMethods {
		if len(m) == len(b) && bytes.Equal([]byte(m), b) {
			return m
		}
	}
	return string(b)
}

var internedHeaderKeys = []string{
	"Content-Type", "Content-Length", "Host", "Connection", "Keep-Alive",
	"Transfer-Encoding", "Accept-Encoding", "Content-Encoding", "Vary",
	"Set-Cookie", "Cookie", "User-Agent", "Accept",
}

func internHeaderKey(b []byte) string {
	for _, k := range internedHeaderKeys {
		if len(k) == len(b) && bytes.EqualFold([]byte(k), b) {
			return k
		}
	}
	return string(b)
}
