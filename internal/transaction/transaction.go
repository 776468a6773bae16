package transaction

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/behrlich/go-httpring/internal/httpconn"
	"github.com/behrlich/go-httpring/internal/refbuf"
)

// Transaction bundles a Stream, the Request that arrived on it, a
// default-populated Response (HTTP 500, per spec.md §4.6), and an
// arena used for the response's wire-format bytes.
type Transaction struct {
	Stream   *httpconn.Stream
	Request  *httpconn.Request
	Response *Response

	arena           *Arena
	responseWritten bool
	bodyWriter      httpconn.BodyWriter
}

// New creates a transaction for a freshly completed request. It also
// decides the stream's keep-alive setting from the request's
// Connection header and HTTP version, per spec.md §6.
func New(stream *httpconn.Stream, req *httpconn.Request, pool *refbuf.Pool) *Transaction {
	stream.SetKeepAlive(determineKeepAlive(req))
	return &Transaction{
		Stream:  stream,
		Request: req,
		Response: &Response{
			Code: 500,
			Text: ReasonPhrase(500),
		},
		arena: NewArena(pool),
	}
}

func determineKeepAlive(req *httpconn.Request) bool {
	conn, ok := req.HeaderValue("Connection")
	if req.Major == 1 && req.Minor == 1 {
		return !ok || !strings.EqualFold(strings.TrimSpace(conn), "close")
	}
	return ok && strings.EqualFold(strings.TrimSpace(conn), "keep-alive")
}

// ResetResponse installs a status code and its canonical reason text,
// clearing any headers or cookies set so far. It may be called
// multiple times before WriteResponse.
func (t *Transaction) ResetResponse(code int) *Response {
	if t.responseWritten {
		panic("transaction: ResetResponse called after WriteResponse")
	}
	t.Response.Code = code
	t.Response.Text = ReasonPhrase(code)
	t.Response.Headers = nil
	t.Response.Cookies = nil
	return t.Response
}

// WriteResponse ensures Connection (and, if keep-alive, Keep-Alive)
// headers are set, then serialises status line and headers to the
// wire. Writing two status lines on one transaction is a state
// violation per spec.md §7 and panics rather than returning an error.
func (t *Transaction) WriteResponse() error {
	if t.responseWritten {
		panic("transaction: WriteResponse called twice")
	}
	t.ensureConnectionHeaders()
	t.responseWritten = true
	return t.Stream.WriteResponse(t.serialize())
}

func (t *Transaction) ensureConnectionHeaders() {
	keepAlive := t.Stream.KeepAlive()
	if keepAlive {
		t.Response.SetHeader("Connection", "keep-alive")
		t.Response.SetHeader("Keep-Alive", "timeout=5")
	} else {
		t.Response.SetHeader("Connection", "close")
	}
}

func (t *Transaction) serialize() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.%d %d %s\r\n", t.Request.Minor, t.Response.Code, t.Response.Text)
	for _, h := range t.Response.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Key, h.Value)
	}
	for _, c := range t.Response.Cookies {
		fmt.Fprintf(&buf, "Set-Cookie: %s\r\n", c.String())
	}
	buf.WriteString("\r\n")
	return t.arena.CopyBytes(buf.Bytes())
}

// WriteBodyStart composes ResetResponse's headers with a
// Content-Length and writes the response line, returning a writer for
// a sized body.
func (t *Transaction) WriteBodyStart(size int, contentType string) (httpconn.BodyWriter, error) {
	t.Response.SetHeader("Content-Type", contentType)
	t.Response.SetHeader("Content-Length", strconv.Itoa(size))
	if err := t.WriteResponse(); err != nil {
		return nil, err
	}
	w := httpconn.NewSizedWriter(t.Stream)
	t.bodyWriter = w
	return w, nil
}

// WriteBodyStartChunked starts an unknown-length HTTP/1.1 body,
// Transfer-Encoding: chunked (spec.md §4.5 mode "Infinite"). This
// supplements the Sized/compressed pair spec.md §4.6 names explicitly,
// since §4.5 and the literal scenario in §8.2 both require an
// uncompressed chunked mode too.
func (t *Transaction) WriteBodyStartChunked(contentType string) (httpconn.BodyWriter, error) {
	t.Response.SetHeader("Content-Type", contentType)
	t.Response.SetHeader("Transfer-Encoding", "chunked")
	if err := t.WriteResponse(); err != nil {
		return nil, err
	}
	w := httpconn.NewChunkedWriter(t.Stream)
	t.bodyWriter = w
	return w, nil
}

// WriteBodyStartCompressed is WriteBodyStart's gzip counterpart,
// engaged only when the handler explicitly opts in (the caller is
// expected to have checked the request's Accept-Encoding already).
func (t *Transaction) WriteBodyStartCompressed(contentType string) (httpconn.BodyWriter, error) {
	t.Response.SetHeader("Content-Type", contentType)
	t.Response.SetHeader("Content-Encoding", "gzip")
	t.Response.SetHeader("Vary", "Accept-Encoding")
	t.Response.SetHeader("Transfer-Encoding", "chunked")
	if err := t.WriteResponse(); err != nil {
		return nil, err
	}
	w := httpconn.NewGzipChunkedWriter(t.Stream)
	t.bodyWriter = w
	return w, nil
}

// WriteBodyNoContent sets Content-Length: 0 and writes headers only.
func (t *Transaction) WriteBodyNoContent() error {
	t.Response.SetHeader("Content-Length", "0")
	return t.WriteResponse()
}

// AcceptsGzip reports whether the request's Accept-Encoding includes
// gzip (q= weights are ignored per spec.md §6).
func (t *Transaction) AcceptsGzip() bool {
	ae, ok := t.Request.HeaderValue("Accept-Encoding")
	if !ok {
		return false
	}
	for _, enc := range strings.Split(ae, ",") {
		enc = strings.TrimSpace(enc)
		if semi := strings.IndexByte(enc, ';'); semi >= 0 {
			enc = enc[:semi]
		}
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

// BodyReader returns a reader over the request body, selecting a
// SizedReader or ChunkedReader from the request's framing headers.
func (t *Transaction) BodyReader(mode httpconn.OptimizeMode) io.Reader {
	if cl, ok := t.Request.HeaderValue("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			n = 0
		}
		return httpconn.NewSizedReader(t.Stream, n, mode)
	}
	if te, ok := t.Request.HeaderValue("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		return httpconn.NewChunkedReader(t.Stream, mode)
	}
	return httpconn.NewSizedReader(t.Stream, 0, mode)
}

// Deinit flushes pending sends, releases the arena, and marks the
// stream's response as ended. If the handler never wrote a response
// (it errored out before doing so), the transaction's default 500 is
// sent instead, matching spec.md §7's "handlers' own errors are
// logged; the transaction's deinit still runs to flush and free."
func (t *Transaction) Deinit() {
	if !t.responseWritten {
		_ = t.WriteBodyNoContent()
	}
	if t.bodyWriter != nil {
		_ = t.bodyWriter.Close()
	} else {
		_ = t.Stream.Flush()
	}
	t.arena.Release()
	t.Stream.MarkResponseEnd()
}
