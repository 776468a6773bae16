package httpconn

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/behrlich/go-httpring/internal/refbuf"
)

// OptimizeMode selects whether a body reader returns as soon as any
// byte is available or keeps pulling until the destination buffer is
// full, per spec.md §4.5.
type OptimizeMode int

const (
	Latency OptimizeMode = iota
	Bandwidth
)

// BodySource is the narrow surface a body reader needs from a Stream:
// the next queued input chunk, blocking until one is available.
type BodySource interface {
	ReadBuffer() (refbuf.RefSlice, error)
}

// SizedReader reads exactly Content-Length bytes from the stream's
// input queue.
type SizedReader struct {
	source    BodySource
	remaining int
	mode      OptimizeMode

	cur    refbuf.RefSlice
	curOff int
}

// NewSizedReader returns a reader bounded to length bytes.
func NewSizedReader(source BodySource, length int, mode OptimizeMode) *SizedReader {
	return &SizedReader{source: source, remaining: length, mode: mode}
}

func (r *SizedReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && r.remaining > 0 {
		if r.curOff >= r.cur.Len() {
			if r.cur.Valid() {
				r.cur.Drop()
				r.cur = refbuf.RefSlice{}
			}
			if n > 0 && r.mode == Latency {
				break
			}
			next, err := r.source.ReadBuffer()
			if err != nil {
				return n, err
			}
			r.cur = next
			r.curOff = 0
			if r.cur.Len() == 0 {
				continue
			}
		}
		avail := r.cur.Bytes()[r.curOff:]
		want := len(p) - n
		if want > len(avail) {
			want = len(avail)
		}
		if want > r.remaining {
			want = r.remaining
		}
		copy(p[n:n+want], avail[:want])
		n += want
		r.curOff += want
		r.remaining -= want
	}
	return n, nil
}

// chunkReadState is the small state machine spec.md §4.5 names:
// {Length, Content, Trailers}.
type chunkReadState int

const (
	chunkStateLength chunkReadState = iota
	chunkStateContent
	chunkStateTrailers
	chunkStateDone
)

// ChunkedReader decodes Transfer-Encoding: chunked request bodies.
type ChunkedReader struct {
	source BodySource
	mode   OptimizeMode
	state  chunkReadState

	cur         refbuf.RefSlice
	curOff      int
	lineCarry []byte
	chunkLeft int
}

// NewChunkedReader returns a reader decoding chunked transfer-encoding
// framing.
func NewChunkedReader(source BodySource, mode OptimizeMode) *ChunkedReader {
	return &ChunkedReader{source: source, mode: mode, state: chunkStateLength}
}

func (r *ChunkedReader) fill() ([]byte, error) {
	if r.curOff >= r.cur.Len() {
		if r.cur.Valid() {
			r.cur.Drop()
			r.cur = refbuf.RefSlice{}
		}
		next, err := r.source.ReadBuffer()
		if err != nil {
			return nil, err
		}
		r.cur = next
		r.curOff = 0
	}
	return r.cur.Bytes()[r.curOff:], nil
}

func (r *ChunkedReader) advance(n int) { r.curOff += n }

func (r *ChunkedReader) readLine() ([]byte, bool, error) {
	for {
		avail, err := r.fill()
		if err != nil {
			return nil, false, err
		}
		if idx := bytes.IndexByte(avail, '\n'); idx >= 0 {
			line := append(r.lineCarry, avail[:idx]...)
			r.lineCarry = nil
			r.advance(idx + 1)
			return bytes.TrimSuffix(line, []byte{'\r'}), true, nil
		}
		r.lineCarry = append(r.lineCarry, avail...)
		r.advance(len(avail))
	}
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		switch r.state {
		case chunkStateDone:
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case chunkStateLength:
			line, ok, err := r.readLine()
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			sizeStr := line
			if idx := bytes.IndexByte(sizeStr, ';'); idx >= 0 {
				sizeStr = sizeStr[:idx]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeStr)), 16, 64)
			if err != nil {
				return n, errors.New("httpconn: malformed chunk size")
			}
			if size == 0 {
				r.state = chunkStateTrailers
				continue
			}
			r.chunkLeft = int(size)
			r.state = chunkStateContent
		case chunkStateContent:
			if r.chunkLeft == 0 {
				// consume trailing CRLF after the chunk data
				if _, _, err := r.readLine(); err != nil {
					return n, err
				}
				r.state = chunkStateLength
				continue
			}
			avail, err := r.fill()
			if err != nil {
				return n, err
			}
			want := len(p) - n
			if want > len(avail) {
				want = len(avail)
			}
			if want > r.chunkLeft {
				want = r.chunkLeft
			}
			copy(p[n:n+want], avail[:want])
			n += want
			r.advance(want)
			r.chunkLeft -= want
			if r.mode == Latency && n > 0 {
				return n, nil
			}
		case chunkStateTrailers:
			line, ok, err := r.readLine()
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			if len(line) == 0 {
				r.state = chunkStateDone
			}
		}
	}
	return n, nil
}
