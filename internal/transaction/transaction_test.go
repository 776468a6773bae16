package transaction

import (
	"bufio"
	"compress/gzip"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-httpring/internal/httpconn"
	"github.com/behrlich/go-httpring/internal/refbuf"
	"github.com/behrlich/go-httpring/internal/ring"
)

func newTestHarness(t *testing.T) (*httpconn.Stream, *refbuf.Pool, int, func()) {
	t.Helper()
	r, err := ring.NewRing(ring.Config{Entries: 16, ForcePoll: true})
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	serverFd, peerFd := fds[0], fds[1]

	var ud uint64
	pool := refbuf.NewPool()
	sess := httpconn.NewSession(serverFd, r, r, pool, nil, func() uint64 { ud++; return ud })

	cleanup := func() {
		unix.Close(peerFd)
		r.Shutdown()
	}
	return sess.Stream(), pool, peerFd, cleanup
}

func newRequest(path string, headers ...httpconn.Header) *httpconn.Request {
	return &httpconn.Request{Method: "GET", Path: path, Major: 1, Minor: 1, Headers: headers}
}

func TestHeadersEchoScenario(t *testing.T) {
	stream, pool, peerFd, cleanup := newTestHarness(t)
	defer cleanup()

	req := newRequest("/", httpconn.Header{Key: "Host", Value: "x"})
	txn := New(stream, req, pool)
	txn.ResetResponse(200)
	w, err := txn.WriteBodyStart(len("Hello World!"), "text/plain")
	require.NoError(t, err)
	_, err = w.Write([]byte("Hello World!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := readAll(t, peerFd)
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, out, "Content-Type: text/plain\r\n")
	require.True(t, strings.HasSuffix(out, "Hello World!"))
}

func TestChunkedUnknownLengthScenario(t *testing.T) {
	stream, pool, peerFd, cleanup := newTestHarness(t)
	defer cleanup()

	req := newRequest("/")
	txn := New(stream, req, pool)
	txn.ResetResponse(200)
	w, err := txn.WriteBodyStartChunked("text/plain")
	require.NoError(t, err)
	_, err = w.Write([]byte("Hello World!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := readAll(t, peerFd)
	require.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	headerEnd := strings.Index(out, "\r\n\r\n") + 4
	body := reassembleChunks(t, out[headerEnd:])
	require.Equal(t, "Hello World!", body)
}

func TestGzipOnTheFlyScenario(t *testing.T) {
	stream, pool, peerFd, cleanup := newTestHarness(t)
	defer cleanup()

	req := newRequest("/", httpconn.Header{Key: "Accept-Encoding", Value: "gzip"})
	txn := New(stream, req, pool)
	require.True(t, txn.AcceptsGzip())
	txn.ResetResponse(200)
	w, err := txn.WriteBodyStartCompressed("text/plain")
	require.NoError(t, err)
	_, err = w.Write([]byte("Hello World!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := readAll(t, peerFd)
	require.Contains(t, out, "Content-Encoding: gzip\r\n")
	require.Contains(t, out, "Vary: Accept-Encoding\r\n")
	headerEnd := strings.Index(out, "\r\n\r\n") + 4
	compressed := reassembleChunksBytes(t, out[headerEnd:])
	gz, err := gzip.NewReader(strings.NewReader(string(compressed)))
	require.NoError(t, err)
	decoded, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, "Hello World!", string(decoded))
}

func TestSetCookieOneAndMany(t *testing.T) {
	stream, pool, peerFd, cleanup := newTestHarness(t)
	defer cleanup()

	req := newRequest("/set-cookie")
	txn := New(stream, req, pool)
	resp := txn.ResetResponse(200)
	resp.AddCookie(Cookie{Name: "test1", Value: "test"})
	resp.AddCookie(Cookie{Name: "test2", Value: "test"})
	require.NoError(t, txn.WriteBodyNoContent())

	out := readAll(t, peerFd)
	count := strings.Count(out, "Set-Cookie:")
	require.Equal(t, 2, count)
	require.Contains(t, out, "Set-Cookie: test1=test;")
	require.Contains(t, out, "Set-Cookie: test2=test;")
}

func TestDeinitSendsDefaultResponseWhenHandlerNeverWrites(t *testing.T) {
	stream, pool, peerFd, cleanup := newTestHarness(t)
	defer cleanup()

	req := newRequest("/")
	txn := New(stream, req, pool)
	txn.Deinit()

	out := readAll(t, peerFd)
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 500 Internal Server Error\r\n"))
}

func readAll(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 64*1024)
	deadline := unix.Timeval{Sec: 1}
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &deadline)
	var out []byte
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return string(out)
}

func reassembleChunks(t *testing.T, raw string) string {
	t.Helper()
	return string(reassembleChunksBytes(t, raw))
}

func reassembleChunksBytes(t *testing.T, raw string) []byte {
	t.Helper()
	r := bufio.NewReader(strings.NewReader(raw))
	var out []byte
	for {
		sizeLine, err := r.ReadString('\n')
		require.NoError(t, err)
		sizeLine = strings.TrimRight(sizeLine, "\r\n")
		size64, err := strconv.ParseInt(sizeLine, 16, 64)
		require.NoError(t, err)
		size := int(size64)
		if size == 0 {
			break
		}
		chunk := make([]byte, size)
		_, err = io.ReadFull(r, chunk)
		require.NoError(t, err)
		out = append(out, chunk...)
		_, err = r.ReadString('\n') // trailing CRLF after chunk data
		require.NoError(t, err)
	}
	return out
}
