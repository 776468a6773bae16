// +build integration

// Package integration exercises go-httpring end to end over real
// accepted sockets, the way the teacher's test/integration package
// exercises a real ublk device rather than mocked backends.
package integration

import (
	"bufio"
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	httpring "github.com/behrlich/go-httpring"
	"github.com/behrlich/go-httpring/internal/transaction"
)

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	target := strings.TrimPrefix(addr, "tcp://")
	conn, err := net.DialTimeout("tcp", target, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", target, err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// TestHeadersEchoOverRealSocket is literal scenario 1: a bare GET /
// gets a 200 with an explicit Content-Type and the exact body.
func TestHeadersEchoOverRealSocket(t *testing.T) {
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		w, err := txn.WriteBodyStart(len("Hello World!"), "text/plain")
		if err != nil {
			t.Fatalf("WriteBodyStart: %v", err)
		}
		_, _ = w.Write([]byte("Hello World!"))
		_ = w.Close()
	})
	srv, err := httpring.NewLoopbackServer(handler)
	if err != nil {
		t.Fatalf("NewLoopbackServer: %v", err)
	}
	defer srv.Close()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello World!" {
		t.Errorf("body = %q, want %q", body, "Hello World!")
	}
}

// TestChunkedUnknownLengthOverRealSocket is literal scenario 2.
func TestChunkedUnknownLengthOverRealSocket(t *testing.T) {
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		w, err := txn.WriteBodyStartChunked("text/plain")
		if err != nil {
			t.Fatalf("WriteBodyStartChunked: %v", err)
		}
		_, _ = w.Write([]byte("Hello World!"))
		_ = w.Close()
	})
	srv, err := httpring.NewLoopbackServer(handler)
	if err != nil {
		t.Fatalf("NewLoopbackServer: %v", err)
	}
	defer srv.Close()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if te := resp.Header.Get("Transfer-Encoding"); te != "chunked" {
		t.Errorf("Transfer-Encoding = %q, want chunked", te)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello World!" {
		t.Errorf("body = %q, want %q", body, "Hello World!")
	}
}

// TestGzipOnTheFlyOverRealSocket is literal scenario 4.
func TestGzipOnTheFlyOverRealSocket(t *testing.T) {
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		w, err := txn.WriteBodyStartCompressed("text/plain")
		if err != nil {
			t.Fatalf("WriteBodyStartCompressed: %v", err)
		}
		_, _ = w.Write([]byte("Hello World!"))
		_ = w.Close()
	})
	srv, err := httpring.NewLoopbackServer(handler)
	if err != nil {
		t.Fatalf("NewLoopbackServer: %v", err)
	}
	defer srv.Close()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if enc := resp.Header.Get("Content-Encoding"); enc != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", enc)
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()
	body, _ := io.ReadAll(gr)
	if string(body) != "Hello World!" {
		t.Errorf("decompressed body = %q, want %q", body, "Hello World!")
	}
}

// TestSetCookieOneOverRealSocket is literal scenario 5.
func TestSetCookieOneOverRealSocket(t *testing.T) {
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		resp := txn.ResetResponse(200)
		resp.AddCookie(transaction.Cookie{Name: "test", Value: "test"})
		_ = txn.WriteBodyNoContent()
	})
	srv, err := httpring.NewLoopbackServer(handler)
	if err != nil {
		t.Fatalf("NewLoopbackServer: %v", err)
	}
	defer srv.Close()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	_, _ = conn.Write([]byte("POST /set-cookie HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) != 1 {
		t.Fatalf("got %d Set-Cookie headers, want 1", len(cookies))
	}
	if !strings.HasPrefix(cookies[0], "test=test") {
		t.Errorf("cookie = %q, want prefix test=test", cookies[0])
	}
}

// TestSetCookieManyOverRealSocket is literal scenario 6.
func TestSetCookieManyOverRealSocket(t *testing.T) {
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		resp := txn.ResetResponse(200)
		resp.AddCookie(transaction.Cookie{Name: "test1", Value: "test"})
		resp.AddCookie(transaction.Cookie{Name: "test2", Value: "test"})
		_ = txn.WriteBodyNoContent()
	})
	srv, err := httpring.NewLoopbackServer(handler)
	if err != nil {
		t.Fatalf("NewLoopbackServer: %v", err)
	}
	defer srv.Close()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	_, _ = conn.Write([]byte("POST /set-cookie HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("got %d Set-Cookie headers, want 2", len(cookies))
	}
	for _, c := range cookies {
		if !strings.HasSuffix(strings.TrimSuffix(c, ";"), "=test") {
			t.Errorf("cookie %q does not end with =test;", c)
		}
	}
}

// TestNoUnframedBytesOverRealSocket is P3: the socket carries exactly
// the framed bytes, nothing more, nothing less.
func TestNoUnframedBytesOverRealSocket(t *testing.T) {
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		w, err := txn.WriteBodyStart(len("ok"), "text/plain")
		if err != nil {
			t.Fatalf("WriteBodyStart: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
		_ = w.Close()
	})
	srv, err := httpring.NewLoopbackServer(handler)
	if err != nil {
		t.Fatalf("NewLoopbackServer: %v", err)
	}
	defer srv.Close()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if reader.Buffered() != 0 {
		t.Errorf("%d trailing bytes buffered after a fully-read response", reader.Buffered())
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	extra := make([]byte, 1)
	if n, err := conn.Read(extra); err == nil || n != 0 {
		t.Errorf("expected no further bytes after Connection: close response, got n=%d err=%v", n, err)
	}
}

// TestGracefulShutdownClosesAllSockets is P6: after Stop, every
// accepted connection observes the peer going away.
func TestGracefulShutdownClosesAllSockets(t *testing.T) {
	release := make(chan struct{})
	handler := httpring.HandlerFunc(func(txn *transaction.Transaction) {
		<-release
		_ = txn.WriteBodyNoContent()
	})
	params := httpring.DefaultParams(handler)
	srv, err := httpring.CreateAndServe(params)
	if err != nil {
		t.Fatalf("CreateAndServe: %v", err)
	}

	const n = 3
	conns := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		conns[i] = dial(t, srv.Addrs[0])
		_, _ = conns[i].Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- srv.Stop() }()

	// Give Stop a moment to begin draining before releasing handlers,
	// matching the scenario of a shutdown racing in-flight requests.
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.Status() != httpring.StatusStopped {
		t.Errorf("Status() = %v, want StatusStopped", srv.Status())
	}

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 4096)
		var readErr error
		for readErr == nil {
			_, readErr = conn.Read(buf)
		}
		if readErr == nil {
			t.Errorf("conn %d: expected eventual read error after shutdown", i)
		}
		conn.Close()
	}
}
