package httpring

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-httpring/internal/transaction"
)

func dialLoopback(t *testing.T, addr string) net.Conn {
	t.Helper()
	target := strings.TrimPrefix(addr, "tcp://")
	conn, err := net.DialTimeout("tcp", target, 2*time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestServerServesBasicGet(t *testing.T) {
	handler := NewMockHandler(func(txn *transaction.Transaction) {
		w, err := txn.WriteBodyStart(len("hello"), "text/plain")
		require.NoError(t, err)
		_, _ = w.Write([]byte("hello"))
		require.NoError(t, w.Close())
	})
	srv, err := NewLoopbackServer(handler)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialLoopback(t, srv.Addr())
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, handler.Calls())
}

func TestServerKeepAlivePersistsAcrossRequests(t *testing.T) {
	handler := NewMockHandler(func(txn *transaction.Transaction) {
		_ = txn.WriteBodyNoContent()
	})
	srv, err := NewLoopbackServer(handler)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialLoopback(t, srv.Addr())
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n"))
		require.NoError(t, err)
		resp, err := http.ReadResponse(reader, nil)
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode)
		resp.Body.Close()
	}
	require.Equal(t, 2, handler.Calls())
}

func TestServerRejectsMalformedRequestWith400(t *testing.T) {
	handler := NewMockHandler(nil)
	srv, err := NewLoopbackServer(handler)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialLoopback(t, srv.Addr())
	defer conn.Close()

	_, err = conn.Write([]byte("NOTAVERB / HTTP/9.9\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, 0, handler.Calls())
}

func TestServerOverloadReturns429(t *testing.T) {
	release := make(chan struct{})
	handler := NewMockHandler(func(txn *transaction.Transaction) {
		<-release
		_ = txn.WriteBodyNoContent()
	})
	params := DefaultParams(handler)
	params.Workers = 1
	params.WorkerQueueDepth = 1
	srv, err := CreateAndServe(params)
	require.NoError(t, err)
	defer func() {
		close(release)
		srv.Stop()
	}()

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		conn := dialLoopback(t, srv.Addrs[0])
		conns = append(conns, conn)
		defer conn.Close()
		_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
		require.NoError(t, err)
	}

	sawOverload := false
	for _, conn := range conns {
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			continue
		}
		if resp.StatusCode == 429 {
			sawOverload = true
		}
	}
	require.True(t, sawOverload)
}

func TestServerStopDrainsGracefully(t *testing.T) {
	handler := NewMockHandler(nil)
	srv, err := NewLoopbackServer(handler)
	require.NoError(t, err)

	conn := dialLoopback(t, srv.Addr())
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	conn.Close()

	require.NoError(t, srv.Stop())
	require.Equal(t, StatusStopped, srv.Status())
}
