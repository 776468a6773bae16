package httpring

import (
	"sync"

	"github.com/behrlich/go-httpring/internal/transaction"
)

// MockHandler is a call-tracking Handler for unit tests, grounded on
// testing.go's MockBackend: it records every invocation and lets the
// caller install a custom response function.
type MockHandler struct {
	mu    sync.Mutex
	calls int
	serve func(txn *transaction.Transaction)
}

// NewMockHandler creates a MockHandler that runs serve for every
// request. A nil serve responds 200 with an empty body.
func NewMockHandler(serve func(txn *transaction.Transaction)) *MockHandler {
	return &MockHandler{serve: serve}
}

// ServeHTTP implements Handler.
func (m *MockHandler) ServeHTTP(txn *transaction.Transaction) {
	m.mu.Lock()
	m.calls++
	serve := m.serve
	m.mu.Unlock()

	if serve != nil {
		serve(txn)
		return
	}
	txn.ResetResponse(200)
	_ = txn.WriteBodyNoContent()
}

// Calls reports how many times ServeHTTP has run.
func (m *MockHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LoopbackServer is a Server bound to an ephemeral loopback TCP port,
// for end-to-end tests that need a real accepted socket rather than a
// socketpair. Grounded on the same need NewMockBackend addresses for
// ublk consumers: a ready-to-use instance a test can spin up in one
// call and tear down in a deferred Close.
type LoopbackServer struct {
	*Server
}

// NewLoopbackServer starts a Server listening on 127.0.0.1:0 with the
// given handler and returns it once it is accepting connections.
func NewLoopbackServer(handler Handler) (*LoopbackServer, error) {
	params := DefaultParams(handler)
	srv, err := CreateAndServe(params)
	if err != nil {
		return nil, err
	}
	return &LoopbackServer{Server: srv}, nil
}

// Addr returns the server's sole bound address.
func (l *LoopbackServer) Addr() string {
	if len(l.Addrs) == 0 {
		return ""
	}
	return l.Addrs[0]
}

// Close stops the server, draining any in-flight connections.
func (l *LoopbackServer) Close() error {
	return l.Stop()
}
