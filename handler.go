// Package httpring is the server dispatcher of spec.md §4.7: it owns
// the listen sockets and the main completion ring, runs the
// accept/read loop, and hands completed transactions to a worker pool
// that invokes application code through the Handler seam below.
package httpring

import "github.com/behrlich/go-httpring/internal/transaction"

// Handler is the out-of-scope collaborator the dispatcher consumes
// without owning any routing policy, mirroring how the teacher's
// internal/interfaces.Backend keeps queue.Runner storage-agnostic: the
// dispatcher only ever calls ServeHTTP and never inspects how a path
// was matched or a handler chosen.
type Handler interface {
	ServeHTTP(txn *transaction.Transaction)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(txn *transaction.Transaction)

// ServeHTTP calls f(txn).
func (f HandlerFunc) ServeHTTP(txn *transaction.Transaction) { f(txn) }
