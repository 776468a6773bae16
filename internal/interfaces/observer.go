// Package interfaces provides internal interface definitions for go-httpring.
// These are separate from the root package to avoid circular imports
// between the main package and the internal I/O packages (httpconn, ring,
// transaction all need to call back into logging/metrics without importing
// the root package that owns them).
package interfaces

// Logger is the narrow logging seam the I/O core consumes. It is
// satisfied by *logging.Logger; callers that don't want logging pass nil.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer collects transaction-level metrics from the I/O core.
// Implementations must be thread-safe: methods are called concurrently
// from worker goroutines and the dispatch loop.
type Observer interface {
	ObserveRequest(method string, status int, bytesIn, bytesOut uint64, latencyNs uint64)
	ObserveConnOpen()
	ObserveConnClose(durationNs uint64)
	ObserveOverload()
}
