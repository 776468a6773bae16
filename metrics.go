package httpring

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-httpring/internal/interfaces"
)

// LatencyBuckets are the request-latency histogram boundaries in
// nanoseconds, unchanged from the teacher's metrics.go (1us to 10s,
// logarithmic spacing) since request latency spans the same range as
// device I/O latency.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks request-level statistics for a Server, grounded on
// the teacher's Metrics (same atomic-counter-plus-histogram shape),
// re-themed from read/write/discard/flush I/O counters to HTTP verb
// and status-class counters.
type Metrics struct {
	RequestsTotal  atomic.Uint64
	RequestsGET    atomic.Uint64
	RequestsPOST   atomic.Uint64
	RequestsPUT    atomic.Uint64
	RequestsDELETE atomic.Uint64
	RequestsOther  atomic.Uint64

	Status2xx atomic.Uint64
	Status3xx atomic.Uint64
	Status4xx atomic.Uint64
	Status5xx atomic.Uint64

	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64

	ConnOpenTotal       atomic.Uint64
	ConnActive          atomic.Int64
	OverloadRejections  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one completed transaction.
func (m *Metrics) RecordRequest(method string, status int, bytesIn, bytesOut uint64, latencyNs uint64) {
	m.RequestsTotal.Add(1)
	switch method {
	case "GET":
		m.RequestsGET.Add(1)
	case "POST":
		m.RequestsPOST.Add(1)
	case "PUT":
		m.RequestsPUT.Add(1)
	case "DELETE":
		m.RequestsDELETE.Add(1)
	default:
		m.RequestsOther.Add(1)
	}
	switch {
	case status >= 200 && status < 300:
		m.Status2xx.Add(1)
	case status >= 300 && status < 400:
		m.Status3xx.Add(1)
	case status >= 400 && status < 500:
		m.Status4xx.Add(1)
	default:
		m.Status5xx.Add(1)
	}
	m.BytesIn.Add(bytesIn)
	m.BytesOut.Add(bytesOut)
	m.recordLatency(latencyNs)
}

// RecordConnOpen records a newly accepted connection.
func (m *Metrics) RecordConnOpen() {
	m.ConnOpenTotal.Add(1)
	m.ConnActive.Add(1)
}

// RecordConnClose records a closed connection; durationNs is currently
// advisory (no per-connection histogram is kept).
func (m *Metrics) RecordConnClose(durationNs uint64) {
	m.ConnActive.Add(-1)
}

// RecordOverload records a scheduling rejection (HTTP 429 path).
func (m *Metrics) RecordOverload() {
	m.OverloadRejections.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the metrics instance as stopped, fixing UptimeNs in
// future snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics' counters plus
// derived statistics.
type MetricsSnapshot struct {
	RequestsTotal  uint64
	RequestsGET    uint64
	RequestsPOST   uint64
	RequestsPUT    uint64
	RequestsDELETE uint64
	RequestsOther  uint64

	Status2xx uint64
	Status3xx uint64
	Status4xx uint64
	Status5xx uint64

	BytesIn  uint64
	BytesOut uint64

	ConnOpenTotal      uint64
	ConnActive         int64
	OverloadRejections uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	RequestsPerSecond float64
	ErrorRate         float64
}

// Snapshot computes a MetricsSnapshot from the live counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsTotal:      m.RequestsTotal.Load(),
		RequestsGET:        m.RequestsGET.Load(),
		RequestsPOST:       m.RequestsPOST.Load(),
		RequestsPUT:        m.RequestsPUT.Load(),
		RequestsDELETE:     m.RequestsDELETE.Load(),
		RequestsOther:      m.RequestsOther.Load(),
		Status2xx:          m.Status2xx.Load(),
		Status3xx:          m.Status3xx.Load(),
		Status4xx:          m.Status4xx.Load(),
		Status5xx:          m.Status5xx.Load(),
		BytesIn:            m.BytesIn.Load(),
		BytesOut:           m.BytesOut.Load(),
		ConnOpenTotal:      m.ConnOpenTotal.Load(),
		ConnActive:         m.ConnActive.Load(),
		OverloadRejections: m.OverloadRejections.Load(),
	}

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.RequestsPerSecond = float64(snap.RequestsTotal) / (float64(snap.UptimeNs) / 1e9)
	}

	errored := snap.Status4xx + snap.Status5xx
	if snap.RequestsTotal > 0 {
		snap.ErrorRate = float64(errored) / float64(snap.RequestsTotal) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile linearly interpolates the latency at the given
// percentile (0.0-1.0) from the cumulative histogram.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter, useful between test cases.
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(string, int, uint64, uint64, uint64) {}
func (NoOpObserver) ObserveConnOpen()                                  {}
func (NoOpObserver) ObserveConnClose(uint64)                           {}
func (NoOpObserver) ObserveOverload()                                  {}

// MetricsObserver implements interfaces.Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(method string, status int, bytesIn, bytesOut, latencyNs uint64) {
	o.metrics.RecordRequest(method, status, bytesIn, bytesOut, latencyNs)
}
func (o *MetricsObserver) ObserveConnOpen()                   { o.metrics.RecordConnOpen() }
func (o *MetricsObserver) ObserveConnClose(durationNs uint64) { o.metrics.RecordConnClose(durationNs) }
func (o *MetricsObserver) ObserveOverload()                   { o.metrics.RecordOverload() }

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = (*NoOpObserver)(nil)
