// Package metrics holds the Prometheus collectors tally components report to.
//
// A nil *Collectors is valid and records nothing, so components can be
// built without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	Acquired  = "acquired"
	Contended = "contended"
	Released  = "released"
	NotHolder = "not_holder"
	Applied   = "applied"
	Conflict  = "conflict"
	NotFound  = "not_found"
	OK        = "ok"
	Error     = "error"
)

// Collectors groups tally's counters.
type Collectors struct {
	LockAcquires     *prometheus.CounterVec
	LockReleases     *prometheus.CounterVec
	VersionedWrites  *prometheus.CounterVec
	RateLimitWrites  *prometheus.CounterVec
	StreamVersionGap prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is useful in tests.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		LockAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Name:      "lock_acquires_total",
			Help:      "Lock acquire attempts by table and result.",
		}, []string{"table", "result"}),
		LockReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Name:      "lock_releases_total",
			Help:      "Lock release attempts by table and result.",
		}, []string{"table", "result"}),
		VersionedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Name:      "versioned_writes_total",
			Help:      "Optimistic versioned writes by table and outcome.",
		}, []string{"table", "result"}),
		RateLimitWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Name:      "rate_limit_writes_total",
			Help:      "Token-bucket state writes by table and result.",
		}, []string{"table", "result"}),
		StreamVersionGap: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tally",
			Name:      "stream_version_gaps_total",
			Help:      "Stream records whose version did not advance by exactly one.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.LockAcquires, c.LockReleases, c.VersionedWrites, c.RateLimitWrites, c.StreamVersionGap)
	}
	return c
}

// LockAcquire records an acquire outcome.
func (c *Collectors) LockAcquire(table, result string) {
	if c == nil {
		return
	}
	c.LockAcquires.WithLabelValues(table, result).Inc()
}

// LockRelease records a release outcome.
func (c *Collectors) LockRelease(table, result string) {
	if c == nil {
		return
	}
	c.LockReleases.WithLabelValues(table, result).Inc()
}

// VersionedWrite records an optimistic write outcome.
func (c *Collectors) VersionedWrite(table, result string) {
	if c == nil {
		return
	}
	c.VersionedWrites.WithLabelValues(table, result).Inc()
}

// RateLimitWrite records a token-bucket persistence outcome.
func (c *Collectors) RateLimitWrite(table, result string) {
	if c == nil {
		return
	}
	c.RateLimitWrites.WithLabelValues(table, result).Inc()
}

// VersionGap records a stream record with a non-monotonic version.
func (c *Collectors) VersionGap() {
	if c == nil {
		return
	}
	c.StreamVersionGap.Inc()
}
