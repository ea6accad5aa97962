package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Handler serves everything g gathers in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewPusher sends what g gathers to the Pushgateway at url under job.
// Short-lived processes (CLI runs, Lambda invocations) cannot be scraped,
// so they push instead. A non-empty instance is added as a grouping label
// so concurrent processes do not overwrite each other.
func NewPusher(url, job, instance string, g prometheus.Gatherer) *push.Pusher {
	p := push.New(url, job).Gatherer(g)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	return p
}
