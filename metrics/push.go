package metrics

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Pusher sends gathered metrics to a Prometheus Pushgateway. Short-lived
// hosts such as Lambda have no scrape endpoint, so they push after each
// invocation instead.
type Pusher struct {
	pusher   *push.Pusher
	instance string
}

// NewPusher creates a Pusher for the gateway at url. Each Pusher groups its
// metrics under its own instance label, so concurrent hosts do not replace
// each other's counters.
func NewPusher(url, job string, g prometheus.Gatherer) *Pusher {
	instance := uuid.NewString()
	return &Pusher{
		pusher:   push.New(url, job).Gatherer(g).Grouping("instance", instance),
		instance: instance,
	}
}

// Instance returns the instance label value.
func (p *Pusher) Instance() string { return p.instance }

// Push sends the current metric values, replacing earlier pushes of the same
// metric names for this instance.
func (p *Pusher) Push(ctx context.Context) error {
	return p.pusher.AddContext(ctx)
}
