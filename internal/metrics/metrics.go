// Package metrics exports the Prometheus collectors for Crab City's daemon
// process. Collectors are updated from several goroutines (Instance Actors,
// mailbox senders, Session.Deliver callers); the prometheus collectors are
// safe for concurrent use, so no metric here needs its own locking.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the daemon registers.
type Metrics struct {
	InstancesRunning  prometheus.Gauge
	InstanceBytes     *prometheus.CounterVec
	ClientQueueDrops  *prometheus.CounterVec
	MailboxBusyTotal  *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// Get returns the process-wide Metrics singleton, registering collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			InstancesRunning: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "crabcity_instances_running",
				Help: "Number of instances currently in the running state.",
			}),
			InstanceBytes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "crabcity_instance_bytes_total",
				Help: "Bytes produced by an instance's PTY, cumulative.",
			}, []string{"instance_id"}),
			ClientQueueDrops: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "crabcity_client_queue_drops_total",
				Help: "Output messages dropped because a client's outbound queue was full.",
			}, []string{"client_id"}),
			MailboxBusyTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "crabcity_mailbox_busy_total",
				Help: "Times a send to an instance actor's mailbox had to wait because it was full.",
			}, []string{"instance_id"}),
		}
	})
	return instance
}
