// Package metrics exports protocol traffic and table health to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ntcore/pkg/message"
	"ntcore/pkg/network"
)

const namespace = "ntcore"

// Collector implements network.Observer and keeps its own registry so
// several instances can live in one process.
type Collector struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	connections      *prometheus.GaugeVec
	saves            *prometheus.CounterVec
	entries          prometheus.GaugeFunc
	notifyQueue      prometheus.GaugeFunc
}

// New registers the collectors. entries and queueLen may be nil.
func New(entries, queueLen func() int) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "messages_sent_total",
			Help:      "The total number of protocol messages sent.",
		}, []string{"kind"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "messages_received_total",
			Help:      "The total number of protocol messages received.",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "bytes_sent_total",
			Help:      "The total number of bytes written to peers.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "bytes_received_total",
			Help:      "The total number of bytes read from peers.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "connections",
			Help:      "The current number of connections per state.",
		}, []string{"state"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persistent_saves_total",
			Help:      "The total number of persistent file saves.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(c.messagesSent, c.messagesReceived, c.bytesSent,
		c.bytesReceived, c.connections, c.saves)

	if entries != nil {
		c.entries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "entries",
			Help:      "The current number of entries in the table.",
		}, func() float64 { return float64(entries()) })
		c.registry.MustRegister(c.entries)
	}
	if queueLen != nil {
		c.notifyQueue = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "queue_length",
			Help:      "The number of undelivered listener events.",
		}, func() float64 { return float64(queueLen()) })
		c.registry.MustRegister(c.notifyQueue)
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

func (c *Collector) MessageSent(kind message.Kind) {
	c.messagesSent.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) MessageReceived(kind message.Kind) {
	c.messagesReceived.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) BytesSent(n int)     { c.bytesSent.Add(float64(n)) }
func (c *Collector) BytesReceived(n int) { c.bytesReceived.Add(float64(n)) }

// ConnectionState moves one connection between state buckets.
func (c *Collector) ConnectionState(from, to network.State) {
	if from != network.StateCreated {
		c.connections.WithLabelValues(from.String()).Dec()
	}
	if to != network.StateDead {
		c.connections.WithLabelValues(to.String()).Inc()
	}
}

// SaveResult fits dispatcher.Options.OnSave.
func (c *Collector) SaveResult(err error) {
	if err != nil {
		c.saves.WithLabelValues("error").Inc()
		return
	}
	c.saves.WithLabelValues("ok").Inc()
}

var _ network.Observer = (*Collector)(nil)
