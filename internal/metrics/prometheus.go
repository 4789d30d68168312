package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector with client_golang collectors. They are
// created and registered lazily on first use so constructing one is free.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	expired     *prometheus.CounterVec
	missing     prometheus.Counter
	opened      prometheus.Counter
	closed      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	published   *prometheus.CounterVec
	received    prometheus.Counter
	malformed   prometheus.Counter
	busUp       prometheus.Gauge
	reconnects  prometheus.Counter
	connections prometheus.Gauge
	users       prometheus.Gauge
	stale       prometheus.Gauge
	taskRuns    *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus returns a collector registering into reg
// (prometheus.DefaultRegisterer if nil) under namespace ("notifycast" if
// empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "notifycast"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (p *Prometheus) counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func (p *Prometheus) gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.delivered = p.counterVec("delivery", "messages_delivered_total", "Messages enqueued to a connection, by event.", "event")
		p.dropped = p.counterVec("delivery", "messages_dropped_total", "Messages dropped because the connection queue was full, by event.", "event")
		p.expired = p.counterVec("delivery", "messages_expired_total", "Messages replaced by a heartbeat because their TTL elapsed, by event.", "event")
		p.missing = p.counter("delivery", "recipients_missing_total", "Explicitly targeted sessions that had no connection.")

		p.opened = p.counter("registry", "connections_opened_total", "Connections admitted to the registry.")
		p.closed = p.counterVec("registry", "connections_closed_total", "Connections removed from the registry, by reason.", "reason")
		p.rejected = p.counterVec("registry", "connections_rejected_total", "Connection attempts rejected at admission, by reason.", "reason")

		p.published = p.counterVec("bus", "published_total", "Envelopes published to the bus, by result.", "result")
		p.received = p.counter("bus", "received_total", "Envelopes received from other instances.")
		p.malformed = p.counter("bus", "malformed_total", "Bus payloads dropped because they could not be decoded.")
		p.busUp = p.gauge("bus", "connected", "1 when the bus subscription is established.")
		p.reconnects = p.counter("bus", "reconnects_total", "Bus subscription reconnect attempts.")

		p.connections = p.gauge("supervisor", "connections", "Connections in the registry at the last stats pass.")
		p.users = p.gauge("supervisor", "users", "Distinct users connected at the last stats pass.")
		p.stale = p.gauge("supervisor", "stale_connections", "Connections whose heartbeat is older than half the idle timeout.")
		p.taskRuns = p.counterVec("supervisor", "task_runs_total", "Supervisor loop iterations, by task and result.", "task", "result")
		p.evictions = p.counterVec("supervisor", "evictions_total", "Connections evicted by the cleanup loop, by reason.", "reason")

		p.reg.MustRegister(
			p.delivered, p.dropped, p.expired, p.missing,
			p.opened, p.closed, p.rejected,
			p.published, p.received, p.malformed, p.busUp, p.reconnects,
			p.connections, p.users, p.stale, p.taskRuns, p.evictions,
		)
	})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (p *Prometheus) MessageDelivered(event string) {
	p.ensureRegistered()
	p.delivered.WithLabelValues(event).Inc()
}

func (p *Prometheus) MessageDropped(event string) {
	p.ensureRegistered()
	p.dropped.WithLabelValues(event).Inc()
}

func (p *Prometheus) MessageExpired(event string) {
	p.ensureRegistered()
	p.expired.WithLabelValues(event).Inc()
}

func (p *Prometheus) RecipientMissing() {
	p.ensureRegistered()
	p.missing.Inc()
}

func (p *Prometheus) ConnectionOpened() {
	p.ensureRegistered()
	p.opened.Inc()
}

func (p *Prometheus) ConnectionClosed(reason string) {
	p.ensureRegistered()
	p.closed.WithLabelValues(reason).Inc()
}

func (p *Prometheus) ConnectionRejected(reason string) {
	p.ensureRegistered()
	p.rejected.WithLabelValues(reason).Inc()
}

func (p *Prometheus) BusPublished(ok bool) {
	p.ensureRegistered()
	p.published.WithLabelValues(result(ok)).Inc()
}

func (p *Prometheus) BusReceived() {
	p.ensureRegistered()
	p.received.Inc()
}

func (p *Prometheus) BusMalformed() {
	p.ensureRegistered()
	p.malformed.Inc()
}

func (p *Prometheus) BusConnected(connected bool) {
	p.ensureRegistered()
	if connected {
		p.busUp.Set(1)
	} else {
		p.busUp.Set(0)
	}
}

func (p *Prometheus) BusReconnect() {
	p.ensureRegistered()
	p.reconnects.Inc()
}

func (p *Prometheus) SetConnections(total, users, stale int) {
	p.ensureRegistered()
	p.connections.Set(float64(total))
	p.users.Set(float64(users))
	p.stale.Set(float64(stale))
}

func (p *Prometheus) TaskRun(task string, ok bool) {
	p.ensureRegistered()
	p.taskRuns.WithLabelValues(task, result(ok)).Inc()
}

func (p *Prometheus) SessionEvicted(reason string) {
	p.ensureRegistered()
	p.evictions.WithLabelValues(reason).Inc()
}
