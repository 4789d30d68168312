// Package metrics defines the instrumentation surface of the notification
// core and its Prometheus implementation.
package metrics

// Collector receives counters and gauges from the registry, delivery engine,
// bus relay and supervisor. Implementations must be safe for concurrent use.
type Collector interface {
	// Delivery engine.
	MessageDelivered(event string)
	MessageDropped(event string)
	MessageExpired(event string)
	RecipientMissing()

	// Registry.
	ConnectionOpened()
	ConnectionClosed(reason string)
	ConnectionRejected(reason string)

	// Bus relay.
	BusPublished(ok bool)
	BusReceived()
	BusMalformed()
	BusConnected(connected bool)
	BusReconnect()

	// Supervisor.
	SetConnections(total, users, stale int)
	TaskRun(task string, ok bool)
	SessionEvicted(reason string)
}

// Nop discards every observation.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) MessageDelivered(string)      {}
func (Nop) MessageDropped(string)        {}
func (Nop) MessageExpired(string)        {}
func (Nop) RecipientMissing()            {}
func (Nop) ConnectionOpened()            {}
func (Nop) ConnectionClosed(string)      {}
func (Nop) ConnectionRejected(string)    {}
func (Nop) BusPublished(bool)            {}
func (Nop) BusReceived()                 {}
func (Nop) BusMalformed()                {}
func (Nop) BusConnected(bool)            {}
func (Nop) BusReconnect()                {}
func (Nop) SetConnections(int, int, int) {}
func (Nop) TaskRun(string, bool)         {}
func (Nop) SessionEvicted(string)        {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
