package notify

import (
	"fmt"
	"time"
)

// Priority is totally ordered: PriorityLow < PriorityNormal < PriorityHigh <
// PriorityCritical. The zero value is PriorityNormal. Priority never reorders
// a queue; it only shapes the reconnect hint sent to clients.
type Priority int8

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// RetryHint is the reconnect delay advertised alongside an event. Critical
// traffic asks clients to come back sooner.
func (p Priority) RetryHint() time.Duration {
	switch {
	case p >= PriorityCritical:
		return time.Second
	case p == PriorityHigh:
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityCritical {
		return nil, fmt.Errorf("notify: invalid priority %d", int8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*p = PriorityLow
	case "normal", "":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return fmt.Errorf("notify: unknown priority %q", string(b))
	}
	return nil
}
