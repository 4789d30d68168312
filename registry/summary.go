package registry

import "time"

// Summary aggregates the registry for statistics and the admin read API.
type Summary struct {
	Total  int            `json:"total"`
	Users  int            `json:"users"`
	ByUnit map[string]int `json:"by_unit"`
	ByRole map[string]int `json:"by_role"`
	// Stale counts connections whose last heartbeat is older than the
	// staleAfter threshold given to Summarize.
	Stale int `json:"stale"`
}

// StaleRatio is Stale/Total, or 0 for an empty registry.
func (s Summary) StaleRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Stale) / float64(s.Total)
}

// Summarize counts connections by unit and role under a single read lock.
// A non-positive staleAfter disables stale counting.
func (r *Registry) Summarize(staleAfter time.Duration) Summary {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		Total:  len(r.conns),
		Users:  len(r.byUser),
		ByUnit: make(map[string]int),
		ByRole: make(map[string]int),
	}
	for _, c := range r.conns {
		unit := c.Snapshot.UnitID
		if unit == "" {
			unit = "none"
		}
		role := c.Snapshot.Role
		if role == "" {
			role = "none"
		}
		s.ByUnit[unit]++
		s.ByRole[role]++
		if staleAfter > 0 && now.Sub(c.LastHeartbeat()) > staleAfter {
			s.Stale++
		}
	}
	return s
}
