package model

import "time"

// Pool is a named, sized group of agents sharing a template, managed as a
// unit by the Pool Controller (§3, §4.6).
type Pool struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Template string `json:"template"`

	MinSize int `json:"minSize"`
	MaxSize int `json:"maxSize"`

	Available []string `json:"available"` // agent ids, idle
	Busy      []string `json:"busy"`      // agent ids, in use

	AutoScale          bool    `json:"autoScale"`
	ScaleUpThreshold   float64 `json:"scaleUpThreshold"`   // utilization fraction
	ScaleDownThreshold float64 `json:"scaleDownThreshold"` // utilization fraction
	CooldownMs         int64   `json:"cooldownMs"`

	LastScaledAt time.Time `json:"lastScaledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CurrentSize returns the number of agents currently belonging to the pool.
func (p *Pool) CurrentSize() int {
	return len(p.Available) + len(p.Busy)
}

// Utilization returns busy/current, or 0 when the pool is empty.
func (p *Pool) Utilization() float64 {
	n := p.CurrentSize()
	if n == 0 {
		return 0
	}
	return float64(len(p.Busy)) / float64(n)
}

// removeFrom removes id from s, returning the possibly-shortened slice.
func removeFrom(s []string, id string) []string {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// MarkBusy moves an agent id from Available to Busy. No-op if already busy
// or not a member of the pool's Available set.
func (p *Pool) MarkBusy(agentID string) {
	for _, v := range p.Available {
		if v == agentID {
			p.Available = removeFrom(p.Available, agentID)
			p.Busy = append(p.Busy, agentID)
			return
		}
	}
}

// MarkAvailable moves an agent id from Busy back to Available.
func (p *Pool) MarkAvailable(agentID string) {
	for _, v := range p.Busy {
		if v == agentID {
			p.Busy = removeFrom(p.Busy, agentID)
			p.Available = append(p.Available, agentID)
			return
		}
	}
}

// Remove drops an agent id from both Available and Busy, e.g. on removal
// or death.
func (p *Pool) Remove(agentID string) {
	p.Available = removeFrom(p.Available, agentID)
	p.Busy = removeFrom(p.Busy, agentID)
}

// Contains reports whether agentID is a member of either set.
func (p *Pool) Contains(agentID string) bool {
	for _, v := range p.Available {
		if v == agentID {
			return true
		}
	}
	for _, v := range p.Busy {
		if v == agentID {
			return true
		}
	}
	return false
}
