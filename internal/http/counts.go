package http

import (
	"sort"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
)

// CircuitCounts summarizes circuits by state.
type CircuitCounts struct {
	Total    int `json:"total"`
	Closed   int `json:"closed"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`

	open []string
}

// CountCircuits counts circuits per state. Open resource IDs are kept in
// sorted order for the health response.
func CountCircuits(health map[string]breaker.Stats) CircuitCounts {
	var c CircuitCounts
	for id, st := range health {
		c.Total++
		switch st.State {
		case breaker.StateClosed:
			c.Closed++
		case breaker.StateOpen:
			c.Open++
			c.open = append(c.open, id)
		case breaker.StateHalfOpen:
			c.HalfOpen++
		}
	}
	sort.Strings(c.open)
	return c
}
