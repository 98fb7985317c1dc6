package approval

import (
	"strings"
	"time"
)

// SLATable maps (category, priority) to resolution hours. It only annotates
// a service request with a due-by instant at creation; it never feeds the
// state machine.
type SLATable struct {
	hours map[string]map[string]int
}

func NewSLATable(hours map[string]map[string]int) *SLATable {
	copied := make(map[string]map[string]int, len(hours))
	for cat, byPrio := range hours {
		row := make(map[string]int, len(byPrio))
		for prio, h := range byPrio {
			row[strings.ToLower(prio)] = h
		}
		copied[cat] = row
	}
	return &SLATable{hours: copied}
}

// DueBy returns from + the configured hours, or nil when no SLA target is
// defined for the pair.
func (t *SLATable) DueBy(category, priority string, from time.Time) *time.Time {
	if t == nil {
		return nil
	}
	row, ok := t.hours[category]
	if !ok {
		return nil
	}
	h, ok := row[strings.ToLower(strings.TrimSpace(priority))]
	if !ok || h <= 0 {
		return nil
	}
	due := from.Add(time.Duration(h) * time.Hour)
	return &due
}
