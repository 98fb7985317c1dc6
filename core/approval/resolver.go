// Package approval resolves multi-party sign-off chains against static
// per-category policies. The resolver is pure; policy tables are loaded once
// at process start by the configuration collaborator.
package approval

import "fmt"

// Step is the resolver's answer for one chain position.
type Step struct {
	// NextLevel is the first policy level not yet approved; empty when the
	// chain is complete.
	NextLevel string `json:"next_level,omitempty"`
	// IsComplete is true once every policy level has an approval.
	IsComplete bool `json:"is_complete"`
	// Progress is |satisfied policy levels| / |policy levels|, in [0,1].
	// Approvals for levels outside the policy are ignored here but kept in
	// the entity's history.
	Progress float64 `json:"progress"`
}

// OutOfOrderError rejects an approval for a policy level whose predecessors
// are still unsatisfied.
type OutOfOrderError struct {
	Category string
	Level    string
	Expected string
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("approval level %q out of order for category %q: next required level is %q",
		e.Level, e.Category, e.Expected)
}

type Resolver struct {
	policies map[string][]string
}

// NewResolver builds a resolver over category → ordered level lists. The
// map is treated as immutable after construction.
func NewResolver(policies map[string][]string) *Resolver {
	copied := make(map[string][]string, len(policies))
	for cat, levels := range policies {
		copied[cat] = append([]string(nil), levels...)
	}
	return &Resolver{policies: copied}
}

// Policy returns the ordered levels for a category; nil when the category
// carries no approval requirement.
func (r *Resolver) Policy(category string) []string {
	levels, ok := r.policies[category]
	if !ok {
		return nil
	}
	return append([]string(nil), levels...)
}

// NextStep computes the chain position. Duplicate approvals of the same
// level count once; a category without a policy is complete immediately.
func (r *Resolver) NextStep(category string, approvals []string) Step {
	levels := r.policies[category]
	if len(levels) == 0 {
		return Step{IsComplete: true, Progress: 1}
	}
	have := map[string]bool{}
	for _, a := range approvals {
		have[a] = true
	}
	satisfied := 0
	next := ""
	for _, level := range levels {
		if have[level] {
			satisfied++
			continue
		}
		if next == "" {
			next = level
		}
	}
	progress := float64(satisfied) / float64(len(levels))
	if progress > 1 {
		progress = 1
	}
	return Step{
		NextLevel:  next,
		IsComplete: next == "",
		Progress:   progress,
	}
}

// ValidateApply checks whether recording an approval at the given level is
// legal now. Levels outside the policy are always allowed (courtesy
// sign-offs); duplicates of an already-satisfied level are allowed and have
// no effect on the chain; a policy level ahead of the next required one is
// rejected so the chain stays monotone in policy order.
func (r *Resolver) ValidateApply(category, level string, approvals []string) error {
	levels := r.policies[category]
	inPolicy := false
	for _, l := range levels {
		if l == level {
			inPolicy = true
			break
		}
	}
	if !inPolicy {
		return nil
	}
	for _, a := range approvals {
		if a == level {
			return nil
		}
	}
	step := r.NextStep(category, approvals)
	if step.NextLevel != level {
		return &OutOfOrderError{Category: category, Level: level, Expected: step.NextLevel}
	}
	return nil
}
