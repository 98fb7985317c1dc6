package lifecycle

import "time"

// Machine applies guarded transitions over the per-kind vocabularies. It is
// pure: no store access, no hidden writes; the only nondeterminism is the
// clock value stamped on success, injectable for tests.
type Machine struct {
	vocabs map[Kind]Vocabulary
	Now    func() time.Time
}

func NewMachine() *Machine {
	return &Machine{vocabs: builtinVocabularies(), Now: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Vocabulary exposes the kind's lifecycle definition, for handlers that
// render legal actions or validate input states.
func (m *Machine) Vocabulary(kind Kind) (Vocabulary, bool) {
	v, ok := m.vocabs[kind]
	return v, ok
}

// Transition validates and applies one action. On success it returns the
// mutated copy plus the audit record; the input snapshot is never modified.
// Guard order: kind, terminal state, transition table, role set.
func (m *Machine) Transition(e Entity, action Action, actor Actor) (Entity, AuditRecord, error) {
	v, ok := m.vocabs[e.Kind]
	if !ok {
		return e, AuditRecord{}, &Error{Kind: ErrInvalidState, EntityKind: e.Kind, Detail: "unknown entity kind"}
	}
	if v.IsTerminal(e.State) {
		return e, AuditRecord{}, &Error{Kind: ErrTerminalState, EntityKind: e.Kind, State: e.State, Action: action}
	}
	rule, ok := v.rule(e.State, action)
	if !ok {
		return e, AuditRecord{}, &Error{Kind: ErrIllegalTransition, EntityKind: e.Kind, State: e.State, Action: action}
	}
	if !actor.hasAnyRole(rule.Roles) {
		return e, AuditRecord{}, &Error{
			Kind:          ErrUnauthorized,
			EntityKind:    e.Kind,
			State:         e.State,
			Action:        action,
			RequiredRoles: rule.Roles,
			ActorRoles:    actor.Roles,
		}
	}

	now := m.now()
	next := e.Clone()
	next.State = rule.To
	next.UpdatedBy = actor.ID
	next.UpdatedAt = now
	if rule.Stamp != "" {
		if next.Timestamps == nil {
			next.Timestamps = map[string]time.Time{}
		}
		if _, exists := next.Timestamps[rule.Stamp]; !exists {
			next.Timestamps[rule.Stamp] = now
		}
	}
	switch rule.ActorRef {
	case actorRefApproved:
		if next.ApprovedBy == nil {
			id := actor.ID
			next.ApprovedBy = &id
		}
	case actorRefImplemented:
		if next.ImplementedBy == nil {
			id := actor.ID
			next.ImplementedBy = &id
		}
	}

	audit := AuditRecord{
		EntityID:  e.ID,
		Kind:      e.Kind,
		FromState: e.State,
		ToState:   rule.To,
		Action:    action,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		At:        now,
	}
	return next, audit, nil
}

// Authorize runs the guards for (state, action, actor) without mutating
// anything. Used when an approval is recorded but the chain is not yet
// complete, so no state change happens.
func (m *Machine) Authorize(e Entity, action Action, actor Actor) error {
	v, ok := m.vocabs[e.Kind]
	if !ok {
		return &Error{Kind: ErrInvalidState, EntityKind: e.Kind, Detail: "unknown entity kind"}
	}
	if v.IsTerminal(e.State) {
		return &Error{Kind: ErrTerminalState, EntityKind: e.Kind, State: e.State, Action: action}
	}
	rule, ok := v.rule(e.State, action)
	if !ok {
		return &Error{Kind: ErrIllegalTransition, EntityKind: e.Kind, State: e.State, Action: action}
	}
	if !actor.hasAnyRole(rule.Roles) {
		return &Error{
			Kind:          ErrUnauthorized,
			EntityKind:    e.Kind,
			State:         e.State,
			Action:        action,
			RequiredRoles: rule.Roles,
			ActorRoles:    actor.Roles,
		}
	}
	return nil
}

// CanDelete enforces the deletion guard: only non-terminal states outside
// the active implementation state, and only with zero dependent records.
// The state check decides first, so an in-progress entity with zero
// dependents is still rejected with InvalidState.
func (m *Machine) CanDelete(e Entity, dependents int) error {
	v, ok := m.vocabs[e.Kind]
	if !ok {
		return &Error{Kind: ErrInvalidState, EntityKind: e.Kind, Detail: "unknown entity kind"}
	}
	if v.IsTerminal(e.State) || e.State == v.Active {
		return &Error{Kind: ErrInvalidState, EntityKind: e.Kind, State: e.State,
			Detail: "entity state does not allow deletion"}
	}
	if dependents > 0 {
		return &Error{Kind: ErrHasDependents, EntityKind: e.Kind, State: e.State, Dependents: dependents}
	}
	return nil
}
