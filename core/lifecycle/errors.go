package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	ErrIllegalTransition ErrorKind = "illegal_transition"
	ErrUnauthorized      ErrorKind = "unauthorized"
	ErrTerminalState     ErrorKind = "terminal_state"
	ErrHasDependents     ErrorKind = "has_dependents"
	ErrInvalidState      ErrorKind = "invalid_state"
	ErrNotFound          ErrorKind = "not_found"
)

// Error carries the rejected transition's context so callers can map it to a
// response without parsing the message.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	EntityKind    Kind      `json:"entity_kind,omitempty"`
	State         State     `json:"state,omitempty"`
	Action        Action    `json:"action,omitempty"`
	RequiredRoles []string  `json:"required_roles,omitempty"`
	ActorRoles    []string  `json:"actor_roles,omitempty"`
	Dependents    int       `json:"dependents,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrIllegalTransition:
		return fmt.Sprintf("illegal transition: action %q not valid from state %q", e.Action, e.State)
	case ErrUnauthorized:
		return fmt.Sprintf("unauthorized: action %q requires roles [%s], actor has [%s]",
			e.Action, strings.Join(e.RequiredRoles, ","), strings.Join(e.ActorRoles, ","))
	case ErrTerminalState:
		return fmt.Sprintf("terminal state: %q admits no transitions", e.State)
	case ErrHasDependents:
		return fmt.Sprintf("entity has %d dependent record(s)", e.Dependents)
	case ErrInvalidState:
		if e.Detail != "" {
			return e.Detail
		}
		return fmt.Sprintf("state %q does not allow this operation", e.State)
	case ErrNotFound:
		return "entity not found"
	}
	return string(e.Kind)
}

// KindOf reports the taxonomy kind of err, or "" when err is not a
// lifecycle error.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
