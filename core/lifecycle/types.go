package lifecycle

import "time"

type Kind string

const (
	KindChange         Kind = "change"
	KindProblem        Kind = "problem"
	KindRelease        Kind = "release"
	KindServiceRequest Kind = "service_request"
)

type State string

type Action string

const (
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
	ActionCancel   Action = "cancel"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var ValidPriority = map[string]struct{}{
	PriorityLow:      {},
	PriorityMedium:   {},
	PriorityHigh:     {},
	PriorityCritical: {},
}

// Timestamp keys stamped by transitions. A key is written once by its
// matching transition and never overwritten.
const (
	StampRequested = "requested"
	StampApproved  = "approved"
	StampStarted   = "started_implementation"
	StampCompleted = "completed"
)

type Approval struct {
	Level      string    `json:"level"`
	ApproverID int64     `json:"approver_id"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Entity is a snapshot of one request-like record. The machine mutates a
// copy and returns it; persistence is the caller's job.
type Entity struct {
	ID            int64                `json:"id"`
	RegNo         string               `json:"reg_no"`
	Kind          Kind                 `json:"kind"`
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	State         State                `json:"state"`
	Priority      string               `json:"priority"`
	Category      string               `json:"category"`
	RequestedBy   int64                `json:"requested_by"`
	ApprovedBy    *int64               `json:"approved_by,omitempty"`
	ImplementedBy *int64               `json:"implemented_by,omitempty"`
	DueBy         *time.Time           `json:"due_by,omitempty"`
	Timestamps    map[string]time.Time `json:"timestamps,omitempty"`
	Approvals     []Approval           `json:"approvals,omitempty"`
	CreatedBy     int64                `json:"created_by"`
	UpdatedBy     int64                `json:"updated_by"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Version       int                  `json:"version"`
	DeletedAt     *time.Time           `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy so a failed transition never leaks partial
// mutation back to the caller's snapshot.
func (e Entity) Clone() Entity {
	out := e
	if e.Timestamps != nil {
		out.Timestamps = make(map[string]time.Time, len(e.Timestamps))
		for k, v := range e.Timestamps {
			out.Timestamps[k] = v
		}
	}
	if e.Approvals != nil {
		out.Approvals = append([]Approval(nil), e.Approvals...)
	}
	if e.ApprovedBy != nil {
		v := *e.ApprovedBy
		out.ApprovedBy = &v
	}
	if e.ImplementedBy != nil {
		v := *e.ImplementedBy
		out.ImplementedBy = &v
	}
	if e.DueBy != nil {
		v := *e.DueBy
		out.DueBy = &v
	}
	return out
}

// Actor is the authenticated principal attempting a transition.
type Actor struct {
	ID    int64
	Name  string
	Roles []string
}

func (a Actor) hasAnyRole(allowed []string) bool {
	for _, want := range allowed {
		for _, have := range a.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// AuditRecord describes one successful transition. The machine returns it;
// durable storage belongs to the audit log collaborator.
type AuditRecord struct {
	EntityID  int64     `json:"entity_id"`
	Kind      Kind      `json:"kind"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Action    Action    `json:"action"`
	ActorID   int64     `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	At        time.Time `json:"at"`
}
