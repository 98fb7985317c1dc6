package lifecycle

// Rule is one row of a kind's transition table: (from, action) → to, guarded
// by an allowed-role set. Stamp names the timestamp key written on success;
// ActorRef names the entity field recording who performed it.
type Rule struct {
	From     State
	Action   Action
	To       State
	Roles    []string
	Stamp    string
	ActorRef string
}

const (
	actorRefApproved    = "approved_by"
	actorRefImplemented = "implemented_by"
)

// Vocabulary is the complete per-kind lifecycle definition. The machine is
// generic; everything kind-specific lives here as data.
type Vocabulary struct {
	Kind     Kind
	Initial  State
	Active   State // the in-implementation state excluded from deletion
	Terminal []State
	Rules    []Rule
}

func (v Vocabulary) IsTerminal(s State) bool {
	for _, t := range v.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

func (v Vocabulary) rule(from State, action Action) (Rule, bool) {
	for _, r := range v.Rules {
		if r.From == from && r.Action == action {
			return r, true
		}
	}
	return Rule{}, false
}

// States returns every state reachable in the vocabulary, initial first.
func (v Vocabulary) States() []State {
	seen := map[State]bool{v.Initial: true}
	out := []State{v.Initial}
	add := func(s State) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, r := range v.Rules {
		add(r.From)
		add(r.To)
	}
	for _, t := range v.Terminal {
		add(t)
	}
	return out
}

const (
	roleAdmin = "admin"
)

// dedupeRoles keeps the first occurrence of each role so composed role
// sets stay free of repeats in guard errors.
func dedupeRoles(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	out := roles[:0]
	for _, r := range roles {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// requestVocabulary builds the shared Requested → PendingApproval → Approved
// → InProgress → {done | failed} shape with kind-specific state names and
// role sets. Cancel rules from every non-terminal state are appended.
func requestVocabulary(kind Kind, names [6]State, approverRoles, implementerRoles []string) Vocabulary {
	requested, pending, approved, inProgress, done, failed := names[0], names[1], names[2], names[3], names[4], names[5]
	rejected := State("rejected")
	cancelled := State("cancelled")
	submitRoles := dedupeRoles(append([]string{roleAdmin, "operator"}, approverRoles...))
	v := Vocabulary{
		Kind:     kind,
		Initial:  requested,
		Active:   inProgress,
		Terminal: []State{done, failed, rejected, cancelled, "closed"},
		Rules: []Rule{
			{From: requested, Action: ActionSubmit, To: pending, Roles: submitRoles},
			{From: requested, Action: ActionApprove, To: approved, Roles: approverRoles, Stamp: StampApproved, ActorRef: actorRefApproved},
			{From: pending, Action: ActionApprove, To: approved, Roles: approverRoles, Stamp: StampApproved, ActorRef: actorRefApproved},
			{From: requested, Action: ActionReject, To: rejected, Roles: approverRoles},
			{From: pending, Action: ActionReject, To: rejected, Roles: approverRoles},
			{From: approved, Action: ActionStart, To: inProgress, Roles: implementerRoles, Stamp: StampStarted, ActorRef: actorRefImplemented},
			{From: inProgress, Action: ActionComplete, To: done, Roles: implementerRoles, Stamp: StampCompleted},
			{From: inProgress, Action: ActionFail, To: failed, Roles: implementerRoles},
		},
	}
	cancelRoles := dedupeRoles(append([]string{roleAdmin, "operator"}, approverRoles...))
	for _, s := range []State{requested, pending, approved, inProgress} {
		v.Rules = append(v.Rules, Rule{From: s, Action: ActionCancel, To: cancelled, Roles: cancelRoles})
	}
	return v
}

// Vocabularies keyed by entity kind. State names follow each kind's own
// ITSM wording; the transition shape is identical by construction.
func builtinVocabularies() map[Kind]Vocabulary {
	return map[Kind]Vocabulary{
		KindChange: requestVocabulary(KindChange,
			[6]State{"requested", "pending_approval", "approved", "in_progress", "implemented", "failed"},
			[]string{roleAdmin, "change_manager", "operator"},
			[]string{roleAdmin, "implementer", "operator"},
		),
		KindProblem: requestVocabulary(KindProblem,
			[6]State{"identified", "pending_review", "confirmed", "investigating", "resolved", "unresolved"},
			[]string{roleAdmin, "problem_manager", "operator"},
			[]string{roleAdmin, "analyst", "operator"},
		),
		KindRelease: requestVocabulary(KindRelease,
			[6]State{"drafted", "pending_approval", "approved", "deploying", "deployed", "rolled_back"},
			[]string{roleAdmin, "release_manager", "operator"},
			[]string{roleAdmin, "deployer", "operator"},
		),
		KindServiceRequest: requestVocabulary(KindServiceRequest,
			[6]State{"submitted", "pending_approval", "approved", "fulfilling", "fulfilled", "unfulfilled"},
			[]string{roleAdmin, "service_desk", "operator"},
			[]string{roleAdmin, "fulfiller", "operator"},
		),
	}
}
