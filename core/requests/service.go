// Package requests orchestrates the request lifecycle: it loads entity
// snapshots, runs them through the state machine and the approval
// resolver, and persists the outcome with optimistic version checks.
package requests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"merlin-itsm/config"
	"merlin-itsm/core/approval"
	"merlin-itsm/core/lifecycle"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Service struct {
	entities store.EntitiesStore
	audit    store.AuditStore
	machine  *lifecycle.Machine
	resolver *approval.Resolver
	sla      *approval.SLATable
	cfg      *config.AppConfig
	logger   *utils.Logger
}

func NewService(entities store.EntitiesStore, audit store.AuditStore, machine *lifecycle.Machine,
	resolver *approval.Resolver, sla *approval.SLATable, cfg *config.AppConfig, logger *utils.Logger) *Service {
	return &Service{
		entities: entities,
		audit:    audit,
		machine:  machine,
		resolver: resolver,
		sla:      sla,
		cfg:      cfg,
		logger:   logger,
	}
}

type CreateInput struct {
	Kind        lifecycle.Kind `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Category    string         `json:"category"`
}

// Create registers a new request in its kind's initial state. The due
// date is derived from the category/priority SLA table when one applies.
func (s *Service) Create(ctx context.Context, in CreateInput, actor lifecycle.Actor) (*lifecycle.Entity, error) {
	vocab, ok := s.machine.Vocabulary(in.Kind)
	if !ok {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", in.Kind)}
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	priority := strings.ToLower(strings.TrimSpace(in.Priority))
	if priority == "" {
		priority = lifecycle.PriorityMedium
	}
	if _, ok := lifecycle.ValidPriority[priority]; !ok {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", in.Priority)}
	}
	now := utils.NowUTC()
	e := &lifecycle.Entity{
		Kind:        in.Kind,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		State:       vocab.Initial,
		Priority:    priority,
		Category:    strings.ToLower(strings.TrimSpace(in.Category)),
		RequestedBy: actor.ID,
		Timestamps:  map[string]time.Time{lifecycle.StampRequested: now},
		CreatedBy:   actor.ID,
		UpdatedBy:   actor.ID,
		Version:     1,
	}
	if due := s.sla.DueBy(e.Category, e.Priority, now); due != nil {
		e.DueBy = due
	}
	if _, err := s.entities.CreateEntity(ctx, e, s.cfg.Requests.RegNoFormat); err != nil {
		return nil, err
	}
	s.logAction(ctx, actor, "requests.create", e.RegNo)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*lifecycle.Entity, error) {
	e, err := s.entities.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil || e.DeletedAt != nil {
		return nil, &lifecycle.Error{Kind: lifecycle.ErrNotFound}
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, filter store.EntityFilter) ([]lifecycle.Entity, error) {
	return s.entities.ListEntities(ctx, filter)
}

// Transition applies one lifecycle action and persists the result. The
// guard chain rejects before any write; a concurrent writer surfaces as
// store.ErrConflict from the version check.
func (s *Service) Transition(ctx context.Context, id int64, action lifecycle.Action, actor lifecycle.Actor) (*lifecycle.Entity, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, rec, err := s.machine.Transition(*e, action, actor)
	if err != nil {
		return nil, err
	}
	if err := s.entities.PersistEntity(ctx, &next, e.Version); err != nil {
		return nil, err
	}
	s.recordTransition(ctx, actor, rec)
	return &next, nil
}

// Approve records one sign-off and advances the chain. A completed chain
// applies the approve transition; an incomplete one only stores the
// approval, moving the entity out of its initial state on the first one.
func (s *Service) Approve(ctx context.Context, id int64, level string, actor lifecycle.Actor) (*lifecycle.Entity, approval.Step, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, approval.Step{}, err
	}
	if err := s.machine.Authorize(*e, lifecycle.ActionApprove, actor); err != nil {
		return nil, approval.Step{}, err
	}
	level = strings.ToLower(strings.TrimSpace(level))
	satisfied := approvalLevels(e.Approvals)
	if err := s.resolver.ValidateApply(e.Category, level, satisfied); err != nil {
		return nil, approval.Step{}, err
	}

	next := e.Clone()
	next.Approvals = append(next.Approvals, lifecycle.Approval{
		Level:      level,
		ApproverID: actor.ID,
		DecidedAt:  utils.NowUTC(),
	})
	step := s.resolver.NextStep(e.Category, approvalLevels(next.Approvals))

	if step.IsComplete {
		applied, rec, err := s.machine.Transition(next, lifecycle.ActionApprove, actor)
		if err != nil {
			return nil, step, err
		}
		if err := s.entities.PersistEntity(ctx, &applied, e.Version); err != nil {
			return nil, step, err
		}
		s.recordTransition(ctx, actor, rec)
		return &applied, step, nil
	}

	vocab, _ := s.machine.Vocabulary(e.Kind)
	if e.State == vocab.Initial {
		applied, rec, err := s.machine.Transition(next, lifecycle.ActionSubmit, actor)
		if err != nil {
			return nil, step, err
		}
		if err := s.entities.PersistEntity(ctx, &applied, e.Version); err != nil {
			return nil, step, err
		}
		s.recordTransition(ctx, actor, rec)
		return &applied, step, nil
	}

	next.UpdatedBy = actor.ID
	if err := s.entities.PersistEntity(ctx, &next, e.Version); err != nil {
		return nil, step, err
	}
	s.logAction(ctx, actor, "requests.approval", fmt.Sprintf("%s level=%s", e.RegNo, level))
	return &next, step, nil
}

func (s *Service) Reject(ctx context.Context, id int64, actor lifecycle.Actor) (*lifecycle.Entity, error) {
	return s.Transition(ctx, id, lifecycle.ActionReject, actor)
}

// ApprovalStatus reports the chain position without changing anything.
func (s *Service) ApprovalStatus(ctx context.Context, id int64) (approval.Step, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return approval.Step{}, err
	}
	return s.resolver.NextStep(e.Category, approvalLevels(e.Approvals)), nil
}

// Delete soft-deletes an entity after the state and dependency guards
// pass. Dependents are records linking to this one; they must be
// detached or resolved first.
func (s *Service) Delete(ctx context.Context, id int64, actor lifecycle.Actor) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	deps, err := s.entities.CountDependents(ctx, id)
	if err != nil {
		return err
	}
	if err := s.machine.CanDelete(*e, deps); err != nil {
		return err
	}
	if err := s.entities.SoftDeleteEntity(ctx, id, actor.ID); err != nil {
		return err
	}
	s.logAction(ctx, actor, "requests.delete", e.RegNo)
	return nil
}

func (s *Service) History(ctx context.Context, id int64, limit int) ([]lifecycle.AuditRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListTransitions(ctx, id, limit)
}

func (s *Service) AddLink(ctx context.Context, link *store.EntityLink, actor lifecycle.Actor) (int64, error) {
	if _, err := s.Get(ctx, link.EntityID); err != nil {
		return 0, err
	}
	link.CreatedBy = actor.ID
	return s.entities.AddEntityLink(ctx, link)
}

func (s *Service) ListLinks(ctx context.Context, entityID int64) ([]store.EntityLink, error) {
	if _, err := s.Get(ctx, entityID); err != nil {
		return nil, err
	}
	return s.entities.ListEntityLinks(ctx, entityID)
}

func (s *Service) DeleteLink(ctx context.Context, linkID int64) error {
	return s.entities.DeleteEntityLink(ctx, linkID)
}

// Vocabulary exposes the per-kind lifecycle definition for handlers that
// render legal actions.
func (s *Service) Vocabulary(kind lifecycle.Kind) (lifecycle.Vocabulary, bool) {
	return s.machine.Vocabulary(kind)
}

func (s *Service) recordTransition(ctx context.Context, actor lifecycle.Actor, rec lifecycle.AuditRecord) {
	if err := s.audit.LogTransition(ctx, rec); err != nil {
		s.logger.Errorf("transition audit write failed for entity %d: %v", rec.EntityID, err)
	}
	s.logAction(ctx, actor, fmt.Sprintf("requests.%s", rec.Action),
		fmt.Sprintf("entity=%d %s->%s", rec.EntityID, rec.FromState, rec.ToState))
}

func (s *Service) logAction(ctx context.Context, actor lifecycle.Actor, action, details string) {
	if err := s.audit.Log(ctx, actor.Name, action, details); err != nil {
		s.logger.Errorf("audit write failed: %v", err)
	}
}

func approvalLevels(approvals []lifecycle.Approval) []string {
	out := make([]string, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, a.Level)
	}
	return out
}
