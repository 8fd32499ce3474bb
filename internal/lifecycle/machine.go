// Package lifecycle holds the publish state machine. An experiment carries
// two independent variables, status and publish_status, and every legal
// move is one row of an explicit (status, publish_status, action) table.
//
// Invariant: publish_status is non-Idle exactly while status_next is set.
// Returning to Idle copies status_next into status and clears it; a
// rejection first points status_next back at the status to revert to.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"expflow/internal/model"
	"expflow/pkg/constraints"
)

type Action string

const (
	ActionPreview       Action = "preview"
	ActionDraft         Action = "draft"
	ActionRequestReview Action = "request_review"
	ActionApprove       Action = "approve"
	ActionReject        Action = "reject"
	ActionWithdraw      Action = "withdraw"
	ActionPublish       Action = "publish"
	ActionConfirm       Action = "confirm"
	ActionMarkDirty     Action = "mark_dirty"
	ActionRetry         Action = "retry"
	ActionRollback      Action = "rollback"
	ActionArchive       Action = "archive"
	ActionUnarchive     Action = "unarchive"
)

var Actions = []Action{
	ActionPreview, ActionDraft, ActionRequestReview, ActionApprove, ActionReject,
	ActionWithdraw, ActionPublish, ActionConfirm, ActionMarkDirty, ActionRetry,
	ActionRollback, ActionArchive, ActionUnarchive,
}

const (
	RuleNoEdge              = "no edge for this action from the current state"
	RuleInFlight            = "at most one in-flight publish per experiment"
	RuleArchived            = "archived experiments must be unarchived first"
	RuleNotArchived         = "experiment is not archived"
	RuleSelfApproval        = "approver must differ from the review requester"
	RuleSameStatus          = "requested status_next must differ from status"
	RuleUnchangedPopulation = "a live re-review requires a population change"
	RuleUnreachableNext     = "requested status_next is not reachable from the current status"
	RuleInvariant           = "publish_status must be non-Idle exactly while status_next is set"
)

var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError names the rule a rejected request violated.
type InvalidTransitionError struct {
	Action        Action
	Status        constraints.Status
	PublishStatus constraints.PublishStatus
	Rule          string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s from (%s, %s): %s", e.Action, e.Status, e.PublishStatus, e.Rule)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Request describes one requested move.
type Request struct {
	Action     Action
	StatusNext constraints.Status
	Actor      string
	Message    string
	Comment    string
	Now        time.Time
	// PopulationChanged must be true for a Live -> Live re-review.
	PopulationChanged bool
}

// Effect lists the side effects the caller owes after a successful move.
type Effect struct {
	AllocateBucket      bool
	EnqueuePush         bool
	Notify              bool
	RollbackRecordStore bool
}

type edgeKey struct {
	status  constraints.Status
	publish constraints.PublishStatus
	action  Action
}

type handler func(e *model.Experiment, r Request) (Effect, string)

var table = map[edgeKey]handler{}

func edge(statuses []constraints.Status, publish constraints.PublishStatus, action Action, h handler) {
	for _, s := range statuses {
		table[edgeKey{s, publish, action}] = h
	}
}

var (
	inReview  = []constraints.Status{constraints.StatusReview, constraints.StatusLive}
	nonFrozen = []constraints.Status{constraints.StatusDraft, constraints.StatusPreview, constraints.StatusLive}
)

func init() {
	edge([]constraints.Status{constraints.StatusDraft}, constraints.PublishIdle, ActionPreview,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.Status = constraints.StatusPreview
			return Effect{AllocateBucket: true}, ""
		})

	edge([]constraints.Status{constraints.StatusPreview}, constraints.PublishIdle, ActionDraft,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.Status = constraints.StatusDraft
			return Effect{}, ""
		})

	edge([]constraints.Status{constraints.StatusPreview}, constraints.PublishIdle, ActionRequestReview,
		func(e *model.Experiment, r Request) (Effect, string) {
			if r.StatusNext != constraints.StatusLive {
				return Effect{}, RuleUnreachableNext
			}
			e.Status = constraints.StatusReview
			requestReview(e, r)
			return Effect{}, ""
		})

	edge([]constraints.Status{constraints.StatusLive}, constraints.PublishIdle, ActionRequestReview,
		func(e *model.Experiment, r Request) (Effect, string) {
			switch r.StatusNext {
			case constraints.StatusComplete:
			case constraints.StatusLive:
				if !r.PopulationChanged {
					return Effect{}, RuleUnchangedPopulation
				}
			default:
				return Effect{}, RuleUnreachableNext
			}
			requestReview(e, r)
			return Effect{}, ""
		})

	edge(inReview, constraints.PublishReview, ActionApprove,
		func(e *model.Experiment, r Request) (Effect, string) {
			if r.Actor == e.ReviewRequestedBy {
				return Effect{}, RuleSelfApproval
			}
			e.PublishStatus = constraints.PublishApproved
			return Effect{EnqueuePush: true}, ""
		})

	edge(inReview, constraints.PublishReview, ActionReject,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.ReviewComment = r.Comment
			revert(e)
			return Effect{Notify: true}, ""
		})

	edge(inReview, constraints.PublishReview, ActionWithdraw,
		func(e *model.Experiment, r Request) (Effect, string) {
			revert(e)
			return Effect{}, ""
		})

	edge(inReview, constraints.PublishApproved, ActionPublish,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.PublishStatus = constraints.PublishWaiting
			now := r.Now
			e.PublishStartedAt = &now
			e.PushedAt = nil
			return Effect{}, ""
		})

	edge(inReview, constraints.PublishWaiting, ActionConfirm,
		func(e *model.Experiment, r Request) (Effect, string) {
			now := r.Now
			switch e.StatusNext {
			case constraints.StatusLive:
				if e.StartDate == nil {
					e.StartDate = &now
				}
			case constraints.StatusComplete:
				e.EndDate = &now
			}
			e.ReviewComment = ""
			returnToIdle(e)
			return Effect{}, ""
		})

	edge(inReview, constraints.PublishWaiting, ActionMarkDirty,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.PublishStatus = constraints.PublishDirty
			e.ReviewComment = r.Comment
			return Effect{Notify: true}, ""
		})

	edge(inReview, constraints.PublishDirty, ActionRetry,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.PublishStatus = constraints.PublishReview
			e.ReviewRequestedBy = r.Actor
			e.PublishStartedAt = nil
			e.PushedAt = nil
			return Effect{}, ""
		})

	edge(inReview, constraints.PublishDirty, ActionRollback,
		func(e *model.Experiment, r Request) (Effect, string) {
			revert(e)
			return Effect{RollbackRecordStore: true}, ""
		})

	edge(nonFrozen, constraints.PublishIdle, ActionArchive,
		func(e *model.Experiment, r Request) (Effect, string) {
			e.Archived = true
			return Effect{}, ""
		})

	edge(nonFrozen, constraints.PublishIdle, ActionUnarchive,
		func(e *model.Experiment, r Request) (Effect, string) {
			if !e.Archived {
				return Effect{}, RuleNotArchived
			}
			e.Archived = false
			return Effect{}, ""
		})
}

func requestReview(e *model.Experiment, r Request) {
	e.StatusNext = r.StatusNext
	e.PublishStatus = constraints.PublishReview
	e.ReviewRequestedBy = r.Actor
	e.ReviewComment = ""
}

func returnToIdle(e *model.Experiment) {
	e.Status = e.StatusNext
	e.StatusNext = ""
	e.PublishStatus = constraints.PublishIdle
	e.ReviewRequestedBy = ""
	e.PublishStartedAt = nil
	e.PushedAt = nil
	e.PendingRecord = nil
}

// revert abandons the in-flight request: a launch goes back to Draft, a
// live experiment stays Live.
func revert(e *model.Experiment) {
	if e.Status == constraints.StatusReview {
		e.StatusNext = constraints.StatusDraft
	} else {
		e.StatusNext = e.Status
	}
	returnToIdle(e)
}

// Legal reports whether the table has a row for the triple. Guards such as
// self-approval may still reject the request.
func Legal(status constraints.Status, publish constraints.PublishStatus, action Action) bool {
	_, ok := table[edgeKey{status, publish, action}]
	return ok
}

// Available lists the actions with a table row from the experiment's state.
func Available(e *model.Experiment) []Action {
	var out []Action
	for _, a := range Actions {
		if e.Archived && a != ActionUnarchive {
			continue
		}
		if Legal(e.Status, e.PublishStatus, a) {
			out = append(out, a)
		}
	}
	return out
}

// ActionFor maps a requested status_next to the action that reaches it.
func ActionFor(requested constraints.Status) Action {
	switch requested {
	case constraints.StatusPreview:
		return ActionPreview
	case constraints.StatusDraft:
		return ActionDraft
	default:
		return ActionRequestReview
	}
}

// Transition validates r against the table and applies it to e in place.
// On error e is left untouched.
func Transition(e *model.Experiment, r Request) (Effect, error) {
	fail := func(rule string) (Effect, error) {
		return Effect{}, &InvalidTransitionError{
			Action:        r.Action,
			Status:        e.Status,
			PublishStatus: e.PublishStatus,
			Rule:          rule,
		}
	}

	if e.Archived && r.Action != ActionUnarchive {
		return fail(RuleArchived)
	}
	if r.Action == ActionRequestReview {
		if e.PublishStatus != constraints.PublishIdle {
			return fail(RuleInFlight)
		}
		if r.StatusNext == e.Status && e.Status != constraints.StatusLive {
			return fail(RuleSameStatus)
		}
	}

	h, ok := table[edgeKey{e.Status, e.PublishStatus, r.Action}]
	if !ok {
		return fail(RuleNoEdge)
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}

	next := *e
	effect, rule := h(&next, r)
	if rule != "" {
		return fail(rule)
	}
	if (next.PublishStatus == constraints.PublishIdle) != (next.StatusNext == "") {
		return fail(RuleInvariant)
	}
	*e = next
	return effect, nil
}
