package ha

import "fmt"

// State is a failover state machine state
type State string

const (
	StateHealthy   State = "healthy"
	StateSuspected State = "suspected"
	StateDeciding  State = "deciding"
	StatePromoting State = "promoting"
	StateRouting   State = "routing"
	StateVerifying State = "verifying"
	StateResumed   State = "resumed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateResumed || s == StateAborted || s == StateFailed
}

// Cancellable reports whether an operator cancel is still allowed.
// Once promotion starts the failover must run to Resumed or Failed.
func (s State) Cancellable() bool {
	return s == StateSuspected || s == StateDeciding
}

// EventKind is an input to the state machine
type EventKind string

const (
	EventDetected       EventKind = "detected"
	EventBeginDecision  EventKind = "begin_decision"
	EventCancel         EventKind = "cancel"
	EventNoSafeTarget   EventKind = "no_safe_target"
	EventTargetSelected EventKind = "target_selected"
	EventCatchUpTimeout EventKind = "catch_up_timeout"
	EventCaughtUp       EventKind = "caught_up"
	EventPromoteFailed  EventKind = "promote_failed"
	EventPromoted       EventKind = "promoted"
	EventRouteFailed    EventKind = "route_failed"
	EventRouted         EventKind = "routed"
	EventChecksPassed   EventKind = "checks_passed"
	EventChecksFailed   EventKind = "checks_failed"
)

// Action is the side effect the owner of the machine must issue next
type Action string

const (
	ActionBeginDecision Action = "begin_decision"
	ActionSelectTarget  Action = "select_target"
	ActionAwaitCatchUp  Action = "await_catch_up"
	ActionPromote       Action = "promote"
	ActionRoute         Action = "route"
	ActionVerify        Action = "verify"
	ActionComplete      Action = "complete"
	ActionAbort         Action = "abort"
	ActionPage          Action = "page"
)

type transitionKey struct {
	from  State
	event EventKind
}

type transitionResult struct {
	to     State
	action Action
}

var transitions = map[transitionKey]transitionResult{
	{StateHealthy, EventDetected}:        {StateSuspected, ActionBeginDecision},
	{StateSuspected, EventBeginDecision}: {StateDeciding, ActionSelectTarget},
	{StateSuspected, EventCancel}:        {StateAborted, ActionAbort},
	{StateDeciding, EventCancel}:         {StateAborted, ActionAbort},
	{StateDeciding, EventNoSafeTarget}:   {StateAborted, ActionAbort},
	{StateDeciding, EventTargetSelected}: {StateDeciding, ActionAwaitCatchUp},
	{StateDeciding, EventCatchUpTimeout}: {StateAborted, ActionAbort},
	{StateDeciding, EventCaughtUp}:       {StatePromoting, ActionPromote},
	{StatePromoting, EventPromoteFailed}: {StateAborted, ActionAbort},
	{StatePromoting, EventPromoted}:      {StateRouting, ActionRoute},
	{StateRouting, EventRouteFailed}:     {StateFailed, ActionPage},
	{StateRouting, EventRouted}:          {StateVerifying, ActionVerify},
	{StateVerifying, EventChecksPassed}:  {StateResumed, ActionComplete},
	{StateVerifying, EventChecksFailed}:  {StateFailed, ActionPage},
}

// Transition is the pure state machine: it maps (state, event) to the
// next state and the action to issue, with no side effects.
func Transition(from State, event EventKind) (State, Action, error) {
	r, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, "", fmt.Errorf("%s on %s: %w", event, from, ErrInvalidTransition)
	}
	return r.to, r.action, nil
}
