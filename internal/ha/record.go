package ha

import (
	"fmt"
	"time"
)

// Trigger is what started a failover attempt
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic_detection"
	TriggerDrill     Trigger = "drill"
)

// Outcome is the final result of a failover attempt
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeAborted Outcome = "aborted"
	OutcomeFailed  Outcome = "failed"
)

// TimelineEntry is one step of a failover's audit trail
type TimelineEntry struct {
	At    time.Time `json:"at"`
	State State     `json:"state"`
	Note  string    `json:"note,omitempty"`
}

// FailoverRecord is the audit trail of one failover attempt.
// It is append-only while in progress and immutable once Outcome is set.
type FailoverRecord struct {
	ID             string          `json:"id"`
	Dataset        string          `json:"dataset"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	FailedRegionID RegionID        `json:"failed_region_id"`
	TargetRegionID RegionID        `json:"target_region_id,omitempty"`
	Trigger        Trigger         `json:"trigger"`
	Reason         string          `json:"reason,omitempty"`
	State          State           `json:"state"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	RTO            time.Duration   `json:"rto,omitempty"`
	RPOMS          int64           `json:"rpo_ms"`
	Error          string          `json:"error,omitempty"`
	Timeline       []TimelineEntry `json:"timeline"`
}

// Closed reports whether the record has an outcome
func (r *FailoverRecord) Closed() bool {
	return r.Outcome != OutcomeNone
}

// InProgress reports whether the failover is still running
func (r *FailoverRecord) InProgress() bool {
	return !r.Closed()
}

// RPO returns the recorded data loss window, or zero when unknown
func (r *FailoverRecord) RPO() time.Duration {
	if r.RPOMS == LagUnknown || r.RPOMS < 0 {
		return 0
	}
	return time.Duration(r.RPOMS) * time.Millisecond
}

func (r *FailoverRecord) append(at time.Time, state State, note string) error {
	if r.Closed() {
		return fmt.Errorf("record %s: %w", r.ID, ErrRecordClosed)
	}
	r.State = state
	r.Timeline = append(r.Timeline, TimelineEntry{At: at, State: state, Note: note})
	return nil
}

func (r *FailoverRecord) close(at time.Time, outcome Outcome) error {
	if r.Closed() {
		return fmt.Errorf("record %s: %w", r.ID, ErrRecordClosed)
	}
	r.CompletedAt = at
	r.Outcome = outcome
	if outcome == OutcomeSuccess {
		r.RTO = at.Sub(r.TriggeredAt)
	}
	return nil
}

// Snapshot returns a deep copy safe to hand to readers
func (r *FailoverRecord) Snapshot() FailoverRecord {
	cp := *r
	cp.Timeline = make([]TimelineEntry, len(r.Timeline))
	copy(cp.Timeline, r.Timeline)
	return cp
}

// outcomeFor maps a terminal state to its outcome
func outcomeFor(s State) Outcome {
	switch s {
	case StateResumed:
		return OutcomeSuccess
	case StateAborted:
		return OutcomeAborted
	case StateFailed:
		return OutcomeFailed
	default:
		return OutcomeNone
	}
}
