package ha

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConcurrentFailover is returned when a failover is already in progress
	// for the dataset. Triggers are rejected, never queued or merged.
	ErrConcurrentFailover = errors.New("failover already in progress")
	ErrCancelNotAllowed   = errors.New("failover can only be cancelled before promotion")
	ErrInvalidTarget      = errors.New("target region is not a standby")
	ErrUnknownRegion      = errors.New("unknown region")
	ErrUnknownRecord      = errors.New("unknown failover record")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrRecordClosed       = errors.New("failover record is closed")
	ErrNotRunning         = errors.New("orchestrator is not running")
	ErrRegionNotIsolated  = errors.New("only isolated regions can rejoin")
	ErrProductionDataset  = errors.New("drills are not allowed on a production dataset")
)

// TransientSignalError is a single probe or lag measurement failure.
// It is retried on the next cycle and never surfaced to callers.
type TransientSignalError struct {
	Signal string
	Region RegionID
	Err    error
}

func (e *TransientSignalError) Error() string {
	return fmt.Sprintf("signal %s on region %s: %v", e.Signal, e.Region, e.Err)
}

func (e *TransientSignalError) Unwrap() error { return e.Err }

// NoSafeTargetError means no standby had known lag under the ceiling
type NoSafeTargetError struct {
	CeilingMS  int64
	Candidates map[RegionID]int64
}

func (e *NoSafeTargetError) Error() string {
	return fmt.Sprintf("no safe target: no standby with known lag under %dms", e.CeilingMS)
}

// CatchUpTimeoutError means the chosen standby did not catch up within the RPO budget
type CatchUpTimeoutError struct {
	Standby RegionID
	LastLag int64
	Timeout time.Duration
}

func (e *CatchUpTimeoutError) Error() string {
	lag := "unknown"
	if e.LastLag != LagUnknown {
		lag = fmt.Sprintf("%dms", e.LastLag)
	}
	return fmt.Sprintf("standby %s did not catch up within %s (last lag %s)", e.Standby, e.Timeout, lag)
}

// ExternalCommandError wraps a failed promote, demote or routing call
type ExternalCommandError struct {
	Op     string
	Region RegionID
	Err    error
}

func (e *ExternalCommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Region, e.Err)
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }
