package watch

import "sync/atomic"

// RunState tracks where a discovered run is in its lifecycle.
type RunState int32

const (
	// StatePending means the run was discovered but its completion signal
	// has not arrived.
	StatePending RunState = iota
	// StateCompleted means the completion signal was observed.
	StateCompleted
	// StateSyncAttempted means the sync operation was invoked. A run
	// reaches this state at most once.
	StateSyncAttempted
)

// String returns a human-readable representation of the state.
func (s RunState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateSyncAttempted:
		return "sync-attempted"
	default:
		return "unknown"
	}
}

// 📋 RunRecord is the per-run bookkeeping entry. It lives in the watcher's
// registry from discovery until its sync finishes (or is abandoned).
//
// Only the record's own detector mutates its state; everyone else just
// reads, so state is atomic rather than behind a shared lock.
type RunRecord struct {
	// Name is the canonical run name extracted from the path.
	Name string
	// Path is the run directory under the source root.
	Path string

	state atomic.Int32
}

// State returns the record's current lifecycle state.
func (r *RunRecord) State() RunState {
	return RunState(r.state.Load())
}

func (r *RunRecord) setState(s RunState) {
	r.state.Store(int32(s))
}
