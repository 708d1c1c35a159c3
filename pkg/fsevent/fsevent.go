// Package fsevent provides a typed filesystem event stream.
//
// The watch layer consumes the Source interface and never touches the
// underlying OS mechanism. The production implementation wraps fsnotify;
// tests inject channel-backed fakes to exercise event sequences (close,
// close-without-write, moves) that a given platform may never deliver.
package fsevent

import "context"

// Op is the kind of filesystem operation an event reports.
type Op uint8

const (
	// OpCreate indicates a file or directory appeared at Path.
	OpCreate Op = iota + 1
	// OpWrite indicates the file at Path was modified.
	OpWrite
	// OpRemove indicates the file or directory at Path was deleted.
	OpRemove
	// OpRename indicates the file previously at Path was renamed away.
	OpRename
	// OpMove indicates a file moved from OldPath to Path.
	OpMove
	// OpChmod indicates a metadata-only change at Path.
	OpChmod
	// OpClose indicates the file at Path was closed after writing.
	OpClose
	// OpCloseNoWrite indicates the file at Path was closed without writes.
	OpCloseNoWrite
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpMove:
		return "move"
	case OpChmod:
		return "chmod"
	case OpClose:
		return "close"
	case OpCloseNoWrite:
		return "close-no-write"
	default:
		return "unknown"
	}
}

// Event is a single filesystem notification.
type Event struct {
	// Op is the operation that occurred.
	Op Op
	// Path is the path the event resulted in. For moves this is the
	// destination.
	Path string
	// OldPath is the move source, set only for OpMove.
	OldPath string
}

// Subscription is a live event stream for one directory.
//
// Events and Errors are closed by Close. Cancelling the subscribe context
// stops delivery but the owner still calls Close to release the watch.
// Consumers must drain promptly; a stalled consumer can force the backend to
// drop events (which is exactly what the detector's poll fallback exists to
// absorb).
type Subscription interface {
	// Events returns the event stream.
	Events() <-chan Event
	// Errors returns backend errors that did not end the stream.
	Errors() <-chan error
	// Close tears the subscription down. Safe to call more than once.
	Close() error
}

// Source creates subscriptions. Implementations must deliver events for the
// directory itself and, when recursive, for everything beneath it.
type Source interface {
	Subscribe(ctx context.Context, dir string, recursive bool) (Subscription, error)
}
