package worker

import "time"

type pinOp uint8

const (
	pinKeep pinOp = iota
	pinClear
	pinSet
)

// PinnedUpdate says what a status update does to the pinned error. The
// zero value leaves it untouched.
type PinnedUpdate struct {
	op      pinOp
	message string
}

// KeepPinned leaves the pinned error as it is.
func KeepPinned() PinnedUpdate { return PinnedUpdate{} }

// ClearPinned sets the pinned error to null.
func ClearPinned() PinnedUpdate { return PinnedUpdate{op: pinClear} }

// SetPinned records msg as the pinned error. An empty msg clears it.
func SetPinned(msg string) PinnedUpdate {
	if msg == "" {
		return ClearPinned()
	}
	return PinnedUpdate{op: pinSet, message: msg}
}

// IsKeep reports whether the update leaves the pinned error untouched.
func (p PinnedUpdate) IsKeep() bool { return p.op == pinKeep }

// IsClear reports whether the update clears the pinned error.
func (p PinnedUpdate) IsClear() bool { return p.op == pinClear }

// Message returns the message to pin and whether the update sets one.
func (p PinnedUpdate) Message() (string, bool) {
	return p.message, p.op == pinSet
}

func (p PinnedUpdate) String() string {
	switch p.op {
	case pinClear:
		return "clear"
	case pinSet:
		return "set(" + p.message + ")"
	default:
		return "keep"
	}
}

// Update is one status transition.
type Update struct {
	Status  Status
	Message string
	Pinned  PinnedUpdate
}

// Patch is an Update stamped with the time it was applied. Stores use At
// as the pinned-error timestamp when the update sets one.
type Patch struct {
	Update
	At time.Time
}

// ApplyTo folds the patch into rec.
func (p Patch) ApplyTo(rec *Record) {
	rec.Status = p.Status
	rec.LastMessage = p.Message
	switch p.Pinned.op {
	case pinClear:
		rec.PinnedError = nil
		rec.PinnedAt = nil
	case pinSet:
		msg := p.Pinned.message
		at := p.At
		rec.PinnedError = &msg
		rec.PinnedAt = &at
	}
}
