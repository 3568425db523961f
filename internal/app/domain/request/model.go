// Package request holds the decryption request model and its state machine.
package request

import "time"

// Status tags the lifecycle state of a decryption request. Every status other
// than StatusPending is terminal: once a request leaves StatusPending no field
// may change again.
type Status string

const (
	StatusPending          Status = "pending"
	StatusCompleted        Status = "completed"
	StatusFailedRefunded   Status = "failed_refunded"
	StatusTimedOutRefunded Status = "timed_out_refunded"
)

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool { return s != StatusPending && s != "" }

// Request is one submitted decryption operation. IDs are allocated from a
// monotonic sequence and never reused; requests are never deleted.
type Request struct {
	ID          int64
	MemberID    string
	Ciphertext  []byte
	Result      []byte
	Status      Status
	SubmittedAt time.Time
	ResolvedAt  time.Time
	UpdatedAt   time.Time
}

// TimedOut reports the derived timeout predicate: still pending and older than
// the window. It flips to false permanently the moment the request resolves.
func (r Request) TimedOut(now time.Time, window time.Duration) bool {
	if r.Status != StatusPending {
		return false
	}
	return now.Sub(r.SubmittedAt) > window
}
