// Package refund holds the claimable refund ledger model.
package refund

import "time"

// Kind distinguishes why a refund record was created.
type Kind string

const (
	KindManual            Kind = "manual"
	KindDecryptionFailure Kind = "decryption_failure"
	KindTimeout           Kind = "timeout"
)

// Record is one refund-worthy event. Records are append-only; the only
// permitted mutation is the single false-to-true flip of Claimed by the
// recipient.
type Record struct {
	ID        string
	Recipient string
	Amount    int64
	Kind      Kind
	// RequestID links back to the triggering decryption request, zero for
	// manual refunds.
	RequestID int64
	Reason    string
	Claimed   bool
	CreatedAt time.Time
	ClaimedAt time.Time
}
