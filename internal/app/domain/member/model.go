// Package member holds the membership registry model consumed by the
// decryption gateway. Tier computation itself lives outside this service; the
// gateway only stores whatever level the decrypted payload yields.
package member

import "time"

// Member represents a registered subject that encrypted values are decrypted
// on behalf of.
type Member struct {
	ID    string
	Owner string
	// Level is the tier applied by the completion hook after a successful
	// decryption. Zero until the first resolution lands.
	Level int64
	// EncryptedScore is the opaque ciphertext currently held for the member.
	EncryptedScore []byte
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}

// TimedOut reports whether the member registration is older than the member
// inactivity window. Derived only; nothing in the gateway consumes it for
// recovery yet.
func (m Member) TimedOut(now time.Time, window time.Duration) bool {
	return now.Sub(m.RegisteredAt) > window
}
