// Package storage defines the persistence contracts for the gateway. The
// resolve and claim operations are the concurrency serialization points: every
// implementation must perform their check-and-set as one atomic unit per
// record.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
)

var (
	// ErrNotFound indicates a reference to a record that was never created.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyResolved indicates a second resolution attempt on a terminal
	// request.
	ErrAlreadyResolved = errors.New("request already resolved")
	// ErrNotExpired indicates a timeout transition attempted inside the
	// window.
	ErrNotExpired = errors.New("request not expired")
	// ErrAlreadyClaimed indicates a second claim on a refund record.
	ErrAlreadyClaimed = errors.New("refund already claimed")
	// ErrNotRecipient indicates a claim by an identity other than the
	// recipient.
	ErrNotRecipient = errors.New("claimant is not the refund recipient")
)

// MemberStore persists member records and the registration side table backing
// the member timeout predicate.
type MemberStore interface {
	CreateMember(ctx context.Context, m member.Member) (member.Member, error)
	GetMember(ctx context.Context, id string) (member.Member, error)
	ListMembers(ctx context.Context) ([]member.Member, error)
	// SetMemberLevel applies a decrypted tier level. Registration time is
	// immutable.
	SetMemberLevel(ctx context.Context, id string, level int64) (member.Member, error)
	SetMemberCiphertext(ctx context.Context, id string, ciphertext []byte) (member.Member, error)
}

// RequestStore persists decryption requests. Request ids come from a monotonic
// sequence owned by the store and are never reused.
type RequestStore interface {
	CreateRequest(ctx context.Context, req request.Request) (request.Request, error)
	GetRequest(ctx context.Context, id int64) (request.Request, error)
	ListRequests(ctx context.Context, memberID string) ([]request.Request, error)
	ListPendingRequests(ctx context.Context) ([]request.Request, error)

	// ResolveRequest atomically transitions a pending request to the given
	// terminal status, storing the result. Returns ErrNotFound for unknown
	// ids and ErrAlreadyResolved when the request is already terminal.
	ResolveRequest(ctx context.Context, id int64, status request.Status, result []byte) (request.Request, error)

	// ExpireRequest atomically transitions a pending request that has been
	// waiting longer than window to StatusTimedOutRefunded. Returns
	// ErrAlreadyResolved for terminal requests and ErrNotExpired for pending
	// requests still inside the window.
	ExpireRequest(ctx context.Context, id int64, now time.Time, window time.Duration) (request.Request, error)
}

// RefundStore persists refund records. Records are append-only; ClaimRefund is
// the only mutation and is atomic.
type RefundStore interface {
	CreateRefund(ctx context.Context, rec refund.Record) (refund.Record, error)
	GetRefund(ctx context.Context, id string) (refund.Record, error)
	// ListRefunds returns every record ever created for the recipient in
	// creation order, claimed ones included.
	ListRefunds(ctx context.Context, recipient string) ([]refund.Record, error)

	// ClaimRefund atomically flips claimed false-to-true when claimant
	// matches the recipient. Returns ErrNotFound, ErrNotRecipient or
	// ErrAlreadyClaimed otherwise.
	ClaimRefund(ctx context.Context, id, claimant string) (refund.Record, error)
}
