// Package postgres implements the storage interfaces on PostgreSQL. The
// resolve and claim transitions rely on conditional UPDATEs so the database is
// the serialization point; no row is ever deleted.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"

	"github.com/google/uuid"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.MemberStore = (*Store)(nil)
var _ storage.RequestStore = (*Store)(nil)
var _ storage.RefundStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database and verifies the connection.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// --- row types ---------------------------------------------------------------

type memberRow struct {
	ID             string    `db:"id"`
	Owner          string    `db:"owner"`
	Level          int64     `db:"level"`
	EncryptedScore []byte    `db:"encrypted_score"`
	RegisteredAt   time.Time `db:"registered_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r memberRow) toDomain() member.Member {
	return member.Member{
		ID:             r.ID,
		Owner:          r.Owner,
		Level:          r.Level,
		EncryptedScore: r.EncryptedScore,
		RegisteredAt:   r.RegisteredAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type requestRow struct {
	ID          int64        `db:"id"`
	MemberID    string       `db:"member_id"`
	Ciphertext  []byte       `db:"ciphertext"`
	Result      []byte       `db:"result"`
	Status      string       `db:"status"`
	SubmittedAt time.Time    `db:"submitted_at"`
	ResolvedAt  sql.NullTime `db:"resolved_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

func (r requestRow) toDomain() request.Request {
	req := request.Request{
		ID:          r.ID,
		MemberID:    r.MemberID,
		Ciphertext:  r.Ciphertext,
		Result:      r.Result,
		Status:      request.Status(r.Status),
		SubmittedAt: r.SubmittedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ResolvedAt.Valid {
		req.ResolvedAt = r.ResolvedAt.Time
	}
	return req
}

type refundRow struct {
	ID        string       `db:"id"`
	Recipient string       `db:"recipient"`
	Amount    int64        `db:"amount"`
	Kind      string       `db:"kind"`
	RequestID int64        `db:"request_id"`
	Reason    string       `db:"reason"`
	Claimed   bool         `db:"claimed"`
	CreatedAt time.Time    `db:"created_at"`
	ClaimedAt sql.NullTime `db:"claimed_at"`
}

func (r refundRow) toDomain() refund.Record {
	rec := refund.Record{
		ID:        r.ID,
		Recipient: r.Recipient,
		Amount:    r.Amount,
		Kind:      refund.Kind(r.Kind),
		RequestID: r.RequestID,
		Reason:    r.Reason,
		Claimed:   r.Claimed,
		CreatedAt: r.CreatedAt,
	}
	if r.ClaimedAt.Valid {
		rec.ClaimedAt = r.ClaimedAt.Time
	}
	return rec
}

// --- MemberStore -------------------------------------------------------------

func (s *Store) CreateMember(ctx context.Context, m member.Member) (member.Member, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_members (id, owner, level, encrypted_score, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.Owner, m.Level, m.EncryptedScore, m.RegisteredAt, m.UpdatedAt)
	if err != nil {
		return member.Member{}, err
	}
	return m, nil
}

func (s *Store) GetMember(ctx context.Context, id string) (member.Member, error) {
	var row memberRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, owner, level, encrypted_score, registered_at, updated_at
		FROM gateway_members
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return member.Member{}, storage.ErrNotFound
	}
	if err != nil {
		return member.Member{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListMembers(ctx context.Context) ([]member.Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, owner, level, encrypted_score, registered_at, updated_at
		FROM gateway_members
		ORDER BY registered_at
	`)
	if err != nil {
		return nil, err
	}
	result := make([]member.Member, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) SetMemberLevel(ctx context.Context, id string, level int64) (member.Member, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_members
		SET level = $2, updated_at = $3
		WHERE id = $1
	`, id, level, time.Now().UTC())
	if err != nil {
		return member.Member{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return member.Member{}, storage.ErrNotFound
	}
	return s.GetMember(ctx, id)
}

func (s *Store) SetMemberCiphertext(ctx context.Context, id string, ciphertext []byte) (member.Member, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_members
		SET encrypted_score = $2, updated_at = $3
		WHERE id = $1
	`, id, ciphertext, time.Now().UTC())
	if err != nil {
		return member.Member{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return member.Member{}, storage.ErrNotFound
	}
	return s.GetMember(ctx, id)
}

// --- RequestStore ------------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, req request.Request) (request.Request, error) {
	now := time.Now().UTC()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO gateway_requests (member_id, ciphertext, status, submitted_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING id
	`, req.MemberID, req.Ciphertext, req.SubmittedAt, now).Scan(&id)
	if err != nil {
		return request.Request{}, err
	}

	req.ID = id
	req.Status = request.StatusPending
	req.Result = nil
	req.ResolvedAt = time.Time{}
	req.UpdatedAt = now
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id int64) (request.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, member_id, ciphertext, result, status, submitted_at, resolved_at, updated_at
		FROM gateway_requests
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return request.Request{}, storage.ErrNotFound
	}
	if err != nil {
		return request.Request{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListRequests(ctx context.Context, memberID string) ([]request.Request, error) {
	query := `
		SELECT id, member_id, ciphertext, result, status, submitted_at, resolved_at, updated_at
		FROM gateway_requests
	`
	args := []interface{}{}
	if memberID != "" {
		query += ` WHERE member_id = $1`
		args = append(args, memberID)
	}
	query += ` ORDER BY id`

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]request.Request, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]request.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, member_id, ciphertext, result, status, submitted_at, resolved_at, updated_at
		FROM gateway_requests
		WHERE status = 'pending'
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	result := make([]request.Request, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) ResolveRequest(ctx context.Context, id int64, status request.Status, result []byte) (request.Request, error) {
	if !status.Terminal() {
		return request.Request{}, fmt.Errorf("status %q is not terminal", status)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_requests
		SET status = $2, result = $3, resolved_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), result, now)
	if err != nil {
		return request.Request{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return request.Request{}, s.classifyRequestMiss(ctx, id)
	}
	return s.GetRequest(ctx, id)
}

func (s *Store) ExpireRequest(ctx context.Context, id int64, now time.Time, window time.Duration) (request.Request, error) {
	cutoff := now.Add(-window)
	stamp := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_requests
		SET status = $2, resolved_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending' AND submitted_at < $4
	`, id, string(request.StatusTimedOutRefunded), stamp, cutoff)
	if err != nil {
		return request.Request{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return request.Request{}, err
		}
		if req.Status != request.StatusPending {
			return request.Request{}, storage.ErrAlreadyResolved
		}
		return request.Request{}, storage.ErrNotExpired
	}
	return s.GetRequest(ctx, id)
}

// classifyRequestMiss distinguishes "never issued" from "already terminal"
// after a conditional update touched zero rows.
func (s *Store) classifyRequestMiss(ctx context.Context, id int64) error {
	if _, err := s.GetRequest(ctx, id); err != nil {
		return err
	}
	return storage.ErrAlreadyResolved
}

// --- RefundStore -------------------------------------------------------------

func (s *Store) CreateRefund(ctx context.Context, rec refund.Record) (refund.Record, error) {
	if rec.ID == "" {
		return refund.Record{}, fmt.Errorf("refund id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Claimed = false
	rec.ClaimedAt = time.Time{}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_refunds (id, recipient, amount, kind, request_id, reason, claimed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, rec.ID, rec.Recipient, rec.Amount, string(rec.Kind), rec.RequestID, rec.Reason, rec.CreatedAt)
	if err != nil {
		return refund.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetRefund(ctx context.Context, id string) (refund.Record, error) {
	var row refundRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, recipient, amount, kind, request_id, reason, claimed, created_at, claimed_at
		FROM gateway_refunds
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return refund.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return refund.Record{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListRefunds(ctx context.Context, recipient string) ([]refund.Record, error) {
	var rows []refundRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, recipient, amount, kind, request_id, reason, claimed, created_at, claimed_at
		FROM gateway_refunds
		WHERE recipient = $1
		ORDER BY created_at, id
	`, recipient)
	if err != nil {
		return nil, err
	}
	result := make([]refund.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) ClaimRefund(ctx context.Context, id, claimant string) (refund.Record, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_refunds
		SET claimed = TRUE, claimed_at = $3
		WHERE id = $1 AND recipient = $2 AND claimed = FALSE
	`, id, claimant, now)
	if err != nil {
		return refund.Record{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		rec, err := s.GetRefund(ctx, id)
		if err != nil {
			return refund.Record{}, err
		}
		if rec.Recipient != claimant {
			return refund.Record{}, storage.ErrNotRecipient
		}
		return refund.Record{}, storage.ErrAlreadyClaimed
	}
	return s.GetRefund(ctx, id)
}
