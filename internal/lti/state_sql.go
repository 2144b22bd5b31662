package lti

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStateStore keeps login attempts in the lti_login_attempts table so that
// several tool instances can share them. Consume is a single
// DELETE ... RETURNING, which both SQLite (>= 3.35) and Postgres execute atomically.
type SQLStateStore struct {
	db *sql.DB

	// Clock (for tests)
	Now func() time.Time
}

func NewSQLStateStore(db *sql.DB) *SQLStateStore {
	return &SQLStateStore{db: db}
}

func (s *SQLStateStore) Save(ctx context.Context, a LoginAttempt) error {
	a.State = strings.TrimSpace(a.State)
	if a.State == "" || a.Nonce == "" {
		return errors.New("lti: state and nonce are required")
	}
	// A stale row under the same state would block the insert.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM lti_login_attempts WHERE state=$1 AND expires_at<=$2`,
		a.State, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("lti: save state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lti_login_attempts (state, nonce, issuer, client_id, login_hint, target_link_uri, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (state) DO NOTHING`,
		a.State, a.Nonce, a.Issuer, a.ClientID, a.LoginHint, a.TargetLinkURI,
		a.CreatedAt.UnixMilli(), a.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("lti: save state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStateExists
	}
	return nil
}

func (s *SQLStateStore) Consume(ctx context.Context, state string) (LoginAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM lti_login_attempts WHERE state=$1
		RETURNING state, nonce, issuer, client_id, login_hint, target_link_uri, created_at, expires_at`,
		strings.TrimSpace(state))

	var (
		a                  LoginAttempt
		created, expiresAt int64
	)
	err := row.Scan(&a.State, &a.Nonce, &a.Issuer, &a.ClientID, &a.LoginHint, &a.TargetLinkURI, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginAttempt{}, ErrStateNotFound
	}
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("lti: consume state: %w", err)
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if a.expired(s.now()) {
		return LoginAttempt{}, ErrStateNotFound
	}
	return a, nil
}

func (s *SQLStateStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lti_login_attempts WHERE expires_at<=$1`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("lti: purge states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
