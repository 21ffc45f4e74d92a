package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists checkout sessions in PostgreSQL. Items and groups
// are structured documents scoped to one session, so they live in JSONB
// columns rather than their own tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	items, groups, err := marshalParts(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions
			(id, user_id, items, groups, status, callback_url, escrow_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, items, groups, sess.Status, sess.CallbackURL,
		pq.Array(sess.EscrowIDs), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, items, groups, status, callback_url, escrow_ids, created_at, updated_at
		FROM checkout_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) Update(ctx context.Context, sess *Session) error {
	items, groups, err := marshalParts(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET items = $1, groups = $2, status = $3, callback_url = $4,
			escrow_ids = $5, updated_at = $6
		WHERE id = $7`,
		items, groups, sess.Status, sess.CallbackURL,
		pq.Array(sess.EscrowIDs), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update checkout session: %w", err)
	}
	return requireSessionRow(res)
}

func (s *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("update checkout session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, items, groups, status, callback_url, escrow_ids, created_at, updated_at
		FROM checkout_sessions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		items     []byte
		groups    []byte
		escrowIDs pq.StringArray
	)
	err := row.Scan(&sess.ID, &sess.UserID, &items, &groups, &sess.Status,
		&sess.CallbackURL, &escrowIDs, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkout session: %w", err)
	}
	if err := json.Unmarshal(items, &sess.Items); err != nil {
		return nil, fmt.Errorf("decode checkout items: %w", err)
	}
	if err := json.Unmarshal(groups, &sess.Groups); err != nil {
		return nil, fmt.Errorf("decode checkout groups: %w", err)
	}
	sess.EscrowIDs = escrowIDs
	return &sess, nil
}

func marshalParts(sess *Session) (items, groups []byte, err error) {
	items, err = json.Marshal(sess.Items)
	if err != nil {
		return nil, nil, fmt.Errorf("encode checkout items: %w", err)
	}
	groups, err = json.Marshal(sess.Groups)
	if err != nil {
		return nil, nil, fmt.Errorf("encode checkout groups: %w", err)
	}
	return items, groups, nil
}

func requireSessionRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
