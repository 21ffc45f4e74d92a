package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adam-php/medius/internal/pagination"
)

// PostgresStore persists escrows in PostgreSQL. Conditional updates map to
// single UPDATE statements guarded by a status predicate, so concurrent
// confirmations race on the database row, not in process memory.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const escrowColumns = `id, buyer_id, seller_id, title, amount, currency, method, status,
	fee_rate, fee_amount, net_amount, usd_amount, buyer_action, seller_action,
	deposit_address, seller_address, refund_address,
	order_id, approval_url, authorization_id, capture_id, seller_email,
	fulfillment_url, fulfillment_status, fulfillment_attempts, fulfillment_last_code,
	fulfillment_last_error, fulfillment_last_at, fulfillment_idempotency_key,
	checkout_session_id, failure_reason, resolution,
	funded_at, completed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,8), $6, $7, $8,
			$9, $10::NUMERIC(30,8), $11::NUMERIC(30,8), $12::NUMERIC(12,2), $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25, $26,
			$27, $28, $29,
			$30, $31, $32,
			$33, $34, $35, $36)`,
		e.ID, e.BuyerID, e.SellerID, e.Title, e.Amount, e.Currency, e.Method, e.Status,
		e.FeeRate, e.FeeAmount, e.NetAmount, e.USDAmount, e.BuyerAction, e.SellerAction,
		cryptoField(e, func(c *CryptoDetails) string { return c.DepositAddress }),
		cryptoField(e, func(c *CryptoDetails) string { return c.SellerAddress }),
		cryptoField(e, func(c *CryptoDetails) string { return c.RefundAddress }),
		cardField(e, func(c *CardDetails) string { return c.OrderID }),
		cardField(e, func(c *CardDetails) string { return c.ApprovalURL }),
		cardField(e, func(c *CardDetails) string { return c.AuthorizationID }),
		cardField(e, func(c *CardDetails) string { return c.CaptureID }),
		cardField(e, func(c *CardDetails) string { return c.SellerEmail }),
		e.Fulfillment.URL, e.Fulfillment.Status, e.Fulfillment.Attempts, e.Fulfillment.LastCode,
		e.Fulfillment.LastError, e.Fulfillment.LastAt, e.Fulfillment.IdempotencyKey,
		e.CheckoutSessionID, e.FailureReason, e.Resolution,
		e.FundedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (s *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET
			title = $2, status = $3, buyer_action = $4, seller_action = $5,
			deposit_address = $6, seller_address = $7, refund_address = $8,
			order_id = $9, approval_url = $10, authorization_id = $11, capture_id = $12, seller_email = $13,
			fulfillment_url = $14, fulfillment_status = $15, fulfillment_attempts = $16,
			fulfillment_last_code = $17, fulfillment_last_error = $18, fulfillment_last_at = $19,
			failure_reason = $20, resolution = $21,
			funded_at = $22, completed_at = $23, updated_at = $24
		WHERE id = $1`,
		e.ID,
		e.Title, e.Status, e.BuyerAction, e.SellerAction,
		cryptoField(e, func(c *CryptoDetails) string { return c.DepositAddress }),
		cryptoField(e, func(c *CryptoDetails) string { return c.SellerAddress }),
		cryptoField(e, func(c *CryptoDetails) string { return c.RefundAddress }),
		cardField(e, func(c *CardDetails) string { return c.OrderID }),
		cardField(e, func(c *CardDetails) string { return c.ApprovalURL }),
		cardField(e, func(c *CardDetails) string { return c.AuthorizationID }),
		cardField(e, func(c *CardDetails) string { return c.CaptureID }),
		cardField(e, func(c *CardDetails) string { return c.SellerEmail }),
		e.Fulfillment.URL, e.Fulfillment.Status, e.Fulfillment.Attempts,
		e.Fulfillment.LastCode, e.Fulfillment.LastError, e.Fulfillment.LastAt,
		e.FailureReason, e.Resolution,
		e.FundedAt, e.CompletedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM escrows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete escrow: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SetAction(ctx context.Context, id string, party Party, action Action, expectStatus Status) (bool, error) {
	column := "buyer_action"
	if party == PartySeller {
		column = "seller_action"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE escrows SET `+column+` = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		action, id, expectStatus,
	)
	if err != nil {
		return false, fmt.Errorf("set action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escrows SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkFunded(ctx context.Context, id string, fundedAt time.Time, cardAuthID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET funded_at = $2, updated_at = $2,
			authorization_id = CASE WHEN $3 <> '' THEN $3 ELSE authorization_id END
		WHERE id = $1`,
		id, fundedAt, cardAuthID,
	)
	if err != nil {
		return fmt.Errorf("mark funded: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + ` FROM escrows
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows by status: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE checkout_session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session escrows: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e                                    Escrow
		depositAddr, sellerAddr, refundAddr  sql.NullString
		orderID, approvalURL, authID         sql.NullString
		captureID, sellerEmail               sql.NullString
		sessionID, failureReason, resolution sql.NullString
		fundedAt, completedAt, fulfillLastAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.Title, &e.Amount, &e.Currency, &e.Method, &e.Status,
		&e.FeeRate, &e.FeeAmount, &e.NetAmount, &e.USDAmount, &e.BuyerAction, &e.SellerAction,
		&depositAddr, &sellerAddr, &refundAddr,
		&orderID, &approvalURL, &authID, &captureID, &sellerEmail,
		&e.Fulfillment.URL, &e.Fulfillment.Status, &e.Fulfillment.Attempts, &e.Fulfillment.LastCode,
		&e.Fulfillment.LastError, &fulfillLastAt, &e.Fulfillment.IdempotencyKey,
		&sessionID, &failureReason, &resolution,
		&fundedAt, &completedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}

	if e.Method == MethodCrypto {
		e.Crypto = &CryptoDetails{
			DepositAddress: depositAddr.String,
			SellerAddress:  sellerAddr.String,
			RefundAddress:  refundAddr.String,
		}
	}
	if e.Method == MethodCard {
		e.Card = &CardDetails{
			OrderID:         orderID.String,
			ApprovalURL:     approvalURL.String,
			AuthorizationID: authID.String,
			CaptureID:       captureID.String,
			SellerEmail:     sellerEmail.String,
		}
	}
	e.CheckoutSessionID = sessionID.String
	e.FailureReason = failureReason.String
	e.Resolution = resolution.String
	e.FundedAt = timePtr(fundedAt)
	e.CompletedAt = timePtr(completedAt)
	e.Fulfillment.LastAt = timePtr(fulfillLastAt)
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func cryptoField(e *Escrow, get func(*CryptoDetails) string) string {
	if e.Crypto == nil {
		return ""
	}
	return get(e.Crypto)
}

func cardField(e *Escrow, get func(*CardDetails) string) string {
	if e.Card == nil {
		return ""
	}
	return get(e.Card)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}
