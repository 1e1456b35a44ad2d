package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ---------------------------------------------------------------------------
// Deposit addresses
// ---------------------------------------------------------------------------

func (r *Repository) GetDepositAddress(ctx context.Context, agentID uuid.UUID) (*models.DepositAddress, error) {
	var a models.DepositAddress
	row := r.pool.QueryRow(ctx, `
		SELECT deposit_address_id, agent_id, address, derivation_index, created_at
		FROM deposit_addresses WHERE agent_id = $1
	`, agentID)
	if err := row.Scan(&a.DepositAddressID, &a.AgentID, &a.Address, &a.DerivationIndex, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// NextDerivationIndex reserves the next strictly-increasing index. Runs
// inside tx so two registrations cannot share an index.
func (r *Repository) NextDerivationIndex(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(derivation_index), -1) + 1 FROM deposit_addresses`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *Repository) InsertDepositAddress(ctx context.Context, tx pgx.Tx, a *models.DepositAddress) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO deposit_addresses (deposit_address_id, agent_id, address, derivation_index)
		VALUES ($1, $2, $3, $4)
	`, a.DepositAddressID, a.AgentID, a.Address, a.DerivationIndex)
	return err
}

// ---------------------------------------------------------------------------
// Deposit transactions
// ---------------------------------------------------------------------------

const depositColumns = `
	deposit_tx_id, agent_id, tx_hash, from_address, amount_usdc::text, amount_credits::text,
	confirmations, block_number, status, detected_at, credited_at`

func (r *Repository) GetDepositByHash(ctx context.Context, txHash string) (*models.DepositTransaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposit_transactions WHERE tx_hash = $1`, txHash)
	return scanDeposit(row)
}

func (r *Repository) GetDeposit(ctx context.Context, depositTxID uuid.UUID) (*models.DepositTransaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposit_transactions WHERE deposit_tx_id = $1`, depositTxID)
	return scanDeposit(row)
}

func (r *Repository) InsertDeposit(ctx context.Context, d *models.DepositTransaction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deposit_transactions (
			deposit_tx_id, agent_id, tx_hash, from_address, amount_usdc, amount_credits,
			confirmations, block_number, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.DepositTxID, d.AgentID, d.TxHash, d.FromAddress,
		d.AmountUSDC.StringFixed(6), d.AmountCredits.StringFixed(2),
		d.Confirmations, d.BlockNumber, d.Status)
	return err
}

func (r *Repository) SetDepositConfirmations(ctx context.Context, depositTxID uuid.UUID, confirmations int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE deposit_transactions SET confirmations = $1 WHERE deposit_tx_id = $2
	`, confirmations, depositTxID)
	return err
}

// CreditDeposit credits the agent and finalizes the deposit in one
// transaction. No escrow-audit row is written for a deposit.
// Idempotent: an already-credited deposit is left alone.
func (r *Repository) CreditDeposit(ctx context.Context, depositTxID uuid.UUID, creditedAt time.Time) (credited bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var agentID uuid.UUID
	var amountCredits string
	var status models.DepositStatus
	row := tx.QueryRow(ctx, `
		SELECT agent_id, amount_credits::text, status FROM deposit_transactions
		WHERE deposit_tx_id = $1 FOR UPDATE
	`, depositTxID)
	if err := row.Scan(&agentID, &amountCredits, &status); err != nil {
		return false, err
	}
	if status == models.DepositCredited {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `SELECT balance::text FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET balance = balance + $1 WHERE agent_id = $2`, amountCredits, agentID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE deposit_transactions SET status = $1, credited_at = $2 WHERE deposit_tx_id = $3
	`, models.DepositCredited, creditedAt, depositTxID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repository) MarkDepositFailed(ctx context.Context, depositTxID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE deposit_transactions SET status = $1 WHERE deposit_tx_id = $2
	`, models.DepositFailed, depositTxID)
	return err
}

func (r *Repository) ListDepositsByStatus(ctx context.Context, status models.DepositStatus) ([]*models.DepositTransaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+depositColumns+` FROM deposit_transactions WHERE status = $1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DepositTransaction
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) DepositHistory(ctx context.Context, agentID uuid.UUID) ([]*models.DepositTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+depositColumns+` FROM deposit_transactions
		WHERE agent_id = $1 ORDER BY detected_at DESC LIMIT 100
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DepositTransaction
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Withdrawals
// ---------------------------------------------------------------------------

const withdrawalColumns = `
	withdrawal_id, agent_id, amount::text, fee::text, net_payout::text, destination_address,
	status, tx_hash, error_message, requested_at, processed_at`

// CreateWithdrawal debits the agent and inserts the pending row in one
// transaction. The immediate debit is the double-spend guard.
func (r *Repository) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var balance string
	row := tx.QueryRow(ctx, `SELECT balance::text FROM agents WHERE agent_id = $1 FOR UPDATE`, w.AgentID)
	if err := row.Scan(&balance); err != nil {
		return err
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return err
	}
	if bal.LessThan(w.Amount) {
		return ErrInsufficientBalance
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET balance = balance - $1 WHERE agent_id = $2`, w.Amount.StringFixed(2), w.AgentID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO withdrawal_requests (withdrawal_id, agent_id, amount, fee, net_payout, destination_address, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.WithdrawalID, w.AgentID, w.Amount.StringFixed(2), w.Fee.StringFixed(2),
		w.NetPayout.StringFixed(2), w.DestinationAddress, w.Status); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*models.WithdrawalRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE withdrawal_id = $1`, withdrawalID)
	return scanWithdrawal(row)
}

// ClaimWithdrawal moves pending → processing; the boolean reply gives
// single-processor semantics when workers race.
func (r *Repository) ClaimWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET status = $1 WHERE withdrawal_id = $2 AND status = $3
	`, models.WithdrawalProcessing, withdrawalID, models.WithdrawalPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) SetWithdrawalTxHash(ctx context.Context, withdrawalID uuid.UUID, txHash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET tx_hash = $1 WHERE withdrawal_id = $2
	`, txHash, withdrawalID)
	return err
}

func (r *Repository) CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, processedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET status = $1, processed_at = $2 WHERE withdrawal_id = $3
	`, models.WithdrawalCompleted, processedAt, withdrawalID)
	return err
}

// FailWithdrawal refunds the debited amount and records the error in one
// transaction.
func (r *Repository) FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, errorMessage string, processedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var agentID uuid.UUID
	var amount string
	var status models.WithdrawalStatus
	row := tx.QueryRow(ctx, `
		SELECT agent_id, amount::text, status FROM withdrawal_requests WHERE withdrawal_id = $1 FOR UPDATE
	`, withdrawalID)
	if err := row.Scan(&agentID, &amount, &status); err != nil {
		return err
	}
	if status == models.WithdrawalFailed || status == models.WithdrawalCompleted {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `SELECT balance::text FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET balance = balance + $1 WHERE agent_id = $2`, amount, agentID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE withdrawal_requests SET status = $1, error_message = $2, processed_at = $3 WHERE withdrawal_id = $4
	`, models.WithdrawalFailed, errorMessage, processedAt, withdrawalID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequeueWithdrawal returns a processing row to pending (boot
// reconciliation of unbroadcast work).
func (r *Repository) RequeueWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET status = $1 WHERE withdrawal_id = $2 AND status = $3
	`, models.WithdrawalPending, withdrawalID, models.WithdrawalProcessing)
	return err
}

func (r *Repository) ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE status = $1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *Repository) WithdrawalHistory(ctx context.Context, agentID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE agent_id = $1 ORDER BY requested_at DESC LIMIT 100
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PendingWithdrawalTotal sums in-flight withdrawals for balance display.
func (r *Repository) PendingWithdrawalTotal(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error) {
	var total string
	row := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM withdrawal_requests
		WHERE agent_id = $1 AND status IN ($2, $3)
	`, agentID, models.WithdrawalPending, models.WithdrawalProcessing)
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func (r *Repository) AgentBalance(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error) {
	var balance string
	row := r.pool.QueryRow(ctx, `SELECT balance::text FROM agents WHERE agent_id = $1`, agentID)
	if err := row.Scan(&balance); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

func scanDeposit(row pgx.Row) (*models.DepositTransaction, error) {
	var d models.DepositTransaction
	var usdc, credits string
	if err := row.Scan(&d.DepositTxID, &d.AgentID, &d.TxHash, &d.FromAddress, &usdc, &credits,
		&d.Confirmations, &d.BlockNumber, &d.Status, &d.DetectedAt, &d.CreditedAt); err != nil {
		return nil, err
	}
	var err error
	if d.AmountUSDC, err = decimal.NewFromString(usdc); err != nil {
		return nil, err
	}
	if d.AmountCredits, err = decimal.NewFromString(credits); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanWithdrawal(row pgx.Row) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	var amount, fee, net string
	if err := row.Scan(&w.WithdrawalID, &w.AgentID, &amount, &fee, &net, &w.DestinationAddress,
		&w.Status, &w.TxHash, &w.ErrorMessage, &w.RequestedAt, &w.ProcessedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if w.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if w.NetPayout, err = decimal.NewFromString(net); err != nil {
		return nil, err
	}
	return &w, nil
}
