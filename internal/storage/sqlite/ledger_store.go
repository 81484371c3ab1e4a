package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

// LedgerStore implements storage.LedgerStore using SQLite.
// Decimals are stored as TEXT.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

const positionColumns = `
	user_id, bot_id, state,
	commission_balance, total_deposited, total_commission_paid,
	total_developer_fees, total_platform_fees,
	simulation_balance, starting_balance, high_water_mark, total_profit,
	current_day, generation, version, activated_at, updated_at`

const recordColumns = `
	day, performance_percent, profit_amount,
	developer_fee, platform_fee, total_fee, fee_forgone,
	simulation_balance_after, commission_balance_after, high_water_mark_after,
	recorded_at`

const transactionColumns = `
	id, idempotency_key, user_id, bot_id, kind, amount, settled_amount, status,
	external_reference, failure_reason, created_at, submitted_at, resolved_at`

// Get retrieves a position with the history of its current generation.
func (s *LedgerStore) Get(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND bot_id = ?`,
		key.UserID, key.BotID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}

	p.History, err = s.history(ctx, key, p.Generation)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListByUser retrieves every position of a user ordered by bot id, without history.
func (s *LedgerStore) ListByUser(ctx context.Context, userID string) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY bot_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return result, nil
}

// History retrieves the daily records of one generation ordered by day ASC.
// generation <= 0 selects the current generation.
func (s *LedgerStore) History(ctx context.Context, key domain.PositionKey, generation int) ([]domain.DailyRecord, error) {
	var current int
	err := s.db.QueryRowContext(ctx,
		`SELECT generation FROM positions WHERE user_id = ? AND bot_id = ?`,
		key.UserID, key.BotID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("check position: %w", err)
	}
	if generation <= 0 {
		generation = current
	}
	return s.history(ctx, key, generation)
}

func (s *LedgerStore) history(ctx context.Context, key domain.PositionKey, generation int) ([]domain.DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM daily_records
		WHERE user_id = ? AND bot_id = ? AND generation = ? ORDER BY day ASC`,
		key.UserID, key.BotID, generation)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		var (
			r    domain.DailyRecord
			nums [9]string
			at   int64
		)
		err := rows.Scan(&r.Day, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4],
			&nums[5], &nums[6], &nums[7], &nums[8], &at)
		if err != nil {
			return nil, fmt.Errorf("scan daily record row: %w", err)
		}
		err = parseDecimals(nums[:],
			&r.PerformancePercent, &r.ProfitAmount,
			&r.DeveloperFee, &r.PlatformFee, &r.TotalFee, &r.FeeForgone,
			&r.SimulationBalanceAfter, &r.CommissionBalanceAfter, &r.HighWaterMarkAfter)
		if err != nil {
			return nil, err
		}
		r.RecordedAt = fromMillis(at)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily record rows: %w", err)
	}
	return records, nil
}

// GetTransaction retrieves a transaction by id.
func (s *LedgerStore) GetTransaction(ctx context.Context, id string) (*domain.PendingTransaction, error) {
	return s.getTransaction(ctx, "id", id)
}

// GetTransactionByKey retrieves a transaction by idempotency key.
func (s *LedgerStore) GetTransactionByKey(ctx context.Context, key string) (*domain.PendingTransaction, error) {
	return s.getTransaction(ctx, "idempotency_key", key)
}

// GetTransactionByExternalRef retrieves a transaction by settlement reference.
func (s *LedgerStore) GetTransactionByExternalRef(ctx context.Context, ref string) (*domain.PendingTransaction, error) {
	return s.getTransaction(ctx, "external_reference", ref)
}

func (s *LedgerStore) getTransaction(ctx context.Context, column, value string) (*domain.PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM pending_transactions WHERE `+column+` = ?`, value)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by %s: %w", column, err)
	}
	return t, nil
}

// ListTransactionsByStatus retrieves transactions in a status ordered by creation time.
func (s *LedgerStore) ListTransactionsByStatus(ctx context.Context, status domain.TxStatus, limit int) ([]*domain.PendingTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM pending_transactions WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	return collectTransactions(rows)
}

// ListOpenTransactions retrieves the Created and Submitted transactions of a position.
func (s *LedgerStore) ListOpenTransactions(ctx context.Context, key domain.PositionKey) ([]*domain.PendingTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM pending_transactions
		WHERE user_id = ? AND bot_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		key.UserID, key.BotID, string(domain.TxStatusCreated), string(domain.TxStatusSubmitted))
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*domain.PendingTransaction, error) {
	defer rows.Close()

	var result []*domain.PendingTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return result, nil
}

// Apply persists c in one SQLite transaction.
func (s *LedgerStore) Apply(ctx context.Context, c *storage.Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if c.Position != nil {
		if err := applyPosition(ctx, tx, c); err != nil {
			return err
		}
	}
	if c.Transaction != nil {
		if err := applyTransaction(ctx, tx, c.Transaction, c.PrevStatus); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func applyPosition(ctx context.Context, tx *sql.Tx, c *storage.Commit) error {
	p := c.Position
	args := []any{
		string(p.State),
		p.CommissionBalance.String(), p.TotalDeposited.String(), p.TotalCommissionPaid.String(),
		p.TotalDeveloperFees.String(), p.TotalPlatformFees.String(),
		p.SimulationBalance.String(), p.StartingBalance.String(), p.HighWaterMark.String(), p.TotalProfit.String(),
		p.CurrentDay, p.Generation, p.Version, toMillis(p.ActivatedAt), toMillis(p.UpdatedAt),
		p.UserID, p.BotID,
	}

	var query string
	if c.PrevVersion == 0 {
		query = `
			INSERT OR IGNORE INTO positions (
				state,
				commission_balance, total_deposited, total_commission_paid,
				total_developer_fees, total_platform_fees,
				simulation_balance, starting_balance, high_water_mark, total_profit,
				current_day, generation, version, activated_at, updated_at,
				user_id, bot_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		query = `
			UPDATE positions SET
				state = ?,
				commission_balance = ?, total_deposited = ?, total_commission_paid = ?,
				total_developer_fees = ?, total_platform_fees = ?,
				simulation_balance = ?, starting_balance = ?, high_water_mark = ?, total_profit = ?,
				current_day = ?, generation = ?, version = ?, activated_at = ?, updated_at = ?
			WHERE user_id = ? AND bot_id = ? AND version = ?`
		args = append(args, c.PrevVersion)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return storage.ErrConflict
	}

	for _, r := range c.Appended {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_records (
				user_id, bot_id, generation, day, performance_percent, profit_amount,
				developer_fee, platform_fee, total_fee, fee_forgone,
				simulation_balance_after, commission_balance_after, high_water_mark_after, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UserID, p.BotID, p.Generation, r.Day,
			r.PerformancePercent.String(), r.ProfitAmount.String(),
			r.DeveloperFee.String(), r.PlatformFee.String(), r.TotalFee.String(), r.FeeForgone.String(),
			r.SimulationBalanceAfter.String(), r.CommissionBalanceAfter.String(), r.HighWaterMarkAfter.String(),
			toMillis(r.RecordedAt),
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert daily record: %w", err)
		}
	}
	return nil
}

func applyTransaction(ctx context.Context, tx *sql.Tx, t *domain.PendingTransaction, prev domain.TxStatus) error {
	ref := sql.NullString{String: t.ExternalReference, Valid: t.ExternalReference != ""}

	if prev == "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_transactions (
				id, idempotency_key, user_id, bot_id, kind, amount, settled_amount, status,
				external_reference, failure_reason, created_at, submitted_at, resolved_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.IdempotencyKey, t.UserID, t.BotID, string(t.Kind),
			t.Amount.String(), t.SettledAmount.String(), string(t.Status),
			ref, t.FailureReason, toMillis(t.CreatedAt), toNullMillis(t.SubmittedAt), toNullMillis(t.ResolvedAt),
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_transactions SET
			settled_amount = ?, status = ?, external_reference = ?,
			failure_reason = ?, submitted_at = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		t.SettledAmount.String(), string(t.Status), ref,
		t.FailureReason, toNullMillis(t.SubmittedAt), toNullMillis(t.ResolvedAt),
		t.ID, string(prev),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("update transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return storage.ErrConflict
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		p                  domain.Position
		state              string
		nums               [9]string
		activated, updated int64
	)
	err := row.Scan(
		&p.UserID, &p.BotID, &state,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4],
		&nums[5], &nums[6], &nums[7], &nums[8],
		&p.CurrentDay, &p.Generation, &p.Version, &activated, &updated,
	)
	if err != nil {
		return nil, err
	}
	p.State = domain.PositionState(state)
	p.ActivatedAt = fromMillis(activated)
	p.UpdatedAt = fromMillis(updated)

	err = parseDecimals(nums[:],
		&p.CommissionBalance, &p.TotalDeposited, &p.TotalCommissionPaid,
		&p.TotalDeveloperFees, &p.TotalPlatformFees,
		&p.SimulationBalance, &p.StartingBalance, &p.HighWaterMark, &p.TotalProfit)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTransaction(row rowScanner) (*domain.PendingTransaction, error) {
	var (
		t                   domain.PendingTransaction
		kind, status        string
		amount, settled     string
		ref                 sql.NullString
		created             int64
		submitted, resolved sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.UserID, &t.BotID, &kind, &amount, &settled, &status,
		&ref, &t.FailureReason, &created, &submitted, &resolved,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = domain.TxKind(kind)
	t.Status = domain.TxStatus(status)
	t.ExternalReference = ref.String
	t.CreatedAt = fromMillis(created)
	t.SubmittedAt = fromNullMillis(submitted)
	t.ResolvedAt = fromNullMillis(resolved)

	if err := parseDecimals([]string{amount, settled}, &t.Amount, &t.SettledAmount); err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}
