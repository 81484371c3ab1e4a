package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// NUMERIC columns travel as text so no precision is lost in either direction.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

const positionColumns = `
	user_id, bot_id, state,
	commission_balance::text, total_deposited::text, total_commission_paid::text,
	total_developer_fees::text, total_platform_fees::text,
	simulation_balance::text, starting_balance::text, high_water_mark::text, total_profit::text,
	current_day, generation, version, activated_at, updated_at`

const recordColumns = `
	day, performance_percent::text, profit_amount::text,
	developer_fee::text, platform_fee::text, total_fee::text, fee_forgone::text,
	simulation_balance_after::text, commission_balance_after::text, high_water_mark_after::text,
	recorded_at`

const transactionColumns = `
	id, idempotency_key, user_id, bot_id, kind, amount::text, settled_amount::text, status,
	external_reference, failure_reason, created_at, submitted_at, resolved_at`

// Get retrieves a position with the history of its current generation. Returns ErrNotFound if not exists.
func (s *LedgerStore) Get(ctx context.Context, key domain.PositionKey) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = $1 AND bot_id = $2`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, key.UserID, key.BotID))
	if err != nil {
		if isNotFoundError(err) {
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
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = $1 ORDER BY bot_id ASC`

	rows, err := s.pool.Query(ctx, query, userID)
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
	err := s.pool.QueryRow(ctx,
		`SELECT generation FROM positions WHERE user_id = $1 AND bot_id = $2`,
		key.UserID, key.BotID,
	).Scan(&current)
	if err != nil {
		if isNotFoundError(err) {
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
	query := `SELECT ` + recordColumns + `
		FROM daily_records
		WHERE user_id = $1 AND bot_id = $2 AND generation = $3
		ORDER BY day ASC`

	rows, err := s.pool.Query(ctx, query, key.UserID, key.BotID, generation)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	records := []domain.DailyRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily record row: %w", err)
		}
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

// getTransaction looks a transaction up by a unique column. column is never user input.
func (s *LedgerStore) getTransaction(ctx context.Context, column, value string) (*domain.PendingTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM pending_transactions WHERE ` + column + ` = $1`

	t, err := scanTransaction(s.pool.QueryRow(ctx, query, value))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by %s: %w", column, err)
	}
	return t, nil
}

// ListTransactionsByStatus retrieves transactions in a status ordered by creation time.
func (s *LedgerStore) ListTransactionsByStatus(ctx context.Context, status domain.TxStatus, limit int) ([]*domain.PendingTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM pending_transactions
		WHERE status = $1
		ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	return collectTransactions(rows)
}

// ListOpenTransactions retrieves the Created and Submitted transactions of a position.
func (s *LedgerStore) ListOpenTransactions(ctx context.Context, key domain.PositionKey) ([]*domain.PendingTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM pending_transactions
		WHERE user_id = $1 AND bot_id = $2 AND status IN ($3, $4)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, key.UserID, key.BotID,
		string(domain.TxStatusCreated), string(domain.TxStatusSubmitted))
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*domain.PendingTransaction, error) {
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

// Apply persists c in one database transaction.
func (s *LedgerStore) Apply(ctx context.Context, c *storage.Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

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

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func applyPosition(ctx context.Context, tx pgx.Tx, c *storage.Commit) error {
	p := c.Position
	args := []any{
		p.UserID, p.BotID, string(p.State),
		p.CommissionBalance.String(), p.TotalDeposited.String(), p.TotalCommissionPaid.String(),
		p.TotalDeveloperFees.String(), p.TotalPlatformFees.String(),
		p.SimulationBalance.String(), p.StartingBalance.String(), p.HighWaterMark.String(), p.TotalProfit.String(),
		p.CurrentDay, p.Generation, p.Version, p.ActivatedAt, p.UpdatedAt,
	}

	var query string
	if c.PrevVersion == 0 {
		query = `
			INSERT INTO positions (
				user_id, bot_id, state,
				commission_balance, total_deposited, total_commission_paid,
				total_developer_fees, total_platform_fees,
				simulation_balance, starting_balance, high_water_mark, total_profit,
				current_day, generation, version, activated_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (user_id, bot_id) DO NOTHING
		`
	} else {
		query = `
			UPDATE positions SET
				state = $3,
				commission_balance = $4, total_deposited = $5, total_commission_paid = $6,
				total_developer_fees = $7, total_platform_fees = $8,
				simulation_balance = $9, starting_balance = $10, high_water_mark = $11, total_profit = $12,
				current_day = $13, generation = $14, version = $15, activated_at = $16, updated_at = $17
			WHERE user_id = $1 AND bot_id = $2 AND version = $18
		`
		args = append(args, c.PrevVersion)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return storage.ErrConflict
	}

	insert := `
		INSERT INTO daily_records (
			user_id, bot_id, generation, day, performance_percent, profit_amount,
			developer_fee, platform_fee, total_fee, fee_forgone,
			simulation_balance_after, commission_balance_after, high_water_mark_after, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	for _, r := range c.Appended {
		_, err := tx.Exec(ctx, insert,
			p.UserID, p.BotID, p.Generation, r.Day,
			r.PerformancePercent.String(), r.ProfitAmount.String(),
			r.DeveloperFee.String(), r.PlatformFee.String(), r.TotalFee.String(), r.FeeForgone.String(),
			r.SimulationBalanceAfter.String(), r.CommissionBalanceAfter.String(), r.HighWaterMarkAfter.String(),
			r.RecordedAt,
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

func applyTransaction(ctx context.Context, tx pgx.Tx, t *domain.PendingTransaction, prev domain.TxStatus) error {
	var ref *string
	if t.ExternalReference != "" {
		ref = &t.ExternalReference
	}

	if prev == "" {
		_, err := tx.Exec(ctx, `
			INSERT INTO pending_transactions (
				id, idempotency_key, user_id, bot_id, kind, amount, settled_amount, status,
				external_reference, failure_reason, created_at, submitted_at, resolved_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			t.ID, t.IdempotencyKey, t.UserID, t.BotID, string(t.Kind),
			t.Amount.String(), t.SettledAmount.String(), string(t.Status),
			ref, t.FailureReason, t.CreatedAt, t.SubmittedAt, t.ResolvedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE pending_transactions SET
			settled_amount = $2, status = $3, external_reference = $4,
			failure_reason = $5, submitted_at = $6, resolved_at = $7
		WHERE id = $1 AND status = $8
	`,
		t.ID, t.SettledAmount.String(), string(t.Status), ref,
		t.FailureReason, t.SubmittedAt, t.ResolvedAt, string(prev),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return storage.ErrConflict
	}
	return nil
}

// scanPosition scans a single row into a Position (without history).
func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		p     domain.Position
		state string
		nums  [9]string
	)
	err := row.Scan(
		&p.UserID, &p.BotID, &state,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4],
		&nums[5], &nums[6], &nums[7], &nums[8],
		&p.CurrentDay, &p.Generation, &p.Version, &p.ActivatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.State = domain.PositionState(state)

	err = parseDecimals(nums[:],
		&p.CommissionBalance, &p.TotalDeposited, &p.TotalCommissionPaid,
		&p.TotalDeveloperFees, &p.TotalPlatformFees,
		&p.SimulationBalance, &p.StartingBalance, &p.HighWaterMark, &p.TotalProfit,
	)
	if err != nil {
		return nil, err
	}
	p.ActivatedAt = p.ActivatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanRecord(row pgx.Row) (domain.DailyRecord, error) {
	var (
		r    domain.DailyRecord
		nums [9]string
	)
	err := row.Scan(
		&r.Day, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5],
		&nums[6], &nums[7], &nums[8], &r.RecordedAt,
	)
	if err != nil {
		return r, err
	}
	err = parseDecimals(nums[:],
		&r.PerformancePercent, &r.ProfitAmount,
		&r.DeveloperFee, &r.PlatformFee, &r.TotalFee, &r.FeeForgone,
		&r.SimulationBalanceAfter, &r.CommissionBalanceAfter, &r.HighWaterMarkAfter,
	)
	r.RecordedAt = r.RecordedAt.UTC()
	return r, err
}

func scanTransaction(row pgx.Row) (*domain.PendingTransaction, error) {
	var (
		t                   domain.PendingTransaction
		kind, status        string
		amount, settled     string
		ref                 *string
		submitted, resolved *time.Time
	)
	err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.UserID, &t.BotID, &kind, &amount, &settled, &status,
		&ref, &t.FailureReason, &t.CreatedAt, &submitted, &resolved,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = domain.TxKind(kind)
	t.Status = domain.TxStatus(status)
	if ref != nil {
		t.ExternalReference = *ref
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if submitted != nil {
		v := submitted.UTC()
		t.SubmittedAt = &v
	}
	if resolved != nil {
		v := resolved.UTC()
		t.ResolvedAt = &v
	}
	if err := parseDecimals([]string{amount, settled}, &t.Amount, &t.SettledAmount); err != nil {
		return nil, err
	}
	return &t, nil
}

// parseDecimals parses src[i] into dst[i].
func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	if len(src) != len(dst) {
		return errors.New("parse decimals: length mismatch")
	}
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}
