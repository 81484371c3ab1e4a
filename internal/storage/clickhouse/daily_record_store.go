package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

// DailyRecordStore appends committed daily records to ClickHouse.
type DailyRecordStore struct {
	conn *Conn
}

// NewDailyRecordStore creates a new DailyRecordStore.
func NewDailyRecordStore(conn *Conn) *DailyRecordStore {
	return &DailyRecordStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RecordSink = (*DailyRecordStore)(nil)

// AppendRecords writes records in one batch.
// Re-sending the same (generation, day) is collapsed by ReplacingMergeTree.
func (s *DailyRecordStore) AppendRecords(ctx context.Context, key domain.PositionKey, generation int, records []domain.DailyRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO daily_records (
			user_id, bot_id, generation, day,
			performance_percent, profit_amount,
			developer_fee, platform_fee, total_fee, fee_forgone,
			simulation_balance_after, commission_balance_after, high_water_mark_after,
			recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		err = batch.Append(
			key.UserID, key.BotID, uint32(generation), uint32(r.Day),
			r.PerformancePercent, r.ProfitAmount,
			r.DeveloperFee, r.PlatformFee, r.TotalFee, r.FeeForgone,
			r.SimulationBalanceAfter, r.CommissionBalanceAfter, r.HighWaterMarkAfter,
			r.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ListByPosition retrieves the records of one generation ordered by day ASC.
func (s *DailyRecordStore) ListByPosition(ctx context.Context, key domain.PositionKey, generation int) ([]domain.DailyRecord, error) {
	query := `
		SELECT day, performance_percent, profit_amount,
			developer_fee, platform_fee, total_fee, fee_forgone,
			simulation_balance_after, commission_balance_after, high_water_mark_after,
			recorded_at
		FROM daily_records FINAL
		WHERE user_id = ? AND bot_id = ? AND generation = ?
		ORDER BY day ASC
	`

	rows, err := s.conn.Query(ctx, query, key.UserID, key.BotID, uint32(generation))
	if err != nil {
		return nil, fmt.Errorf("query by position: %w", err)
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		var (
			r   domain.DailyRecord
			day uint32
		)
		err := rows.Scan(
			&day, &r.PerformancePercent, &r.ProfitAmount,
			&r.DeveloperFee, &r.PlatformFee, &r.TotalFee, &r.FeeForgone,
			&r.SimulationBalanceAfter, &r.CommissionBalanceAfter, &r.HighWaterMarkAfter,
			&r.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan daily record: %w", err)
		}
		r.Day = int(day)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily records: %w", err)
	}
	return records, nil
}

// FeeTotals is the fee revenue of one bot.
type FeeTotals struct {
	BotID         string
	GatedDays     uint64
	DeveloperFees decimal.Decimal
	PlatformFees  decimal.Decimal
	TotalFees     decimal.Decimal
	FeeForgone    decimal.Decimal
}

// FeeTotalsByBot aggregates charged fees per bot for records at or after since.
func (s *DailyRecordStore) FeeTotalsByBot(ctx context.Context, since time.Time) ([]FeeTotals, error) {
	query := `
		SELECT bot_id,
			countIf(total_fee > 0),
			sum(developer_fee), sum(platform_fee), sum(total_fee), sum(fee_forgone)
		FROM daily_records FINAL
		WHERE recorded_at >= ?
		GROUP BY bot_id
		ORDER BY bot_id ASC
	`

	rows, err := s.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query fee totals: %w", err)
	}
	defer rows.Close()

	var result []FeeTotals
	for rows.Next() {
		var t FeeTotals
		if err := rows.Scan(&t.BotID, &t.GatedDays, &t.DeveloperFees, &t.PlatformFees, &t.TotalFees, &t.FeeForgone); err != nil {
			return nil, fmt.Errorf("scan fee totals: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee totals: %w", err)
	}
	return result, nil
}
