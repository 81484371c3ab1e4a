package api

import (
	"time"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/reconcile"
	"commission-ledger/internal/storage/clickhouse"
)

// Decimals are encoded as JSON strings to keep their precision.

type botView struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Strategy         string          `json:"strategy"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	DeveloperRate    decimal.Decimal `json:"developer_rate"`
	PlatformRate     decimal.Decimal `json:"platform_rate"`
	MinDeposit       decimal.Decimal `json:"min_commission_deposit"`
	StartingBalance  decimal.Decimal `json:"starting_balance"`
	FeeMode          domain.FeeMode  `json:"fee_mode"`
	DepositAddress   string          `json:"deposit_address"`
	DeveloperAddress string          `json:"developer_address"`
	PlatformAddress  string          `json:"platform_address"`
}

func newBotView(s *domain.RateSchedule) botView {
	return botView{
		ID:               s.BotID,
		Name:             s.Name,
		Strategy:         s.Strategy,
		CommissionRate:   s.TotalRate,
		DeveloperRate:    s.DeveloperRate,
		PlatformRate:     s.PlatformRate,
		MinDeposit:       s.MinDeposit,
		StartingBalance:  s.StartingBalance,
		FeeMode:          s.FeeMode,
		DepositAddress:   s.DepositAddress,
		DeveloperAddress: s.DeveloperAddress,
		PlatformAddress:  s.PlatformAddress,
	}
}

type recordView struct {
	Day                    int             `json:"day"`
	PerformancePercent     decimal.Decimal `json:"performance_percent"`
	ProfitAmount           decimal.Decimal `json:"profit_amount"`
	DeveloperFee           decimal.Decimal `json:"developer_fee"`
	PlatformFee            decimal.Decimal `json:"platform_fee"`
	TotalFee               decimal.Decimal `json:"total_fee"`
	FeeForgone             decimal.Decimal `json:"fee_forgone"`
	SimulationBalanceAfter decimal.Decimal `json:"simulation_balance"`
	CommissionBalanceAfter decimal.Decimal `json:"commission_balance"`
	HighWaterMarkAfter     decimal.Decimal `json:"high_water_mark"`
	RecordedAt             time.Time       `json:"recorded_at"`
}

func newRecordView(r domain.DailyRecord) recordView {
	return recordView{
		Day:                    r.Day,
		PerformancePercent:     r.PerformancePercent,
		ProfitAmount:           r.ProfitAmount,
		DeveloperFee:           r.DeveloperFee,
		PlatformFee:            r.PlatformFee,
		TotalFee:               r.TotalFee,
		FeeForgone:             r.FeeForgone,
		SimulationBalanceAfter: r.SimulationBalanceAfter,
		CommissionBalanceAfter: r.CommissionBalanceAfter,
		HighWaterMarkAfter:     r.HighWaterMarkAfter,
		RecordedAt:             r.RecordedAt,
	}
}

func newRecordViews(rs []domain.DailyRecord) []recordView {
	out := make([]recordView, 0, len(rs))
	for _, r := range rs {
		out = append(out, newRecordView(r))
	}
	return out
}

type positionView struct {
	UserID              string               `json:"user_id"`
	BotID               string               `json:"bot_id"`
	BotName             string               `json:"bot_name,omitempty"`
	State               domain.PositionState `json:"state"`
	Accessible          bool                 `json:"is_accessible"`
	CommissionBalance   decimal.Decimal      `json:"commission_balance"`
	SimulationBalance   decimal.Decimal      `json:"simulation_balance"`
	StartingBalance     decimal.Decimal      `json:"starting_balance"`
	HighWaterMark       decimal.Decimal      `json:"high_water_mark"`
	CurrentDay          int                  `json:"current_day"`
	TotalDeposited      decimal.Decimal      `json:"total_deposited"`
	TotalCommissionPaid decimal.Decimal      `json:"total_commission_paid"`
	TotalDeveloperFees  decimal.Decimal      `json:"total_developer_fees"`
	TotalPlatformFees   decimal.Decimal      `json:"total_platform_fees"`
	TotalProfit         decimal.Decimal      `json:"total_profit"`
	Generation          int                  `json:"generation"`
	ActivatedAt         time.Time            `json:"activated_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	History             []recordView         `json:"daily_history,omitempty"`
}

func newPositionView(p *domain.Position) *positionView {
	if p == nil {
		return nil
	}
	v := &positionView{
		UserID:              p.UserID,
		BotID:               p.BotID,
		State:               p.State,
		Accessible:          p.IsAccessible(),
		CommissionBalance:   p.CommissionBalance,
		SimulationBalance:   p.SimulationBalance,
		StartingBalance:     p.StartingBalance,
		HighWaterMark:       p.HighWaterMark,
		CurrentDay:          p.CurrentDay,
		TotalDeposited:      p.TotalDeposited,
		TotalCommissionPaid: p.TotalCommissionPaid,
		TotalDeveloperFees:  p.TotalDeveloperFees,
		TotalPlatformFees:   p.TotalPlatformFees,
		TotalProfit:         p.TotalProfit,
		Generation:          p.Generation,
		ActivatedAt:         p.ActivatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
	if len(p.History) > 0 {
		v.History = newRecordViews(p.History)
	}
	return v
}

type statusView struct {
	UserID     string          `json:"user_public_key"`
	ActiveBots []*positionView `json:"active_bots"`
}

func newStatusView(st *ledger.Status) statusView {
	v := statusView{UserID: st.UserID, ActiveBots: make([]*positionView, 0, len(st.Positions))}
	for _, row := range st.Positions {
		pv := newPositionView(row.Position)
		pv.BotName = row.BotName
		pv.Accessible = row.Accessible
		v.ActiveBots = append(v.ActiveBots, pv)
	}
	return v
}

type transactionView struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	BotID             string          `json:"bot_id"`
	Kind              domain.TxKind   `json:"kind"`
	Status            domain.TxStatus `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	SettledAmount     decimal.Decimal `json:"settled_amount"`
	IdempotencyKey    string          `json:"idempotency_key"`
	ExternalReference string          `json:"signature,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	SubmittedAt       *time.Time      `json:"submitted_at,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

func newTransactionView(tx *domain.PendingTransaction) *transactionView {
	if tx == nil {
		return nil
	}
	return &transactionView{
		ID:                tx.ID,
		UserID:            tx.UserID,
		BotID:             tx.BotID,
		Kind:              tx.Kind,
		Status:            tx.Status,
		Amount:            tx.Amount,
		SettledAmount:     tx.SettledAmount,
		IdempotencyKey:    tx.IdempotencyKey,
		ExternalReference: tx.ExternalReference,
		FailureReason:     tx.FailureReason,
		CreatedAt:         tx.CreatedAt,
		SubmittedAt:       tx.SubmittedAt,
		ResolvedAt:        tx.ResolvedAt,
	}
}

type descriptorView struct {
	TransactionID string          `json:"transaction_id"`
	Kind          domain.TxKind   `json:"kind"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo"`
	Network       string          `json:"network"`
}

func newDescriptorView(d *reconcile.UnsignedDescriptor) *descriptorView {
	if d == nil {
		return nil
	}
	return &descriptorView{
		TransactionID: d.TransactionID,
		Kind:          d.Kind,
		Source:        d.Source,
		Destination:   d.Destination,
		Amount:        d.Amount,
		Memo:          d.Memo,
		Network:       d.Network,
	}
}

type feeTotalsView struct {
	BotID         string          `json:"bot_id"`
	GatedDays     uint64          `json:"gated_days"`
	DeveloperFees decimal.Decimal `json:"developer_fees"`
	PlatformFees  decimal.Decimal `json:"platform_fees"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	FeeForgone    decimal.Decimal `json:"fee_forgone"`
}

func newFeeTotalsView(t clickhouse.FeeTotals) feeTotalsView {
	return feeTotalsView{
		BotID:         t.BotID,
		GatedDays:     t.GatedDays,
		DeveloperFees: t.DeveloperFees,
		PlatformFees:  t.PlatformFees,
		TotalFees:     t.TotalFees,
		FeeForgone:    t.FeeForgone,
	}
}
