package ledger

import (
	"context"
	"errors"
	"fmt"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/storage"
)

// PositionStatus is the read projection of one position.
type PositionStatus struct {
	Position   *domain.Position
	BotName    string
	Accessible bool
}

// Status is every position of a user.
type Status struct {
	UserID    string
	Positions []PositionStatus
}

// GetPosition returns a copy of the position with its history.
func (e *Engine) GetPosition(ctx context.Context, userID, botID string) (*domain.Position, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}
	p, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, translate(key, err)
	}
	return p, nil
}

// ListPositions returns every position of a user ordered by bot id, without history.
func (e *Engine) ListPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	ps, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", userID, err)
	}
	return ps, nil
}

// GetStatus returns the status projection of every position of a user.
// A user without positions has an empty status.
func (e *Engine) GetStatus(ctx context.Context, userID string) (*Status, error) {
	ps, err := e.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{UserID: userID, Positions: make([]PositionStatus, 0, len(ps))}
	for _, p := range ps {
		row := PositionStatus{Position: p, Accessible: p.IsAccessible()}
		if s, err := e.schedules.Schedule(p.BotID); err == nil {
			row.BotName = s.Name
		}
		st.Positions = append(st.Positions, row)
	}
	return st, nil
}

// History returns the daily records of a generation ordered by day.
// generation <= 0 selects the current one; earlier generations stay readable
// after a reset or a reactivation.
func (e *Engine) History(ctx context.Context, userID, botID string, generation int) ([]domain.DailyRecord, error) {
	key := domain.PositionKey{UserID: userID, BotID: botID}
	recs, err := e.store.History(ctx, key, generation)
	if err != nil {
		return nil, translate(key, err)
	}
	return recs, nil
}

func translate(key domain.PositionKey, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("%s: %w", key, err)
}
