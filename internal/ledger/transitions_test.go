package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commission-ledger/internal/domain"
)

func activePosition(t *testing.T) *domain.Position {
	t.Helper()
	s := testSchedules()["alpha"]
	c, err := PlanActivate(domain.PositionKey{UserID: "u1", BotID: "alpha"}, nil, s, d("10"), testTime)
	require.NoError(t, err)
	return c.Position
}

func TestPlanActivate_NewPosition(t *testing.T) {
	p := activePosition(t)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, testTime, p.ActivatedAt)
	assert.True(t, p.CommissionBalance.Equal(d("10")))
}

func TestPlanActivate_RejectedStates(t *testing.T) {
	s := testSchedules()["alpha"]
	for _, st := range []domain.PositionState{domain.StateActive, domain.StateDepleted} {
		cur := activePosition(t)
		cur.State = st
		_, err := PlanActivate(cur.Key(), cur, s, d("10"), testTime)
		assert.ErrorIs(t, err, ErrAlreadyActive, st)
	}
}

func TestPlanTopup_States(t *testing.T) {
	tests := []struct {
		state   domain.PositionState
		wantErr error
	}{
		{domain.StateActive, nil},
		{domain.StateDepleted, nil},
		{domain.StateClosed, ErrInvalidTransition},
		{domain.StateUninitialized, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			cur := activePosition(t)
			cur.State = tt.state
			c, err := PlanTopup(cur, d("1"), testTime)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StateActive, c.Position.State)
			assert.Equal(t, cur.Version, c.PrevVersion)
			assert.Equal(t, cur.Version+1, c.Position.Version)
		})
	}
}

func TestPlanDay_DoesNotMutateInput(t *testing.T) {
	cur := activePosition(t)
	s := testSchedules()["alpha"]

	c, rec, err := PlanDay(cur, s, d("5"), testTime)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 0, cur.CurrentDay)
	assert.Len(t, cur.History, 1)
	assert.True(t, cur.SimulationBalance.Equal(d("100")))
	assert.Len(t, c.Position.History, 2)
	assert.Equal(t, []domain.DailyRecord{*rec}, c.Appended)
}

func TestPlanWithdraw_FromDepleted(t *testing.T) {
	cur := activePosition(t)
	cur.State = domain.StateDepleted
	cur.CommissionBalance = d("0")

	c, amount, err := PlanWithdraw(cur, testTime)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
	assert.Equal(t, domain.StateClosed, c.Position.State)
}

func TestPlanPayout_Partial(t *testing.T) {
	cur := activePosition(t)
	cur.CommissionBalance = d("15")

	c, err := PlanPayout(cur, d("10"), testTime)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.Position.State)
	assert.True(t, c.Position.CommissionBalance.Equal(d("5")))
	assert.True(t, c.Position.SimulationBalance.Equal(cur.SimulationBalance))
	assert.Equal(t, cur.Version+1, c.Position.Version)
	assert.True(t, cur.CommissionBalance.Equal(d("15")), "input untouched")
}

func TestPlanPayout_Full(t *testing.T) {
	cur := activePosition(t)

	c, err := PlanPayout(cur, d("10"), testTime)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, c.Position.State)
	assert.True(t, c.Position.CommissionBalance.IsZero())
	assert.True(t, c.Position.SimulationBalance.IsZero())
}

func TestPlanPayout_Rejected(t *testing.T) {
	cur := activePosition(t)
	_, err := PlanPayout(cur, d("10.5"), testTime)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = PlanPayout(cur, d("-1"), testTime)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	cur.State = domain.StateClosed
	_, err = PlanPayout(cur, d("0"), testTime)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = PlanPayout(nil, d("1"), testTime)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlanWithdrawRequest(t *testing.T) {
	cur := activePosition(t)
	c, err := PlanWithdrawRequest(cur, testTime)
	require.NoError(t, err)
	assert.Equal(t, cur.Version, c.PrevVersion)
	assert.Equal(t, cur.Version+1, c.Position.Version)
	assert.True(t, c.Position.CommissionBalance.Equal(cur.CommissionBalance))
	assert.Empty(t, c.Appended)

	cur.State = domain.StateUninitialized
	_, err = PlanWithdrawRequest(cur, testTime)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
