// Package returns supplies the daily percentage returns of a simulation.
package returns

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
)

// Default bounds of a daily return, in hundredths of a percent.
const (
	MinHundredths = -300 // -3.00%
	MaxHundredths = 500  // +5.00%
)

// ErrExhausted is returned by a non-cycling Sequence after its last value.
var ErrExhausted = errors.New("returns: sequence exhausted")

// Source produces one daily return per call, as a percentage.
type Source interface {
	NextReturn() (decimal.Decimal, error)
}

// Uniform draws returns uniformly from [Min, Max] hundredths of a percent.
// Safe for concurrent use.
type Uniform struct {
	mu  sync.Mutex
	rng *rand.Rand
	min int64
	max int64
}

// NewUniform creates a Uniform over [-3.00, +5.00] seeded with seed.
func NewUniform(seed uint64) *Uniform {
	return NewUniformRange(seed, MinHundredths, MaxHundredths)
}

// NewUniformRange creates a Uniform over [min, max] hundredths. Panics if min > max.
func NewUniformRange(seed uint64, min, max int64) *Uniform {
	if min > max {
		panic("returns: min > max")
	}
	return &Uniform{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		min: min,
		max: max,
	}
}

// NextReturn never fails.
func (u *Uniform) NextReturn() (decimal.Decimal, error) {
	u.mu.Lock()
	n := u.min + u.rng.Int64N(u.max-u.min+1)
	u.mu.Unlock()

	return decimal.New(n, -domain.ReturnPlaces), nil
}

// Sequence replays a fixed list of returns.
type Sequence struct {
	mu     sync.Mutex
	values []decimal.Decimal
	next   int
	cycle  bool
}

// NewSequence returns values in order, then ErrExhausted.
func NewSequence(values ...decimal.Decimal) *Sequence {
	return &Sequence{values: append([]decimal.Decimal(nil), values...)}
}

// NewCycle returns values in order forever.
func NewCycle(values ...decimal.Decimal) *Sequence {
	s := NewSequence(values...)
	s.cycle = true
	return s
}

// ParseSequence builds a Sequence from strings such as "5", "-2", "1.5".
func ParseSequence(values []string) (*Sequence, error) {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return NewSequence(out...), nil
}

// NextReturn returns the next value.
func (s *Sequence) NextReturn() (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.values) == 0 {
		return decimal.Zero, ErrExhausted
	}
	if s.next >= len(s.values) {
		if !s.cycle {
			return decimal.Zero, ErrExhausted
		}
		s.next = 0
	}
	v := s.values[s.next]
	s.next++
	return v, nil
}

// Remaining reports how many values are left before exhaustion; -1 when cycling.
func (s *Sequence) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cycle {
		return -1
	}
	return len(s.values) - s.next
}
