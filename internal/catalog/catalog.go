// Package catalog loads the per-bot rate schedules.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"commission-ledger/internal/address"
	"commission-ledger/internal/domain"
)

//go:embed default.yaml
var defaultYAML []byte

var (
	// ErrInvalidSchedule is returned when a schedule breaks a catalog invariant.
	ErrInvalidSchedule = errors.New("invalid rate schedule")
	// ErrUnknownBot is returned for a bot id not in the catalog.
	ErrUnknownBot = errors.New("unknown bot")
)

// File is the YAML layout of a catalog file.
type File struct {
	Bots []BotConfig `yaml:"bots"`
}

// BotConfig is one bot entry. Amounts are strings to keep them exact.
type BotConfig struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Strategy         string `yaml:"strategy"`
	TotalRate        string `yaml:"total_rate"`
	DeveloperRate    string `yaml:"developer_rate"`
	PlatformRate     string `yaml:"platform_rate"`
	MinDeposit       string `yaml:"min_deposit"`
	StartingBalance  string `yaml:"starting_balance,omitempty"`
	FeeMode          string `yaml:"fee_mode,omitempty"`
	AssetPrice       string `yaml:"asset_price,omitempty"`
	DepositAddress   string `yaml:"deposit_address"`
	DeveloperAddress string `yaml:"developer_address"`
	PlatformAddress  string `yaml:"platform_address"`
}

// Catalog is an immutable set of rate schedules. Safe for concurrent use.
type Catalog struct {
	byID  map[string]*domain.RateSchedule
	order []string
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in catalog invalid: %v", err))
	}
	return c
}

// LoadFromFile reads a YAML catalog. An empty path returns Default().
func LoadFromFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Bots) == 0 {
		return nil, fmt.Errorf("%w: catalog has no bots", ErrInvalidSchedule)
	}

	schedules := make([]*domain.RateSchedule, 0, len(f.Bots))
	for i, b := range f.Bots {
		s, err := b.schedule()
		if err != nil {
			return nil, fmt.Errorf("bot %d (%s): %w", i, b.ID, err)
		}
		schedules = append(schedules, s)
	}
	return New(schedules...)
}

// New builds a catalog from schedules after validating each.
func New(schedules ...*domain.RateSchedule) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*domain.RateSchedule, len(schedules))}
	for _, s := range schedules {
		if err := Validate(s); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.BotID]; dup {
			return nil, fmt.Errorf("%w: duplicate bot id %q", ErrInvalidSchedule, s.BotID)
		}
		cp := *s
		c.byID[s.BotID] = &cp
		c.order = append(c.order, s.BotID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Schedule returns a copy of the schedule for botID.
func (c *Catalog) Schedule(botID string) (*domain.RateSchedule, error) {
	s, ok := c.byID[botID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBot, botID)
	}
	cp := *s
	return &cp, nil
}

// List returns copies of every schedule ordered by bot id.
func (c *Catalog) List() []*domain.RateSchedule {
	out := make([]*domain.RateSchedule, 0, len(c.order))
	for _, id := range c.order {
		cp := *c.byID[id]
		out = append(out, &cp)
	}
	return out
}

// Validate checks the invariants of one schedule.
func Validate(s *domain.RateSchedule) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidSchedule, s.BotID, fmt.Sprintf(format, args...))
	}

	if s.BotID == "" {
		return fmt.Errorf("%w: empty bot id", ErrInvalidSchedule)
	}
	if s.TotalRate.IsNegative() || s.DeveloperRate.IsNegative() || s.PlatformRate.IsNegative() {
		return fail("negative rate")
	}
	if s.TotalRate.GreaterThan(decimal.NewFromInt(1)) {
		return fail("total rate %s above 1", s.TotalRate)
	}
	if !s.DeveloperRate.Add(s.PlatformRate).Equal(s.TotalRate) {
		return fail("developer %s + platform %s != total %s", s.DeveloperRate, s.PlatformRate, s.TotalRate)
	}
	if !s.MinDeposit.IsPositive() {
		return fail("min deposit must be positive")
	}
	if !s.StartingBalance.IsPositive() {
		return fail("starting balance must be positive")
	}
	if !s.AssetPrice.IsPositive() {
		return fail("asset price must be positive")
	}
	if !s.FeeMode.Valid() {
		return fail("unknown fee mode %q", s.FeeMode)
	}

	for name, addr := range map[string]string{
		"deposit":   s.DepositAddress,
		"developer": s.DeveloperAddress,
		"platform":  s.PlatformAddress,
	} {
		if err := address.Validate(addr); err != nil {
			return fail("%s address: %v", name, err)
		}
	}
	return nil
}

func (b BotConfig) schedule() (*domain.RateSchedule, error) {
	s := &domain.RateSchedule{
		BotID:            b.ID,
		Name:             b.Name,
		Strategy:         b.Strategy,
		FeeMode:          domain.FeeMode(b.FeeMode),
		DepositAddress:   b.DepositAddress,
		DeveloperAddress: b.DeveloperAddress,
		PlatformAddress:  b.PlatformAddress,
	}
	if s.FeeMode == "" {
		s.FeeMode = domain.FeeModeFullProfit
	}

	fields := []struct {
		name string
		raw  string
		def  string
		dst  *decimal.Decimal
	}{
		{"total_rate", b.TotalRate, "", &s.TotalRate},
		{"developer_rate", b.DeveloperRate, "", &s.DeveloperRate},
		{"platform_rate", b.PlatformRate, "", &s.PlatformRate},
		{"min_deposit", b.MinDeposit, "", &s.MinDeposit},
		{"starting_balance", b.StartingBalance, "1000", &s.StartingBalance},
		{"asset_price", b.AssetPrice, "1", &s.AssetPrice},
	}
	for _, f := range fields {
		raw := f.raw
		if raw == "" {
			raw = f.def
		}
		if raw == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidSchedule, f.name)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, f.name, err)
		}
		*f.dst = d
	}
	return s, nil
}
