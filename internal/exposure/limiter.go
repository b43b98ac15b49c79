// Package exposure enforces stake limits on bettors.
//
// A single bet is capped, and so is a bettor's aggregate stake in one
// market. Automated agent bettors get a tighter per-bet cap so that one
// misbehaving agent cannot move a market on its own.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerBetLimitExceeded is returned when one stake exceeds the per-bet cap.
	ErrPerBetLimitExceeded = errors.New("exposure: per-bet stake limit exceeded")

	// ErrMarketLimitExceeded is returned when a stake would push the bettor's
	// aggregate stake in the market beyond the per-market cap.
	ErrMarketLimitExceeded = errors.New("exposure: per-market stake limit exceeded")
)

// StakeLimiter holds the caps. A zero cap disables that check.
type StakeLimiter struct {
	// MaxPerBet bounds a single human stake.
	MaxPerBet decimal.Decimal

	// MaxPerAgentBet bounds a single agent stake.
	MaxPerAgentBet decimal.Decimal

	// MaxPerMarket bounds the sum of a bettor's stakes in one market.
	MaxPerMarket decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given caps.
func NewStakeLimiter(maxPerBet, maxPerAgentBet, maxPerMarket decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerBet:      maxPerBet,
		MaxPerAgentBet: maxPerAgentBet,
		MaxPerMarket:   maxPerMarket,
	}
}

// CheckLimit validates a new stake against the bettor's existing stake in
// the market. It returns nil when the stake is within every cap.
func (l *StakeLimiter) CheckLimit(stake, existing decimal.Decimal, isAgent bool) error {
	// 1. Per-bet cap.
	perBet := l.MaxPerBet
	if isAgent && l.MaxPerAgentBet.IsPositive() {
		perBet = l.MaxPerAgentBet
	}
	if perBet.IsPositive() && stake.GreaterThan(perBet) {
		return ErrPerBetLimitExceeded
	}

	// 2. Aggregate cap in this market.
	if l.MaxPerMarket.IsPositive() && existing.Add(stake).GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}
	return nil
}
