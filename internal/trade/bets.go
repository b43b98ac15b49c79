package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/amm"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/events"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/exposure"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/metrics"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ws"
)

// QuoteShares is the trade size quoted by GET /prices.
const QuoteShares = 10.0

// PlaceBetRequest is the JSON body for POST /markets/{id}/bets.
type PlaceBetRequest struct {
	BettorID  string          `json:"bettor_id"`
	IsAgent   bool            `json:"is_agent"`
	Outcome   string          `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"` // money spent
	Rationale string          `json:"rationale"`
}

// PlaceBetResponse reports the purchase. Each contract pays 1 if the
// outcome resolves true.
type PlaceBetResponse struct {
	Bet                model.Bet       `json:"bet"`
	AmountSpent        decimal.Decimal `json:"amount_spent"`
	ContractsPurchased decimal.Decimal `json:"contracts_purchased"`
	PurchasePrice      decimal.Decimal `json:"purchase_price"`
	PotentialPayout    decimal.Decimal `json:"potential_payout"`
	PotentialProfit    decimal.Decimal `json:"potential_profit"`
	NewPrices          amm.PriceVector `json:"new_prices"`
}

// OutcomePricing is one outcome's entry in GET /prices.
type OutcomePricing struct {
	CurrentPrice float64 `json:"current_price"`
	BuyPrice     float64 `json:"buy_price"`  // per share, for QuoteShares
	SellPrice    float64 `json:"sell_price"` // per share, for QuoteShares
	Liquidity    float64 `json:"liquidity"`
}

// PricesResponse is the body of GET /prices.
type PricesResponse struct {
	MarketID    string                    `json:"market_id"`
	Prices      map[string]OutcomePricing `json:"prices"`
	TotalVolume decimal.Decimal           `json:"total_volume"`
}

// QuoteResponse is the body of GET /quote.
type QuoteResponse struct {
	MarketID       string          `json:"market_id"`
	Outcome        string          `json:"outcome"`
	Shares         float64         `json:"shares"`
	CurrentPrice   float64         `json:"current_price"`
	BuyCost        decimal.Decimal `json:"buy_cost"`
	BuyAvgPrice    decimal.Decimal `json:"buy_avg_price"`
	SellPayout     decimal.Decimal `json:"sell_payout"`
	SellAvgPrice   decimal.Decimal `json:"sell_avg_price"`
	PricesAfterBuy amm.PriceVector `json:"prices_after_buy"`
}

// HistoryEntry is one point of GET /history.
type HistoryEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Prices    amm.PriceVector `json:"prices"`
	Volume    float64         `json:"volume"`
	BetID     string          `json:"bet_id,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bets
// Buys contracts at the current price: contracts = amount / price.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.BettorID == "" {
		writeError(w, "bettor_id is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if len([]rune(req.Rationale)) > MaxRationaleLength {
		writeError(w, fmt.Sprintf("rationale exceeds %d characters", MaxRationaleLength), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	marketID := chi.URLParam(r, "marketID")

	// Serialize appends for this market.
	unlock, err := s.locker.Lock(ctx, store.MarketLockKey(marketID))
	if err != nil {
		writeError(w, "market is busy", http.StatusServiceUnavailable)
		return
	}
	defer unlock()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	now := s.now().UTC()
	if market.Status != model.MarketActive {
		writeError(w, "market is not active", http.StatusConflict)
		return
	}
	if market.CloseDate != nil && !now.Before(*market.CloseDate) {
		writeError(w, "market is closed for betting", http.StatusConflict)
		return
	}
	if !market.HasOutcome(req.Outcome) {
		writeError(w, "invalid outcome", http.StatusBadRequest)
		return
	}

	// --- Stake limits ---
	existing, err := s.store.GetBettorStake(ctx, market.ID, req.BettorID)
	if err != nil {
		writeError(w, "failed to check stake limits", http.StatusInternalServerError)
		return
	}
	if err := s.limiter.CheckLimit(req.Amount, existing, req.IsAgent); err != nil {
		label := "per_bet"
		if errors.Is(err, exposure.ErrMarketLimitExceeded) {
			label = "per_market"
		}
		metrics.StakeLimitRejections.WithLabelValues(label).Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	// --- Price at purchase ---
	bets, err := s.store.GetBetsByMarket(ctx, market.ID)
	if err != nil {
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return
	}
	evs := stakeEvents(bets)
	liquidity := market.InitialLiquidity.InexactFloat64()
	snap, err := amm.ComputePools(market.Outcomes, evs, liquidity)
	if err != nil {
		writeError(w, "invalid market configuration", http.StatusInternalServerError)
		return
	}
	// The stake must leave the market priceable, or every later read of
	// this bet log would fail.
	amount := req.Amount.InexactFloat64()
	newSnap, err := amm.ComputePools(market.Outcomes, append(evs, amm.StakeEvent{
		Outcome: req.Outcome, Amount: amount, Timestamp: now,
	}), liquidity)
	if err != nil || math.IsInf(newSnap.Total(), 0) {
		writeError(w, "amount out of range", http.StatusBadRequest)
		return
	}

	price, _ := amm.Price(snap, req.Outcome)
	purchasePrice := amm.Decimal(price)
	if !purchasePrice.IsPositive() {
		writeError(w, "outcome has no price", http.StatusConflict)
		return
	}

	contracts := req.Amount.Div(purchasePrice)
	payout := contracts // each contract pays 1
	profit := payout.Sub(req.Amount)

	rationale := req.Rationale
	if rationale == "" && !req.IsAgent {
		rationale = fmt.Sprintf("Bought %s contracts at $%s each. Pays $%s if %s.",
			contracts.StringFixed(2), purchasePrice.StringFixed(2), payout.StringFixed(2), req.Outcome)
	}

	bet := &model.Bet{
		ID:        uuid.New().String(),
		MarketID:  market.ID,
		BettorID:  req.BettorID,
		IsAgent:   req.IsAgent,
		Outcome:   req.Outcome,
		Stake:     req.Amount,
		Odds:      purchasePrice,
		Rationale: rationale,
		CreatedAt: now,
	}
	if err := s.store.InsertBet(ctx, bet); err != nil {
		writeError(w, "failed to record bet", http.StatusInternalServerError)
		return
	}

	newPrices := amm.Prices(newSnap)

	bettor := "human"
	if req.IsAgent {
		bettor = "agent"
	}
	metrics.BetsTotal.WithLabelValues(bettor).Inc()
	metrics.BetLatency.WithLabelValues(bettor).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(market.ID, req.Outcome).Add(req.Amount.InexactFloat64())

	s.logger.Info("bet placed",
		"bet_id", bet.ID,
		"market", market.ID,
		"bettor", req.BettorID,
		"agent", req.IsAgent,
		"outcome", req.Outcome,
		"amount", req.Amount.String(),
		"price", purchasePrice.String(),
		"contracts", contracts.StringFixed(4),
	)

	s.wsHub.Broadcast(ws.Message{
		Type:     ws.TypePriceUpdate,
		MarketID: market.ID,
		Outcome:  req.Outcome,
		Stake:    req.Amount.String(),
		Prices:   newPrices,
		Status:   market.Status,
	})
	ev := events.StakePlaced{
		BetID:     bet.ID,
		MarketID:  market.ID,
		BettorID:  bet.BettorID,
		IsAgent:   bet.IsAgent,
		Outcome:   bet.Outcome,
		Stake:     bet.Stake.String(),
		Odds:      bet.Odds.String(),
		Prices:    newPrices,
		Timestamp: bet.CreatedAt,
	}
	if err := s.publisher.Publish(ctx, events.TopicStakePlaced, market.ID, ev); err != nil {
		s.logger.Warn("failed to publish stake event", "bet_id", bet.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, PlaceBetResponse{
		Bet:                *bet,
		AmountSpent:        req.Amount,
		ContractsPurchased: contracts.Round(2),
		PurchasePrice:      purchasePrice.Round(2),
		PotentialPayout:    payout.Round(2),
		PotentialProfit:    profit.Round(2),
		NewPrices:          newPrices,
	})
}

// ListBets handles GET /api/v1/markets/{marketID}/bets (newest first).
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	market, bets, ok := s.loadMarket(w, r)
	if !ok {
		return
	}
	out := make([]model.Bet, len(bets))
	for i, b := range bets {
		out[len(bets)-1-i] = b
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": market.ID, "bets": out})
}

// GetPrices handles GET /api/v1/markets/{marketID}/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	market, bets, ok := s.loadMarket(w, r)
	if !ok {
		return
	}
	snap, err := poolsFor(market, bets)
	if err != nil {
		writeError(w, "invalid market configuration", http.StatusInternalServerError)
		return
	}

	prices := amm.Prices(snap)
	resp := PricesResponse{
		MarketID:    market.ID,
		Prices:      make(map[string]OutcomePricing, len(market.Outcomes)),
		TotalVolume: totalVolume(bets),
	}
	for _, o := range market.Outcomes {
		cost, _ := amm.BuyCost(snap, o, QuoteShares)
		payout, _ := amm.SellPayout(snap, o, QuoteShares)
		resp.Prices[o] = OutcomePricing{
			CurrentPrice: prices[o],
			BuyPrice:     cost / QuoteShares,
			SellPrice:    payout / QuoteShares,
			Liquidity:    snap.Pool(o),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?outcome=&shares=
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	outcome := r.URL.Query().Get("outcome")
	shares, err := strconv.ParseFloat(r.URL.Query().Get("shares"), 64)
	if err != nil || !(shares > 0) || shares > 1e12 {
		writeError(w, "shares must be a positive number", http.StatusBadRequest)
		return
	}

	market, bets, ok := s.loadMarket(w, r)
	if !ok {
		return
	}
	if !market.HasOutcome(outcome) {
		writeError(w, "invalid outcome", http.StatusBadRequest)
		return
	}
	snap, err := poolsFor(market, bets)
	if err != nil {
		writeError(w, "invalid market configuration", http.StatusInternalServerError)
		return
	}

	price, _ := amm.Price(snap, outcome)
	cost, _ := amm.BuyCost(snap, outcome, shares)
	payout, _ := amm.SellPayout(snap, outcome, shares)
	after, _ := amm.AfterBuy(snap, outcome, shares)

	writeJSON(w, http.StatusOK, QuoteResponse{
		MarketID:       market.ID,
		Outcome:        outcome,
		Shares:         shares,
		CurrentPrice:   price,
		BuyCost:        amm.Decimal(cost),
		BuyAvgPrice:    amm.Decimal(cost / shares),
		SellPayout:     amm.Decimal(payout),
		SellAvgPrice:   amm.Decimal(payout / shares),
		PricesAfterBuy: amm.Prices(after),
	})
}

// GetDepth handles GET /api/v1/markets/{marketID}/depth[?outcome=]
// Without an outcome every outcome is returned in market order.
func (s *Service) GetDepth(w http.ResponseWriter, r *http.Request) {
	market, bets, ok := s.loadMarket(w, r)
	if !ok {
		return
	}
	snap, err := poolsFor(market, bets)
	if err != nil {
		writeError(w, "invalid market configuration", http.StatusInternalServerError)
		return
	}

	outcomes := market.Outcomes
	if o := r.URL.Query().Get("outcome"); o != "" {
		if !market.HasOutcome(o) {
			writeError(w, "invalid outcome", http.StatusBadRequest)
			return
		}
		outcomes = []string{o}
	}

	depth := make([]amm.Depth, 0, len(outcomes))
	for _, o := range outcomes {
		d, err := amm.MarketDepth(snap, o)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		depth = append(depth, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": market.ID, "depth": depth})
}

// GetHistory handles GET /api/v1/markets/{marketID}/history
// Replays the bet log: one point for the opening state, then one per bet.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	market, bets, ok := s.loadMarket(w, r)
	if !ok {
		return
	}
	points, err := amm.Replay(market.Outcomes, stakeEvents(bets), market.InitialLiquidity.InexactFloat64(), market.CreatedAt)
	if err != nil {
		writeError(w, "failed to replay market history", http.StatusInternalServerError)
		return
	}

	history := make([]HistoryEntry, len(points))
	for i, p := range points {
		history[i] = HistoryEntry{Timestamp: p.Timestamp, Prices: p.Prices, Volume: p.Volume}
		if p.Index >= 0 {
			history[i].BetID = bets[p.Index].ID
			history[i].Outcome = p.Outcome
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": market.ID, "history": history})
}
