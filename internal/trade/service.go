// Package trade provides the HTTP handlers and business logic for creating
// markets, placing stakes and quoting prices.
//
// Money crossing the API or the store is shopspring/decimal. Pricing runs
// in float64 inside internal/amm and is converted at the boundary.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/amm"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/contract"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/events"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/exposure"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/metrics"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ws"
)

// MaxRationaleLength bounds the opaque rationale stored with a bet.
const MaxRationaleLength = 4000

// Service handles market operations. Stake appends for one market are
// serialized through the Locker so every bet is priced against the full
// preceding history.
type Service struct {
	store            store.MarketStore
	limiter          *exposure.StakeLimiter
	locker           store.Locker
	wsHub            *ws.Hub // optional
	publisher        events.Publisher
	logger           *slog.Logger
	defaultLiquidity decimal.Decimal
	now              func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the in-process locker, e.g. with a Redis locker when
// several replicas share a database.
func WithLocker(l store.Locker) Option { return func(s *Service) { s.locker = l } }

// WithPublisher emits StakePlaced events.
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDefaultLiquidity sets the seed for markets created without one.
func WithDefaultLiquidity(d decimal.Decimal) Option {
	return func(s *Service) { s.defaultLiquidity = d }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.MarketStore, limiter *exposure.StakeLimiter, hub *ws.Hub, opts ...Option) *Service {
	s := &Service{
		store:            st,
		limiter:          limiter,
		locker:           store.NewLocalLocker(),
		wsHub:            hub,
		publisher:        events.NopPublisher{},
		logger:           slog.Default(),
		defaultLiquidity: contract.DefaultInitialLiquidity,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = &exposure.StakeLimiter{}
	}
	return s
}

// Routes mounts the market API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Patch("/status", s.UpdateMarketStatus)
		r.Post("/bets", s.PlaceBet)
		r.Get("/bets", s.ListBets)
		r.Get("/prices", s.GetPrices)
		r.Get("/quote", s.GetQuote)
		r.Get("/depth", s.GetDepth)
		r.Get("/history", s.GetHistory)
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question         string          `json:"question"`
	Outcomes         []string        `json:"outcomes"`
	CloseDate        string          `json:"close_date"`        // RFC 3339, YYYY-MM-DD or YYYYMMDD
	InitialLiquidity decimal.Decimal `json:"initial_liquidity"` // 0 → default
	Status           string          `json:"status"`            // draft (default) or active
}

// UpdateStatusRequest is the JSON body for PATCH /markets/{id}/status.
type UpdateStatusRequest struct {
	Status            string `json:"status"`
	ResolutionOutcome string `json:"resolution_outcome"`
}

// MarketResponse is a market with its current prices.
type MarketResponse struct {
	model.Market
	CurrentPrices amm.PriceVector `json:"current_prices"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	BetCount      int             `json:"bet_count"`
}

// ListMarketsResponse is the body of GET /markets.
type ListMarketsResponse struct {
	Markets []model.Market `json:"markets"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	liquidity := req.InitialLiquidity
	if liquidity.IsZero() {
		liquidity = s.defaultLiquidity
	}
	def, err := contract.Parse(req.Question, req.Outcomes, req.CloseDate, liquidity)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := req.Status
	if status == "" {
		status = model.MarketDraft
	}
	if status != model.MarketDraft && status != model.MarketActive {
		writeError(w, "status must be draft or active", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:               uuid.New().String(),
		Question:         def.Question,
		Outcomes:         def.Outcomes,
		InitialLiquidity: def.InitialLiquidity,
		Status:           status,
		CloseDate:        def.CloseDate,
		CreatedAt:        s.now().UTC(),
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeStoreError(w, err)
		return
	}
	if status == model.MarketActive {
		metrics.ActiveMarkets.Inc()
	}

	s.logger.Info("market created",
		"id", market.ID,
		"outcomes", len(market.Outcomes),
		"initial_liquidity", market.InitialLiquidity.String(),
		"status", status,
	)

	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, bets, ok := s.loadMarket(w, r)
	if !ok {
		return
	}
	snap, err := poolsFor(market, bets)
	if err != nil {
		writeError(w, "invalid market configuration", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{
		Market:        *market,
		CurrentPrices: amm.Prices(snap),
		TotalVolume:   totalVolume(bets),
		BetCount:      len(bets),
	})
}

// ListMarkets handles GET /api/v1/markets
// Optional ?status=, ?limit= (default 50, max 200) and ?offset=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := markets[:0]
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	resp := ListMarketsResponse{Markets: []model.Market{}, Total: len(markets), Limit: limit, Offset: offset}
	if offset < len(markets) {
		end := min(offset+limit, len(markets))
		resp.Markets = append(resp.Markets, markets[offset:end]...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusTransitions lists the allowed market lifecycle moves.
var statusTransitions = map[string][]string{
	model.MarketDraft:  {model.MarketActive},
	model.MarketActive: {model.MarketClosed, model.MarketResolved},
	model.MarketClosed: {model.MarketResolved},
}

func canMoveTo(from, to string) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateMarketStatus handles PATCH /api/v1/markets/{marketID}/status
func (s *Service) UpdateMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	marketID := chi.URLParam(r, "marketID")
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
	if !canMoveTo(market.Status, req.Status) {
		writeError(w, "cannot move market from "+market.Status+" to "+req.Status, http.StatusConflict)
		return
	}
	resolution := ""
	if req.Status == model.MarketResolved {
		if err := contract.ValidateResolution(market.Outcomes, req.ResolutionOutcome); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		resolution = req.ResolutionOutcome
	}

	if err := s.store.UpdateMarketStatus(ctx, marketID, req.Status, resolution, s.now()); err != nil {
		writeStoreError(w, err)
		return
	}
	switch {
	case req.Status == model.MarketActive:
		metrics.ActiveMarkets.Inc()
	case market.Status == model.MarketActive:
		metrics.ActiveMarkets.Dec()
	}

	updated, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("market status changed", "id", marketID, "from", market.Status, "to", req.Status, "resolution", resolution)
	s.wsHub.Broadcast(ws.Message{Type: ws.TypeMarketState, MarketID: marketID, Status: updated.Status, Outcome: resolution})

	writeJSON(w, http.StatusOK, updated)
}

// loadMarket fetches the market named in the URL and its bet log, writing
// the error response itself when it returns false.
func (s *Service) loadMarket(w http.ResponseWriter, r *http.Request) (*model.Market, []model.Bet, bool) {
	ctx := r.Context()
	market, err := s.store.GetMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, false
	}
	bets, err := s.store.GetBetsByMarket(ctx, market.ID)
	if err != nil {
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return nil, nil, false
	}
	return market, bets, true
}

// stakeEvents converts the bet log into pricing input.
func stakeEvents(bets []model.Bet) []amm.StakeEvent {
	evs := make([]amm.StakeEvent, len(bets))
	for i, b := range bets {
		evs[i] = amm.StakeEvent{Outcome: b.Outcome, Amount: b.Stake.InexactFloat64(), Timestamp: b.CreatedAt}
	}
	return evs
}

func poolsFor(market *model.Market, bets []model.Bet) (amm.PoolSnapshot, error) {
	return amm.ComputePools(market.Outcomes, stakeEvents(bets), market.InitialLiquidity.InexactFloat64())
}

func totalVolume(bets []model.Bet) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bets {
		total = total.Add(b.Stake)
	}
	return total
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "market not found", http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
