// Package service provides the HTTP handlers for creating markets,
// executing trades, settling claims, and querying positions/portfolios.
//
// Amounts cross the JSON boundary as decimals and are converted to
// fixed-point wads at the edge; all pricing happens in the engine.
package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openpredict/lmsr-engine/internal/engine"
	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/lmsr"
	"github.com/openpredict/lmsr-engine/internal/metrics"
	"github.com/openpredict/lmsr-engine/internal/model"
	"github.com/openpredict/lmsr-engine/internal/store"
)

// Service handles market operations. Uses a mutex for serialized execution
// (single-instance). For horizontal scaling, replace with distributed
// locking or database-level optimistic concurrency.
type Service struct {
	store  store.Store
	engine *engine.Engine
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	now    func() time.Time
}

// NewService creates a new service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, hub *WSHub) *Service {
	return &Service{
		store:  st,
		engine: eng,
		wsHub:  hub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	QuestionRef            string           `json:"question_ref"`
	CreatorID              string           `json:"creator_id"`
	Options                []string         `json:"options"`
	B                      decimal.Decimal  `json:"b"` // liquidity parameter; 0 → default 100
	DurationSeconds        int64            `json:"duration_seconds"`
	Kind                   string           `json:"kind"` // "paid" or "free_entry"
	InitialLiquidity       decimal.Decimal  `json:"initial_liquidity"`
	PrizePool              *decimal.Decimal `json:"prize_pool,omitempty"`
	EarlyResolutionAllowed bool             `json:"early_resolution_allowed"`
}

// TradeRequest is the JSON body for POST /trade and POST /trade/quote.
type TradeRequest struct {
	UserID    string           `json:"user_id"`
	MarketID  string           `json:"market_id"`
	Option    int              `json:"option"`
	Side      string           `json:"side"` // "buy" or "sell"
	Quantity  decimal.Decimal  `json:"quantity"`
	MaxCost   *decimal.Decimal `json:"max_cost,omitempty"`   // buys: slippage bound
	MinRefund *decimal.Decimal `json:"min_refund,omitempty"` // sells: slippage bound
}

// QuoteResponse is the price breakdown returned from POST /trade/quote.
type QuoteResponse struct {
	RawAmount        decimal.Decimal `json:"raw_amount"`
	Fee              decimal.Decimal `json:"fee"`
	Total            decimal.Decimal `json:"total"`
	AvgFillPrice     decimal.Decimal `json:"avg_fill_price"`
	NewMarginalPrice decimal.Decimal `json:"new_marginal_price"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID       string          `json:"trade_id"`
	MarketID      string          `json:"market_id"`
	UserID        string          `json:"user_id"`
	Option        int             `json:"option"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	FillPrice     decimal.Decimal `json:"fill_price"` // average price actually paid
	MarginalPrice decimal.Decimal `json:"marginal_price"`
	RawAmount     decimal.Decimal `json:"raw_amount"`
	Fee           decimal.Decimal `json:"fee"`
	Total         decimal.Decimal `json:"total"`
	Realized      decimal.Decimal `json:"realized"`
}

// ClaimRequest is the JSON body for POST /markets/{marketID}/claim.
type ClaimRequest struct {
	UserID string `json:"user_id"`
}

// ClaimResponse is returned from a successful claim.
type ClaimResponse struct {
	ClaimID  string          `json:"claim_id"`
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Payout   decimal.Decimal `json:"payout"`
	Realized decimal.Decimal `json:"realized"`
}

// PositionView is the JSON shape of one projected position.
type PositionView struct {
	MarketID      string          `json:"market_id"`
	Option        int             `json:"option"`
	Shares        decimal.Decimal `json:"shares"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioView is the JSON shape of a trader's portfolio aggregate.
type PortfolioView struct {
	UserID        string          `json:"user_id"`
	Positions     []PositionView  `json:"positions"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalWinnings decimal.Decimal `json:"total_winnings"`
}

// TradeView is the JSON shape of one ledger entry in market history.
type TradeView struct {
	TradeID       string          `json:"trade_id"`
	UserID        string          `json:"user_id"`
	Option        int             `json:"option"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	MarginalPrice decimal.Decimal `json:"marginal_price"`
	Total         decimal.Decimal `json:"total"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OptionView is the per-option slice of MarketView.
type OptionView struct {
	Index  int             `json:"index"`
	Label  string          `json:"label"`
	Shares decimal.Decimal `json:"shares"`
	Volume decimal.Decimal `json:"volume"`
	Price  decimal.Decimal `json:"price"`
}

// MarketView is the JSON shape of a market.
type MarketView struct {
	ID                     string             `json:"id"`
	QuestionRef            string             `json:"question_ref"`
	CreatorID              string             `json:"creator_id"`
	Kind                   string             `json:"kind"`
	State                  string             `json:"state"`
	Options                []OptionView       `json:"options"`
	B                      decimal.Decimal    `json:"b"`
	UserLiquidity          decimal.Decimal    `json:"user_liquidity"`
	AdminInitialLiquidity  decimal.Decimal    `json:"admin_initial_liquidity"`
	Validated              bool               `json:"validated"`
	EarlyResolutionAllowed bool               `json:"early_resolution_allowed"`
	EndTime                time.Time          `json:"end_time"`
	WinningOption          int                `json:"winning_option"`
	FreeEntry              *FreeEntryView     `json:"free_entry,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
}

// FreeEntryView is the JSON shape of a free-entry prize pool.
type FreeEntryView struct {
	TotalPrizePool     decimal.Decimal `json:"total_prize_pool"`
	RemainingPrizePool decimal.Decimal `json:"remaining_prize_pool"`
	Active             bool            `json:"active"`
}

func viewMarket(m *model.Market) MarketView {
	v := MarketView{
		ID:                     m.ID,
		QuestionRef:            m.QuestionRef,
		CreatorID:              m.CreatorID,
		Kind:                   string(m.Kind),
		State:                  string(m.State),
		B:                      fixedpoint.ToDecimal(m.B),
		UserLiquidity:          fixedpoint.ToDecimal(m.UserLiquidity),
		AdminInitialLiquidity:  fixedpoint.ToDecimal(m.AdminInitialLiquidity),
		Validated:              m.Validated,
		EarlyResolutionAllowed: m.EarlyResolutionAllowed,
		EndTime:                m.EndTime,
		WinningOption:          m.WinningOption,
		CreatedAt:              m.CreatedAt,
	}
	for i, o := range m.Options {
		v.Options = append(v.Options, OptionView{
			Index:  i,
			Label:  o.Label,
			Shares: fixedpoint.ToDecimal(o.Shares),
			Volume: fixedpoint.ToDecimal(o.Volume),
			Price:  fixedpoint.ToDecimal(o.Price),
		})
	}
	if m.FreeEntry != nil {
		v.FreeEntry = &FreeEntryView{
			TotalPrizePool:     fixedpoint.ToDecimal(m.FreeEntry.TotalPrizePool),
			RemainingPrizePool: fixedpoint.ToDecimal(m.FreeEntry.RemainingPrizePool),
			Active:             m.FreeEntry.Active,
		}
	}
	return v
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CreatorID == "" {
		writeError(w, "creator_id is required", http.StatusBadRequest)
		return
	}

	b := req.B
	if b.LessThanOrEqual(decimal.Zero) {
		b = decimal.NewFromInt(100) // default liquidity
	}

	params := engine.CreateMarketParams{
		QuestionRef:            req.QuestionRef,
		CreatorID:              req.CreatorID,
		OptionLabels:           req.Options,
		B:                      fixedpoint.FromDecimal(b),
		Duration:               time.Duration(req.DurationSeconds) * time.Second,
		Kind:                   model.MarketKind(req.Kind),
		InitialLiquidity:       fixedpoint.FromDecimal(req.InitialLiquidity),
		EarlyResolutionAllowed: req.EarlyResolutionAllowed,
	}
	if req.PrizePool != nil {
		params.PrizePool = fixedpoint.FromDecimal(*req.PrizePool)
	}

	m, transfers, err := s.engine.CreateMarket(params, s.now())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	if err := s.store.CreateMarket(r.Context(), m); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	metrics.MarketsCreated.Inc()
	logTransfers(transfers)
	slog.Info("market created",
		"id", m.ID,
		"kind", m.Kind,
		"options", len(m.Options),
		"b", fixedpoint.ToDecimal(m.B).String(),
	)

	writeJSON(w, http.StatusCreated, viewMarket(m))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewMarket(m))
}

// GetPrices handles GET /api/v1/markets/{marketID}/prices
//
// Prices are recomputed from the share quantities through the cost engine —
// including its shared zero-share default rule — rather than echoing the
// cached values, so this read path can never diverge from the trade path.
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	ce, err := lmsr.NewCostEngine(m.B, s.engine.PayoutPerShare())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	prices, err := ce.Prices(m.ShareVector())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}

	resp := make(map[string]decimal.Decimal, len(prices))
	for i, p := range prices {
		resp[m.Options[i].Label] = fixedpoint.ToDecimal(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMarkets handles GET /api/v1/markets
// With ?active=true only validated markets still inside their trading
// window are returned.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	views := make([]MarketView, 0, len(markets))
	activeOnly := r.URL.Query().Get("active") == "true"
	now := s.now()
	for i := range markets {
		if activeOnly && !markets[i].Open(now) {
			continue
		}
		views = append(views, viewMarket(&markets[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns the immutable trade ledger to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}

	views := make([]TradeView, 0, len(trades))
	for _, tr := range trades {
		views = append(views, TradeView{
			TradeID:       tr.ID,
			UserID:        tr.UserID,
			Option:        tr.Option,
			Side:          tr.Side,
			Quantity:      fixedpoint.ToDecimal(tr.Quantity),
			Price:         fixedpoint.ToDecimal(tr.Price),
			MarginalPrice: fixedpoint.ToDecimal(tr.MarginalPrice),
			Total:         fixedpoint.ToDecimal(tr.Total),
			Timestamp:     tr.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// ValidateMarket handles POST /api/v1/markets/{marketID}/validate
func (s *Service) ValidateMarket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err := s.engine.Validate(m); err != nil {
		s.writeCoreError(w, err)
		return
	}
	if err := s.store.UpdateMarket(r.Context(), m); err != nil {
		writeError(w, "failed to update market", http.StatusInternalServerError)
		return
	}

	slog.Info("market validated", "id", m.ID)
	s.broadcastLifecycle(m)
	writeJSON(w, http.StatusOK, viewMarket(m))
}

// ResolveMarketRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveMarketRequest struct {
	WinningOption int `json:"winning_option"`
	// EarlyTrigger asserts that the external early-resolution trigger fired.
	// The engine only checks it against the market's flag.
	EarlyTrigger bool `json:"early_trigger"`
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err := s.engine.Resolve(m, req.WinningOption, s.now(), req.EarlyTrigger); err != nil {
		s.writeCoreError(w, err)
		return
	}
	if err := s.store.UpdateMarket(r.Context(), m); err != nil {
		writeError(w, "failed to update market", http.StatusInternalServerError)
		return
	}

	metrics.MarketsResolved.Inc()
	slog.Info("market resolved", "id", m.ID, "winning_option", req.WinningOption)
	s.broadcastLifecycle(m)
	writeJSON(w, http.StatusOK, viewMarket(m))
}

// InvalidateMarketRequest is the JSON body for POST /markets/{marketID}/invalidate.
type InvalidateMarketRequest struct {
	Reason string `json:"reason"`
}

// InvalidateMarket handles POST /api/v1/markets/{marketID}/invalidate
func (s *Service) InvalidateMarket(w http.ResponseWriter, r *http.Request) {
	var req InvalidateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	transfers, err := s.engine.Invalidate(m, req.Reason)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	if err := s.store.UpdateMarket(r.Context(), m); err != nil {
		writeError(w, "failed to update market", http.StatusInternalServerError)
		return
	}

	logTransfers(transfers)
	slog.Info("market invalidated", "id", m.ID, "reason", req.Reason)
	s.broadcastLifecycle(m)
	writeJSON(w, http.StatusOK, viewMarket(m))
}

// QuoteTrade handles POST /api/v1/trade/quote
// Prices a prospective trade without mutating anything.
func (s *Service) QuoteTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTradeRequest(w, r)
	if !ok {
		return
	}

	m, err := s.store.GetMarket(r.Context(), req.MarketID)
	if err != nil {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}

	quantity := fixedpoint.FromDecimal(req.Quantity)
	var quote *engine.Quote
	if req.Side == model.SideBuy {
		quote, err = s.engine.QuoteBuy(m, req.Option, quantity)
	} else {
		quote, err = s.engine.QuoteSell(m, req.Option, quantity)
	}
	if err != nil {
		s.writeCoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteResponse{
		RawAmount:        fixedpoint.ToDecimal(quote.RawAmount),
		Fee:              fixedpoint.ToDecimal(quote.Fee),
		Total:            fixedpoint.ToDecimal(quote.Total),
		AvgFillPrice:     fixedpoint.ToDecimal(quote.AvgFillPrice),
		NewMarginalPrice: fixedpoint.ToDecimal(quote.NewMarginalPrice),
	})
}

// ExecuteTrade handles POST /api/v1/trade
// Executes against the LMSR engine and appends to the immutable ledger.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTradeRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// Serialize trade execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}

	quantity := fixedpoint.FromDecimal(req.Quantity)
	now := s.now()

	var result *engine.TradeResult
	if req.Side == model.SideBuy {
		var maxCost *big.Int
		if req.MaxCost != nil {
			maxCost = fixedpoint.FromDecimal(*req.MaxCost)
		}
		result, err = s.engine.ExecuteBuy(m, req.UserID, req.Option, quantity, maxCost, now)
	} else {
		positions, perr := s.store.MarketPositions(ctx, req.MarketID, req.UserID)
		if perr != nil {
			writeError(w, "failed to load position", http.StatusInternalServerError)
			return
		}
		var pos *model.Position
		for i := range positions {
			if positions[i].Option == req.Option {
				pos = &positions[i]
				break
			}
		}
		var minRefund *big.Int
		if req.MinRefund != nil {
			minRefund = fixedpoint.FromDecimal(*req.MinRefund)
		}
		result, err = s.engine.ExecuteSell(m, pos, req.Option, quantity, minRefund, now)
	}
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		s.writeCoreError(w, err)
		return
	}

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		writeError(w, "failed to update market state", http.StatusInternalServerError)
		return
	}
	if err := s.store.InsertTrade(ctx, result.Trade); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	// Internal bookkeeping is committed; only now surface custody moves.
	logTransfers(result.Transfers)

	metrics.TradesTotal.WithLabelValues(req.Side).Inc()
	slog.Info("trade executed",
		"trade_id", result.Trade.ID,
		"market", m.ID,
		"trader", req.UserID,
		"side", req.Side,
		"option", req.Option,
		"qty", req.Quantity.String(),
		"total", fixedpoint.ToDecimal(result.Trade.Total).String(),
		"fill_price", fixedpoint.ToDecimal(result.Trade.Price).String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: m.ID,
			State:    string(m.State),
			Prices:   priceStrings(m),
			Side:     req.Side,
			Option:   req.Option,
			Quantity: req.Quantity.String(),
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		TradeID:       result.Trade.ID,
		MarketID:      m.ID,
		UserID:        req.UserID,
		Option:        req.Option,
		Side:          req.Side,
		Quantity:      req.Quantity,
		FillPrice:     fixedpoint.ToDecimal(result.Trade.Price),
		MarginalPrice: fixedpoint.ToDecimal(result.Trade.MarginalPrice),
		RawAmount:     fixedpoint.ToDecimal(result.Trade.RawAmount),
		Fee:           fixedpoint.ToDecimal(result.Trade.Fee),
		Total:         fixedpoint.ToDecimal(result.Trade.Total),
		Realized:      fixedpoint.ToDecimal(result.Realized),
	})
}

// Claim handles POST /api/v1/markets/{marketID}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	claimed, err := s.store.HasClaimed(ctx, marketID, req.UserID)
	if err != nil {
		writeError(w, "failed to check claim state", http.StatusInternalServerError)
		return
	}
	positions, err := s.store.MarketPositions(ctx, marketID, req.UserID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	in := engine.ClaimInput{Positions: positions, AlreadyClaimed: claimed}
	if m.State == model.StateInvalidated {
		if in.TotalCostBasis, err = s.store.TotalCostBasis(ctx, marketID); err != nil {
			writeError(w, "failed to compute refund basis", http.StatusInternalServerError)
			return
		}
	}

	result, err := s.engine.Claim(m, req.UserID, in, s.now())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}

	// The claim record is the idempotence source of truth and commits
	// first: if the bookkeeping update below fails, a retry is rejected
	// with ErrAlreadyClaimed instead of drawing the payout twice, and the
	// funds stay in market custody pending reconciliation.
	if err := s.store.InsertClaim(ctx, result.Claim); err != nil {
		writeError(w, "failed to record claim", http.StatusConflict)
		return
	}
	if err := s.store.UpdateMarket(ctx, m); err != nil {
		slog.Error("market bookkeeping update failed after claim commit",
			"market", m.ID,
			"claim", result.Claim.ID,
			"trader", req.UserID,
			"err", err,
		)
		writeError(w, "failed to update market state", http.StatusInternalServerError)
		return
	}

	logTransfers(result.Transfers)

	metrics.ClaimsTotal.Inc()
	slog.Info("claim settled",
		"market", m.ID,
		"trader", req.UserID,
		"payout", fixedpoint.ToDecimal(result.Payout).String(),
	)

	writeJSON(w, http.StatusOK, ClaimResponse{
		ClaimID:  result.Claim.ID,
		MarketID: m.ID,
		UserID:   req.UserID,
		Payout:   fixedpoint.ToDecimal(result.Payout),
		Realized: fixedpoint.ToDecimal(result.Realized),
	})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.store.UserPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	view := PortfolioView{
		UserID:        pf.UserID,
		Positions:     make([]PositionView, 0, len(pf.Positions)),
		TotalInvested: fixedpoint.ToDecimal(pf.TotalInvested),
		RealizedPnL:   fixedpoint.ToDecimal(pf.RealizedPnL),
		UnrealizedPnL: fixedpoint.ToDecimal(pf.UnrealizedPnL),
		TotalWinnings: fixedpoint.ToDecimal(pf.TotalWinnings),
	}
	for _, p := range pf.Positions {
		view.Positions = append(view.Positions, PositionView{
			MarketID:      p.MarketID,
			Option:        p.Option,
			Shares:        fixedpoint.ToDecimal(p.Shares),
			CostBasis:     fixedpoint.ToDecimal(p.CostBasis),
			RealizedPnL:   fixedpoint.ToDecimal(p.RealizedPnL),
			CurrentValue:  fixedpoint.ToDecimal(p.CurrentValue),
			UnrealizedPnL: fixedpoint.ToDecimal(p.UnrealizedPnL),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Helpers ---

func decodeTradeRequest(w http.ResponseWriter, r *http.Request) (*TradeRequest, bool) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return nil, false
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return nil, false
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// writeCoreError maps engine and math sentinels to HTTP statuses. Invariant
// violations are distinguished from bad requests: they mean the math layer
// itself is wrong, and are logged as errors and surfaced as 500s.
func (s *Service) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lmsr.ErrPriceInvariant),
		errors.Is(err, fixedpoint.ErrOverflow),
		errors.Is(err, fixedpoint.ErrDivisionByZero):
		slog.Error("math invariant violated", "err", err)
		writeError(w, "internal pricing error", http.StatusInternalServerError)
	case errors.Is(err, engine.ErrInvalidMarket),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrOptionIndex),
		errors.Is(err, lmsr.ErrInvalidLiquidity),
		errors.Is(err, fixedpoint.ErrOutOfRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		// Lifecycle and trading rejections.
		writeError(w, err.Error(), http.StatusConflict)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInsufficientLiquidity):
		return "insolvency"
	case errors.Is(err, engine.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, engine.ErrInsufficientShares):
		return "shares"
	case errors.Is(err, engine.ErrMarketNotValidated),
		errors.Is(err, engine.ErrMarketNotOpen),
		errors.Is(err, engine.ErrMarketClosed):
		return "lifecycle"
	default:
		return "other"
	}
}

// logTransfers surfaces custody instructions for the host environment.
// Token movement itself is out of scope; the discipline here is only that
// these are emitted after bookkeeping has committed.
func logTransfers(transfers []model.Transfer) {
	for _, t := range transfers {
		slog.Info("custody transfer requested",
			"user", t.UserID,
			"market", t.MarketID,
			"amount", fixedpoint.ToDecimal(t.Amount).String(),
			"inbound", t.Inbound,
			"reason", t.Reason,
		)
	}
}

func priceStrings(m *model.Market) []string {
	out := make([]string, len(m.Options))
	for i := range m.Options {
		out[i] = fixedpoint.ToDecimal(m.Options[i].Price).String()
	}
	return out
}

func (s *Service) broadcastLifecycle(m *model.Market) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:     "market_" + string(m.State),
		MarketID: m.ID,
		State:    string(m.State),
		Prices:   priceStrings(m),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
