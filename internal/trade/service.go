// Package trade provides the HTTP and WebSocket surface of the account
// engine: market browsing, order tickets, the wallet, and account queries.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/engine"
	"github.com/atmx/account-engine/internal/market"
	"github.com/atmx/account-engine/internal/model"
	"github.com/atmx/account-engine/internal/pricing"
)

var validate = validator.New()

// Service handles account operations over HTTP. Serialization of writes is
// the engine's job; handlers hold no locks.
type Service struct {
	engine  *engine.Engine
	catalog *market.Catalog
	wsHub   *WSHub // optional WebSocket hub for market quote broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, catalog *market.Catalog, hub *WSHub) *Service {
	return &Service{
		engine:  eng,
		catalog: catalog,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	MarketID       string           `json:"marketId" validate:"required"`
	Action         model.Action     `json:"action" validate:"required,oneof=BUY SELL"`
	Side           model.Side       `json:"side" validate:"required,oneof=YES NO"`
	OrderType      model.OrderType  `json:"orderType" validate:"omitempty,oneof=MARKET LIMIT"`
	Shares         *decimal.Decimal `json:"shares" validate:"required"`
	LimitSidePrice *decimal.Decimal `json:"limitSidePrice"`
}

// OrderRequest is the JSON body for POST /orders. ExecSidePrice defaults to
// the book-derived fill price and YesPrice to the catalog quote.
type OrderRequest struct {
	MarketID       string           `json:"marketId" validate:"required"`
	Action         model.Action     `json:"action" validate:"required,oneof=BUY SELL"`
	Side           model.Side       `json:"side" validate:"required,oneof=YES NO"`
	OrderType      model.OrderType  `json:"orderType" validate:"required,oneof=MARKET LIMIT"`
	Shares         *decimal.Decimal `json:"shares" validate:"required"`
	ExecSidePrice  *decimal.Decimal `json:"execSidePrice"`
	LimitSidePrice *decimal.Decimal `json:"limitSidePrice"`
	YesPrice       *decimal.Decimal `json:"yesPrice"`
}

// OrderResponse is the JSON body returned from POST /orders.
type OrderResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// WalletRequest is the JSON body for deposits and withdrawals.
type WalletRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

// WalletResponse reports a wallet operation's outcome and the new balance.
type WalletResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	CashUSD decimal.Decimal `json:"cashUsd"`
}

// PriceRequest is the JSON body for POST /markets/{marketID}/price.
type PriceRequest struct {
	YesPrice *decimal.Decimal `json:"yesPrice" validate:"required"`
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets
// Optional filters: ?category=, ?q= (question search), ?status=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	markets := s.catalog.List(market.Filter{
		Category: q.Get("category"),
		Query:    q.Get("q"),
		Status:   q.Get("status"),
	})
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.catalog.Get(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetBook handles GET /api/v1/markets/{marketID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.catalog.Book(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// SetPrice handles POST /api/v1/markets/{marketID}/price
// Moves the mock quote and broadcasts it to WebSocket clients.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	if err := s.catalog.SetYesPrice(marketID, *req.YesPrice); err != nil {
		switch {
		case errors.Is(err, market.ErrMarketNotFound):
			writeError(w, "market not found", http.StatusNotFound)
		default:
			writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	slog.Info("market quote updated", "market", marketID, "yes_price", req.YesPrice.String())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     MsgMarketQuote,
			MarketID: marketID,
			PriceYes: req.YesPrice.String(),
			PriceNo:  model.One.Sub(*req.YesPrice).String(),
		})
	}

	m, _ := s.catalog.Get(marketID)
	writeJSON(w, http.StatusOK, m)
}

// --- Orders ---

// Quote handles POST /api/v1/quote
// Previews notional, fee and totals for a ticket without placing it.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := s.catalog.Get(req.MarketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	price := pricing.ExecutionPrice(market.SyntheticBook(m), m.YesPrice, req.Action, req.Side)
	if req.OrderType == model.OrderLimit && req.LimitSidePrice != nil {
		price = *req.LimitSidePrice
	}

	quote := pricing.QuoteOrder(pricing.QuoteInput{
		Action:    req.Action,
		Side:      req.Side,
		SidePrice: price,
		Shares:    *req.Shares,
		CashUSD:   s.engine.Snapshot().CashUSD,
	})
	writeJSON(w, http.StatusOK, quote)
}

// PlaceOrder handles POST /api/v1/orders
// Validation failures are reported as {ok:false} with HTTP 422.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	in := engine.OrderInput{
		MarketID:       req.MarketID,
		Action:         req.Action,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Shares:         *req.Shares,
		LimitSidePrice: req.LimitSidePrice,
	}

	m, err := s.catalog.Get(req.MarketID)
	switch {
	case err == nil:
		in.YesPrice = m.YesPrice
		in.ExecSidePrice = pricing.ExecutionPrice(market.SyntheticBook(m), m.YesPrice, req.Action, req.Side)
	case req.ExecSidePrice == nil:
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if req.ExecSidePrice != nil {
		in.ExecSidePrice = *req.ExecSidePrice
	}
	if req.YesPrice != nil {
		in.YesPrice = *req.YesPrice
	}

	id, err := s.engine.PlaceOrder(in)
	if err != nil {
		code := engine.Code(err)
		if code == "" {
			slog.Error("place order failed", "market", req.MarketID, "err", err)
			writeError(w, "failed to place order", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, OrderResponse{OK: false, Error: err.Error(), Code: code})
		return
	}

	writeJSON(w, http.StatusOK, OrderResponse{OK: true, OrderID: id})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	err := s.engine.CancelOrder(chi.URLParam(r, "orderID"))
	if errors.Is(err, engine.ErrOrderNotFound) {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("cancel order failed", "err", err)
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, OrderResponse{OK: true})
}

// --- Account ---

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// GetPosition handles GET /api/v1/positions/{marketID}
// With ?side=YES|NO only that side's OPEN position is considered.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var (
		pos model.Position
		ok  bool
	)
	if side := model.Side(r.URL.Query().Get("side")); side != "" {
		if !side.Valid() {
			writeError(w, "side must be YES or NO", http.StatusBadRequest)
			return
		}
		pos, ok = s.engine.PositionForSide(marketID, side)
	} else {
		pos, ok = s.engine.Position(marketID)
	}
	if !ok {
		writeError(w, "no open position", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPortfolio handles GET /api/v1/portfolio
// Marks every OPEN position at the current catalog quote.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Portfolio(s.catalog))
}

// Deposit handles POST /api/v1/wallet/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.Deposit(*req.Amount); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, WalletResponse{
			Error:   "Invalid amount",
			CashUSD: s.engine.Snapshot().CashUSD,
		})
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{OK: true, CashUSD: s.engine.Snapshot().CashUSD})
}

// Withdraw handles POST /api/v1/wallet/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.engine.Withdraw(*req.Amount) {
		writeJSON(w, http.StatusUnprocessableEntity, WalletResponse{
			Error:   "Insufficient balance",
			CashUSD: s.engine.Snapshot().CashUSD,
		})
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{OK: true, CashUSD: s.engine.Snapshot().CashUSD})
}

// Reset handles POST /api/v1/account/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
