// Package api exposes the order intake HTTP surface: submit, list and
// cancel limit orders, plus observed rate history.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/observability"
	"limit-order-keeper/internal/oracle"
	"limit-order-keeper/internal/storage"
)

// Server handles order intake requests.
type Server struct {
	orders   storage.OrderStore
	rates    storage.RateSampleStore // optional
	verifier *evm.OrderSigner
	oracle   *oracle.Client // optional
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewServer creates an API server. rates and priceOracle may be nil.
func NewServer(orders storage.OrderStore, rates storage.RateSampleStore, verifier *evm.OrderSigner, priceOracle *oracle.Client, logger *zap.Logger) *Server {
	return &Server{
		orders:   orders,
		rates:    rates,
		verifier: verifier,
		oracle:   priceOracle,
		logger:   logger,
		metrics:  observability.DefaultMetrics,
	}
}

// Router builds the HTTP handler with CORS applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/limit-orders", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/limit-orders", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/limit-orders/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/limit-orders/{id}", s.handleCancel).Methods(http.MethodDelete)
	r.HandleFunc("/api/rate-samples", s.handleRateSamples).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

// createRequest is the order submission payload. Amounts are decimal
// strings so browser clients never lose integer precision.
type createRequest struct {
	Trader           string `json:"trader"`
	TokenIn          string `json:"tokenIn"`
	TokenOut         string `json:"tokenOut"`
	AmountIn         string `json:"amountIn"`
	AmountOutMin     string `json:"amountOutMin"`
	LimitPriceE18    string `json:"limitPriceE18"`
	SlippageBps      int    `json:"slippageBps"`
	Deadline         int64  `json:"deadline"`
	Nonce            uint64 `json:"nonce"`
	Signature        string `json:"signature"`
	OrderType        string `json:"orderType"`
	LimitPriceNative string `json:"limitPriceNative"`
	LimitPriceUSD    string `json:"limitPriceUSD"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	order, err := s.buildOrder(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.verifier.VerifyOrderSignature(order); err != nil {
		s.logger.Info("order signature rejected",
			zap.String("trader", order.Trader.Hex()), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	s.annotateUSD(r, order)

	if err := s.orders.Create(r.Context(), order); err != nil {
		if errors.Is(err, storage.ErrDuplicateNonce) {
			s.metrics.DuplicateNonces.Inc()
			writeError(w, http.StatusConflict, "nonce already used for this trader")
			return
		}
		s.logger.Error("order create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store order")
		return
	}

	s.metrics.OrdersCreated.Inc()
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("trader", order.Trader.Hex()),
		zap.String("pair", order.PairKey()),
		zap.String("type", string(order.OrderType)))

	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) buildOrder(req *createRequest) (*domain.Order, error) {
	amountIn, ok := new(big.Int).SetString(req.AmountIn, 10)
	if !ok {
		return nil, fmt.Errorf("amountIn is not a decimal integer")
	}
	amountOutMin, ok := new(big.Int).SetString(req.AmountOutMin, 10)
	if !ok {
		return nil, fmt.Errorf("amountOutMin is not a decimal integer")
	}
	limitPrice, ok := new(big.Int).SetString(req.LimitPriceE18, 10)
	if !ok {
		return nil, fmt.Errorf("limitPriceE18 is not a decimal integer")
	}

	if !common.IsHexAddress(req.Trader) || !common.IsHexAddress(req.TokenIn) || !common.IsHexAddress(req.TokenOut) {
		return nil, fmt.Errorf("malformed address")
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %v", err)
	}

	order := &domain.Order{
		ID:               uuid.NewString(),
		Trader:           common.HexToAddress(req.Trader),
		TokenIn:          common.HexToAddress(req.TokenIn),
		TokenOut:         common.HexToAddress(req.TokenOut),
		AmountIn:         amountIn,
		AmountOutMin:     amountOutMin,
		LimitPriceE18:    limitPrice,
		SlippageBps:      req.SlippageBps,
		Deadline:         req.Deadline,
		Nonce:            req.Nonce,
		Signature:        sig,
		Status:           domain.OrderStatusPending,
		OrderType:        domain.OrderType(req.OrderType),
		CreatedAt:        time.Now().UTC(),
		LimitPriceNative: req.LimitPriceNative,
		LimitPriceUSD:    req.LimitPriceUSD,
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

// annotateUSD fills the display USD price from the oracle when the
// client did not provide one. Best-effort only.
func (s *Server) annotateUSD(r *http.Request, order *domain.Order) {
	if s.oracle == nil || order.LimitPriceUSD != "" || order.LimitPriceNative == "" {
		return
	}
	usd, err := s.oracle.ReferenceUSDPrice(r.Context())
	if err != nil {
		return
	}
	native, err := strconv.ParseFloat(order.LimitPriceNative, 64)
	if err != nil {
		return
	}
	order.LimitPriceUSD = strconv.FormatFloat(native*usd, 'f', 6, 64)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	trader := r.URL.Query().Get("trader")
	if trader == "" {
		writeError(w, http.StatusBadRequest, "trader query parameter is required")
		return
	}
	if !common.IsHexAddress(trader) {
		writeError(w, http.StatusBadRequest, "malformed trader address")
		return
	}

	orders, err := s.orders.ListByTrader(r.Context(), common.HexToAddress(trader))
	if err != nil {
		s.logger.Error("list orders failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list orders")
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order failed", zap.String("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	order, err := s.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order failed", zap.String("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load order")
		return
	}

	// Only the order's own trader may cancel.
	trader := r.URL.Query().Get("trader")
	if trader == "" || !common.IsHexAddress(trader) || common.HexToAddress(trader) != order.Trader {
		writeError(w, http.StatusForbidden, "trader mismatch")
		return
	}

	if err := s.orders.Transition(r.Context(), id, domain.OrderStatusCanceled); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("order is already %s", order.Status))
			return
		}
		s.logger.Error("cancel failed", zap.String("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel order")
		return
	}

	s.metrics.OrdersCanceled.Inc()
	s.logger.Info("order canceled", zap.String("order_id", id))

	canceled, err := s.orders.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "canceled"})
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

func (s *Server) handleRateSamples(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		writeError(w, http.StatusNotFound, "rate history not enabled")
		return
	}

	pair := r.URL.Query().Get("pair")
	if pair == "" {
		writeError(w, http.StatusBadRequest, "pair query parameter is required")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 1000]")
			return
		}
		limit = n
	}

	samples, err := s.rates.ListByPair(r.Context(), pair, limit)
	if err != nil {
		s.logger.Error("list rate samples failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list samples")
		return
	}
	if samples == nil {
		samples = []*domain.RateSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
