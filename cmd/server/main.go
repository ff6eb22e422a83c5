package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/auth"
	"order-matching-engine/internal/config"
	"order-matching-engine/internal/engine"
	"order-matching-engine/internal/gateway"
	"order-matching-engine/internal/ledger"
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/orderstore"
	"order-matching-engine/internal/storage"
	"order-matching-engine/internal/tradelog"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Server wires together storage, the gateway and auth, and exposes
// HTTP handlers over them.
type Server struct {
	gw   *gateway.Gateway
	auth *auth.Store
	db   *sql.DB
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Info().Msg("starting order matching engine server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := storage.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("database connection established")

	if err := storage.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	led, err := ledger.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare ledger")
	}
	defer led.Close()

	os_, err := orderstore.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare order store")
	}
	defer os_.Close()

	tl, err := tradelog.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare trade log")
	}
	defer tl.Close()

	eng := engine.New(db, led, os_, tl)

	gw := gateway.New(eng, led, os_, tl, cfg.GatewayWorkers)
	defer gw.Shutdown()

	if err := gw.Warmup(); err != nil {
		log.Fatal().Err(err).Msg("failed to warm up order books")
	}

	rows, err := db.Query(`SELECT ticker FROM instruments`)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load instruments")
	}
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			log.Fatal().Err(err).Msg("failed to scan instrument")
		}
		gw.RegisterInstrument(ticker)
	}
	rows.Close()

	authStore := auth.New(db)
	if err := bootstrapAdmin(db, authStore); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap admin account")
	}

	srv := &Server{gw: gw, auth: authStore, db: db}

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", srv.withAuth(srv.handleOrders))
	mux.HandleFunc("/orders/", srv.withAuth(srv.handleOrderByID))
	mux.HandleFunc("/trades/", srv.handleTrades)
	mux.HandleFunc("/orderbook/", srv.handleOrderBook)
	mux.HandleFunc("/balance", srv.withAuth(srv.handleBalance))
	mux.HandleFunc("/admin/deposit", srv.withAuth(srv.handleDeposit))
	mux.HandleFunc("/admin/withdraw", srv.withAuth(srv.handleWithdraw))
	mux.HandleFunc("/admin/users", srv.withAuth(srv.handleCreateUser))
	mux.HandleFunc("/admin/users/", srv.withAuth(srv.handleDeleteUser))
	mux.HandleFunc("/admin/instruments", srv.withAuth(srv.handleCreateInstrument))
	mux.HandleFunc("/health", srv.handleHealth)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-stop
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := gw.Shutdown(); err != nil {
		log.Error().Err(err).Msg("gateway worker pool shutdown error")
	}
	log.Info().Msg("server gracefully stopped")
}

// withAuth resolves the bearer token into a Caller before invoking next.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, auth.Caller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || key == "" {
			httpError(w, apperr.New(apperr.KindForbidden, "missing bearer token"))
			return
		}
		caller, err := s.auth.Authenticate(key)
		if err != nil {
			httpError(w, err)
			return
		}
		next(w, r, caller)
	}
}

type newOrderPayload struct {
	TickerStr string           `json:"ticker"`
	Direction models.Direction `json:"direction"`
	Kind      models.Kind      `json:"kind"`
	Qty       decimal.Decimal  `json:"qty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if r.Method == http.MethodGet {
		orders, err := s.gw.ListOrders(caller, r.URL.Query().Get("ticker"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orders)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload newOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	req := models.NewOrderRequest{
		Ticker:    payload.TickerStr,
		Direction: payload.Direction,
		Kind:      payload.Kind,
		Qty:       payload.Qty,
		Price:     payload.Price,
	}

	order, trades, err := s.gw.SubmitOrder(caller, req)
	if err != nil {
		httpError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Order  *models.Order   `json:"order"`
		Trades []models.Trade `json:"trades"`
	}{order, trades})
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	idStr := strings.TrimPrefix(r.URL.Path, "/orders/")
	if idStr == "" {
		httpError(w, apperr.New(apperr.KindValidation, "order id is required"))
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		httpError(w, apperr.New(apperr.KindValidation, "invalid order id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.gw.GetOrder(caller, id)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case http.MethodDelete:
		order, err := s.gw.CancelOrder(caller, id)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			ID     uuid.UUID     `json:"id"`
			Status models.Status `json:"status"`
		}{order.ID, order.Status})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ticker := strings.TrimPrefix(r.URL.Path, "/trades/")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, apperr.New(apperr.KindValidation, "invalid limit"))
			return
		}
		limit = n
	}
	trades, err := s.gw.ListTrades(ticker, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ticker := strings.TrimPrefix(r.URL.Path, "/orderbook/")
	depth := 10
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			httpError(w, apperr.New(apperr.KindValidation, "depth must be 1-100"))
			return
		}
		depth = n
	}
	snap, err := s.gw.GetOrderBook(ticker, depth)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	balances, err := s.gw.GetBalance(caller)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

type adminTransferPayload struct {
	UserID uuid.UUID       `json:"user_id"`
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	s.handleAdminTransfer(w, r, caller, s.gw.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	s.handleAdminTransfer(w, r, caller, s.gw.Withdraw)
}

func (s *Server) handleAdminTransfer(w http.ResponseWriter, r *http.Request, caller auth.Caller, op func(auth.Caller, uuid.UUID, string, decimal.Decimal) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload adminTransferPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}
	if err := op(caller, payload.UserID, payload.Ticker, payload.Amount); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type createUserPayload struct {
	Name string      `json:"name"`
	Role models.Role `json:"role"`
}

// handleCreateUser registers a new account and returns its plaintext API
// key once; it is never retrievable again. ADMIN only.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !caller.IsAdmin() {
		httpError(w, apperr.New(apperr.KindForbidden, "creating users requires admin role"))
		return
	}
	var payload createUserPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}
	if payload.Role == "" {
		payload.Role = models.RoleUser
	}
	user, key, err := s.auth.CreateUser(payload.Name, payload.Role)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		User   models.User `json:"user"`
		APIKey string      `json:"api_key"`
	}{user, key})
}

// handleDeleteUser removes a user account. ADMIN only; rejects a user
// with open orders or a nonzero balance rather than leaving orphaned
// rows behind (see internal/auth.Store.DeleteUser).
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !caller.IsAdmin() {
		httpError(w, apperr.New(apperr.KindForbidden, "deleting users requires admin role"))
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/admin/users/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		httpError(w, apperr.New(apperr.KindValidation, "invalid user id"))
		return
	}
	if err := s.auth.DeleteUser(id); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createInstrumentPayload struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// handleCreateInstrument registers a tradable ticker. ADMIN only.
func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !caller.IsAdmin() {
		httpError(w, apperr.New(apperr.KindForbidden, "registering instruments requires admin role"))
		return
	}
	var payload createInstrumentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}
	if payload.Ticker == "" {
		httpError(w, apperr.New(apperr.KindValidation, "ticker is required"))
		return
	}
	if _, err := s.db.Exec(`INSERT INTO instruments (ticker, name) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name)`, payload.Ticker, payload.Name); err != nil {
		httpError(w, apperr.Wrap(apperr.KindStorage, "failed to register instrument", err))
		return
	}
	s.gw.RegisterInstrument(payload.Ticker)
	writeJSON(w, http.StatusCreated, models.Instrument{Ticker: payload.Ticker, Name: payload.Name})
}

// bootstrapAdmin creates a default administrator the first time the
// server runs against an empty users table, logging its API key once
// so the deployment has somewhere to start from.
func bootstrapAdmin(db *sql.DB, store *auth.Store) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, key, err := store.CreateUser("admin", models.RoleAdmin)
	if err != nil {
		return err
	}
	log.Warn().Str("api_key", key).Msg("bootstrapped default admin account; store this key now, it will not be shown again")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpError maps the apperr taxonomy onto HTTP status classes.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindInsufficientFunds, apperr.KindInsufficientLiquidity, apperr.KindDuplicateOrder:
		status = http.StatusConflict
	case apperr.KindLedgerInvariant:
		status = http.StatusInternalServerError
		log.Error().Err(err).Msg("ledger invariant violation")
	case apperr.KindStorage:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
