// Package chips provides the HTTP handlers for wallet sign-in, balances,
// deposits, withdrawals and coin-flip wagers.
//
// Handlers only authenticate, decode and shape JSON; every money rule lives
// in the ledger engine. Chip amounts are integers and USD figures use
// shopspring/decimal, never float64.
package chips

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/model"
	"github.com/chipflip/chip-ledger/internal/price"
	"github.com/chipflip/chip-ledger/internal/session"
)

// Service serves the chip API on top of a ledger engine.
type Service struct {
	engine   *ledger.Engine
	prices   price.Oracle
	codec    *session.Codec
	cookies  CookieConfig
	validate *validator.Validate
	wsHub    *WSHub // optional live feed
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	TTL    time.Duration
	Secure bool
}

// NewService creates the chip service.
// Pass nil for hub if the live feed is not needed.
func NewService(eng *ledger.Engine, oracle price.Oracle, codec *session.Codec, cookies CookieConfig, hub *WSHub) *Service {
	if cookies.TTL <= 0 {
		cookies.TTL = session.DefaultTTL
	}
	return &Service{
		engine:   eng,
		prices:   oracle,
		codec:    codec,
		cookies:  cookies,
		validate: newValidator(),
		wsHub:    hub,
	}
}

// Mount registers the API routes on r, normally the /api/v1 subrouter.
func (s *Service) Mount(r chi.Router) {
	r.Get("/auth", s.WhoAmI)
	r.Post("/auth", s.SignIn)
	r.Delete("/auth", s.SignOut)
	r.Get("/chips/price", s.GetPrice)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.codec.Require)
		r.Get("/chips/balance", s.GetBalance)
		r.Get("/chips/transactions", s.ListTransactions)
		r.Post("/chips/deposit-request", s.RequestDeposit)
		r.Post("/chips/deposit", s.SubmitDeposit)
		r.Post("/chips/deposit-demo", s.DemoDeposit)
		r.Post("/chips/withdraw", s.Withdraw)
		r.Get("/chips/payouts", s.ListPayouts)
		r.Post("/chips/bet", s.PlaceBet)
		r.Get("/chips/reconcile", s.Reconcile)
	})
}

// --- Request/Response types ---

// SignInRequest is the JSON body for POST /auth.
type SignInRequest struct {
	Address   string `json:"address" validate:"required,eth_addr"`
	Message   string `json:"message" validate:"required"`
	Signature string `json:"signature" validate:"required,hexadecimal"`
}

// AmountRequest is the JSON body for POST /chips/deposit-request.
type AmountRequest struct {
	Amount json.Number `json:"amount" validate:"required"`
}

// DepositRequest is the JSON body for POST /chips/deposit.
type DepositRequest struct {
	Amount json.Number `json:"amount" validate:"required"`
	TxHash string      `json:"txHash" validate:"omitempty,txhash"`
}

// WithdrawRequest is the JSON body for POST /chips/withdraw.
type WithdrawRequest struct {
	Amount      json.Number `json:"amount" validate:"required"`
	Destination string      `json:"destination" validate:"omitempty,eth_addr"`
}

// BetRequest is the JSON body for POST /chips/bet.
type BetRequest struct {
	Amount json.Number `json:"amount" validate:"required"`
	Side   string      `json:"side" validate:"required,oneof=heads tails"`
}

// BalanceResponse is returned from GET /chips/balance.
type BalanceResponse struct {
	Balance         int64           `json:"balance"`
	MinWagerBalance int64           `json:"minWagerBalance"`
	ChipUSDRate     decimal.Decimal `json:"chipUsdRate"`
}

// PriceResponse is returned from GET /chips/price. ETHUSD is absent when
// the feed is down.
type PriceResponse struct {
	ChipUSDRate decimal.Decimal  `json:"chipUsdRate"`
	ETHUSD      *decimal.Decimal `json:"ethUsd,omitempty"`
}

// --- HTTP Handlers ---

// WhoAmI handles GET /api/v1/auth
func (s *Service) WhoAmI(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"address": nil}
	if account, ok := s.codec.FromRequest(r); ok {
		resp["address"] = account
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignIn handles POST /api/v1/auth
// Verifies an EIP-191 signature over the client's sign-in message and sets
// the session cookie.
func (s *Service) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !s.decode(w, r, &req) {
		return
	}

	recovered, err := session.RecoverAddress(req.Message, req.Signature)
	if err != nil || !chain.SameAddress(recovered, req.Address) {
		slog.Warn("sign-in rejected", "address", req.Address, "err", err)
		writeError(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	token, err := s.codec.Issue(recovered, s.cookies.TTL)
	if err != nil {
		slog.Error("issue session", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, session.NewCookie(token, s.cookies.TTL, s.cookies.Secure))
	slog.Info("signed in", "account", recovered)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"address": recovered,
		"token":   token,
	})
}

// SignOut handles DELETE /api/v1/auth
func (s *Service) SignOut(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, session.ClearCookie(s.cookies.Secure))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetPrice handles GET /api/v1/chips/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	resp := PriceResponse{ChipUSDRate: s.engine.Policy().ChipUSDRate}
	if ethUSD, err := s.prices.SpotPrice(r.Context()); err == nil {
		resp.ETHUSD = &ethUSD
	} else {
		slog.Warn("price feed failed", "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBalance handles GET /api/v1/chips/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)
	bal, err := s.engine.GetBalance(r.Context(), account)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	p := s.engine.Policy()
	writeJSON(w, http.StatusOK, BalanceResponse{
		Balance:         bal,
		MinWagerBalance: p.MinWagerBalance,
		ChipUSDRate:     p.ChipUSDRate,
	})
}

// ListTransactions handles GET /api/v1/chips/transactions?limit=N
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	txs, err := s.engine.ListTransactions(r.Context(), mustAccount(r), limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Transaction{"transactions": txs})
}

// RequestDeposit handles POST /api/v1/chips/deposit-request
func (s *Service) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	out, err := s.engine.RequestDeposit(r.Context(), mustAccount(r), amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse(out))
}

// SubmitDeposit handles POST /api/v1/chips/deposit
// Without txHash it returns payment instructions; with one it reports
// confirmations or credits the deposit. Clients poll until mode=confirmed.
func (s *Service) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	out, err := s.engine.SubmitDepositProof(r.Context(), mustAccount(r), amount, req.TxHash)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse(out))
}

// DemoDeposit handles POST /api/v1/chips/deposit-demo
func (s *Service) DemoDeposit(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Deposit(r.Context(), mustAccount(r), s.engine.Policy().DemoCredit, ledger.Bootstrap)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"balance":       res.Balance,
		"transactionId": res.TransactionID,
	})
}

// Withdraw handles POST /api/v1/chips/withdraw
// With a destination the on-chain payout is queued for the payout worker.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	res, err := s.engine.Withdraw(r.Context(), mustAccount(r), amount, req.Destination)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"balance":        res.Balance,
		"requestId":      res.RequestID,
		"amountUsd":      res.AmountUSD,
		"payoutQueued":   res.PayoutQueued,
		"platformWallet": s.engine.Policy().PlatformAddress,
	})
}

// ListPayouts handles GET /api/v1/chips/payouts
func (s *Service) ListPayouts(w http.ResponseWriter, r *http.Request) {
	ps, err := s.engine.Payouts(r.Context(), mustAccount(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Payout{"payouts": ps})
}

// PlaceBet handles POST /api/v1/chips/bet
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	res, err := s.engine.PlaceWager(r.Context(), mustAccount(r), amount, side)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"outcome": res.Outcome,
		"won":     res.Won,
		"balance": res.Balance,
	})
}

// Reconcile handles GET /api/v1/chips/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Reconcile(r.Context(), mustAccount(r))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Helpers ---

// depositResponse shapes a deposit outcome by mode.
func depositResponse(out *ledger.DepositOutcome) map[string]any {
	resp := map[string]any{
		"success":               true,
		"mode":                  out.Mode,
		"requiredConfirmations": out.RequiredConfirmations,
	}
	switch out.Mode {
	case ledger.ModeInstructions:
		resp["amountChips"] = out.AmountChips
		resp["amountUsd"] = out.AmountUSD
		resp["platformWallet"] = out.PlatformAddress
		resp["network"] = out.Network
	case ledger.ModePending:
		resp["txHash"] = out.TxHash
		resp["confirmations"] = out.Confirmations
	case ledger.ModeConfirmed:
		resp["txHash"] = out.TxHash
		resp["balance"] = out.Balance
		resp["transactionId"] = out.TransactionID
		resp["replayed"] = out.Replayed
		if !out.Replayed {
			resp["credited"] = out.Credited
			resp["amountUsd"] = out.AmountUSD
			resp["ethUsd"] = out.ETHUSD
			resp["valueUsd"] = out.ValueUSD
		}
	}
	return resp
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			slog.Debug("payload rejected", "field", verrs[0].Field(), "tag", verrs[0].Tag())
		}
		writeError(w, "Invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

// parseAmount accepts whole numbers only; 1.5 and 1e3 are invalid amounts.
func parseAmount(w http.ResponseWriter, n json.Number) (int64, bool) {
	v, err := n.Int64()
	if err != nil || v <= 0 {
		writeError(w, "amount must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// mustAccount returns the account stored by session.Require. Routes
// calling it are always behind that middleware.
func mustAccount(r *http.Request) string {
	account, _ := session.Account(r.Context())
	return account
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
