// Package trade provides the HTTP handlers for the engine's entry points:
// trading, liquidation, LP liquidity, hedging and parameter updates, plus
// the read models of vaults, pools and the hedge book.
//
// All monetary values use shopspring/decimal integer base units; never
// float64 for money.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/product"
)

// Service exposes an Engine over HTTP. The engine serialises every state
// change itself.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new HTTP service over e.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trade", s.ExecuteTrade)
	r.Post("/liquidate", s.Liquidate)

	r.Get("/vaults/{vaultID}", s.GetVault)
	r.Get("/vaults/{vaultID}/history", s.GetVaultHistory)

	r.Get("/pools/{product}", s.GetPool)
	r.Post("/pools/{product}/deposit", s.Deposit)
	r.Post("/pools/{product}/withdraw", s.Withdraw)
	r.Get("/pools/{product}/positions/{positionID}", s.GetLPPosition)

	r.Get("/hedge", s.GetHedge)
	r.Post("/hedge", s.ExecuteHedge)
	r.Post("/hedge/complete", s.CompleteHedge)

	r.Get("/params", s.GetParams)
	r.Patch("/params", s.UpdateParams)

	r.Get("/portfolio/{owner}", s.GetPortfolio)
}

// --- Request/Response types ---

// HedgeRequest is the JSON body for POST /hedge.
type HedgeRequest struct {
	Caller string `json:"caller"`
}

// UpdateParamsRequest is the JSON body for PATCH /params.
type UpdateParamsRequest struct {
	Caller string       `json:"caller"`
	Patch  config.Patch `json:"patch"`
}

// Portfolio is every ledger entry booked to one owner.
type Portfolio struct {
	Owner   string              `json:"owner"`
	Entries []model.LedgerEntry `json:"entries"`
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req engine.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Trade(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Liquidate handles POST /api/v1/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req engine.LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.VaultID == "" {
		writeError(w, "vault_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Liquidate(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetVault handles GET /api/v1/vaults/{vaultID}
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Vault(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetVaultHistory handles GET /api/v1/vaults/{vaultID}/history
// Returns the vault's ledger entries.
func (s *Service) GetVaultHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Ledger(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		writeError(w, "failed to get vault history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPool handles GET /api/v1/pools/{product}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := productParam(w, r)
	if !ok {
		return
	}
	p, err := s.engine.Pool(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Deposit handles POST /api/v1/pools/{product}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := productParam(w, r)
	if !ok {
		return
	}
	var req engine.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Product = id

	res, err := s.engine.Deposit(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Withdraw handles POST /api/v1/pools/{product}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := productParam(w, r)
	if !ok {
		return
	}
	var req engine.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Product = id

	res, err := s.engine.Withdraw(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetLPPosition handles GET /api/v1/pools/{product}/positions/{positionID}
func (s *Service) GetLPPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := productParam(w, r)
	if !ok {
		return
	}
	pos, err := s.engine.LPPosition(r.Context(), id, chi.URLParam(r, "positionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetHedge handles GET /api/v1/hedge
// Returns the hedge book and the spot trade still required.
func (s *Service) GetHedge(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Netting(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// ExecuteHedge handles POST /api/v1/hedge
func (s *Service) ExecuteHedge(w http.ResponseWriter, r *http.Request) {
	var req HedgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Hedge(r.Context(), req.Caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CompleteHedge handles POST /api/v1/hedge/complete
func (s *Service) CompleteHedge(w http.ResponseWriter, r *http.Request) {
	var req engine.CompleteHedgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.CompleteHedge(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetParams handles GET /api/v1/params
func (s *Service) GetParams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Params())
}

// UpdateParams handles PATCH /api/v1/params
func (s *Service) UpdateParams(w http.ResponseWriter, r *http.Request) {
	var req UpdateParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.engine.UpdateParams(r.Context(), req.Caller, req.Patch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPortfolio handles GET /api/v1/portfolio/{owner}
// Returns every trade, liquidity and liquidation entry of one owner.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	entries, err := s.engine.LedgerByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, Portfolio{Owner: owner, Entries: entries})
}

func productParam(w http.ResponseWriter, r *http.Request) (product.ID, bool) {
	var id product.ID
	if err := id.UnmarshalText([]byte(chi.URLParam(r, "product"))); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps an engine error class to an HTTP status. Business rule
// violations are conflicts.
func statusFor(err error) int {
	switch engine.Reason(err) {
	case "invalid_request":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "internal":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("engine failure", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
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
