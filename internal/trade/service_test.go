package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/external"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func usdc(v int64) decimal.Decimal  { return decimal.New(v, 6) }
func units(v int64) decimal.Decimal { return decimal.New(v, 8) }

// newTestEnv creates a Service over an in-memory engine with spot at 2000,
// mounted on a chi router.
func newTestEnv(t *testing.T, sink feed.Sink) chi.Router {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := engine.New(context.Background(), engine.Deps{
		Store:  store.NewMemoryStore(),
		Oracle: external.NewStaticOracle(units(2000), now),
		Feed:   sink,
		Now:    func() time.Time { return now },
	}, "controller", config.DefaultParams())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewService(e).Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedPool(t *testing.T, router chi.Router, path string) liquidity.DepositResult {
	t.Helper()
	w := do(t, router, "POST", path, engine.DepositRequest{
		Caller: "lp", Amount: usdc(100_000), Lower: 0, Upper: 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res liquidity.DepositResult
	json.Unmarshal(w.Body.Bytes(), &res)
	return res
}

func longSqueeth(caller, vaultID string, margin decimal.Decimal) engine.TradeRequest {
	return engine.TradeRequest{
		Caller:      caller,
		VaultID:     vaultID,
		MarginDelta: margin,
		Legs:        []engine.TradeLeg{{SubVault: 0, Product: product.Squeeth, Size: units(1)}},
	}
}

// --- Trade execution tests ---

func TestExecuteTrade_OpensVault(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "/api/v1/pools/squeeth/deposit")

	w := do(t, router, "POST", "/api/v1/trade", longSqueeth("alice", "", usdc(1_000)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.VaultID == "" {
		t.Fatal("expected a vault id")
	}
	if len(resp.Fills) != 1 || !resp.Fills[0].Price.IsPositive() {
		t.Errorf("expected one priced fill, got %+v", resp.Fills)
	}

	w = do(t, router, "GET", "/api/v1/vaults/"+resp.VaultID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var summary model.VaultSummary
	json.Unmarshal(w.Body.Bytes(), &summary)
	if summary.Vault == nil || summary.Vault.Owner != "alice" {
		t.Errorf("expected vault owned by alice, got %+v", summary.Vault)
	}
	if !strings.Contains(w.Body.String(), `"status":"Active"`) {
		t.Errorf("expected Active status, got %s", w.Body.String())
	}
}

func TestExecuteTrade_ErrorStatus(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "/api/v1/pools/squeeth/deposit")
	w := do(t, router, "POST", "/api/v1/trade", longSqueeth("alice", "", usdc(1_000)))
	var open engine.TradeResult
	json.Unmarshal(w.Body.Bytes(), &open)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing caller", longSqueeth("", "", usdc(1_000)), http.StatusBadRequest},
		{"not the owner", longSqueeth("mallory", open.VaultID, decimal.Zero), http.StatusForbidden},
		{"unknown vault", longSqueeth("alice", "42", decimal.Zero), http.StatusNotFound},
		{"insufficient margin", longSqueeth("bob", "", usdc(10)), http.StatusConflict},
		{"malformed", "not a trade", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/trade", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestLiquidate_Healthy(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "/api/v1/pools/squeeth/deposit")
	w := do(t, router, "POST", "/api/v1/trade", longSqueeth("alice", "", usdc(1_000)))
	var open engine.TradeResult
	json.Unmarshal(w.Body.Bytes(), &open)

	w = do(t, router, "POST", "/api/v1/liquidate", engine.LiquidateRequest{Caller: "keeper", VaultID: open.VaultID})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a healthy vault, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Pool tests ---

func TestPool_DepositAndWithdraw(t *testing.T) {
	router := newTestEnv(t, nil)
	dep := seedPool(t, router, "/api/v1/pools/future/deposit")

	w := do(t, router, "GET", "/api/v1/pools/FUTURE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pool model.PoolSummary
	json.Unmarshal(w.Body.Bytes(), &pool)
	if !pool.AmountLiquidity.Equal(usdc(100_000)) {
		t.Errorf("expected 100000 USDC liquidity, got %s", pool.AmountLiquidity)
	}
	if pool.Symbol != "ETH-FUTURE" {
		t.Errorf("expected symbol ETH-FUTURE, got %q", pool.Symbol)
	}
	if !pool.Volatility.Equal(decimal.NewFromInt(80_000_000)) {
		t.Errorf("expected 80%% launch volatility, got %s", pool.Volatility)
	}

	w = do(t, router, "GET", "/api/v1/pools/"+pool.Symbol, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 by symbol, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/pools/future/positions/"+dep.PositionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/pools/future/withdraw", engine.WithdrawRequest{
		Caller: "lp", PositionID: dep.PositionID, Amount: usdc(40_000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res liquidity.WithdrawResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Closed || !res.Amount.Equal(usdc(40_000)) {
		t.Errorf("expected partial withdrawal of 40000 USDC, got %+v", res)
	}
}

func TestPool_UnknownProduct(t *testing.T) {
	router := newTestEnv(t, nil)

	w := do(t, router, "GET", "/api/v1/pools/option", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPool_InvalidRange(t *testing.T) {
	router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/pools/squeeth/deposit", engine.DepositRequest{
		Caller: "lp", Amount: usdc(1_000), Lower: 5, Upper: 2,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Hedge and params tests ---

func TestHedge_Flow(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "/api/v1/pools/squeeth/deposit")
	do(t, router, "POST", "/api/v1/trade", longSqueeth("alice", "", usdc(1_000)))

	w := do(t, router, "GET", "/api/v1/hedge", nil)
	var before engine.NettingSummary
	json.Unmarshal(w.Body.Bytes(), &before)
	if !before.Open || !before.Requirement.IsLong {
		t.Fatalf("expected an open long requirement, got %s", w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/hedge", trade.HedgeRequest{Caller: "alice"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/hedge", trade.HedgeRequest{Caller: "controller"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/hedge", nil)
	var after engine.NettingSummary
	json.Unmarshal(w.Body.Bytes(), &after)
	if after.Open {
		t.Errorf("expected hedge closed, got %s", w.Body.String())
	}
}

func TestUpdateParams(t *testing.T) {
	router := newTestEnv(t, nil)
	fee := decimal.NewFromInt(20_000_000)

	w := do(t, router, "PATCH", "/api/v1/params", trade.UpdateParamsRequest{
		Caller: "alice", Patch: config.Patch{ProtocolFee: &fee},
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	w = do(t, router, "PATCH", "/api/v1/params", trade.UpdateParamsRequest{
		Caller: "controller", Patch: config.Patch{ProtocolFee: &fee},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/params", nil)
	var p config.Params
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.ProtocolFee.Equal(fee) {
		t.Errorf("expected protocol fee %s, got %s", fee, p.ProtocolFee)
	}
}

// --- Portfolio tests ---

func TestGetPortfolio(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPool(t, router, "/api/v1/pools/squeeth/deposit")
	do(t, router, "POST", "/api/v1/trade", longSqueeth("alice", "", usdc(1_000)))

	w := do(t, router, "GET", "/api/v1/portfolio/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var p trade.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)
	if len(p.Entries) != 2 {
		t.Errorf("expected trade and margin entries, got %d", len(p.Entries))
	}

	w = do(t, router, "GET", "/api/v1/portfolio/nobody", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Errorf("expected empty portfolio, got %d: %s", w.Code, w.Body.String())
	}
}

// --- WebSocket tests ---

func TestWSHub_BroadcastsEngineEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := trade.NewWSHub()
	go hub.Run(ctx)

	router := newTestEnv(t, hub)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}

	seedPool(t, router, "/api/v1/pools/future/deposit")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt feed.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != feed.TypeDeposit || evt.Product != "FUTURE" {
		t.Errorf("expected a FUTURE deposit event, got %+v", evt)
	}
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := trade.NewWSHub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1_000; i++ {
			hub.Publish(context.Background(), feed.Event{Type: feed.TypeTrade})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}
