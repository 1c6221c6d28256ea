package product

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseSymbol_Valid(t *testing.T) {
	s, err := ParseSymbol("ETH-SQUEETH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Underlying != "ETH" {
		t.Errorf("expected underlying=ETH, got %s", s.Underlying)
	}
	if s.Product != Squeeth {
		t.Errorf("expected product=SQUEETH, got %s", s.Product)
	}
}

func TestParseSymbol_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"ETH",
		"eth-future",
		"ETH-FUTURE-1",
		"E-FUTURE",
	}
	for _, symbol := range tests {
		if _, err := ParseSymbol(symbol); err == nil {
			t.Errorf("expected error for symbol %q", symbol)
		}
	}
}

func TestParseSymbol_UnknownType(t *testing.T) {
	_, err := ParseSymbol("ETH-OPTION")
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestSymbolFor_RoundTrip(t *testing.T) {
	for _, id := range All() {
		s, err := ParseSymbol(SymbolFor("ETH", id))
		if err != nil {
			t.Fatalf("round trip %s: %v", id, err)
		}
		if s.Product != id {
			t.Errorf("round trip: got %s, want %s", s.Product, id)
		}
	}
}

func TestID_JSON(t *testing.T) {
	var req struct {
		Product ID `json:"product"`
	}
	if err := json.Unmarshal([]byte(`{"product":"squeeth"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Product != Squeeth {
		t.Errorf("expected SQUEETH, got %s", req.Product)
	}
	if err := json.Unmarshal([]byte(`{"product":"ETH-FUTURE"}`), &req); err != nil {
		t.Fatalf("unmarshal symbol: %v", err)
	}
	if req.Product != Future {
		t.Errorf("expected FUTURE, got %s", req.Product)
	}
	if err := json.Unmarshal([]byte(`{"product":"BOND"}`), &req); err == nil {
		t.Error("expected error for unknown product")
	}

	out, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"product":"FUTURE"}` {
		t.Errorf("marshal = %s", out)
	}
}
