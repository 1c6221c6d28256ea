package fixedpoint

import (
	"testing"

	"github.com/shopspring/decimal"
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestScale(t *testing.T) {
	tests := []struct {
		name     string
		v        int64
		from, to int32
		roundUp  bool
		want     int64
	}{
		{"up exact", 15, 6, 8, false, 1500},
		{"down truncates", 1_999, 8, 6, false, 19},
		{"down rounds up", 1_901, 8, 6, true, 20},
		{"negative truncates toward zero", -1_999, 8, 6, false, -19},
		{"negative rounds away from zero", -1_901, 8, 6, true, -20},
		{"exact stays exact with roundUp", 1_900, 8, 6, true, 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scale(n(tt.v), tt.from, tt.to, tt.roundUp)
			if !got.Equal(n(tt.want)) {
				t.Errorf("Scale(%d, %d, %d, %v) = %s, want %d", tt.v, tt.from, tt.to, tt.roundUp, got, tt.want)
			}
		})
	}
}

func TestMulDiv_SignedRounding(t *testing.T) {
	tests := []struct {
		a, b, d int64
		roundUp bool
		want    int64
	}{
		{7, 3, 2, false, 10},
		{7, 3, 2, true, 11},
		{-7, 3, 2, false, -10},
		{-7, 3, 2, true, -11},
		{7, -3, -2, true, 11},
		{6, 3, 2, true, 9},
	}
	for _, tt := range tests {
		got := MulDiv(n(tt.a), n(tt.b), n(tt.d), tt.roundUp)
		if !got.Equal(n(tt.want)) {
			t.Errorf("MulDiv(%d,%d,%d,%v) = %s, want %d", tt.a, tt.b, tt.d, tt.roundUp, got, tt.want)
		}
	}
}

func TestNotional(t *testing.T) {
	// 2 units at 1500 USD = 3000 USDC.
	size := n(200_000_000)
	price := n(150_000_000_000)
	got := Notional(size, price, false)
	if !got.Equal(n(3_000_000_000)) {
		t.Errorf("notional = %s, want 3000000000", got)
	}
}

func TestApplyRate(t *testing.T) {
	// 5% of 1000 USDC.
	got := ApplyRate(n(1_000_000_000), n(5_000_000), false)
	if !got.Equal(n(50_000_000)) {
		t.Errorf("ApplyRate = %s, want 50000000", got)
	}
}

func TestSqrt(t *testing.T) {
	tests := []struct{ v, want int64 }{
		{0, 0}, {1, 1}, {3, 1}, {4, 2}, {99, 9}, {100, 10}, {1_000_000_000_000, 1_000_000},
	}
	for _, tt := range tests {
		got, err := Sqrt(n(tt.v))
		if err != nil {
			t.Fatalf("Sqrt(%d): %v", tt.v, err)
		}
		if !got.Equal(n(tt.want)) {
			t.Errorf("Sqrt(%d) = %s, want %d", tt.v, got, tt.want)
		}
	}
	if _, err := Sqrt(n(-1)); err != ErrNegativeSqrt {
		t.Errorf("expected ErrNegativeSqrt, got %v", err)
	}
}

func TestClamp(t *testing.T) {
	if !Clamp(n(5), n(1), n(3)).Equal(n(3)) {
		t.Error("clamp high")
	}
	if !Clamp(n(-5), n(1), n(3)).Equal(n(1)) {
		t.Error("clamp low")
	}
	if !Clamp(n(2), n(1), n(3)).Equal(n(2)) {
		t.Error("clamp inside")
	}
}
