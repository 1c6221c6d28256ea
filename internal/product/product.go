// Package product identifies the two perpetual products traded against the
// shared pool and parses their market symbols.
package product

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ID indexes per-product tables. The values are stable and persisted.
type ID int

const (
	// Future is the linear perpetual: index price equals spot.
	Future ID = 0
	// Squeeth is the power-2 perpetual: index price is spot squared, normalised.
	Squeeth ID = 1

	// Count is the number of listed products.
	Count = 2
)

const (
	TypeFuture  = "FUTURE"
	TypeSqueeth = "SQUEETH"
)

// symbolRegex matches: {UNDERLYING}-{TYPE}
// Example: ETH-SQUEETH
var symbolRegex = regexp.MustCompile(`^([A-Z]{2,10})-([A-Z]+)$`)

var (
	ErrInvalidSymbol = errors.New("product: invalid symbol format")
	ErrUnknownType   = errors.New("product: unsupported product type")
)

// All lists every product in id order.
func All() []ID {
	return []ID{Future, Squeeth}
}

// Valid reports whether id names a listed product.
func (id ID) Valid() bool {
	return id == Future || id == Squeeth
}

func (id ID) String() string {
	switch id {
	case Future:
		return TypeFuture
	case Squeeth:
		return TypeSqueeth
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(id))
	}
}

// MarshalText encodes the product as its type name.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(id))
	}
	return []byte(id.String()), nil
}

// UnmarshalText accepts a type name ("FUTURE", "squeeth") or a full symbol.
func (id *ID) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	if strings.Contains(s, "-") {
		sym, err := ParseSymbol(s)
		if err != nil {
			return err
		}
		*id = sym.Product
		return nil
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseType maps a product type name to its id.
func ParseType(s string) (ID, error) {
	switch strings.ToUpper(s) {
	case TypeFuture:
		return Future, nil
	case TypeSqueeth:
		return Squeeth, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, s)
	}
}

// Symbol is a parsed market symbol.
type Symbol struct {
	Symbol     string `json:"symbol"`
	Underlying string `json:"underlying"`
	Product    ID     `json:"product"`
}

// ParseSymbol parses and validates a market symbol.
// Format: {UNDERLYING}-{TYPE}
func ParseSymbol(symbol string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {UNDERLYING}-{FUTURE|SQUEETH})",
			ErrInvalidSymbol, symbol)
	}

	id, err := ParseType(matches[2])
	if err != nil {
		return nil, err
	}

	return &Symbol{
		Symbol:     symbol,
		Underlying: matches[1],
		Product:    id,
	}, nil
}

// SymbolFor formats the market symbol of a product on an underlying.
func SymbolFor(underlying string, id ID) string {
	return underlying + "-" + id.String()
}
