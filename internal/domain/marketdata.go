package domain

import (
	"strings"
	"time"
)

// MarketPrice is one published market data point, deduplicated by
// (source, symbol, as_of).
type MarketPrice struct {
	ID        string
	Symbol    string
	Name      string
	Market    string
	Price     float64
	PriceType string
	AsOf      time.Time
	Source    string
	CreatedAt time.Time
}

func (p MarketPrice) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return Invalid("id", "is required")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return Invalid("symbol", "is required")
	}
	if strings.TrimSpace(p.Source) == "" {
		return Invalid("source", "is required")
	}
	if p.AsOf.IsZero() {
		return Invalid("as_of", "is required")
	}
	return nil
}
