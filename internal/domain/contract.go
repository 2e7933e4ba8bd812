package domain

import (
	"strings"
	"time"
)

// ContractStatus is the commercial lifecycle of a contract; only active
// contracts enter daily valuation scope.
type ContractStatus string

const (
	ContractActive ContractStatus = "active"
	ContractClosed ContractStatus = "closed"
	ContractDraft  ContractStatus = "draft"
)

// Contract is the valuation view of a physical commodity contract: enough
// to price it against market data, nothing more.
type Contract struct {
	ID             string
	DealID         string
	CounterpartyID string
	Symbol         string
	Status         ContractStatus
	QuantityMT     float64
	PriceUSD       float64
	Currency       string
	SettlementDate *time.Time
	CreatedAt      time.Time
}

func (c Contract) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return Invalid("id", "is required")
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return Invalid("symbol", "is required")
	}
	if c.QuantityMT <= 0 {
		return Invalid("quantity_mt", "must be positive")
	}
	return nil
}
