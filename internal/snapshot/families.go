package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

// snapshotCurrency: v1 of every family values in USD only.
const snapshotCurrency = "USD"

// ContractSubjects enumerates active contracts as valuation subjects.
type ContractSubjects struct {
	contracts repo.ContractRepository
}

func NewContractSubjects(contracts repo.ContractRepository) *ContractSubjects {
	if contracts == nil {
		return nil
	}
	return &ContractSubjects{contracts: contracts}
}

func (s *ContractSubjects) Subjects(ctx context.Context, _ time.Time, filters domain.ScopeFilters) ([]Subject, error) {
	contracts, err := s.contracts.ListActiveContracts(ctx, filters)
	if err != nil {
		return nil, err
	}
	subjects := make([]Subject, 0, len(contracts))
	for _, c := range contracts {
		subjects = append(subjects, Subject{ID: c.ID, Currency: snapshotCurrency})
	}
	return subjects, nil
}

// MtmValuer marks contracts to market: value = (reference price - contract
// price) * quantity. A contract with no usable price on or before the as-of
// date is not computable.
type MtmValuer struct {
	contracts repo.ContractRepository
	prices    repo.MarketPriceRepository
}

func NewMtmValuer(contracts repo.ContractRepository, prices repo.MarketPriceRepository) *MtmValuer {
	if contracts == nil || prices == nil {
		return nil
	}
	return &MtmValuer{contracts: contracts, prices: prices}
}

func (v *MtmValuer) Value(ctx context.Context, subject Subject, asOfDate time.Time) (Valuation, error) {
	contract, err := v.contracts.GetContract(ctx, subject.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Valuation{}, nil
		}
		return Valuation{}, err
	}
	price, err := v.prices.LatestOnOrBefore(ctx, contract.Symbol, asOfDate)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Valuation{}, nil
		}
		return Valuation{}, err
	}
	mtm := (price.Price - contract.PriceUSD) * contract.QuantityMT
	return Valuation{
		Computable: true,
		Value:      &mtm,
		References: domain.Metadata{
			"methodology":    "latest_vs_contract",
			"price_used":     price.Price,
			"price_as_of":    price.AsOf.UTC().Format(time.DateOnly),
			"price_source":   price.Source,
			"contract_price": contract.PriceUSD,
			"quantity_mt":    contract.QuantityMT,
		},
	}, nil
}

// PnlValuer derives unrealized P&L from the day's MTM snapshot. v1 reports
// the full mark as unrealized; a contract without an MTM item is not
// computable here.
type PnlValuer struct {
	snapshots repo.SnapshotRepository
}

func NewPnlValuer(snapshots repo.SnapshotRepository) *PnlValuer {
	if snapshots == nil {
		return nil
	}
	return &PnlValuer{snapshots: snapshots}
}

func (v *PnlValuer) Value(ctx context.Context, subject Subject, asOfDate time.Time) (Valuation, error) {
	mtm, err := v.snapshots.GetSnapshotItem(ctx, domain.FamilyMtm, subject.ID, asOfDate, subject.Currency)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Valuation{}, nil
		}
		return Valuation{}, err
	}
	if mtm.ValueUSD == nil {
		return Valuation{}, nil
	}
	unrealized := *mtm.ValueUSD
	return Valuation{
		Computable: true,
		Value:      &unrealized,
		References: domain.Metadata{
			"component":       "unrealized",
			"mtm_item_id":     mtm.ID,
			"mtm_inputs_hash": mtm.InputsHash,
		},
	}, nil
}

// CashflowValuer projects the contract's baseline settlement cashflow:
// notional plus the day's mark. Contracts without a settlement date are not
// computable and surface through the run counters.
type CashflowValuer struct {
	contracts repo.ContractRepository
	snapshots repo.SnapshotRepository
}

func NewCashflowValuer(contracts repo.ContractRepository, snapshots repo.SnapshotRepository) *CashflowValuer {
	if contracts == nil || snapshots == nil {
		return nil
	}
	return &CashflowValuer{contracts: contracts, snapshots: snapshots}
}

func (v *CashflowValuer) Value(ctx context.Context, subject Subject, asOfDate time.Time) (Valuation, error) {
	contract, err := v.contracts.GetContract(ctx, subject.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Valuation{}, nil
		}
		return Valuation{}, err
	}
	if contract.SettlementDate == nil {
		return Valuation{}, nil
	}
	notional := contract.PriceUSD * contract.QuantityMT
	flags := []string{}
	references := domain.Metadata{
		"settlement_date": contract.SettlementDate.UTC().Format(time.DateOnly),
		"notional_usd":    notional,
	}
	baseline := notional
	mtm, err := v.snapshots.GetSnapshotItem(ctx, domain.FamilyMtm, subject.ID, asOfDate, subject.Currency)
	switch {
	case err == nil && mtm.ValueUSD != nil:
		baseline += *mtm.ValueUSD
		references["mtm_item_id"] = mtm.ID
	case errors.Is(err, repo.ErrNotFound):
		flags = append(flags, "mtm_missing")
	case err != nil:
		return Valuation{}, err
	}
	return Valuation{
		Computable: true,
		Value:      &baseline,
		Flags:      flags,
		References: references,
	}, nil
}

// RiskFlagValuer derives per-contract risk flags from the day's snapshots.
// It never carries a value; the flags are the output. A contract with no
// signal at all yields a clean, empty flag set.
type RiskFlagValuer struct {
	contracts repo.ContractRepository
	snapshots repo.SnapshotRepository
	prices    repo.MarketPriceRepository
}

// priceStaleAfterDays flags marks priced off data older than this.
const priceStaleAfterDays = 5

func NewRiskFlagValuer(contracts repo.ContractRepository, snapshots repo.SnapshotRepository, prices repo.MarketPriceRepository) *RiskFlagValuer {
	if contracts == nil || snapshots == nil || prices == nil {
		return nil
	}
	return &RiskFlagValuer{contracts: contracts, snapshots: snapshots, prices: prices}
}

func (v *RiskFlagValuer) Value(ctx context.Context, subject Subject, asOfDate time.Time) (Valuation, error) {
	contract, err := v.contracts.GetContract(ctx, subject.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Valuation{}, nil
		}
		return Valuation{}, err
	}

	flags := []string{}
	references := domain.Metadata{}

	mtm, err := v.snapshots.GetSnapshotItem(ctx, domain.FamilyMtm, subject.ID, asOfDate, subject.Currency)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		flags = append(flags, "mtm_missing")
	case err != nil:
		return Valuation{}, err
	default:
		references["mtm_item_id"] = mtm.ID
		if mtm.ValueUSD != nil && *mtm.ValueUSD < 0 {
			flags = append(flags, "negative_mtm")
		}
	}

	price, err := v.prices.LatestOnOrBefore(ctx, contract.Symbol, asOfDate)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		flags = append(flags, "missing_market_price")
	case err != nil:
		return Valuation{}, err
	default:
		age := asOfDate.UTC().Sub(price.AsOf.UTC())
		if age > priceStaleAfterDays*24*time.Hour {
			flags = append(flags, "stale_market_price")
			references["price_as_of"] = price.AsOf.UTC().Format(time.DateOnly)
		}
	}

	if contract.SettlementDate == nil {
		flags = append(flags, "missing_settlement_date")
	}

	return Valuation{
		Computable: true,
		Flags:      flags,
		References: references,
	}, nil
}

// FamilySet bundles the four materializers the pipeline steps drive.
type FamilySet struct {
	Mtm              *Materializer
	Pnl              *Materializer
	CashflowBaseline *Materializer
	RiskFlags        *Materializer
}

// NewFamilySet wires every family against the shared stores.
func NewFamilySet(store repo.SnapshotRepository, contracts repo.ContractRepository, prices repo.MarketPriceRepository, logger *slog.Logger) *FamilySet {
	subjects := NewContractSubjects(contracts)
	if subjects == nil || store == nil || prices == nil {
		return nil
	}
	return &FamilySet{
		Mtm:              NewMaterializer(domain.FamilyMtm, MtmVersion, store, subjects, NewMtmValuer(contracts, prices), logger),
		Pnl:              NewMaterializer(domain.FamilyPnl, PnlVersion, store, subjects, NewPnlValuer(store), logger),
		CashflowBaseline: NewMaterializer(domain.FamilyCashflowBaseline, CashflowBaselineVersion, store, subjects, NewCashflowValuer(contracts, store), logger),
		RiskFlags:        NewMaterializer(domain.FamilyRiskFlags, RiskFlagsVersion, store, subjects, NewRiskFlagValuer(contracts, store, prices), logger),
	}
}
