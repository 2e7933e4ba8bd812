package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

// SourceWestmetall is the provenance tag on every ingested price row.
const SourceWestmetall = "westmetall"

// Symbols carried by the Westmetall daily table.
const (
	SymbolAluminiumCash = "P3Y00"
	SymbolAluminium3M   = "P4Y00"
)

// RowFetcher is the slice of the Westmetall client the ingestor needs.
type RowFetcher interface {
	FetchDailyRows(ctx context.Context, year int) ([]DailyRow, error)
}

// IngestResult counts one ingestion pass. Skipped rows already existed.
type IngestResult struct {
	Year     int
	Inserted int
	Skipped  int
}

// Ingestor loads Westmetall settlement rows into the market price store.
type Ingestor struct {
	prices repo.MarketPriceRepository
	source RowFetcher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewIngestor(prices repo.MarketPriceRepository, source RowFetcher, logger *slog.Logger) *Ingestor {
	if prices == nil || source == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		prices: prices,
		source: source,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// IngestYear fetches the year's settlement rows and inserts the ones not yet
// stored. Rows without a cash settlement are skipped entirely.
func (i *Ingestor) IngestYear(ctx context.Context, year int) (IngestResult, error) {
	if i == nil {
		return IngestResult{}, fmt.Errorf("ingestor not initialized")
	}
	rows, err := i.source.FetchDailyRows(ctx, year)
	if err != nil {
		return IngestResult{}, err
	}

	res := IngestResult{Year: year}
	for _, row := range rows {
		if row.CashSettlement == nil {
			continue
		}
		asOf := row.AsOfDate.UTC()

		if err := i.ensure(ctx, &res, domain.MarketPrice{
			Symbol:    SymbolAluminiumCash,
			Name:      "LME Aluminium Cash Settlement",
			Market:    "LME",
			Price:     *row.CashSettlement,
			PriceType: "close",
			AsOf:      asOf,
		}); err != nil {
			return IngestResult{}, err
		}

		if row.ThreeMonth != nil {
			if err := i.ensure(ctx, &res, domain.MarketPrice{
				Symbol:    SymbolAluminium3M,
				Name:      "LME Aluminium 3M Settlement",
				Market:    "LME",
				Price:     *row.ThreeMonth,
				PriceType: "close",
				AsOf:      asOf,
			}); err != nil {
				return IngestResult{}, err
			}
		}
	}

	i.logger.InfoContext(ctx, "westmetall ingestion finished",
		"year", res.Year,
		"inserted", res.Inserted,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (i *Ingestor) ensure(ctx context.Context, res *IngestResult, price domain.MarketPrice) error {
	price.ID = i.newID()
	price.Source = SourceWestmetall
	price.CreatedAt = i.now()
	_, created, err := i.prices.EnsurePrice(ctx, price)
	if err != nil {
		return fmt.Errorf("ensure price %s@%s: %w", price.Symbol, price.AsOf.Format(time.DateOnly), err)
	}
	if created {
		res.Inserted++
	} else {
		res.Skipped++
	}
	return nil
}
