package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

type MarketPriceStore struct {
	db DB
}

const (
	insertMarketPriceQuery = `INSERT INTO market_prices (
		id,
		symbol,
		name,
		market,
		price,
		price_type,
		as_of,
		source,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (source, symbol, as_of) DO NOTHING
	RETURNING id`

	selectMarketPriceColumns = `id, symbol, name, market, price, price_type, as_of, source, created_at`
)

func NewMarketPriceStore(db DB) *MarketPriceStore {
	if db == nil {
		return nil
	}
	return &MarketPriceStore{db: db}
}

// EnsurePrice inserts the point unless (source, symbol, as_of) already
// exists; re-ingesting a feed is a no-op for already stored days.
func (s *MarketPriceStore) EnsurePrice(ctx context.Context, price domain.MarketPrice) (domain.MarketPrice, bool, error) {
	if s == nil || s.db == nil {
		return domain.MarketPrice{}, false, fmt.Errorf("market price store not initialized")
	}
	if err := price.Validate(); err != nil {
		return domain.MarketPrice{}, false, err
	}

	var insertedID string
	err := s.db.QueryRowContext(
		ctx,
		insertMarketPriceQuery,
		strings.TrimSpace(price.ID),
		strings.TrimSpace(price.Symbol),
		nullIfEmpty(price.Name),
		nullIfEmpty(price.Market),
		price.Price,
		nullIfEmpty(price.PriceType),
		price.AsOf.UTC(),
		strings.TrimSpace(price.Source),
		normalizeTime(price.CreatedAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.MarketPrice{}, false, fmt.Errorf("insert market price: %w", err)
		}
		existing, err := s.getByKey(ctx, price.Source, price.Symbol, price.AsOf)
		if err != nil {
			return domain.MarketPrice{}, false, err
		}
		return existing, false, nil
	}
	created, err := s.getByID(ctx, insertedID)
	if err != nil {
		return domain.MarketPrice{}, false, err
	}
	return created, true, nil
}

// LatestOnOrBefore returns the newest stored point for the symbol at or
// before asOf, across sources.
func (s *MarketPriceStore) LatestOnOrBefore(ctx context.Context, symbol string, asOf time.Time) (domain.MarketPrice, error) {
	if s == nil || s.db == nil {
		return domain.MarketPrice{}, fmt.Errorf("market price store not initialized")
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return domain.MarketPrice{}, fmt.Errorf("symbol is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectMarketPriceColumns+` FROM market_prices
		 WHERE symbol = $1 AND as_of <= $2
		 ORDER BY as_of DESC
		 LIMIT 1`,
		symbol,
		asOf.UTC(),
	)
	return scanMarketPrice(row.Scan)
}

func (s *MarketPriceStore) getByID(ctx context.Context, id string) (domain.MarketPrice, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectMarketPriceColumns+` FROM market_prices WHERE id = $1`,
		strings.TrimSpace(id),
	)
	return scanMarketPrice(row.Scan)
}

func (s *MarketPriceStore) getByKey(ctx context.Context, source, symbol string, asOf time.Time) (domain.MarketPrice, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectMarketPriceColumns+` FROM market_prices WHERE source = $1 AND symbol = $2 AND as_of = $3`,
		strings.TrimSpace(source),
		strings.TrimSpace(symbol),
		asOf.UTC(),
	)
	return scanMarketPrice(row.Scan)
}

func scanMarketPrice(scan func(dest ...any) error) (domain.MarketPrice, error) {
	var price domain.MarketPrice
	var name sql.NullString
	var market sql.NullString
	var priceType sql.NullString
	if err := scan(
		&price.ID, &price.Symbol, &name, &market, &price.Price, &priceType,
		&price.AsOf, &price.Source, &price.CreatedAt,
	); err != nil {
		return domain.MarketPrice{}, handleNotFound(err)
	}
	price.Name = stringOrEmpty(name)
	price.Market = stringOrEmpty(market)
	price.PriceType = stringOrEmpty(priceType)
	return price, nil
}
