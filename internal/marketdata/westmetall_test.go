package marketdata

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

const sampleTable = `
<html><body>
<table>
<tr><th>date</th><th>LME Cash</th><th>3 months</th><th>stock</th></tr>
<tr><td>31. December 2025</td><td>2,968.00</td><td>2,990.50</td><td>546,250</td></tr>
<tr><td>30. December 2025</td><td>2,955.25</td><td>-</td><td>545,000</td></tr>
<tr><td>monthly average</td><td>2,961.63</td><td></td><td></td></tr>
<tr><td>02. January 2026</td><td>-</td><td>2,991.00</td><td>544,800</td></tr>
</table>
</body></html>`

func TestParseDailyRows(t *testing.T) {
	rows, err := ParseDailyRows(sampleTable)
	if err != nil {
		t.Fatalf("ParseDailyRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (header and average rows dropped)", len(rows))
	}
	first := rows[0]
	if !first.AsOfDate.Equal(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("as-of date = %v", first.AsOfDate)
	}
	if first.CashSettlement == nil || *first.CashSettlement != 2968.00 {
		t.Fatalf("cash settlement = %v, want 2968.00", first.CashSettlement)
	}
	if first.ThreeMonth == nil || *first.ThreeMonth != 2990.50 {
		t.Fatalf("3m settlement = %v, want 2990.50", first.ThreeMonth)
	}
	if rows[1].ThreeMonth != nil {
		t.Fatal("dash cells must parse as missing quotes")
	}
	if rows[2].CashSettlement != nil {
		t.Fatal("dash cash settlement must parse as missing")
	}
}

func TestParseTableDateRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "monthly average", "32. December 2025", "1. Frimaire 2025", "December 2025"} {
		if _, ok := parseTableDate(s); ok {
			t.Fatalf("parseTableDate(%q) accepted", s)
		}
	}
}

type fakePriceStore struct {
	prices map[string]domain.MarketPrice
}

func (f *fakePriceStore) key(p domain.MarketPrice) string {
	return p.Source + "/" + p.Symbol + "/" + p.AsOf.Format(time.RFC3339)
}

func (f *fakePriceStore) EnsurePrice(_ context.Context, price domain.MarketPrice) (domain.MarketPrice, bool, error) {
	k := f.key(price)
	if existing, ok := f.prices[k]; ok {
		return existing, false, nil
	}
	f.prices[k] = price
	return price, true, nil
}

func (f *fakePriceStore) LatestOnOrBefore(context.Context, string, time.Time) (domain.MarketPrice, error) {
	return domain.MarketPrice{}, nil
}

type fakeFetcher struct {
	rows []DailyRow
}

func (f *fakeFetcher) FetchDailyRows(context.Context, int) ([]DailyRow, error) {
	return f.rows, nil
}

func TestIngestYearIsIdempotent(t *testing.T) {
	cash := 2968.00
	threeMonth := 2990.50
	fetcher := &fakeFetcher{rows: []DailyRow{
		{AsOfDate: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), CashSettlement: &cash, ThreeMonth: &threeMonth},
		{AsOfDate: time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)},
	}}
	store := &fakePriceStore{prices: map[string]domain.MarketPrice{}}
	ingestor := NewIngestor(store, fetcher, slog.Default())

	first, err := ingestor.IngestYear(context.Background(), 2025)
	if err != nil {
		t.Fatalf("IngestYear: %v", err)
	}
	if first.Inserted != 2 || first.Skipped != 0 {
		t.Fatalf("first pass inserted %d / skipped %d, want 2 / 0", first.Inserted, first.Skipped)
	}

	second, err := ingestor.IngestYear(context.Background(), 2025)
	if err != nil {
		t.Fatalf("IngestYear rerun: %v", err)
	}
	if second.Inserted != 0 || second.Skipped != 2 {
		t.Fatalf("rerun inserted %d / skipped %d, want 0 / 2", second.Inserted, second.Skipped)
	}
	for _, p := range store.prices {
		if p.Source != SourceWestmetall {
			t.Fatalf("price source = %q", p.Source)
		}
	}
}
