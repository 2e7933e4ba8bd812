// Package marketdata ingests LME reference prices from public sources into
// the market price store. Ingestion is idempotent: rows are keyed by
// (source, symbol, as_of) and re-ingesting a year only inserts the gaps.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"
)

const (
	westmetallDailyURL = "https://www.westmetall.com/en/markdaten.php"

	westmetallTimeout = 30 * time.Second
	westmetallRetries = 3
)

// DailyRow is one settlement row of the Westmetall daily table. Missing
// quotes (holidays, partial rows) are nil.
type DailyRow struct {
	AsOfDate       time.Time
	CashSettlement *float64
	ThreeMonth     *float64
	Stock          *float64
}

// WestmetallClient fetches the LME aluminium daily settlement table.
type WestmetallClient struct {
	http    *resty.Client
	baseURL string
}

func NewWestmetallClient(baseURL string) *WestmetallClient {
	if baseURL == "" {
		baseURL = westmetallDailyURL
	}
	client := resty.New().
		SetTimeout(westmetallTimeout).
		SetRetryCount(westmetallRetries).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				var netErr net.Error
				return errors.As(err, &netErr) && netErr.Timeout()
			}
			code := r.StatusCode()
			return code == 429 || code >= 500
		})
	return &WestmetallClient{http: client, baseURL: baseURL}
}

// FetchDailyRows fetches the daily table and returns the rows of the given
// year, newest first as published.
func (c *WestmetallClient) FetchDailyRows(ctx context.Context, year int) ([]DailyRow, error) {
	if c == nil {
		return nil, fmt.Errorf("westmetall client not initialized")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"action": "table",
			"field":  "LME_Al_cash",
		}).
		Get(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch westmetall table: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch westmetall table: unexpected status %d", resp.StatusCode())
	}
	rows, err := ParseDailyRows(resp.String())
	if err != nil {
		return nil, err
	}
	filtered := make([]DailyRow, 0, len(rows))
	for _, row := range rows {
		if row.AsOfDate.Year() == year {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

// ParseDailyRows extracts settlement rows from the published HTML. Cells are
// positional: date, cash settlement, 3-month settlement, stock. Rows whose
// first cell is not a date (headers, separators) are dropped.
func ParseDailyRows(htmlContent string) ([]DailyRow, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("parse westmetall table: %w", err)
	}

	rows := []DailyRow{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			cells := rowCells(n)
			if row, ok := parseRow(cells); ok {
				rows = append(rows, row)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows, nil
}

func rowCells(tr *html.Node) []string {
	cells := []string{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "td" {
			cells = append(cells, strings.Join(strings.Fields(textContent(n)), " "))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(tr)
	return cells
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func parseRow(cells []string) (DailyRow, bool) {
	if len(cells) < 2 {
		return DailyRow{}, false
	}
	asOf, ok := parseTableDate(cells[0])
	if !ok {
		return DailyRow{}, false
	}
	row := DailyRow{AsOfDate: asOf, CashSettlement: parseQuote(cells[1])}
	if len(cells) > 2 {
		row.ThreeMonth = parseQuote(cells[2])
	}
	if len(cells) > 3 {
		row.Stock = parseQuote(cells[3])
	}
	return row, true
}

// parseTableDate parses the published date format, e.g. "31. December 2025".
func parseTableDate(s string) (time.Time, bool) {
	raw := strings.TrimSpace(s)
	dayPart, rest, found := strings.Cut(raw, ".")
	if !found {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(strings.TrimSpace(dayPart))
	if err != nil {
		return time.Time{}, false
	}
	monthName, yearPart, found := strings.Cut(strings.TrimSpace(rest), " ")
	if !found {
		return time.Time{}, false
	}
	month, ok := monthsByName[strings.ToLower(strings.TrimSpace(monthName))]
	if !ok {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(strings.TrimSpace(yearPart))
	if err != nil {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

var monthsByName = map[string]time.Month{
	"january":   time.January,
	"february":  time.February,
	"march":     time.March,
	"april":     time.April,
	"may":       time.May,
	"june":      time.June,
	"july":      time.July,
	"august":    time.August,
	"september": time.September,
	"october":   time.October,
	"november":  time.November,
	"december":  time.December,
}

// parseQuote parses Westmetall's "2,968.00" number formatting; "-" and empty
// cells mean no quote.
func parseQuote(s string) *float64 {
	raw := strings.TrimSpace(s)
	if raw == "" || raw == "-" {
		return nil
	}
	raw = strings.ReplaceAll(raw, ",", "")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &value
}
