package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

type ContractStore struct {
	db DB
}

const selectContractColumns = `id, deal_id, counterparty_id, symbol, status, quantity_mt,
	price_usd, currency, settlement_date, created_at`

func NewContractStore(db DB) *ContractStore {
	if db == nil {
		return nil
	}
	return &ContractStore{db: db}
}

// ListActiveContracts returns active contracts in deterministic id order,
// narrowed by the recognized scope filters. Unknown filter keys are ignored
// here; they still participate in the inputs hash upstream.
func (s *ContractStore) ListActiveContracts(ctx context.Context, filters domain.ScopeFilters) ([]domain.Contract, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("contract store not initialized")
	}
	clauses := []string{"status = $1"}
	args := []any{string(domain.ContractActive)}

	if v, ok := filterString(filters, "contract_id"); ok {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("id = $%d", len(args)))
	}
	if v, ok := filterString(filters, "deal_id"); ok {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("deal_id = $%d", len(args)))
	}
	if v, ok := filterString(filters, "counterparty_id"); ok {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("counterparty_id = $%d", len(args)))
	}

	query := `SELECT ` + selectContractColumns + ` FROM contracts WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active contracts: %w", err)
	}
	defer rows.Close()

	contracts := make([]domain.Contract, 0)
	for rows.Next() {
		contract, err := scanContract(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, contract)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active contracts: %w", err)
	}
	return contracts, nil
}

func (s *ContractStore) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	if s == nil || s.db == nil {
		return domain.Contract{}, fmt.Errorf("contract store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Contract{}, fmt.Errorf("contract id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectContractColumns+` FROM contracts WHERE id = $1`,
		id,
	)
	contract, err := scanContract(row.Scan)
	if err != nil {
		return domain.Contract{}, handleNotFound(err)
	}
	return contract, nil
}

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var contract domain.Contract
	var dealID sql.NullString
	var counterpartyID sql.NullString
	var status string
	var currency sql.NullString
	var settlementDate sql.NullTime
	if err := scan(
		&contract.ID, &dealID, &counterpartyID, &contract.Symbol, &status, &contract.QuantityMT,
		&contract.PriceUSD, &currency, &settlementDate, &contract.CreatedAt,
	); err != nil {
		return domain.Contract{}, err
	}
	contract.DealID = stringOrEmpty(dealID)
	contract.CounterpartyID = stringOrEmpty(counterpartyID)
	contract.Status = domain.ContractStatus(status)
	contract.Currency = stringOrEmpty(currency)
	if contract.Currency == "" {
		contract.Currency = "USD"
	}
	contract.SettlementDate = timePtr(settlementDate)
	return contract, nil
}

func filterString(filters domain.ScopeFilters, key string) (string, bool) {
	raw, ok := filters[key]
	if !ok || raw == nil {
		return "", false
	}
	value := strings.TrimSpace(fmt.Sprint(raw))
	if value == "" {
		return "", false
	}
	return value, true
}
