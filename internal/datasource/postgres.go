package datasource

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresFetcher reads domain rows from tables declared in a Schema.
type PostgresFetcher struct {
	db     Querier
	schema Schema
}

func NewPostgresFetcher(db Querier, schema Schema) *PostgresFetcher {
	return &PostgresFetcher{db: db, schema: schema}
}

func (f *PostgresFetcher) FetchDomainRows(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error) {
	table, err := f.schema.Table(query.Domain)
	if err != nil {
		return nil, err
	}
	sql, args, err := BuildSelect(query, table)
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", query.Domain, err)
	}

	rows, err := f.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", query.Domain, err)
	}
	defer rows.Close()

	result := make([]domain.Row, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", query.Domain, err)
		}
		row := domain.Row{
			ID:     fmt.Sprint(values[0]),
			Values: make(map[string]any, len(query.Fields)),
		}
		for index, field := range query.Fields {
			row.Values[field] = values[index+1]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s rows: %w", query.Domain, err)
	}
	return result, nil
}
