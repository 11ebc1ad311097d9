package datasource

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// MemoryFetcher serves rows held in process memory. It backs local
// development and tests.
type MemoryFetcher struct {
	mu    sync.RWMutex
	rows  map[string][]domain.Row
	calls atomic.Int64
}

func NewMemoryFetcher(rows map[string][]domain.Row) *MemoryFetcher {
	fetcher := &MemoryFetcher{rows: make(map[string][]domain.Row, len(rows))}
	for domainName, domainRows := range rows {
		fetcher.Load(domainName, domainRows)
	}
	return fetcher
}

// LoadFixtures reads rows from a YAML file keyed by domain:
//
//	payrolls:
//	  - id: p-1
//	    values: {status: active, amount: 1200}
func LoadFixtures(path string) (*MemoryFetcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var rows map[string][]domain.Row
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return NewMemoryFetcher(rows), nil
}

// Load replaces the rows of one domain.
func (f *MemoryFetcher) Load(domainName string, rows []domain.Row) {
	cloned := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		cloned = append(cloned, row.Clone())
	}
	f.mu.Lock()
	f.rows[domainName] = cloned
	f.mu.Unlock()
}

// Calls reports how many fetches have been served.
func (f *MemoryFetcher) Calls() int64 {
	return f.calls.Load()
}

func (f *MemoryFetcher) FetchDomainRows(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	source, ok := f.rows[query.Domain]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, query.Domain)
	}

	matched := make([]domain.Row, 0)
	for _, row := range source {
		if MatchFilters(row, query.Filters) {
			matched = append(matched, row)
		}
	}

	if len(query.Sorts) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return less(matched[i], matched[j], query.Sorts)
		})
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}

	projected := make([]domain.Row, 0, len(matched))
	for _, row := range matched {
		values := make(map[string]any, len(query.Fields))
		for _, field := range query.Fields {
			if value, ok := fieldValue(row, field); ok {
				values[field] = value
			}
		}
		projected = append(projected, domain.Row{ID: row.ID, Values: values})
	}
	return projected, nil
}

// less places nil values last regardless of direction.
func less(left, right domain.Row, sorts []domain.Sort) bool {
	for _, order := range sorts {
		l, lok := fieldValue(left, order.Field)
		r, rok := fieldValue(right, order.Field)
		lnull, rnull := !lok || l == nil, !rok || r == nil
		switch {
		case lnull && rnull:
			continue
		case lnull:
			return false
		case rnull:
			return true
		}

		result := compare(l, r)
		if result == 0 {
			continue
		}
		if order.Direction == domain.SortDesc {
			return result > 0
		}
		return result < 0
	}
	return false
}
