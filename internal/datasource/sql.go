package datasource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

type sqlBuilder struct {
	table Table
	args  []any
}

func (b *sqlBuilder) bind(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) column(name string) (string, error) {
	if !b.table.hasColumn(name) {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// BuildSelect renders a parameterised SELECT for one domain query. The key
// column is always selected first. Every identifier must be declared in the
// table; values only ever travel as positional arguments.
func BuildSelect(query domain.DomainQuery, table Table) (string, []any, error) {
	b := &sqlBuilder{table: table}

	columns := make([]string, 0, len(query.Fields)+1)
	key, err := b.column(table.Key)
	if err != nil {
		return "", nil, err
	}
	columns = append(columns, key)
	for _, field := range query.Fields {
		column, err := b.column(field)
		if err != nil {
			return "", nil, err
		}
		columns = append(columns, column)
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(strings.Join(columns, ", "))
	sql.WriteString(" FROM ")
	sql.WriteString(pgx.Identifier(strings.Split(table.Table, ".")).Sanitize())

	if len(query.Filters) > 0 {
		where, err := b.filterList(query.Filters)
		if err != nil {
			return "", nil, err
		}
		sql.WriteString(" WHERE ")
		sql.WriteString(where)
	}

	orderBy := make([]string, 0, len(query.Sorts)+1)
	for _, sort := range query.Sorts {
		column, err := b.column(sort.Field)
		if err != nil {
			return "", nil, err
		}
		direction := "ASC"
		if sort.Direction == domain.SortDesc {
			direction = "DESC"
		}
		orderBy = append(orderBy, column+" "+direction)
	}
	orderBy = append(orderBy, key+" ASC")
	sql.WriteString(" ORDER BY ")
	sql.WriteString(strings.Join(orderBy, ", "))

	if query.Limit > 0 {
		sql.WriteString(" LIMIT ")
		sql.WriteString(b.bind(query.Limit))
	}
	return sql.String(), b.args, nil
}

// filterList renders a flat list the way MatchFilters evaluates it: the
// AND-tagged clauses joined by AND, OR'd with every OR-tagged clause.
func (b *sqlBuilder) filterList(filters []domain.Filter) (string, error) {
	all, alternatives := splitByConjunction(filters)

	branches := make([]string, 0, len(alternatives)+1)
	if len(all) > 0 {
		clauses := make([]string, 0, len(all))
		for _, filter := range all {
			clause, err := b.filter(filter)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, clause)
		}
		if len(clauses) == 1 {
			branches = append(branches, clauses[0])
		} else {
			branches = append(branches, "("+strings.Join(clauses, " AND ")+")")
		}
	}
	for _, filter := range alternatives {
		clause, err := b.filter(filter)
		if err != nil {
			return "", err
		}
		branches = append(branches, clause)
	}
	if len(branches) == 1 {
		return branches[0], nil
	}
	return "(" + strings.Join(branches, " OR ") + ")", nil
}

func (b *sqlBuilder) filter(filter domain.Filter) (string, error) {
	if filter.Condition != nil {
		return b.condition(*filter.Condition)
	}
	if filter.Group == nil || len(filter.Group.Conditions) == 0 {
		return "", errors.New("empty filter")
	}

	conjunction := " AND "
	if filter.Group.Conjunction == domain.ConjunctionOr {
		conjunction = " OR "
	}
	clauses := make([]string, 0, len(filter.Group.Conditions))
	for _, child := range filter.Group.Conditions {
		clause, err := b.filter(child)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return "(" + strings.Join(clauses, conjunction) + ")", nil
}

func (b *sqlBuilder) condition(condition domain.FilterCondition) (string, error) {
	column, err := b.column(condition.Field)
	if err != nil {
		return "", err
	}
	asText := column + "::text"

	switch condition.Operator {
	case domain.OperatorEquals:
		return column + " = " + b.bind(condition.Value), nil
	case domain.OperatorNotEquals:
		return column + " <> " + b.bind(condition.Value), nil
	case domain.OperatorContains:
		return asText + " ILIKE '%' || " + b.bind(escapeLike(condition.Value)) + " || '%'", nil
	case domain.OperatorNotContains:
		return asText + " NOT ILIKE '%' || " + b.bind(escapeLike(condition.Value)) + " || '%'", nil
	case domain.OperatorStartsWith:
		return asText + " ILIKE " + b.bind(escapeLike(condition.Value)) + " || '%'", nil
	case domain.OperatorEndsWith:
		return asText + " ILIKE '%' || " + b.bind(escapeLike(condition.Value)), nil
	case domain.OperatorGreaterThan:
		return column + " > " + b.bind(condition.Value), nil
	case domain.OperatorLessThan:
		return column + " < " + b.bind(condition.Value), nil
	case domain.OperatorBetween:
		low := b.bind(condition.Value)
		high := b.bind(condition.ValueEnd)
		return column + " BETWEEN " + low + " AND " + high, nil
	case domain.OperatorIn, domain.OperatorNotIn:
		values, ok := domain.AsList(condition.Value)
		if !ok {
			return "", fmt.Errorf("operator %s on %s requires a list", condition.Operator, condition.Field)
		}
		if condition.Operator == domain.OperatorIn {
			return column + " = ANY(" + b.bind(typedList(values)) + ")", nil
		}
		return column + " <> ALL(" + b.bind(typedList(values)) + ")", nil
	case domain.OperatorIsNull:
		return column + " IS NULL", nil
	case domain.OperatorIsNotNull:
		return column + " IS NOT NULL", nil
	default:
		return "", fmt.Errorf("unsupported operator %q", condition.Operator)
	}
}

func joinConjunction(filter domain.Filter) domain.Conjunction {
	if filter.Condition != nil && filter.Condition.Conjunction == domain.ConjunctionOr {
		return domain.ConjunctionOr
	}
	return domain.ConjunctionAnd
}

func escapeLike(value any) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(fmt.Sprint(value))
}

// typedList gives pgx a homogeneous slice to encode as a Postgres array.
func typedList(values []any) any {
	numbers := make([]float64, 0, len(values))
	for _, value := range values {
		number, ok := toFloat(value)
		if !ok {
			break
		}
		numbers = append(numbers, number)
	}
	if len(numbers) == len(values) {
		return numbers
	}

	texts := make([]string, 0, len(values))
	for _, value := range values {
		texts = append(texts, fmt.Sprint(value))
	}
	return texts
}
