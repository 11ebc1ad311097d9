package datasource

import (
	"fmt"
	"strings"
	"time"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// MatchFilters evaluates a flat filter list against a row with the same
// semantics BuildSelect gives Postgres. AND-tagged clauses must all hold,
// and each OR-tagged clause is an alternative to that conjunction, so the
// result does not depend on list order. String matching is case-insensitive
// and a missing or nil value behaves like SQL NULL (only isNull matches it).
func MatchFilters(row domain.Row, filters []domain.Filter) bool {
	if len(filters) == 0 {
		return true
	}
	all, alternatives := splitByConjunction(filters)
	for _, filter := range alternatives {
		if MatchFilter(row, filter) {
			return true
		}
	}
	if len(all) == 0 {
		return false
	}
	for _, filter := range all {
		if !MatchFilter(row, filter) {
			return false
		}
	}
	return true
}

// splitByConjunction separates the top-level clauses that must all hold from
// the OR-tagged alternatives.
func splitByConjunction(filters []domain.Filter) (all, alternatives []domain.Filter) {
	for _, filter := range filters {
		if joinConjunction(filter) == domain.ConjunctionOr {
			alternatives = append(alternatives, filter)
			continue
		}
		all = append(all, filter)
	}
	return all, alternatives
}

func MatchFilter(row domain.Row, filter domain.Filter) bool {
	if filter.Condition != nil {
		return matchCondition(row, *filter.Condition)
	}
	if filter.Group == nil || len(filter.Group.Conditions) == 0 {
		return false
	}

	if filter.Group.Conjunction == domain.ConjunctionOr {
		for _, child := range filter.Group.Conditions {
			if MatchFilter(row, child) {
				return true
			}
		}
		return false
	}
	for _, child := range filter.Group.Conditions {
		if !MatchFilter(row, child) {
			return false
		}
	}
	return true
}

func matchCondition(row domain.Row, condition domain.FilterCondition) bool {
	value, present := fieldValue(row, condition.Field)
	null := !present || value == nil

	switch condition.Operator {
	case domain.OperatorIsNull:
		return null
	case domain.OperatorIsNotNull:
		return !null
	}
	if null {
		return false
	}

	switch condition.Operator {
	case domain.OperatorEquals:
		return compare(value, condition.Value) == 0
	case domain.OperatorNotEquals:
		return compare(value, condition.Value) != 0
	case domain.OperatorContains:
		return strings.Contains(lowerText(value), lowerText(condition.Value))
	case domain.OperatorNotContains:
		return !strings.Contains(lowerText(value), lowerText(condition.Value))
	case domain.OperatorStartsWith:
		return strings.HasPrefix(lowerText(value), lowerText(condition.Value))
	case domain.OperatorEndsWith:
		return strings.HasSuffix(lowerText(value), lowerText(condition.Value))
	case domain.OperatorGreaterThan:
		return compare(value, condition.Value) > 0
	case domain.OperatorLessThan:
		return compare(value, condition.Value) < 0
	case domain.OperatorBetween:
		return compare(value, condition.Value) >= 0 && compare(value, condition.ValueEnd) <= 0
	case domain.OperatorIn, domain.OperatorNotIn:
		candidates, _ := domain.AsList(condition.Value)
		found := false
		for _, candidate := range candidates {
			if compare(value, candidate) == 0 {
				found = true
				break
			}
		}
		return found == (condition.Operator == domain.OperatorIn)
	default:
		return false
	}
}

func fieldValue(row domain.Row, field string) (any, bool) {
	if value, ok := row.Values[field]; ok {
		return value, true
	}
	if field == "id" && row.ID != "" {
		return row.ID, true
	}
	return nil, false
}

// compare orders two values numerically when both are numbers and as text
// otherwise. Times compare as RFC 3339 text, which sorts chronologically
// against ISO date strings.
func compare(left, right any) int {
	if l, ok := toFloat(left); ok {
		if r, ok := toFloat(right); ok {
			switch {
			case l < r:
				return -1
			case l > r:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(text(left), text(right))
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	default:
		return 0, false
	}
}

func text(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(value)
	}
}

func lowerText(value any) string {
	return strings.ToLower(text(value))
}
