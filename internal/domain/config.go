package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultLimit caps result rows per domain when a config does not set one.
const DefaultLimit = 100

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "notContains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorBetween     Operator = "between"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "notIn"
	OperatorIsNull      Operator = "isNull"
	OperatorIsNotNull   Operator = "isNotNull"
)

type Conjunction string

const (
	ConjunctionAnd Conjunction = "AND"
	ConjunctionOr  Conjunction = "OR"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ReportConfig is the declarative report request submitted by a caller.
type ReportConfig struct {
	Domains              []string            `json:"domains" validate:"required,min=1,unique,dive,required,max=64"`
	Fields               map[string][]string `json:"fields" validate:"required,dive,keys,required,endkeys,dive,required,max=128"`
	Filters              []Filter            `json:"filters,omitempty"`
	Sorts                []Sort              `json:"sorts,omitempty" validate:"dive"`
	Limit                int                 `json:"limit,omitempty" validate:"gte=0"`
	IncludeRelationships bool                `json:"include_relationships,omitempty"`
}

// EffectiveLimit returns the row cap applied to each domain.
func (c ReportConfig) EffectiveLimit() int {
	if c.Limit <= 0 {
		return DefaultLimit
	}
	return c.Limit
}

type Sort struct {
	Field     string        `json:"field" validate:"required"`
	Direction SortDirection `json:"direction" validate:"omitempty,oneof=asc desc"`
}

// FilterCondition is a leaf predicate. In a flat filter list, AND-tagged
// clauses (the default) must all hold and each OR-tagged clause is an
// alternative to them, so the list's order never changes its meaning.
type FilterCondition struct {
	Field       string      `json:"field"`
	Operator    Operator    `json:"operator"`
	Value       any         `json:"value,omitempty"`
	ValueEnd    any         `json:"value_end,omitempty"`
	Conjunction Conjunction `json:"conjunction,omitempty"`
}

type FilterGroup struct {
	Conjunction Conjunction `json:"conjunction"`
	Conditions  []Filter    `json:"conditions"`
}

// Filter holds exactly one of Condition or Group. On the wire a group is
// recognised by the presence of "conditions".
type Filter struct {
	Condition *FilterCondition
	Group     *FilterGroup
}

func Condition(field string, operator Operator, value any) Filter {
	return Filter{Condition: &FilterCondition{Field: field, Operator: operator, Value: value}}
}

func Group(conjunction Conjunction, conditions ...Filter) Filter {
	return Filter{Group: &FilterGroup{Conjunction: conjunction, Conditions: conditions}}
}

func (f Filter) IsGroup() bool {
	return f.Group != nil
}

func (f Filter) MarshalJSON() ([]byte, error) {
	switch {
	case f.Group != nil:
		return json.Marshal(f.Group)
	case f.Condition != nil:
		return json.Marshal(f.Condition)
	default:
		return []byte("null"), nil
	}
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("decode filter: %w", err)
	}
	if _, ok := members["conditions"]; ok {
		var group FilterGroup
		if err := json.Unmarshal(data, &group); err != nil {
			return fmt.Errorf("decode filter group: %w", err)
		}
		f.Group = &group
		f.Condition = nil
		return nil
	}

	var condition FilterCondition
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&condition); err != nil {
		return fmt.Errorf("decode filter condition: %w", err)
	}
	condition.Value = normalizeNumber(condition.Value)
	condition.ValueEnd = normalizeNumber(condition.ValueEnd)
	f.Condition = &condition
	f.Group = nil
	return nil
}

// normalizeNumber turns json.Number values into float64 so memory evaluation
// and SQL arguments see the same type regardless of decode path.
func normalizeNumber(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return parsed
		}
		return typed.String()
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeNumber(item))
		}
		return out
	default:
		return value
	}
}

// Leaves returns every leaf condition under the filter, depth first.
func (f Filter) Leaves() []FilterCondition {
	if f.Condition != nil {
		return []FilterCondition{*f.Condition}
	}
	if f.Group == nil {
		return nil
	}
	leaves := make([]FilterCondition, 0, len(f.Group.Conditions))
	for _, child := range f.Group.Conditions {
		leaves = append(leaves, child.Leaves()...)
	}
	return leaves
}

// ErrInvalidConfig matches every shape error returned by ReportConfig.Validate.
var ErrInvalidConfig = errors.New("invalid report config")

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, item := range e {
		parts = append(parts, item.Field+": "+item.Message)
	}
	return ErrInvalidConfig.Error() + ": " + strings.Join(parts, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config shape. It never consults permissions.
func (c ReportConfig) Validate() error {
	problems := make(ValidationErrors, 0)

	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fieldErr := range fieldErrors {
				problems = append(problems, ValidationError{
					Field:   fieldErr.Namespace(),
					Message: "failed " + fieldErr.Tag() + " check",
				})
			}
		} else {
			return fmt.Errorf("validate report config: %w", err)
		}
	}

	selected := 0
	for _, name := range c.Domains {
		selected += len(c.Fields[name])
	}
	if selected == 0 {
		problems = append(problems, ValidationError{Field: "fields", Message: "no fields selected for any domain"})
	}
	for name := range c.Fields {
		if !containsString(c.Domains, name) {
			problems = append(problems, ValidationError{Field: "fields." + name, Message: "domain is not listed in domains"})
		}
	}

	for index, filter := range c.Filters {
		problems = append(problems, validateFilter(fmt.Sprintf("filters[%d]", index), filter)...)
	}

	if len(problems) == 0 {
		return nil
	}
	return problems
}

func validateFilter(path string, filter Filter) ValidationErrors {
	switch {
	case filter.Group != nil && filter.Condition != nil:
		return ValidationErrors{{Field: path, Message: "filter cannot be both a condition and a group"}}
	case filter.Group != nil:
		problems := make(ValidationErrors, 0)
		if !validConjunction(filter.Group.Conjunction) {
			problems = append(problems, ValidationError{Field: path + ".conjunction", Message: "must be AND or OR"})
		}
		if len(filter.Group.Conditions) == 0 {
			problems = append(problems, ValidationError{Field: path + ".conditions", Message: "group has no conditions"})
		}
		for index, child := range filter.Group.Conditions {
			problems = append(problems, validateFilter(fmt.Sprintf("%s.conditions[%d]", path, index), child)...)
		}
		return problems
	case filter.Condition != nil:
		return validateCondition(path, *filter.Condition)
	default:
		return ValidationErrors{{Field: path, Message: "empty filter"}}
	}
}

func validateCondition(path string, condition FilterCondition) ValidationErrors {
	problems := make(ValidationErrors, 0)
	if strings.TrimSpace(condition.Field) == "" {
		problems = append(problems, ValidationError{Field: path + ".field", Message: "is required"})
	}
	if condition.Conjunction != "" && !validConjunction(condition.Conjunction) {
		problems = append(problems, ValidationError{Field: path + ".conjunction", Message: "must be AND or OR"})
	}

	switch condition.Operator {
	case OperatorBetween:
		if condition.Value == nil || condition.ValueEnd == nil {
			problems = append(problems, ValidationError{Field: path, Message: "between requires value and value_end"})
		}
	case OperatorIsNull, OperatorIsNotNull:
		if condition.Value != nil || condition.ValueEnd != nil {
			problems = append(problems, ValidationError{Field: path, Message: string(condition.Operator) + " takes no value"})
		}
	case OperatorIn, OperatorNotIn:
		if _, ok := AsList(condition.Value); !ok {
			problems = append(problems, ValidationError{Field: path + ".value", Message: string(condition.Operator) + " requires a list"})
		}
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorStartsWith, OperatorEndsWith, OperatorGreaterThan, OperatorLessThan:
		if condition.Value == nil {
			problems = append(problems, ValidationError{Field: path + ".value", Message: "is required"})
		}
	default:
		problems = append(problems, ValidationError{Field: path + ".operator", Message: fmt.Sprintf("unsupported operator %q", condition.Operator)})
	}
	return problems
}

// AsList unpacks the list value of an in/notIn condition.
func AsList(value any) ([]any, bool) {
	switch typed := value.(type) {
	case []any:
		return typed, true
	case []string:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, item)
		}
		return out, true
	case []float64:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, item)
		}
		return out, true
	case []int:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, item)
		}
		return out, true
	default:
		return nil, false
	}
}

func validConjunction(value Conjunction) bool {
	return value == ConjunctionAnd || value == ConjunctionOr
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// ScopeFilters keeps the filters that apply to one domain. A field written as
// "<domain>.<field>" only applies to that domain and is stripped of its
// qualifier; an unqualified field applies to every domain. Groups survive only
// when all of their leaves apply.
func ScopeFilters(domainName string, filters []Filter) []Filter {
	scoped := make([]Filter, 0, len(filters))
	for _, filter := range filters {
		if rewritten, ok := scopeFilter(domainName, filter); ok {
			scoped = append(scoped, rewritten)
		}
	}
	return scoped
}

func scopeFilter(domainName string, filter Filter) (Filter, bool) {
	if filter.Condition != nil {
		field, ok := scopeField(domainName, filter.Condition.Field)
		if !ok {
			return Filter{}, false
		}
		condition := *filter.Condition
		condition.Field = field
		return Filter{Condition: &condition}, true
	}
	if filter.Group == nil {
		return Filter{}, false
	}
	children := make([]Filter, 0, len(filter.Group.Conditions))
	for _, child := range filter.Group.Conditions {
		rewritten, ok := scopeFilter(domainName, child)
		if !ok {
			return Filter{}, false
		}
		children = append(children, rewritten)
	}
	return Filter{Group: &FilterGroup{Conjunction: filter.Group.Conjunction, Conditions: children}}, true
}

func scopeField(domainName, field string) (string, bool) {
	qualifier, name, qualified := strings.Cut(field, ".")
	if !qualified {
		return field, true
	}
	if qualifier != domainName {
		return "", false
	}
	return name, true
}

// ScopeSorts applies the same qualification rule as ScopeFilters.
func ScopeSorts(domainName string, sorts []Sort) []Sort {
	scoped := make([]Sort, 0, len(sorts))
	for _, sort := range sorts {
		field, ok := scopeField(domainName, sort.Field)
		if !ok {
			continue
		}
		scoped = append(scoped, Sort{Field: field, Direction: sort.Direction})
	}
	return scoped
}
