package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() ReportConfig {
	return ReportConfig{
		Domains: []string{"payrolls"},
		Fields:  map[string][]string{"payrolls": {"status", "amount"}},
		Limit:   50,
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsInvalidShapes(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ReportConfig)
		message string
	}{
		{
			name:    "no fields selected",
			mutate:  func(c *ReportConfig) { c.Fields = map[string][]string{"payrolls": {}} },
			message: "no fields selected",
		},
		{
			name:    "fields for unlisted domain",
			mutate:  func(c *ReportConfig) { c.Fields["clients"] = []string{"name"} },
			message: "not listed in domains",
		},
		{
			name:    "negative limit",
			mutate:  func(c *ReportConfig) { c.Limit = -1 },
			message: "gte",
		},
		{
			name:    "duplicate domains",
			mutate:  func(c *ReportConfig) { c.Domains = []string{"payrolls", "payrolls"} },
			message: "unique",
		},
		{
			name: "between without end",
			mutate: func(c *ReportConfig) {
				c.Filters = []Filter{Condition("amount", OperatorBetween, 10)}
			},
			message: "between requires value and value_end",
		},
		{
			name: "isNull with value",
			mutate: func(c *ReportConfig) {
				c.Filters = []Filter{Condition("amount", OperatorIsNull, 10)}
			},
			message: "takes no value",
		},
		{
			name: "in without list",
			mutate: func(c *ReportConfig) {
				c.Filters = []Filter{Condition("status", OperatorIn, "active")}
			},
			message: "requires a list",
		},
		{
			name: "unknown operator",
			mutate: func(c *ReportConfig) {
				c.Filters = []Filter{Condition("status", Operator("like"), "x")}
			},
			message: "unsupported operator",
		},
		{
			name: "empty group",
			mutate: func(c *ReportConfig) {
				c.Filters = []Filter{Group(ConjunctionAnd)}
			},
			message: "group has no conditions",
		},
		{
			name: "bad sort direction",
			mutate: func(c *ReportConfig) {
				c.Sorts = []Sort{{Field: "amount", Direction: "sideways"}}
			},
			message: "oneof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			require.Error(t, err)
			var problems ValidationErrors
			require.ErrorAs(t, err, &problems)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidateAcceptsNullOperatorsAndRanges(t *testing.T) {
	config := validConfig()
	config.Filters = []Filter{
		{Condition: &FilterCondition{Field: "amount", Operator: OperatorBetween, Value: 10, ValueEnd: 20}},
		Condition("paid_at", OperatorIsNotNull, nil),
		Condition("status", OperatorIn, []string{"active", "draft"}),
	}
	require.NoError(t, config.Validate())
}

func TestFilterJSONDistinguishesGroups(t *testing.T) {
	raw := `[
		{"field":"status","operator":"equals","value":"active"},
		{"conjunction":"OR","conditions":[
			{"field":"amount","operator":"greaterThan","value":100},
			{"field":"amount","operator":"isNull"}
		]}
	]`

	var filters []Filter
	require.NoError(t, json.Unmarshal([]byte(raw), &filters))
	require.Len(t, filters, 2)

	require.NotNil(t, filters[0].Condition)
	assert.False(t, filters[0].IsGroup())
	assert.Equal(t, "active", filters[0].Condition.Value)

	require.True(t, filters[1].IsGroup())
	assert.Equal(t, ConjunctionOr, filters[1].Group.Conjunction)
	require.Len(t, filters[1].Group.Conditions, 2)
	assert.Equal(t, float64(100), filters[1].Group.Conditions[0].Condition.Value)
	assert.Len(t, filters[1].Leaves(), 2)
}

func TestScopeFilters(t *testing.T) {
	filters := []Filter{
		Condition("payrolls.status", OperatorEquals, "active"),
		Condition("clients.name", OperatorEquals, "Acme"),
		Condition("created_at", OperatorIsNotNull, nil),
		Group(ConjunctionOr,
			Condition("payrolls.amount", OperatorGreaterThan, 10),
			Condition("clients.abn", OperatorIsNull, nil),
		),
	}

	scoped := ScopeFilters("payrolls", filters)
	require.Len(t, scoped, 2)
	assert.Equal(t, "status", scoped[0].Condition.Field)
	assert.Equal(t, "created_at", scoped[1].Condition.Field)

	sorts := ScopeSorts("clients", []Sort{{Field: "payrolls.amount"}, {Field: "clients.name"}, {Field: "id"}})
	require.Len(t, sorts, 2)
	assert.Equal(t, "name", sorts[0].Field)
	assert.Equal(t, "id", sorts[1].Field)
}

func TestValidationErrorsMessage(t *testing.T) {
	err := ValidationErrors{{Field: "fields", Message: "no fields selected for any domain"}}
	assert.True(t, strings.HasPrefix(err.Error(), "invalid report config"))
}
