package report

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// Joiner merges per-domain results into named joined row sets. It runs only
// for configs that ask for relationships.
type Joiner interface {
	Join(ctx context.Context, config domain.ReportConfig, sections map[string]domain.DomainResult) (map[string][]domain.Row, error)
}

type Endpoint struct {
	Domain string `yaml:"domain" json:"domain"`
	// Key is a selected field, or "id" for the row identifier.
	Key string `yaml:"key" json:"key"`
}

type Relationship struct {
	Name string   `yaml:"name" json:"name"`
	From Endpoint `yaml:"from" json:"from"`
	To   Endpoint `yaml:"to" json:"to"`
}

type RelationshipMap struct {
	Relationships []Relationship `yaml:"relationships" json:"relationships"`
}

func LoadRelationships(path string) (RelationshipMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RelationshipMap{}, fmt.Errorf("read relationship file: %w", err)
	}
	var relationships RelationshipMap
	if err := yaml.Unmarshal(raw, &relationships); err != nil {
		return RelationshipMap{}, fmt.Errorf("parse relationship file: %w", err)
	}
	for index, relationship := range relationships.Relationships {
		if relationship.Name == "" || relationship.From.Domain == "" || relationship.To.Domain == "" ||
			relationship.From.Key == "" || relationship.To.Key == "" {
			return RelationshipMap{}, fmt.Errorf("relationship %d: name, domains and keys are required", index)
		}
	}
	return relationships, nil
}

// KeyJoiner performs an inner equi-join for every relationship whose two
// domains are both present. A from-row matching several to-rows yields one
// output row per match. Output columns are named "<domain>.<field>".
type KeyJoiner struct {
	relationships []Relationship
}

func NewKeyJoiner(relationships RelationshipMap) *KeyJoiner {
	return &KeyJoiner{relationships: append([]Relationship(nil), relationships.Relationships...)}
}

func (j *KeyJoiner) Join(ctx context.Context, _ domain.ReportConfig, sections map[string]domain.DomainResult) (map[string][]domain.Row, error) {
	joined := make(map[string][]domain.Row)
	for _, relationship := range j.relationships {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from, fromOK := sections[relationship.From.Domain]
		to, toOK := sections[relationship.To.Domain]
		if !fromOK || !toOK {
			continue
		}

		index := make(map[string][]domain.Row, len(to.Rows))
		for _, row := range to.Rows {
			if key, ok := joinKey(row, relationship.To.Key); ok {
				index[key] = append(index[key], row)
			}
		}

		rows := make([]domain.Row, 0)
		for _, left := range from.Rows {
			key, ok := joinKey(left, relationship.From.Key)
			if !ok {
				continue
			}
			for _, right := range index[key] {
				rows = append(rows, mergeRows(relationship, left, right))
			}
		}
		joined[relationship.Name] = rows
	}
	return joined, nil
}

func joinKey(row domain.Row, key string) (string, bool) {
	if key == "id" {
		if row.ID != "" {
			return row.ID, true
		}
	}
	value, ok := row.Values[key]
	if !ok || value == nil {
		return "", false
	}
	return fmt.Sprint(value), true
}

func mergeRows(relationship Relationship, left, right domain.Row) domain.Row {
	values := make(map[string]any, len(left.Values)+len(right.Values)+2)
	values[relationship.From.Domain+".id"] = left.ID
	values[relationship.To.Domain+".id"] = right.ID
	for field, value := range left.Values {
		values[relationship.From.Domain+"."+field] = value
	}
	for field, value := range right.Values {
		values[relationship.To.Domain+"."+field] = value
	}
	return domain.Row{ID: left.ID + ":" + right.ID, Values: values}
}
