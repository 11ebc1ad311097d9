// Package datasource provides the domain data fetchers behind report
// generation.
package datasource

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownDomain = errors.New("unknown domain")
	ErrUnknownField  = errors.New("unknown field")
)

// Table describes where a domain lives. Only listed columns may be
// selected, filtered or sorted on.
type Table struct {
	Table   string   `yaml:"table"`
	Key     string   `yaml:"key"`
	Columns []string `yaml:"columns"`
}

func (t Table) hasColumn(name string) bool {
	if name == t.Key {
		return true
	}
	for _, column := range t.Columns {
		if column == name {
			return true
		}
	}
	return false
}

type Schema struct {
	Domains map[string]Table `yaml:"domains"`
}

func (s Schema) Table(domainName string) (Table, error) {
	table, ok := s.Domains[domainName]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domainName)
	}
	if table.Table == "" {
		table.Table = domainName
	}
	if table.Key == "" {
		table.Key = "id"
	}
	return table, nil
}

func LoadSchema(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema file: %w", err)
	}
	var schema Schema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return Schema{}, fmt.Errorf("parse schema file: %w", err)
	}
	if len(schema.Domains) == 0 {
		return Schema{}, errors.New("schema file declares no domains")
	}
	return schema, nil
}
