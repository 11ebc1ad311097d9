// Package fingerprint produces the canonical form of a report config and the
// hashes derived from it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// NormalizedConfig is order independent: two configs that only differ in the
// ordering of domains, field lists, filters or sorts normalize identically.
type NormalizedConfig struct {
	Domains              []string            `json:"domains"`
	Fields               map[string][]string `json:"fields"`
	Filters              []string            `json:"filters"`
	Sorts                []string            `json:"sorts"`
	Limit                int                 `json:"limit"`
	IncludeRelationships bool                `json:"include_relationships"`
}

func Normalize(config domain.ReportConfig) NormalizedConfig {
	normalized := NormalizedConfig{
		Domains:              sortedUnique(config.Domains),
		Fields:               make(map[string][]string, len(config.Fields)),
		Filters:              make([]string, 0, len(config.Filters)),
		Sorts:                make([]string, 0, len(config.Sorts)),
		Limit:                config.EffectiveLimit(),
		IncludeRelationships: config.IncludeRelationships,
	}

	for name, fields := range config.Fields {
		if len(fields) == 0 {
			continue
		}
		normalized.Fields[name] = sortedUnique(fields)
	}
	for _, filter := range config.Filters {
		normalized.Filters = append(normalized.Filters, canonicalFilter(filter))
	}
	sort.Strings(normalized.Filters)

	for _, item := range config.Sorts {
		direction := item.Direction
		if direction == "" {
			direction = domain.SortAsc
		}
		encoded, _ := json.Marshal(domain.Sort{Field: item.Field, Direction: direction})
		normalized.Sorts = append(normalized.Sorts, string(encoded))
	}
	sort.Strings(normalized.Sorts)

	return normalized
}

// Bytes serializes the normalized form. encoding/json sorts map keys, so the
// output is stable across processes.
func (n NormalizedConfig) Bytes() []byte {
	encoded, err := json.Marshal(n)
	if err != nil {
		// Every member is a string, slice or map of strings.
		panic("fingerprint: marshal normalized config: " + err.Error())
	}
	return encoded
}

// Fingerprint is the hex SHA-256 of the normalized config.
func Fingerprint(config domain.ReportConfig) string {
	sum := sha256.Sum256(Normalize(config).Bytes())
	return hex.EncodeToString(sum[:])
}

var jobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:payroll-bytemy:report-job"))

// JobID derives a stable job identifier from the submitting user, the config
// fingerprint and the submission instant. Identical configs submitted at
// different times get distinct ids while sharing a cache entry. sequence
// separates submissions that share all three; zero is the first.
func JobID(userID, configFingerprint string, submittedAt time.Time, sequence int) string {
	name := userID + "\x00" + configFingerprint + "\x00" + submittedAt.UTC().Format(time.RFC3339Nano)
	if sequence > 0 {
		name += "\x00" + strconv.Itoa(sequence)
	}
	return uuid.NewSHA1(jobNamespace, []byte(name)).String()
}

func canonicalFilter(filter domain.Filter) string {
	if filter.Group == nil {
		encoded, _ := json.Marshal(filter)
		return string(encoded)
	}

	children := make([]string, 0, len(filter.Group.Conditions))
	for _, child := range filter.Group.Conditions {
		children = append(children, canonicalFilter(child))
	}
	sort.Strings(children)

	raw := make([]json.RawMessage, 0, len(children))
	for _, child := range children {
		raw = append(raw, json.RawMessage(child))
	}
	encoded, _ := json.Marshal(struct {
		Conjunction domain.Conjunction `json:"conjunction"`
		Conditions  []json.RawMessage  `json:"conditions"`
	}{
		Conjunction: filter.Group.Conjunction,
		Conditions:  raw,
	})
	return string(encoded)
}

func sortedUnique(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	unique := out[:0]
	for index, value := range out {
		if index > 0 && value == out[index-1] {
			continue
		}
		unique = append(unique, value)
	}
	return unique
}
