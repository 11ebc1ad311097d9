package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

var ErrUnknownUser = errors.New("unknown user")

// PermissionFile is the on-disk layout of a static permission map.
//
//	domains:
//	  payrolls:
//	    fields:
//	      salary: {permissions: [payroll.salary.read], classification: critical}
//	roles:
//	  payroll_manager: [payroll.read, payroll.salary.read]
//	users:
//	  u-123: {roles: [payroll_manager], permissions: [clients.read]}
type PermissionFile struct {
	Domains map[string]DomainRules `yaml:"domains"`
	Roles   map[string][]string    `yaml:"roles"`
	Users   map[string]UserGrant   `yaml:"users"`
}

type DomainRules struct {
	Fields map[string]FieldRule `yaml:"fields"`
}

type FieldRule struct {
	Permissions    []string           `yaml:"permissions"`
	Classification domain.Sensitivity `yaml:"classification"`
}

type UserGrant struct {
	Roles       []string `yaml:"roles"`
	Permissions []string `yaml:"permissions"`
}

// StaticSource is an immutable PermissionSource built once at startup.
type StaticSource struct {
	fieldPermissions     map[string]map[string][]string
	fieldClassifications map[string]map[string]domain.Sensitivity
	userPermissions      map[string][]string
}

func LoadStaticSource(path string) (*StaticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permission file: %w", err)
	}
	var file PermissionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse permission file: %w", err)
	}
	return NewStaticSource(file), nil
}

func NewStaticSource(file PermissionFile) *StaticSource {
	source := &StaticSource{
		fieldPermissions:     make(map[string]map[string][]string, len(file.Domains)),
		fieldClassifications: make(map[string]map[string]domain.Sensitivity, len(file.Domains)),
		userPermissions:      make(map[string][]string, len(file.Users)),
	}

	for domainName, rules := range file.Domains {
		permissions := make(map[string][]string, len(rules.Fields))
		classifications := make(map[string]domain.Sensitivity, len(rules.Fields))
		for field, rule := range rules.Fields {
			permissions[field] = append([]string(nil), rule.Permissions...)
			if rule.Classification != "" {
				classifications[field] = rule.Classification
			}
		}
		source.fieldPermissions[domainName] = permissions
		source.fieldClassifications[domainName] = classifications
	}

	for userID, grant := range file.Users {
		set := make(map[string]struct{})
		for _, permission := range grant.Permissions {
			set[permission] = struct{}{}
		}
		for _, role := range grant.Roles {
			for _, permission := range file.Roles[role] {
				set[permission] = struct{}{}
			}
		}
		permissions := make([]string, 0, len(set))
		for permission := range set {
			permissions = append(permissions, permission)
		}
		sort.Strings(permissions)
		source.userPermissions[userID] = permissions
	}

	return source
}

func (s *StaticSource) FieldPermissions(domainName string) (map[string][]string, bool) {
	fields, ok := s.fieldPermissions[domainName]
	return fields, ok
}

func (s *StaticSource) FieldClassifications(domainName string) (map[string]domain.Sensitivity, bool) {
	fields, ok := s.fieldClassifications[domainName]
	return fields, ok
}

func (s *StaticSource) UserPermissions(_ context.Context, userID string) ([]string, error) {
	permissions, ok := s.userPermissions[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return append([]string(nil), permissions...), nil
}
