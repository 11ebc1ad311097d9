// Package security decides which report fields a user may read.
package security

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// PermissionSource supplies field requirements per domain and the
// permissions granted to a user. Implementations must be safe for
// concurrent reads.
type PermissionSource interface {
	// FieldPermissions returns field -> required permissions. ok is false
	// when the domain is not registered at all.
	FieldPermissions(domainName string) (fields map[string][]string, ok bool)
	// FieldClassifications returns field -> sensitivity for a domain.
	FieldClassifications(domainName string) (fields map[string]domain.Sensitivity, ok bool)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

type Validator struct {
	source PermissionSource
}

func NewValidator(source PermissionSource) *Validator {
	return &Validator{source: source}
}

// ValidateFieldAccess partitions fields into allowed and denied. It fails
// closed: an unregistered domain or an unreadable user grant denies every
// requested field.
func (v *Validator) ValidateFieldAccess(
	ctx context.Context,
	userID string,
	domainName string,
	fields []string,
) domain.FieldAccessResult {
	result := domain.FieldAccessResult{
		Allowed: make([]string, 0, len(fields)),
		Denied:  make([]string, 0),
	}

	required, registered := v.source.FieldPermissions(domainName)
	if !registered {
		result.Denied = append(result.Denied, fields...)
		result.Reason = fmt.Sprintf("domain %q has no registered permission map", domainName)
		return result
	}

	granted, err := v.source.UserPermissions(ctx, userID)
	if err != nil {
		result.Denied = append(result.Denied, fields...)
		result.Reason = fmt.Sprintf("permission lookup for user %q failed: %v", userID, err)
		return result
	}
	grantedSet := make(map[string]struct{}, len(granted))
	for _, permission := range granted {
		grantedSet[permission] = struct{}{}
	}

	for _, field := range fields {
		needs := required[field]
		if len(needs) == 0 || intersects(grantedSet, needs) {
			result.Allowed = append(result.Allowed, field)
			continue
		}
		result.Denied = append(result.Denied, field)
	}
	if len(result.Denied) > 0 {
		result.Reason = fmt.Sprintf("user %q lacks permission for %s.%s", userID, domainName, strings.Join(result.Denied, ", "+domainName+"."))
	}
	return result
}

// DeniedFields checks every (domain, fields) pair of a config and returns
// the denied fields qualified as "<domain>.<field>", sorted.
func (v *Validator) DeniedFields(ctx context.Context, userID string, config domain.ReportConfig) []string {
	denied := make([]string, 0)
	for _, domainName := range config.Domains {
		fields := config.Fields[domainName]
		if len(fields) == 0 {
			continue
		}
		access := v.ValidateFieldAccess(ctx, userID, domainName, fields)
		for _, field := range access.Denied {
			denied = append(denied, domainName+"."+field)
		}
	}
	sort.Strings(denied)
	return denied
}

// ClassifyData buckets fields by sensitivity. Fields without a known
// classification land in the low bucket rather than being dropped.
func (v *Validator) ClassifyData(domainName string, fields []string) domain.DataClassification {
	classification := domain.DataClassification{
		Critical: make([]string, 0),
		High:     make([]string, 0),
		Medium:   make([]string, 0),
		Low:      make([]string, 0),
	}
	levels, _ := v.source.FieldClassifications(domainName)

	for _, field := range fields {
		switch levels[field] {
		case domain.SensitivityCritical:
			classification.Critical = append(classification.Critical, field)
		case domain.SensitivityHigh:
			classification.High = append(classification.High, field)
		case domain.SensitivityMedium:
			classification.Medium = append(classification.Medium, field)
		default:
			classification.Low = append(classification.Low, field)
		}
	}
	return classification
}

func intersects(granted map[string]struct{}, required []string) bool {
	for _, permission := range required {
		if _, ok := granted[permission]; ok {
			return true
		}
	}
	return false
}
