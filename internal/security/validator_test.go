package security

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

const permissionsYAML = `
domains:
  payrolls:
    fields:
      status: {}
      amount:
        permissions: [payroll.read]
        classification: high
      salary:
        permissions: [payroll.salary.read, payroll.admin]
        classification: critical
      bank_bsb:
        permissions: [payroll.admin]
        classification: medium
roles:
  payroll_viewer: [payroll.read]
  payroll_admin: [payroll.read, payroll.admin]
users:
  viewer: {roles: [payroll_viewer]}
  admin: {roles: [payroll_admin]}
  auditor: {permissions: [payroll.salary.read]}
`

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(permissionsYAML), 0o600))

	source, err := LoadStaticSource(path)
	require.NoError(t, err)
	return NewValidator(source)
}

func TestValidateFieldAccessFailsClosedForUnregisteredDomain(t *testing.T) {
	validator := newTestValidator(t)

	result := validator.ValidateFieldAccess(context.Background(), "admin", "unregistered_domain", []string{"x"})

	assert.Empty(t, result.Allowed)
	assert.Equal(t, []string{"x"}, result.Denied)
	assert.Contains(t, result.Reason, "unregistered_domain")
}

func TestValidateFieldAccessPartialDenial(t *testing.T) {
	validator := newTestValidator(t)

	result := validator.ValidateFieldAccess(context.Background(), "viewer", "payrolls", []string{"status", "amount", "salary"})

	assert.Equal(t, []string{"status", "amount"}, result.Allowed)
	assert.Equal(t, []string{"salary"}, result.Denied)
	assert.Contains(t, result.Reason, "payrolls.salary")
}

func TestValidateFieldAccessAnyRequiredPermissionSuffices(t *testing.T) {
	validator := newTestValidator(t)

	result := validator.ValidateFieldAccess(context.Background(), "auditor", "payrolls", []string{"salary", "bank_bsb"})

	assert.Equal(t, []string{"salary"}, result.Allowed)
	assert.Equal(t, []string{"bank_bsb"}, result.Denied)
}

func TestValidateFieldAccessUnknownFieldIsPublic(t *testing.T) {
	validator := newTestValidator(t)

	result := validator.ValidateFieldAccess(context.Background(), "viewer", "payrolls", []string{"period"})

	assert.Equal(t, []string{"period"}, result.Allowed)
	assert.Empty(t, result.Denied)
	assert.Empty(t, result.Reason)
}

func TestValidateFieldAccessUnknownUserDeniesEverything(t *testing.T) {
	validator := newTestValidator(t)

	result := validator.ValidateFieldAccess(context.Background(), "ghost", "payrolls", []string{"status"})

	assert.Equal(t, []string{"status"}, result.Denied)
	assert.NotEmpty(t, result.Reason)
}

func TestDeniedFieldsQualifiesAcrossDomains(t *testing.T) {
	validator := newTestValidator(t)
	config := domain.ReportConfig{
		Domains: []string{"payrolls", "clients"},
		Fields: map[string][]string{
			"payrolls": {"salary", "status"},
			"clients":  {"name"},
		},
	}

	denied := validator.DeniedFields(context.Background(), "viewer", config)

	assert.Equal(t, []string{"clients.name", "payrolls.salary"}, denied)
}

func TestClassifyData(t *testing.T) {
	validator := newTestValidator(t)

	classification := validator.ClassifyData("payrolls", []string{"salary", "amount", "bank_bsb", "status", "unknown"})

	assert.Equal(t, []string{"salary"}, classification.Critical)
	assert.Equal(t, []string{"amount"}, classification.High)
	assert.Equal(t, []string{"bank_bsb"}, classification.Medium)
	assert.Equal(t, []string{"status", "unknown"}, classification.Low)

	unregistered := validator.ClassifyData("nowhere", []string{"a"})
	assert.Equal(t, []string{"a"}, unregistered.Low)
}

func TestValidateFieldAccessConcurrentCalls(t *testing.T) {
	validator := newTestValidator(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := validator.ValidateFieldAccess(context.Background(), "admin", "payrolls", []string{"salary", "bank_bsb"})
			assert.Len(t, result.Allowed, 2)
		}()
	}
	wg.Wait()
}
