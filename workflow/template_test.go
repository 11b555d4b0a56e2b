package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderTemplateYAML = `
namespace:
  name: payments
  description: Order processing workflows
dependent_systems:
  - name: inventory
  - name: billing
named_tasks:
  - name: process_order
    version: 1.0.0
    description: Validate, charge, and ship an order
    steps:
      - name: validate_order
        dependent_system: inventory
        handler:
          namespace: payments
          name: validate_order
          version: v1
      - name: charge_card
        dependent_system: billing
        handler:
          namespace: payments
          name: charge_card
        depends_on:
          - validate_order
        retry_limit: 5
      - name: ship_order
        handler:
          namespace: payments
          name: ship_order
        depends_on:
          - charge_card
        retryable: false
        skippable: true
`

func TestParseTemplateDocument(t *testing.T) {
	doc, err := ParseTemplateDocument([]byte(orderTemplateYAML))
	require.NoError(t, err)

	assert.Equal(t, "payments", doc.Namespace.Name)
	require.Len(t, doc.NamedTasks, 1)

	tasks := doc.Tasks()
	require.Len(t, tasks, 1)
	task := tasks[0]

	assert.Equal(t, "payments.process_order.1.0.0", task.Key())
	require.Len(t, task.Steps, 3)

	validate := task.StepTemplate("validate_order")
	require.NotNil(t, validate)
	assert.Equal(t, "inventory", validate.DependentSystem)
	assert.Equal(t, DefaultRetryLimit, validate.RetryLimit)
	assert.True(t, validate.Retryable)
	assert.False(t, validate.Skippable)
	assert.Equal(t, "payments/validate_order@v1", validate.Handler.String())

	charge := task.StepTemplate("charge_card")
	require.NotNil(t, charge)
	assert.Equal(t, 5, charge.RetryLimit)
	assert.Equal(t, []string{"validate_order"}, charge.DependsOn)
	assert.Equal(t, "payments/charge_card", charge.Handler.String())

	ship := task.StepTemplate("ship_order")
	require.NotNil(t, ship)
	assert.False(t, ship.Retryable)
	assert.True(t, ship.Skippable)
	assert.Equal(t, "payments", ship.DependentSystem, "dependent system defaults to the namespace")
}

func TestParseTemplateDocument_DefaultVersion(t *testing.T) {
	doc, err := ParseTemplateDocument([]byte(`
namespace:
  name: payments
named_tasks:
  - name: process_order
    steps:
      - name: validate_order
        handler:
          namespace: payments
          name: validate_order
`))
	require.NoError(t, err)

	tasks := doc.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, DefaultTaskVersion, tasks[0].Version)
}

func TestParseTemplateDocument_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing namespace",
			yaml: `
named_tasks:
  - name: process_order
    steps:
      - name: a
        handler: {namespace: n, name: h}
`,
		},
		{
			name: "no steps",
			yaml: `
namespace: {name: payments}
named_tasks:
  - name: process_order
`,
		},
		{
			name: "duplicate step names",
			yaml: `
namespace: {name: payments}
named_tasks:
  - name: process_order
    steps:
      - name: a
        handler: {namespace: n, name: h}
      - name: a
        handler: {namespace: n, name: h}
`,
		},
		{
			name: "missing handler",
			yaml: `
namespace: {name: payments}
named_tasks:
  - name: process_order
    steps:
      - name: a
`,
		},
		{
			name: "unknown dependency",
			yaml: `
namespace: {name: payments}
named_tasks:
  - name: process_order
    steps:
      - name: a
        handler: {namespace: n, name: h}
        depends_on: [nope]
`,
		},
		{
			name: "not yaml",
			yaml: `{{nope`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTemplateDocument([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseTemplateDocument_Cycle(t *testing.T) {
	_, err := ParseTemplateDocument([]byte(`
namespace: {name: payments}
named_tasks:
  - name: process_order
    steps:
      - name: a
        handler: {namespace: n, name: h}
        depends_on: [c]
      - name: b
        handler: {namespace: n, name: h}
        depends_on: [a]
      - name: c
        handler: {namespace: n, name: h}
        depends_on: [b]
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected), "expected cycle error, got %v", err)
}

func TestTemplateDocument_Systems(t *testing.T) {
	doc, err := ParseTemplateDocument([]byte(orderTemplateYAML))
	require.NoError(t, err)

	systems := doc.Systems()
	names := make([]string, 0, len(systems))
	for _, s := range systems {
		names = append(names, s.Name)
	}
	// Declared systems first, then the namespace fallback referenced by
	// ship_order.
	assert.Equal(t, []string{"inventory", "billing", "payments"}, names)
}

func TestLoadTemplateDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(orderTemplateYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "refunds.yml"), []byte(`
namespace: {name: refunds}
named_tasks:
  - name: refund_order
    steps:
      - name: issue_refund
        handler: {namespace: refunds, name: issue_refund}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	docs, err := LoadTemplateDirectories([]string{dir})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	namespaces := []string{docs[0].Namespace.Name, docs[1].Namespace.Name}
	assert.ElementsMatch(t, []string{"payments", "refunds"}, namespaces)
}

func TestLoadTemplateDirectories_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("namespace: {name: ''}"), 0o644))

	_, err := LoadTemplateDirectories([]string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestNamespaceValidate(t *testing.T) {
	long := make([]byte, MaxNamespaceNameLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name    string
		ns      Namespace
		wantErr bool
	}{
		{"valid", Namespace{Name: "payments"}, false},
		{"empty", Namespace{}, true},
		{"too long", Namespace{Name: string(long)}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ns.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
