package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
)

const validPlan = `schema_version: 1
file_type: plan
name: release
defaults:
  timeout: 30s
  retry_budget: 2
phases:
  - id: build
    items:
      - id: compile
        kind: shell
        input:
          command: make build
        parallelism: exclusive
        timeout: 5m
      - id: lint
        kind: shell
        input:
          command: make lint
        retry_budget: 0
  - id: test
    name: Test
    prerequisites: [build]
    gate:
      type: at_least
      min_succeeded: 1
    items:
      - id: unit
        kind: shell
        critical: true
      - id: e2e
        kind: shell
        depends_on: [unit]
        must_complete: true
`

func TestParse_Valid(t *testing.T) {
	p, err := Parse([]byte(validPlan))
	require.NoError(t, err)

	assert.Equal(t, "release", p.Name)
	assert.Equal(t, []string{"build", "test"}, p.PhaseIDs())

	build, ok := p.Phase("build")
	require.True(t, ok)
	assert.Equal(t, "build", build.Name)
	assert.Equal(t, model.GateAllSucceeded, build.Gate.Type)
	assert.Equal(t, model.PhaseStatusPending, build.Status)

	compile := build.Items[0]
	assert.Equal(t, "build", compile.PhaseID)
	assert.Equal(t, model.ParallelismExclusive, compile.Parallelism)
	assert.Equal(t, 5*time.Minute, compile.Timeout)
	assert.Equal(t, 2, compile.RetryBudget)
	assert.Equal(t, "make build", compile.Input["command"])
	assert.Equal(t, model.WorkItemQueued, compile.Status)

	lint := build.Items[1]
	assert.Equal(t, model.ParallelismParallel, lint.Parallelism)
	assert.Equal(t, 30*time.Second, lint.Timeout)
	assert.Equal(t, 0, lint.RetryBudget)

	test, _ := p.Phase("test")
	assert.Equal(t, model.GateAtLeast, test.Gate.Type)
	assert.True(t, test.Items[0].Critical)
	assert.True(t, test.Items[1].MustComplete)
}

func TestPhase_ReturnsCopy(t *testing.T) {
	p, err := Parse([]byte(validPlan))
	require.NoError(t, err)

	ph, _ := p.Phase("build")
	ph.Items[0].Input["command"] = "rm -rf /"
	again, _ := p.Phase("build")
	assert.Equal(t, "make build", again.Items[0].Input["command"])
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validPlan), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Phases, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_MissingHeader(t *testing.T) {
	_, err := Parse([]byte("name: x\nphases: []\n"))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{
			name:      "no phases",
			body:      "name: x\nphases: []\n",
			wantField: "phases",
		},
		{
			name: "unknown prerequisite",
			body: `name: x
phases:
  - id: a
    prerequisites: [zzz]
    items: [{id: i1, kind: noop}]
`,
			wantField: "phases[0].prerequisites[0]",
		},
		{
			name: "bad gate",
			body: `name: x
phases:
  - id: a
    gate: {type: at_least, min_succeeded: 5}
    items: [{id: i1, kind: noop}]
`,
			wantField: "phases[0].gate.min_succeeded",
		},
		{
			name: "missing kind",
			body: `name: x
phases:
  - id: a
    items: [{id: i1}]
`,
			wantField: "phases[0].items[0].kind",
		},
		{
			name: "duplicate item across phases",
			body: `name: x
phases:
  - id: a
    items: [{id: i1, kind: noop}]
  - id: b
    items: [{id: i1, kind: noop}]
`,
			wantField: "phases[1].items[0].id",
		},
		{
			name: "cross-phase dependency",
			body: `name: x
phases:
  - id: a
    items: [{id: i1, kind: noop}]
  - id: b
    items: [{id: i2, kind: noop, depends_on: [i1]}]
`,
			wantField: "phases[1].items[0].depends_on[0]",
		},
		{
			name: "item cycle",
			body: `name: x
phases:
  - id: a
    items:
      - {id: A, kind: noop, depends_on: [B]}
      - {id: B, kind: noop, depends_on: [A]}
`,
			wantField: "phases[0].items",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte("schema_version: 1\nfile_type: plan\n" + tt.body))
			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %v", err)
			found := false
			for _, e := range verrs.Errors {
				if e.FieldPath == tt.wantField {
					found = true
				}
			}
			assert.True(t, found, "missing %s in:\n%s", tt.wantField, verrs.FormatStderr())
		})
	}
}

func TestValidate_PhaseCycleReportsPath(t *testing.T) {
	body := `schema_version: 1
file_type: plan
name: x
phases:
  - id: a
    prerequisites: [b]
    items: [{id: i1, kind: noop}]
  - id: b
    prerequisites: [a]
    items: [{id: i2, kind: noop}]
`
	_, err := Parse([]byte(body))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circular dependency detected"), err.Error())
	assert.True(t, strings.Contains(err.Error(), "a -> b -> a") || strings.Contains(err.Error(), "b -> a -> b"), err.Error())
}

func TestValidationErrors_UnwrapToConfigurationError(t *testing.T) {
	body := `schema_version: 1
file_type: plan
name: x
phases:
  - id: a
    prerequisites: [b]
    items: [{id: i1, kind: noop}]
  - id: b
    prerequisites: [a]
    items: [{id: i2, kind: noop}]
`
	_, err := Parse([]byte(body))
	require.Error(t, err)

	var verrs *ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs.CyclePath, 3)

	var cfgErr *model.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, verrs.CyclePath, cfgErr.CyclePath)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}
