package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     *Definition
		wantErr []string
	}{
		{
			name: "valid",
			def:  twoStepDefinition("wf", "approve"),
		},
		{
			name: "missing id and capabilities",
			def: &Definition{
				EntryPoint: "a",
				Steps:      map[string]*Step{"a": {Type: StepAction}},
			},
			wantErr: []string{"id: is required", "capabilities: at least one capability is required"},
		},
		{
			name:    "no steps",
			def:     &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a"},
			wantErr: []string{"steps: at least one step is required"},
		},
		{
			name: "unknown step type",
			def: &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
				Steps: map[string]*Step{"a": {Type: "script"}}},
			wantErr: []string{`steps.a.type: unsupported step type "script"`},
		},
		{
			name: "dangling next step",
			def: &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
				Steps: map[string]*Step{"a": {Type: StepAction, NextSteps: []string{"z"}}}},
			wantErr: []string{`steps.a.next_steps[0]: references unknown step "z"`},
		},
		{
			name: "bad condition",
			def: &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
				Steps: map[string]*Step{"a": {Type: StepAction, Conditions: []Condition{
					{Field: "f", Operator: "approx", NextStep: "a"},
					{Field: "f", Operator: OpRegex, Value: "([", NextStep: "a"},
				}}}},
			wantErr: []string{
				`steps.a.conditions[0].operator: unsupported operator "approx"`,
				"steps.a.conditions[1].value: invalid regex",
			},
		},
		{
			name: "parallel without branches",
			def: &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
				Steps: map[string]*Step{"a": {Type: StepParallel}}},
			wantErr: []string{"steps.a.config.branches"},
		},
		{
			name: "conditional without field",
			def: &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
				Steps: map[string]*Step{"a": {Type: StepConditional}}},
			wantErr: []string{"steps.a.config.field: is required"},
		},
		{
			name: "step id mismatch",
			def: &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
				Steps: map[string]*Step{"a": {ID: "b", Type: StepAction}}},
			wantErr: []string{`steps.a.id: "b" does not match its key`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestValidate_FillsStepIDsAndCompilesRegex(t *testing.T) {
	def := &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
		Steps: map[string]*Step{
			"a": {Type: StepAction, Conditions: []Condition{{Field: "code", Operator: OpRegex, Value: "^E[0-9]+$", NextStep: "b"}}},
			"b": {Type: StepAction},
		}}

	require.NoError(t, Validate(def))
	assert.Equal(t, "a", def.Steps["a"].ID)
	assert.Equal(t, "b", def.Steps["b"].ID)
	assert.NotNil(t, def.Steps["a"].Conditions[0].compiled)
}

func TestValidate_NilDefinition(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestUnreachable(t *testing.T) {
	def := &Definition{ID: "wf", Capabilities: []string{"x"}, EntryPoint: "a",
		Steps: map[string]*Step{
			"a":      {Type: StepAction, Conditions: []Condition{{Field: "f", Operator: OpEquals, Value: 1, NextStep: "c"}}, NextSteps: []string{"b"}},
			"b":      {Type: StepAction, NextSteps: []string{"a"}},
			"c":      {Type: StepAction},
			"orphan": {Type: StepAction, NextSteps: []string{"island"}},
			"island": {Type: StepAction},
		}}

	assert.Equal(t, []string{"island", "orphan"}, Unreachable(def))
	assert.Empty(t, Unreachable(twoStepDefinition("wf", "x")))
}
