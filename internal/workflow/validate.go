package workflow

import (
	"fmt"
	"sort"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// Validate checks a definition and compiles its regex conditions. Step ids
// left empty are filled from their map keys.
func Validate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("nil workflow definition")
	}
	errs := &ValidationErrors{}
	if def.ID == "" {
		errs.Add("id", "is required")
	}
	if len(def.Capabilities) == 0 {
		errs.Add("capabilities", "at least one capability is required")
	}
	for i, c := range def.Capabilities {
		if strings.TrimSpace(c) == "" {
			errs.Add(fmt.Sprintf("capabilities[%d]", i), "must not be empty")
		}
	}
	if len(def.Steps) == 0 {
		errs.Add("steps", "at least one step is required")
	}
	if def.EntryPoint == "" {
		errs.Add("entry_point", "is required")
	} else if _, ok := def.Steps[def.EntryPoint]; !ok && len(def.Steps) > 0 {
		errs.Add("entry_point", fmt.Sprintf("references unknown step %q", def.EntryPoint))
	}

	for _, key := range sortedStepKeys(def) {
		step := def.Steps[key]
		path := "steps." + key
		if step == nil {
			errs.Add(path, "is empty")
			continue
		}
		if step.ID == "" {
			step.ID = key
		} else if step.ID != key {
			errs.Add(path+".id", fmt.Sprintf("%q does not match its key", step.ID))
		}
		if !validStepTypes[step.Type] {
			errs.Add(path+".type", fmt.Sprintf("unsupported step type %q", step.Type))
		}
		if step.Type == StepParallel {
			if _, err := parseBranches(step.Config); err != nil {
				errs.Add(path+".config.branches", err.Error())
			}
		}
		if step.Type == StepConditional {
			if f, _ := step.Config["field"].(string); f == "" {
				errs.Add(path+".config.field", "is required for conditional steps")
			}
			if op, _ := step.Config["operator"].(string); op != "" && !validOperators[Operator(op)] {
				errs.Add(path+".config.operator", fmt.Sprintf("unsupported operator %q", op))
			}
		}
		for i, next := range step.NextSteps {
			if _, ok := def.Steps[next]; !ok {
				errs.Add(fmt.Sprintf("%s.next_steps[%d]", path, i), fmt.Sprintf("references unknown step %q", next))
			}
		}
		for i := range step.Conditions {
			validateCondition(def, &step.Conditions[i], fmt.Sprintf("%s.conditions[%d]", path, i), errs)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateCondition(def *Definition, c *Condition, path string, errs *ValidationErrors) {
	if c.Field == "" {
		errs.Add(path+".field", "is required")
	}
	if !validOperators[c.Operator] {
		errs.Add(path+".operator", fmt.Sprintf("unsupported operator %q", c.Operator))
	}
	if c.Operator == OpRegex {
		re, err := compileRegex(c.Value)
		if err != nil {
			errs.Add(path+".value", err.Error())
		} else {
			c.compiled = re
		}
	}
	if c.NextStep == "" {
		errs.Add(path+".next_step", "is required")
	} else if _, ok := def.Steps[c.NextStep]; !ok {
		errs.Add(path+".next_step", fmt.Sprintf("references unknown step %q", c.NextStep))
	}
}

// Unreachable lists steps that no path from the entry point reaches.
func Unreachable(def *Definition) []string {
	seen := map[string]bool{}
	queue := []string{def.EntryPoint}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, ok := def.Steps[id]
		if !ok || seen[id] || step == nil {
			continue
		}
		seen[id] = true
		queue = append(queue, step.NextSteps...)
		for _, c := range step.Conditions {
			queue = append(queue, c.NextStep)
		}
	}
	var out []string
	for _, key := range sortedStepKeys(def) {
		if !seen[key] {
			out = append(out, key)
		}
	}
	return out
}

func sortedStepKeys(def *Definition) []string {
	keys := make([]string, 0, len(def.Steps))
	for k := range def.Steps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
