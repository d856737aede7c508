package workflow

import (
	"testing"
)

func TestConditionMatches(t *testing.T) {
	data := map[string]any{
		"status": "ok",
		"amount": 150.5,
		"count":  3,
		"tags":   []any{"urgent", "billing"},
		"user":   map[string]any{"tier": "gold"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "status", Operator: OpEquals, Value: "ok"}, true},
		{"equals mismatch", Condition{Field: "status", Operator: OpEquals, Value: "bad"}, false},
		{"equals int as string", Condition{Field: "count", Operator: OpEquals, Value: "3"}, true},
		{"contains list", Condition{Field: "tags", Operator: OpContains, Value: "billing"}, true},
		{"contains list miss", Condition{Field: "tags", Operator: OpContains, Value: "bill"}, false},
		{"contains substring", Condition{Field: "status", Operator: OpContains, Value: "o"}, true},
		{"greater", Condition{Field: "amount", Operator: OpGreater, Value: 100}, true},
		{"greater string value", Condition{Field: "count", Operator: OpGreater, Value: "5"}, false},
		{"less", Condition{Field: "count", Operator: OpLess, Value: 5}, true},
		{"regex", Condition{Field: "status", Operator: OpRegex, Value: "^o"}, true},
		{"nested path", Condition{Field: "user.tier", Operator: OpEquals, Value: "gold"}, true},
		{"missing field", Condition{Field: "nope", Operator: OpEquals, Value: "ok"}, false},
		{"missing nested", Condition{Field: "status.inner", Operator: OpEquals, Value: "ok"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Matches(data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionMatches_Errors(t *testing.T) {
	data := map[string]any{"status": "ok", "amount": 1}

	tests := []struct {
		name string
		cond Condition
	}{
		{"non-numeric field", Condition{Field: "status", Operator: OpGreater, Value: 1}},
		{"non-numeric value", Condition{Field: "amount", Operator: OpLess, Value: "many"}},
		{"bad regex", Condition{Field: "status", Operator: OpRegex, Value: "(["}},
		{"non-string regex", Condition{Field: "status", Operator: OpRegex, Value: 5}},
		{"unknown operator", Condition{Field: "status", Operator: "approx", Value: "ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cond.Matches(data); err == nil {
				t.Error("expected error")
			}
		})
	}
}
