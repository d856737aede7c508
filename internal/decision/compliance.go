package decision

import (
	"encoding/json"
	"strconv"
	"strings"
)

// complianceRule names the data flag that fails a requirement and the approval it then needs.
type complianceRule struct {
	flag     string
	approval string
}

var complianceRules = map[string]complianceRule{
	"gdpr": {flag: "personalData", approval: "dpo-approval"},
	"pci":  {flag: "cardData", approval: "security-approval"},
	"sox":  {flag: "financialReporting", approval: "audit-approval"},
}

// requirements merges the declared requirements with any listed in the action data.
func requirements(dc DecisionContext) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(r string) {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	for _, r := range dc.ComplianceRequirements {
		add(r)
	}
	switch v := dc.Action.Data["complianceRequirements"].(type) {
	case []string:
		for _, r := range v {
			add(r)
		}
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				add(s)
			}
		}
	case string:
		for _, r := range strings.Split(v, ",") {
			add(r)
		}
	}
	return out
}

type complianceCheck struct {
	compliant bool
	approvals []string
	findings  []string
}

func checkCompliance(dc DecisionContext) complianceCheck {
	check := complianceCheck{compliant: true}
	for _, req := range requirements(dc) {
		rule, ok := complianceRules[req]
		if !ok {
			continue
		}
		if truthy(dc.Action.Data[rule.flag]) || truthy(dc.HistoricalData[rule.flag]) {
			check.compliant = false
			check.approvals = append(check.approvals, rule.approval)
			check.findings = append(check.findings, req+": "+rule.flag+" present")
		}
	}
	return check
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	default:
		n, ok := number(v)
		return ok && n != 0
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
