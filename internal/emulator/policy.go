package emulator

import (
	"fmt"
	"strings"
)

// Finding is a single rule match recorded by the decision policy.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Ruling is the policy's decision for one action verification.
type Ruling struct {
	// Status is "approved", "denied", or "pending".
	Status string `json:"status"`

	// Reason explains denials and pendings.
	Reason string `json:"reason,omitempty"`

	// Score is the aggregate risk score (0–100).
	Score int `json:"score"`

	// Severity is a label derived from Score:
	//   0–14   → "none"
	//   15–34  → "low"
	//   35–64  → "medium"
	//   65–84  → "high"
	//   85–100 → "critical"
	Severity string `json:"severity"`

	// Findings lists every rule that triggered.
	Findings []Finding `json:"findings"`
}

// ruleFunc inspects a verification request and returns zero or more
// Findings if its rule matches. Any finding denies the action.
type ruleFunc func(actionType, resource string, actionCtx map[string]any) []Finding

// Policy decides action verifications with a fixed rule set: suspicious
// actions are denied, explicitly flagged or high-risk actions go to the
// approval queue, everything else is auto-approved.
type Policy struct {
	rules []ruleFunc
}

// NewPolicy returns a Policy loaded with the default rule set.
func NewPolicy() *Policy {
	p := &Policy{}
	p.rules = []ruleFunc{
		ruleActionKeywords,
		ruleResourceKeywords,
		ruleContextPhrases,
	}
	return p
}

// Decide evaluates one verification request.
func (p *Policy) Decide(actionType, resource string, actionCtx map[string]any) *Ruling {
	var findings []Finding
	for _, r := range p.rules {
		findings = append(findings, r(actionType, resource, actionCtx)...)
	}

	total := 0
	for _, f := range findings {
		total += int(f.Confidence * 25)
	}
	if total > 100 {
		total = 100
	}
	if findings == nil {
		findings = []Finding{}
	}

	ruling := &Ruling{
		Score:    total,
		Severity: riskLabel(total),
		Findings: findings,
	}

	if len(findings) > 0 {
		ruling.Status = "denied"
		ruling.Reason = findings[0].Description
		return ruling
	}

	if requiresApproval(actionCtx) {
		ruling.Status = "pending"
		ruling.Reason = "action requires explicit approval"
		return ruling
	}
	if risk := riskLevel(actionCtx); risk == "high" || risk == "critical" {
		ruling.Status = "pending"
		ruling.Reason = fmt.Sprintf("%s-risk action held for approval", risk)
		return ruling
	}

	ruling.Status = "approved"
	return ruling
}

// riskLabel maps a 0–100 score to a severity string.
func riskLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}

func requiresApproval(actionCtx map[string]any) bool {
	v, ok := actionCtx["requires_approval"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func riskLevel(actionCtx map[string]any) string {
	v, ok := actionCtx["risk_level"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.ToLower(s)
}

// ── Rules ──

// suspiciousActionKeywords are action-type fragments that suggest
// destructive or covert operations.
var suspiciousActionKeywords = []string{
	"delete_all", "drop_database", "drop_table", "exfiltrat", "wipe",
	"disable_security", "bypass", "rm_rf", "mass_delete",
}

func ruleActionKeywords(actionType, _ string, _ map[string]any) []Finding {
	var findings []Finding
	lower := strings.ToLower(actionType)
	for _, kw := range suspiciousActionKeywords {
		if strings.Contains(lower, kw) {
			findings = append(findings, Finding{
				Rule:        "action_keyword",
				Description: "Action type contains suspicious keyword: " + kw,
				Confidence:  0.9,
			})
		}
	}
	return findings
}

// suspiciousResourceKeywords are resource fragments that point at
// credentials or system-critical files.
var suspiciousResourceKeywords = []string{
	"/etc/passwd", "/etc/shadow", ".ssh/", "private_key", "id_rsa",
	"credentials", "secrets",
}

func ruleResourceKeywords(_, resource string, _ map[string]any) []Finding {
	if resource == "" {
		return nil
	}
	var findings []Finding
	lower := strings.ToLower(resource)
	for _, kw := range suspiciousResourceKeywords {
		if strings.Contains(lower, kw) {
			findings = append(findings, Finding{
				Rule:        "resource_keyword",
				Description: "Resource targets sensitive path: " + kw,
				Confidence:  0.8,
			})
		}
	}
	return findings
}

// suspiciousContextPhrases are substrings in context values that suggest
// the action is part of a harmful operation.
var suspiciousContextPhrases = []string{
	"exfiltrat", "escalat", "inject", "exploit", "malware",
	"backdoor", "rootkit", "keylog",
}

func ruleContextPhrases(_, _ string, actionCtx map[string]any) []Finding {
	var findings []Finding
	for key, value := range actionCtx {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, phrase := range suspiciousContextPhrases {
			if strings.Contains(lower, phrase) {
				findings = append(findings, Finding{
					Rule:        "context_phrase",
					Description: fmt.Sprintf("Context field %q contains suspicious phrase: %s", key, phrase),
					Confidence:  0.8,
				})
			}
		}
	}
	return findings
}
