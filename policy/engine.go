package policy

import "fmt"

// Engine evaluates intents against a single, fixed-at-construction rule
// table. It is a pure function of (action_type, content): Evaluate
// never performs I/O and two calls with identical inputs always return
// identical results (spec §4.2, testable property 5).
type Engine struct {
	table   compiledTable
	version string
}

// NewEngine compiles table once; construction is the only place
// parsing/compilation happens, keeping Evaluate allocation-light and
// side-effect free.
func NewEngine(table RuleTable) (*Engine, error) {
	compiled, err := compile(table)
	if err != nil {
		return nil, fmt.Errorf("compile policy rule table: %w", err)
	}
	return &Engine{table: compiled, version: table.Version}, nil
}

// Version is the policy_version stamped onto every event evaluated by
// this engine.
func (e *Engine) Version() string {
	return e.version
}

// Evaluate maps (action_type, content) to a decision, risk score, and
// structured violations (spec §4.2). Hard violations always force
// DENIED; otherwise accumulated risk_score at or above 0.8 escalates,
// and anything below is approved.
func (e *Engine) Evaluate(actionType, content string) Result {
	var violations []Violation
	for _, hv := range e.table.hardViolations {
		if hv.match(actionType, content) {
			violations = append(violations, Violation{Rule: hv.rule, Description: hv.description})
		}
	}
	if len(violations) > 0 {
		return Result{Decision: Denied, RiskScore: 0, Violations: violations}
	}

	var risk float64
	for _, rs := range e.table.riskSignals {
		if rs.match(actionType, content) {
			risk += rs.weight
		}
	}
	if risk > 1 {
		risk = 1
	}
	if risk < 0 {
		risk = 0
	}

	decision := Approved
	if risk >= 0.8 {
		decision = Escalated
	}
	return Result{Decision: decision, RiskScore: risk, Violations: []Violation{}}
}
