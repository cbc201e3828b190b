package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultRuleTable())
	require.NoError(t, err)
	return engine
}

func TestEvaluateIsPure(t *testing.T) {
	engine := mustEngine(t)
	a := engine.Evaluate("bash", "kubectl scale deployment web --replicas=3")
	b := engine.Evaluate("bash", "kubectl scale deployment web --replicas=3")
	require.Equal(t, a, b)
}

func TestEvaluateBenignReadIsApproved(t *testing.T) {
	engine := mustEngine(t)
	result := engine.Evaluate("file_read", "src/main.py")
	require.Equal(t, Approved, result.Decision)
	require.Zero(t, result.RiskScore)
	require.Empty(t, result.Violations)
}

func TestEvaluateHardDenialListsAllViolations(t *testing.T) {
	engine := mustEngine(t)
	result := engine.Evaluate("bash", "sudo rm -rf /")
	require.Equal(t, Denied, result.Decision)
	rules := ruleNames(result.Violations)
	require.Contains(t, rules, "NO_SUDO")
}

func TestEvaluateEscalatesAboveThreshold(t *testing.T) {
	engine := mustEngine(t)
	result := engine.Evaluate("bash", "kubectl scale deployment web --replicas=3")
	require.Equal(t, Escalated, result.Decision)
	require.GreaterOrEqual(t, result.RiskScore, 0.8)
}

func TestRiskScoreClampsToOne(t *testing.T) {
	engine := mustEngine(t)
	// infra_verb (0.8) + outbound_network (0.3) + destructive (0.5) == 1.6, clamp to 1.0
	result := engine.Evaluate("bash", "kubectl curl rm -rf /data")
	require.Equal(t, 1.0, result.RiskScore)
	require.Equal(t, Escalated, result.Decision)
}

func TestChmod777HardViolationMatchesAnyWhitespace(t *testing.T) {
	engine := mustEngine(t)
	result := engine.Evaluate("bash", "chmod   777 ./app")
	require.Equal(t, Denied, result.Decision)
	require.Contains(t, ruleNames(result.Violations), "NO_CHMOD_777")
}

func TestProtectedPathHardViolation(t *testing.T) {
	engine := mustEngine(t)
	result := engine.Evaluate("file_write", "echo x > governance/rules.toml")
	require.Equal(t, Denied, result.Decision)
	require.Contains(t, ruleNames(result.Violations), "PROTECTED_PATH")
}

func TestFileWriteSharedConfigRiskSignal(t *testing.T) {
	engine := mustEngine(t)
	result := engine.Evaluate("file_write", "config/service.yaml")
	require.Equal(t, Approved, result.Decision)
	require.InDelta(t, 0.2, result.RiskScore, 0.0001)
}

func ruleNames(violations []Violation) []string {
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = v.Rule
	}
	return names
}
