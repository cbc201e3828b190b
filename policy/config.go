package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// RuleTable is the TOML-loadable "policy as data" document (spec §9):
// a declarative rule set whose version is stamped into every event so
// historical evaluations remain reproducible.
type RuleTable struct {
	Version        string               `toml:"version"`
	HardViolations []hardViolationEntry `toml:"hard_violations"`
	RiskSignals    []riskSignalEntry    `toml:"risk_signals"`
}

type hardViolationEntry struct {
	Rule        string   `toml:"rule"`
	Description string   `toml:"description"`
	Kind        string   `toml:"kind"`
	Token       string   `toml:"token"`
	Prefixes    []string `toml:"prefixes"`
}

type riskSignalEntry struct {
	Name     string   `toml:"name"`
	Weight   float64  `toml:"weight"`
	Kind     string   `toml:"kind"`
	Tokens   []string `toml:"tokens"`
	Prefixes []string `toml:"prefixes"`
}

// LoadRuleTable reads a policy rule table from a TOML file, mirroring
// the teacher's BurntSushi/toml node config loader.
func LoadRuleTable(path string) (RuleTable, error) {
	var table RuleTable
	if _, err := toml.DecodeFile(path, &table); err != nil {
		return RuleTable{}, fmt.Errorf("load policy rule table: %w", err)
	}
	if strings.TrimSpace(table.Version) == "" {
		return RuleTable{}, fmt.Errorf("policy rule table missing version")
	}
	return table, nil
}

// DefaultRuleTable is policy v1.0.0 (spec §4.2): the fixed hard
// violations and risk signals named explicitly in the specification.
func DefaultRuleTable() RuleTable {
	return RuleTable{
		Version: "v1.0.0",
		HardViolations: []hardViolationEntry{
			{Rule: "NO_SUDO", Description: "command contains sudo as a whole token", Kind: "token", Token: "sudo"},
			{Rule: "NO_CHMOD_777", Description: "command attempts chmod 777", Kind: "chmod777"},
			{Rule: "PROTECTED_PATH", Description: "command modifies a path under a protected directory", Kind: "protected_path", Prefixes: []string{"governance/", "policy/", "identities.json"}},
		},
		RiskSignals: []riskSignalEntry{
			{Name: "infra_verb", Weight: 0.8, Kind: "token_any", Tokens: []string{"kubectl", "terraform", "helm"}},
			{Name: "outbound_network", Weight: 0.3, Kind: "token_any", Tokens: []string{"curl", "wget", "http"}},
			{Name: "file_write_shared_config", Weight: 0.2, Kind: "file_write_shared_config", Prefixes: []string{"config/", "shared/"}},
			{Name: "destructive_verb", Weight: 0.5, Kind: "destructive"},
		},
	}
}

// compiledTable is RuleTable with its entries compiled into matcher
// funcs, so Evaluate never re-parses a rule per call.
type compiledTable struct {
	version        string
	hardViolations []compiledHardViolation
	riskSignals    []compiledRiskSignal
}

type compiledHardViolation struct {
	rule        string
	description string
	match       func(actionType, content string) bool
}

type compiledRiskSignal struct {
	weight float64
	match  func(actionType, content string) bool
}

var chmod777Pattern = regexp.MustCompile(`chmod\s+777`)
var destructiveRMPattern = regexp.MustCompile(`rm\s+-rf`)

func compile(table RuleTable) (compiledTable, error) {
	out := compiledTable{version: table.Version}
	for _, hv := range table.HardViolations {
		hv := hv
		var match func(actionType, content string) bool
		switch hv.Kind {
		case "token":
			match = func(_, content string) bool { return hasWholeToken(content, hv.Token) }
		case "chmod777":
			match = func(_, content string) bool { return chmod777Pattern.MatchString(content) }
		case "protected_path":
			match = func(_, content string) bool { return hasPrefixToken(content, hv.Prefixes) }
		default:
			return compiledTable{}, fmt.Errorf("unknown hard violation kind %q", hv.Kind)
		}
		out.hardViolations = append(out.hardViolations, compiledHardViolation{
			rule: hv.Rule, description: hv.Description, match: match,
		})
	}
	for _, rs := range table.RiskSignals {
		rs := rs
		var match func(actionType, content string) bool
		switch rs.Kind {
		case "token_any":
			match = func(_, content string) bool { return hasAnyWholeToken(content, rs.Tokens) }
		case "file_write_shared_config":
			match = func(actionType, content string) bool {
				return actionType == "file_write" && hasPrefixToken(content, rs.Prefixes)
			}
		case "destructive":
			match = func(_, content string) bool {
				return destructiveRMPattern.MatchString(content) || strings.Contains(content, "DROP")
			}
		default:
			return compiledTable{}, fmt.Errorf("unknown risk signal kind %q", rs.Kind)
		}
		out.riskSignals = append(out.riskSignals, compiledRiskSignal{weight: rs.Weight, match: match})
	}
	return out, nil
}

func hasWholeToken(content, token string) bool {
	for _, word := range strings.Fields(content) {
		if word == token {
			return true
		}
	}
	return false
}

func hasAnyWholeToken(content string, tokens []string) bool {
	for _, token := range tokens {
		if hasWholeToken(content, token) {
			return true
		}
	}
	return false
}

// hasPrefixToken matches prefixes as a token-prefix test on path-like
// words in content, per spec §4.2's "matched as token prefix on file
// paths".
func hasPrefixToken(content string, prefixes []string) bool {
	for _, word := range strings.Fields(content) {
		for _, prefix := range prefixes {
			if strings.HasPrefix(word, prefix) {
				return true
			}
		}
	}
	return false
}
