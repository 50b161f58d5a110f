package resolver

import (
	"strings"
	"sync/atomic"

	"rescuebot/internal/config"
	"rescuebot/internal/model"
)

const wildcardTarget = "*"

type RuleSet struct {
	Descriptions   []DescriptionRule
	Patterns       map[string]map[string]string
	DefaultCommand string
}

type DescriptionRule struct {
	Signature string
	Function  string
	Args      []string
}

func buildRuleSet(cfg config.RulesConfig) *RuleSet {
	rs := &RuleSet{DefaultCommand: strings.TrimSpace(cfg.DefaultCommand)}
	if rs.DefaultCommand == "" {
		rs.DefaultCommand = config.DefaultRules().DefaultCommand
	}
	for _, d := range cfg.Descriptions {
		sig := strings.ToLower(strings.TrimSpace(d.Contains))
		fn := strings.TrimSpace(d.Function)
		if sig == "" || fn == "" {
			continue
		}
		rs.Descriptions = append(rs.Descriptions, DescriptionRule{
			Signature: sig,
			Function:  fn,
			Args:      append([]string(nil), d.Args...),
		})
	}
	rs.Patterns = buildPatternTable(cfg.Patterns)
	return rs
}

func buildPatternTable(in map[string]map[string]string) map[string]map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]map[string]string, len(in))
	for key, metrics := range in {
		if len(metrics) == 0 {
			continue
		}
		inner := make(map[string]string, len(metrics))
		for metric, cmd := range metrics {
			inner[metric] = cmd
		}
		out[key] = inner
	}
	return out
}

// Resolver turns alarm text and metric metadata into a remediation action.
// Description signatures win over the pattern table.
type Resolver struct {
	rules atomic.Value
}

func New(cfg config.RulesConfig) *Resolver {
	r := &Resolver{}
	r.UpdateRules(cfg)
	return r
}

func (r *Resolver) UpdateRules(cfg config.RulesConfig) {
	r.rules.Store(buildRuleSet(cfg))
}

func (r *Resolver) ruleSet() *RuleSet {
	if v := r.rules.Load(); v != nil {
		return v.(*RuleSet)
	}
	return buildRuleSet(config.DefaultRules())
}

// Resolve returns the action for a record. matched is false only when
// neither tier applied and the diagnostic default command was returned.
func (r *Resolver) Resolve(description, host, namespace, pattern string) (model.RemediationAction, bool) {
	rs := r.ruleSet()
	host = strings.TrimSpace(host)

	if action, ok := rs.matchDescription(description, host); ok {
		return action, true
	}
	if cmd, ok := rs.matchPattern(namespace, host, pattern); ok {
		return model.RemediationAction{Command: cmd, Source: model.SourcePattern}, true
	}
	return model.RemediationAction{Command: rs.DefaultCommand, Source: model.SourceDefault}, false
}

func (rs *RuleSet) matchDescription(description, host string) (model.RemediationAction, bool) {
	text := strings.ToLower(description)
	if strings.TrimSpace(text) == "" {
		return model.RemediationAction{}, false
	}
	for _, rule := range rs.Descriptions {
		if !strings.Contains(text, rule.Signature) {
			continue
		}
		action := model.RemediationAction{
			Function: rule.Function,
			Args:     append([]string(nil), rule.Args...),
			Source:   model.SourceDescription,
		}
		if host == "" {
			// Without a host only a template can be offered.
			action.Command = FormatCommand(wildcardTarget, rule.Function, rule.Args)
			return action, true
		}
		action.Command = FormatCommand(host, rule.Function, rule.Args)
		action.Target = host
		action.RequiresMinionResolution = true
		return action, true
	}
	return model.RemediationAction{}, false
}

func (rs *RuleSet) matchPattern(namespace, host, pattern string) (string, bool) {
	if pattern == "" || rs.Patterns == nil {
		return "", false
	}
	for _, key := range []string{strings.TrimSpace(namespace), host} {
		if key == "" {
			continue
		}
		if metrics, ok := rs.Patterns[key]; ok {
			if cmd, ok := metrics[pattern]; ok {
				return cmd, true
			}
		}
	}
	return "", false
}

// FormatCommand renders the salt CLI form of a call, e.g.
// salt "web01" service.restart mysql.
func FormatCommand(target, function string, args []string) string {
	var b strings.Builder
	b.WriteString(`salt "`)
	b.WriteString(target)
	b.WriteString(`" `)
	b.WriteString(function)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}
