package events

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Component targets for routing rules.
const (
	TargetRegulation    Target = Target(SourceRegulation)
	TargetVulnerability Target = Target(SourceVulnerability)
	TargetRisk          Target = Target(SourceRisk)
	TargetMonitoring    Target = Target(SourceMonitoring)
	TargetPolicy        Target = Target(SourcePolicy)
	TargetIntelligence  Target = Target(SourceIntelligence)
	TargetValue         Target = Target(SourceValue)
	TargetClearance     Target = Target(SourceClearance)
	TargetTrustEngine   Target = Target(SourceTrustEngine)
)

// DefaultRules returns the canonical cross-component rule set.
// trust.points.earned routes from any domain component; the ledger's own
// trust.score.updated is terminal and has no rule.
func DefaultRules() []RoutingRule {
	return []RoutingRule{
		{
			Name:     "regulation-fanout",
			Type:     TypeRegulationDetected,
			Sources:  []Source{SourceRegulation},
			Targets:  []Target{TargetVulnerability, TargetRisk},
			Priority: 10,
		},
		{
			Name:     "compliance-gap-fanout",
			Type:     TypeComplianceGapIdentified,
			Sources:  []Source{SourceRegulation, SourcePolicy},
			Targets:  []Target{TargetVulnerability, TargetRisk, TargetPolicy},
			Priority: 10,
		},
		{
			Name:     "vulnerability-fanout",
			Type:     TypeVulnerabilityDiscovered,
			Sources:  []Source{SourceVulnerability},
			Targets:  []Target{TargetRisk, TargetMonitoring, TargetPolicy},
			Priority: 10,
		},
		{
			Name:     "posture-fanout",
			Type:     TypeSecurityPostureUpdated,
			Sources:  []Source{SourceVulnerability, SourceMonitoring},
			Targets:  []Target{TargetValue, TargetRegulation},
			Priority: 20,
		},
		{
			Name:     "risk-fanout",
			Type:     TypeRiskQuantified,
			Sources:  []Source{SourceRisk},
			Targets:  []Target{TargetClearance, TargetValue},
			Priority: 20,
		},
		{
			Name:     "alert-fanout",
			Type:     TypeMonitoringAlert,
			Sources:  []Source{SourceMonitoring},
			Targets:  []Target{TargetVulnerability, TargetIntelligence, TargetClearance},
			Priority: 10,
		},
		{
			Name:     "metrics-fanout",
			Type:     TypeMetricsCollected,
			Sources:  []Source{SourceMonitoring},
			Targets:  []Target{TargetValue, TargetRegulation, TargetVulnerability},
			Priority: 30,
		},
		{
			Name:     "threat-intel-fanout",
			Type:     TypeThreatIntelUpdated,
			Sources:  []Source{SourceIntelligence},
			Targets:  []Target{TargetVulnerability, TargetMonitoring, TargetPolicy},
			Priority: 10,
		},
		{
			Name:     "trust-points-fanout",
			Type:     TypeTrustPointsEarned,
			Sources:  nil, // any source
			Targets:  []Target{TargetTrustEngine, TargetValue},
			Priority: 5,
		},
	}
}

// TrustAward maps an event type to the points granted to the system entity
// when the event routes. Evidence is the triggering event id.
type TrustAward struct {
	Points   float64
	Category string
}

// DefaultTrustAwards returns the per-type point policy applied by the bus as
// a side effect of routing.
func DefaultTrustAwards() map[string]TrustAward {
	return map[string]TrustAward{
		TypeRegulationDetected:      {Points: 25, Category: "compliance"},
		TypeComplianceGapIdentified: {Points: 15, Category: "compliance"},
		TypeVulnerabilityDiscovered: {Points: 10, Category: "security"},
		TypeSecurityPostureUpdated:  {Points: 10, Category: "security"},
		TypeRiskQuantified:          {Points: 20, Category: "risk_management"},
		TypeMonitoringAlert:         {Points: 5, Category: "security"},
		TypeMetricsCollected:        {Points: 5, Category: "automation"},
		TypeThreatIntelUpdated:      {Points: 15, Category: "intelligence"},
	}
}

// Rule files let deployments override the canonical table. Transforms are
// referenced by name and resolved against the registry passed to LoadRules.

type ruleFileEntry struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Sources   []string       `yaml:"sources,omitempty"`
	Targets   []string       `yaml:"targets"`
	Priority  int            `yaml:"priority"`
	Condition *RuleCondition `yaml:"condition,omitempty"`
	Transform string         `yaml:"transform,omitempty"`
}

type ruleFile struct {
	Rules []ruleFileEntry `yaml:"rules"`
}

// LoadRules reads routing rules from a YAML file. Named transforms are
// looked up in transforms; unknown names are an error.
func LoadRules(path string, transforms map[string]TransformFunc) ([]RoutingRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	rules := make([]RoutingRule, 0, len(file.Rules))
	for _, entry := range file.Rules {
		if entry.Type == "" {
			return nil, fmt.Errorf("rule %q: type is required", entry.Name)
		}
		if len(entry.Targets) == 0 {
			return nil, fmt.Errorf("rule %q: at least one target is required", entry.Name)
		}

		rule := RoutingRule{
			Name:      entry.Name,
			Type:      entry.Type,
			Priority:  entry.Priority,
			Condition: entry.Condition,
		}
		for _, s := range entry.Sources {
			src := Source(s)
			if !src.Valid() {
				return nil, fmt.Errorf("rule %q: unknown source %q", entry.Name, s)
			}
			rule.Sources = append(rule.Sources, src)
		}
		for _, t := range entry.Targets {
			rule.Targets = append(rule.Targets, Target(t))
		}
		if entry.Transform != "" {
			fn, ok := transforms[entry.Transform]
			if !ok {
				return nil, fmt.Errorf("rule %q: unknown transform %q", entry.Name, entry.Transform)
			}
			rule.Transform = fn
		}

		rules = append(rules, rule)
	}

	return rules, nil
}
