package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/veritasec/trustfabric/system/events"
)

// Canonical workflow kinds.
const (
	KindBreachResponse       = "breach_response"
	KindTrustScoreGeneration = "trust_score_generation"
)

// ShareableURLTTL bounds the lifetime of issued trust-profile URLs.
const ShareableURLTTL = 7 * 24 * time.Hour

// DefaultDefinitions returns the workflows registered on every engine.
func DefaultDefinitions() []*Definition {
	return []*Definition{
		BreachResponseDefinition(),
		TrustScoreGenerationDefinition(),
	}
}

// BreachResponseDefinition is the six-step breach-response pipeline.
// Critical-severity inputs escalate decision routing to executive approval;
// a decision-routing failure notifies human operators.
func BreachResponseDefinition() *Definition {
	return &Definition{
		Kind: KindBreachResponse,
		Steps: []StepDef{
			{
				ID:        "intelligence-ingest",
				Component: events.TargetIntelligence,
				Action:    "ingest-breach-intel",
				Input: map[string]any{
					"breach_id": "${context.breach_id}",
					"severity":  "${context.severity}",
					"source":    "${context.source}",
				},
			},
			{
				ID:        "security-impact-assessment",
				Component: events.TargetVulnerability,
				Action:    "assess-impact",
				DependsOn: []string{"intelligence-ingest"},
				Input: map[string]any{
					"breach_id":  "${context.breach_id}",
					"severity":   "${context.severity}",
					"indicators": "${steps.intelligence-ingest.output.indicators}",
				},
			},
			{
				ID:        "regulatory-mapping",
				Component: events.TargetRegulation,
				Action:    "map-obligations",
				DependsOn: []string{"security-impact-assessment"},
				Input: map[string]any{
					"breach_id":       "${context.breach_id}",
					"affected_assets": "${steps.security-impact-assessment.output.affected_assets}",
				},
			},
			{
				ID:        "risk-quantification",
				Component: events.TargetRisk,
				Action:    "quantify-breach",
				DependsOn: []string{"security-impact-assessment"},
				Input: map[string]any{
					"breach_id": "${context.breach_id}",
					"impact":    "${steps.security-impact-assessment.output.impact}",
				},
			},
			{
				ID:        "decision-routing",
				Component: events.TargetClearance,
				Action:    "route-decision",
				DependsOn: []string{"regulatory-mapping", "risk-quantification"},
				Input: map[string]any{
					"breach_id":   "${context.breach_id}",
					"obligations": "${steps.regulatory-mapping.output.obligations}",
					"exposure":    "${steps.risk-quantification.output.exposure}",
				},
				Adjust: func(workflowContext map[string]any, input map[string]any) {
					if severity, _ := workflowContext["severity"].(string); severity == events.SeverityCritical {
						input["approval_level"] = "executive"
						input["urgency"] = "immediate"
					}
				},
				Compensation: &Compensation{
					Emit: func(workflowContext map[string]any, exec *Execution) *events.Envelope {
						return &events.Envelope{
							Source: events.SourceOrchestrator,
							Type:   events.TypeEmergencyDecisionRequired,
							Data: map[string]any{
								"decision_id":    uuid.NewString(),
								"workflow_id":    exec.WorkflowID,
								"reason":         "automated decision routing failed during breach response",
								"urgency":        "immediate",
								"sla_minutes":    30,
								"approval_level": "executive",
							},
						}
					},
				},
			},
			{
				ID:        "value-report",
				Component: events.TargetValue,
				Action:    "report-impact",
				DependsOn: []string{"decision-routing"},
				Input: map[string]any{
					"breach_id": "${context.breach_id}",
					"decision":  "${steps.decision-routing.output.decision}",
				},
			},
		},
	}
}

// TrustScoreGenerationDefinition is the trust-score pipeline. The
// shareable-URL step is included only when the scope requests it; an issued
// URL carries its expiry instant.
func TrustScoreGenerationDefinition() *Definition {
	return &Definition{
		Kind: KindTrustScoreGeneration,
		Steps: []StepDef{
			{
				ID:        "aggregate-compliance",
				Component: events.TargetRegulation,
				Action:    "aggregate-compliance",
				Input: map[string]any{
					"entity_id": "${context.entity_id}",
					"period":    "${context.period}",
				},
			},
			{
				ID:        "aggregate-security",
				Component: events.TargetVulnerability,
				Action:    "aggregate-security",
				Input: map[string]any{
					"entity_id": "${context.entity_id}",
					"period":    "${context.period}",
				},
			},
			{
				ID:        "aggregate-risk",
				Component: events.TargetRisk,
				Action:    "aggregate-risk",
				Input: map[string]any{
					"entity_id": "${context.entity_id}",
					"period":    "${context.period}",
				},
			},
			{
				ID:        "aggregate-operational",
				Component: events.TargetMonitoring,
				Action:    "aggregate-operational",
				Input: map[string]any{
					"entity_id": "${context.entity_id}",
					"period":    "${context.period}",
				},
			},
			{
				ID:        "compute-score",
				Component: events.TargetTrustEngine,
				Action:    "compute-score",
				DependsOn: []string{"aggregate-compliance", "aggregate-security", "aggregate-risk", "aggregate-operational"},
				Input: map[string]any{
					"entity_id":   "${context.entity_id}",
					"compliance":  "${steps.aggregate-compliance.output}",
					"security":    "${steps.aggregate-security.output}",
					"risk":        "${steps.aggregate-risk.output}",
					"operational": "${steps.aggregate-operational.output}",
				},
			},
			{
				ID:        "render-presentation",
				Component: events.TargetValue,
				Action:    "render-presentation",
				DependsOn: []string{"compute-score"},
				Input: map[string]any{
					"entity_id": "${context.entity_id}",
					"score":     "${steps.compute-score.output.score}",
					"tier":      "${steps.compute-score.output.tier}",
				},
			},
			{
				ID:        "issue-shareable-url",
				Component: events.TargetValue,
				Action:    "issue-shareable-url",
				DependsOn: []string{"render-presentation"},
				Include: func(workflowContext map[string]any) bool {
					scope, _ := workflowContext["scope"].(map[string]any)
					enabled, _ := scope["shareable_url"].(bool)
					return enabled
				},
				Input: map[string]any{
					"entity_id": "${context.entity_id}",
				},
				Post: func(output map[string]any) map[string]any {
					if output == nil {
						output = map[string]any{}
					}
					if _, ok := output["shareable_url"]; !ok {
						output["shareable_url"] = "https://trust.veritasec.io/p/" + uuid.NewString()
					}
					if _, ok := output["expires_at"]; !ok {
						output["expires_at"] = time.Now().UTC().Add(ShareableURLTTL).Format(time.RFC3339)
					}
					return output
				},
			},
		},
	}
}
