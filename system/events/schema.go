package events

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
)

// The validator is pure: a tagged-union match on (source, type) that decodes
// the payload into its schema arm and checks field constraints. It performs
// no I/O.

var validate = validator.New()

// variant describes one arm of the envelope union: the sources allowed to
// emit the type and the payload schema to decode into.
type variant struct {
	sources map[Source]bool // nil = any valid source
	build   func() any
}

func (v *variant) allows(s Source) bool {
	if v.sources == nil {
		return true
	}
	return v.sources[s]
}

func sourceSet(sources ...Source) map[Source]bool {
	set := make(map[Source]bool, len(sources))
	for _, s := range sources {
		set[s] = true
	}
	return set
}

// variants is the schema registry. Workflow lifecycle events come from the
// orchestrator; step completions come from the component that executed the
// step; trust.points.earned may come from any valid source (the bus's
// routing-side awards carry the source of the triggering event).
var variants = map[string]*variant{
	TypeRegulationDetected: {
		sources: sourceSet(SourceRegulation),
		build:   func() any { return &RegulationDetectedPayload{} },
	},
	TypeComplianceGapIdentified: {
		sources: sourceSet(SourceRegulation, SourcePolicy),
		build:   func() any { return &ComplianceGapPayload{} },
	},
	TypeVulnerabilityDiscovered: {
		sources: sourceSet(SourceVulnerability),
		build:   func() any { return &VulnerabilityDiscoveredPayload{} },
	},
	TypeSecurityPostureUpdated: {
		sources: sourceSet(SourceVulnerability, SourceMonitoring),
		build:   func() any { return &SecurityPostureUpdatedPayload{} },
	},
	TypeRiskQuantified: {
		sources: sourceSet(SourceRisk),
		build:   func() any { return &RiskQuantifiedPayload{} },
	},
	TypeMonitoringAlert: {
		sources: sourceSet(SourceMonitoring),
		build:   func() any { return &MonitoringAlertPayload{} },
	},
	TypeMetricsCollected: {
		sources: sourceSet(SourceMonitoring),
		build:   func() any { return &MetricsCollectedPayload{} },
	},
	TypeThreatIntelUpdated: {
		sources: sourceSet(SourceIntelligence),
		build:   func() any { return &ThreatIntelPayload{} },
	},
	TypeTrustPointsEarned: {
		build: func() any { return &TrustPointsEarnedPayload{} },
	},
	TypeTrustScoreUpdated: {
		sources: sourceSet(SourceTrustEngine),
		build:   func() any { return &TrustScoreUpdatedPayload{} },
	},
	TypeWorkflowStarted: {
		sources: sourceSet(SourceOrchestrator),
		build:   func() any { return &WorkflowStartedPayload{} },
	},
	TypeWorkflowStepRequested: {
		sources: sourceSet(SourceOrchestrator),
		build:   func() any { return &WorkflowStepRequestedPayload{} },
	},
	TypeWorkflowStepCompleted: {
		build: func() any { return &WorkflowStepCompletedPayload{} },
	},
	TypeWorkflowCompleted: {
		sources: sourceSet(SourceOrchestrator),
		build:   func() any { return &WorkflowCompletedPayload{} },
	},
	TypeWorkflowFailed: {
		sources: sourceSet(SourceOrchestrator),
		build:   func() any { return &WorkflowFailedPayload{} },
	},
	TypeEmergencyDecisionRequired: {
		sources: sourceSet(SourceOrchestrator, SourceClearance),
		build:   func() any { return &EmergencyDecisionPayload{} },
	},
}

// KnownVariant reports whether the (source, type) pair selects a registered
// payload schema.
func KnownVariant(source Source, eventType string) bool {
	v, ok := variants[eventType]
	return ok && v.allows(source)
}

// Validate checks an envelope against the schema for its discriminator pair.
// Unknown sources or (source, type) pairs and payloads violating their arm's
// constraints are rejected.
func Validate(e *Envelope) error {
	if !e.Source.Valid() {
		return fabricerrors.InvalidSource(string(e.Source))
	}

	v, ok := variants[e.Type]
	if !ok || !v.allows(e.Source) {
		return fabricerrors.UnknownVariant(string(e.Source), e.Type)
	}

	payload := v.build()
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fabricerrors.SchemaInvalid(string(e.Source), e.Type, err)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return fabricerrors.SchemaInvalid(string(e.Source), e.Type, err)
	}
	if err := validate.Struct(payload); err != nil {
		return fabricerrors.SchemaInvalid(string(e.Source), e.Type, err)
	}
	return nil
}

// DecodePayload decodes an envelope's data into out, a pointer to the payload
// struct for its type. Used by subscribers that want typed access.
func DecodePayload(e *Envelope, out any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fabricerrors.SchemaInvalid(string(e.Source), e.Type, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fabricerrors.SchemaInvalid(string(e.Source), e.Type, err)
	}
	return nil
}
