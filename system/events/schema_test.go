package events

import (
	"errors"
	"testing"
	"time"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
)

func validVulnerability() *Envelope {
	return &Envelope{
		EventID:   "evt-1",
		Timestamp: time.Now().UTC(),
		Source:    SourceVulnerability,
		Type:      TypeVulnerabilityDiscovered,
		Data: map[string]any{
			"vulnerability_id": "CVE-2024-0001",
			"severity":         "high",
			"cvss_score":       7.5,
		},
	}
}

func TestValidate_AcceptsKnownVariants(t *testing.T) {
	tests := []struct {
		name     string
		envelope *Envelope
	}{
		{"vulnerability", validVulnerability()},
		{
			"regulation",
			&Envelope{
				Source: SourceRegulation,
				Type:   TypeRegulationDetected,
				Data: map[string]any{
					"regulation_id":       "G-2024-01",
					"impact":              "high",
					"effective_date":      "2026-01-01",
					"affected_frameworks": []any{"GDPR"},
					"estimated_cost":      250000.0,
					"trust_equity_impact": 150.0,
				},
			},
		},
		{
			"trust points",
			&Envelope{
				Source: SourceRisk,
				Type:   TypeTrustPointsEarned,
				Data: map[string]any{
					"entity_id":   "org-1",
					"entity_type": "organization",
					"points":      25.0,
					"category":    "risk_management",
				},
			},
		},
		{
			"risk quantified",
			&Envelope{
				Source: SourceRisk,
				Type:   TypeRiskQuantified,
				Data: map[string]any{
					"risk_id":     "R-1",
					"probability": 0.4,
					"impact_cost": 100000.0,
				},
			},
		},
		{
			"workflow step completed from component",
			&Envelope{
				Source: SourceClearance,
				Type:   TypeWorkflowStepCompleted,
				Data: map[string]any{
					"workflow_id": "wf-1",
					"step_id":     "decision-routing",
					"status":      "completed",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.envelope); err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidate_RejectsInvalidEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		envelope *Envelope
		wantCode fabricerrors.ErrorCode
	}{
		{
			"unknown source",
			&Envelope{Source: "geolocation", Type: TypeMonitoringAlert},
			fabricerrors.ErrCodeInvalidSource,
		},
		{
			"unknown type",
			&Envelope{Source: SourceRegulation, Type: "regulation.bogus"},
			fabricerrors.ErrCodeUnknownVariant,
		},
		{
			"type from wrong source",
			&Envelope{Source: SourceValue, Type: TypeVulnerabilityDiscovered, Data: map[string]any{
				"vulnerability_id": "CVE-1", "severity": "low", "cvss_score": 1.0,
			}},
			fabricerrors.ErrCodeUnknownVariant,
		},
		{
			"cvss above range",
			&Envelope{Source: SourceVulnerability, Type: TypeVulnerabilityDiscovered, Data: map[string]any{
				"vulnerability_id": "CVE-1", "severity": "high", "cvss_score": 11.0,
			}},
			fabricerrors.ErrCodeSchemaInvalid,
		},
		{
			"bad severity enum",
			&Envelope{Source: SourceVulnerability, Type: TypeVulnerabilityDiscovered, Data: map[string]any{
				"vulnerability_id": "CVE-1", "severity": "catastrophic", "cvss_score": 5.0,
			}},
			fabricerrors.ErrCodeSchemaInvalid,
		},
		{
			"missing required field",
			&Envelope{Source: SourceVulnerability, Type: TypeVulnerabilityDiscovered, Data: map[string]any{
				"severity": "high", "cvss_score": 5.0,
			}},
			fabricerrors.ErrCodeSchemaInvalid,
		},
		{
			"probability above one",
			&Envelope{Source: SourceRisk, Type: TypeRiskQuantified, Data: map[string]any{
				"risk_id": "R-1", "probability": 1.5, "impact_cost": 10.0,
			}},
			fabricerrors.ErrCodeSchemaInvalid,
		},
		{
			"bad entity type",
			&Envelope{Source: SourceRisk, Type: TypeTrustPointsEarned, Data: map[string]any{
				"entity_id": "e", "entity_type": "robot", "points": 1.0, "category": "security",
			}},
			fabricerrors.ErrCodeSchemaInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.envelope)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if got := fabricerrors.CodeOf(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestKnownVariant(t *testing.T) {
	if !KnownVariant(SourceRegulation, TypeRegulationDetected) {
		t.Error("expected regulation.detected from regulation to be known")
	}
	if KnownVariant(SourceValue, TypeRegulationDetected) {
		t.Error("expected regulation.detected from value to be unknown")
	}
	if KnownVariant(SourceRegulation, "nope") {
		t.Error("expected unknown type to be unknown")
	}
}

func TestDecodePayload(t *testing.T) {
	var payload VulnerabilityDiscoveredPayload
	if err := DecodePayload(validVulnerability(), &payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.VulnerabilityID != "CVE-2024-0001" {
		t.Errorf("VulnerabilityID = %s, want CVE-2024-0001", payload.VulnerabilityID)
	}
	if payload.CVSSScore != 7.5 {
		t.Errorf("CVSSScore = %v, want 7.5", payload.CVSSScore)
	}
}

func TestIsHighPriority(t *testing.T) {
	critical := validVulnerability()
	critical.Data["severity"] = "critical"

	if !IsHighPriority(critical) {
		t.Error("critical vulnerability should be high priority")
	}
	if IsHighPriority(validVulnerability()) {
		t.Error("high severity should not be high priority")
	}

	regulation := &Envelope{Source: SourceRegulation, Type: TypeRegulationDetected, Data: map[string]any{"severity": "critical"}}
	if IsHighPriority(regulation) {
		t.Error("regulation.detected should never be high priority")
	}
}

func TestEnvelope_Clone(t *testing.T) {
	e := validVulnerability()
	e.Data["nested"] = map[string]any{"a": 1}

	clone := e.Clone()
	clone.Data["severity"] = "low"
	clone.Data["nested"].(map[string]any)["a"] = 2

	if e.Data["severity"] != "high" {
		t.Error("clone mutation leaked into original severity")
	}
	if e.Data["nested"].(map[string]any)["a"] != 1 {
		t.Error("clone mutation leaked into original nested map")
	}
}

func TestChannelNaming(t *testing.T) {
	if got := SourceChannel(SourceRisk, TypeRiskQuantified); got != "risk:event:risk.quantified" {
		t.Errorf("SourceChannel = %s", got)
	}
	if got := GlobalChannel(TypeRiskQuantified); got != "global:event:risk.quantified" {
		t.Errorf("GlobalChannel = %s", got)
	}
	if got := StorageKey(SourceRisk, "evt-9"); got != "risk:event:evt-9" {
		t.Errorf("StorageKey = %s", got)
	}
}

func TestValidate_WrappedErrorsAreFabricErrors(t *testing.T) {
	err := Validate(&Envelope{Source: "nope", Type: "x"})
	var fe *fabricerrors.FabricError
	if !errors.As(err, &fe) {
		t.Fatal("expected FabricError")
	}
}
