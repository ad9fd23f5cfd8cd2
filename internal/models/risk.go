package models

import "time"

// RiskLevel is the three-tier classification shown to caregivers.
type RiskLevel string

const (
	RiskGreen  RiskLevel = "green"
	RiskYellow RiskLevel = "yellow"
	RiskRed    RiskLevel = "red"
)

// Alert is one triggered risk pattern.
type Alert struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Weight   int                    `json:"weight"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// RiskAssessment is the aggregated output of the risk pattern detectors.
type RiskAssessment struct {
	PatientID    string    `json:"patient_id,omitempty"`
	RiskLevel    RiskLevel `json:"riskLevel"`
	RiskScore    int       `json:"riskScore"`
	Alerts       []Alert   `json:"alerts"`
	LastAnalyzed time.Time `json:"lastAnalyzed"`
}
