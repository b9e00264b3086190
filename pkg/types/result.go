package types

import "time"

// InterpretationLevel classifies a result value against its reference range
type InterpretationLevel string

const (
	InterpretationLow      InterpretationLevel = "low"
	InterpretationNormal   InterpretationLevel = "normal"
	InterpretationHigh     InterpretationLevel = "high"
	InterpretationCritical InterpretationLevel = "critical"
)

// IsAbnormal reports whether the level flags the value as abnormal
func (l InterpretationLevel) IsAbnormal() bool {
	return l != InterpretationNormal
}

// ResultValue is a single entered test result
type ResultValue struct {
	TestCode     string   `json:"testCode"`
	TestName     string   `json:"testName,omitempty"`
	NumericValue *float64 `json:"numericValue,omitempty"`
	StringValue  string   `json:"stringValue,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Comment      string   `json:"comment,omitempty"`
	Abnormal     bool     `json:"abnormal"`
}

// Interpretation is the automatic reading of one result value
type Interpretation struct {
	TestCode string              `json:"testCode"`
	Level    InterpretationLevel `json:"level"`
	Note     string              `json:"note,omitempty"`
}

// LabResult is the single result set recorded against an order
type LabResult struct {
	OrderID            string           `json:"orderId"`
	TenantID           string           `json:"tenantId"`
	EnteredBy          string           `json:"enteredBy"`
	EnteredAt          time.Time        `json:"enteredAt"`
	Values             []ResultValue    `json:"values"`
	Interpretations    []Interpretation `json:"interpretations"`
	AIProcessed        bool             `json:"aiProcessed"`
	DiagnosticResultID string           `json:"diagnosticResultId,omitempty"`
	ReviewedBy         string           `json:"reviewedBy,omitempty"`
	ReviewNotes        string           `json:"reviewNotes,omitempty"`
}

// HasAbnormal reports whether any interpretation is outside normal
func (r *LabResult) HasAbnormal() bool {
	for _, i := range r.Interpretations {
		if i.Level.IsAbnormal() {
			return true
		}
	}
	return false
}

// HasCritical reports whether any interpretation is critical
func (r *LabResult) HasCritical() bool {
	for _, i := range r.Interpretations {
		if i.Level == InterpretationCritical {
			return true
		}
	}
	return false
}

// AddResultsRequest is the inbound payload for result entry
type AddResultsRequest struct {
	Values []ResultValue `json:"values"`
}

// MaxValuesPerResult bounds the entered value list
const MaxValuesPerResult = 50
