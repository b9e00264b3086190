package interfaces

import (
	"context"
	"time"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// RenderedDocument is the output of the external requisition renderer
type RenderedDocument struct {
	Bytes    []byte           `json:"-"`
	Filename string           `json:"filename"`
	URL      string           `json:"url"`
	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentMetadata describes a rendered requisition document
type DocumentMetadata struct {
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// RenderContext carries the collaborating records the renderer needs
type RenderContext struct {
	Order        *types.LabOrder
	PatientName  string
	TenantName   string
	PharmacistID string
}

// DocumentRenderer is the external HTML-to-PDF requisition renderer,
// consumed as a black box.
type DocumentRenderer interface {
	Render(ctx context.Context, rc RenderContext) (*RenderedDocument, error)
}

// ClinicalSnapshot is the input handed to the diagnostic engine
type ClinicalSnapshot struct {
	OrderID         string                 `json:"orderId"`
	TenantID        string                 `json:"tenantId"`
	PatientID       string                 `json:"patientId"`
	Indication      string                 `json:"indication"`
	Tests           []types.OrderedTest    `json:"tests"`
	Values          []types.ResultValue    `json:"values"`
	Interpretations []types.Interpretation `json:"interpretations"`
	CapturedAt      time.Time              `json:"capturedAt"`
}

// DiagnosticResult is the diagnostic engine's response
type DiagnosticResult struct {
	ID              string    `json:"id"`
	Diagnoses       []string  `json:"diagnoses"`
	RedFlags        []RedFlag `json:"redFlags"`
	ConfidenceScore float64   `json:"confidenceScore"`
}

// RedFlag is a diagnostic warning raised by the engine
type RedFlag struct {
	Description string `json:"description"`
	Critical    bool   `json:"critical"`
}

// DiagnosticEngine is the external AI inference engine, consumed as a black box.
type DiagnosticEngine interface {
	Interpret(ctx context.Context, snapshot *ClinicalSnapshot) (*DiagnosticResult, error)
}

// Alert is an outbound operational or clinical notification
type Alert struct {
	TenantID  string                 `json:"tenantId"`
	UserID    string                 `json:"userId,omitempty"`
	PatientID string                 `json:"patientId,omitempty"`
	Kind      string                 `json:"kind"`
	Severity  types.Severity         `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Notifier is the outbound notification delivery collaborator.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

// Directory verifies that referenced patients and users belong to a tenant.
// Patient/user CRUD itself lives outside this service.
type Directory interface {
	VerifyPatient(ctx context.Context, tenantID, patientID string) error
	VerifyUser(ctx context.Context, tenantID, userID string) error
	PatientName(ctx context.Context, tenantID, patientID string) (string, error)
}
