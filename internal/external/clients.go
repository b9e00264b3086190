package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/interfaces"
	"github.com/healthbridge/lab-orders/pkg/logger"
)

// maxResponseBody bounds collaborator responses
const maxResponseBody = 4 << 20

// Clients bundles the external collaborators the service consumes
type Clients struct {
	Renderer   interfaces.DocumentRenderer
	Diagnostic interfaces.DiagnosticEngine
	Notifier   interfaces.Notifier
	Directory  interfaces.Directory
}

// NewClients builds HTTP clients for every configured collaborator
func NewClients(cfg *config.ExternalConfig, log *logger.Logger) *Clients {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}

	return &Clients{
		Renderer:   &rendererClient{base: cfg.RendererURL, http: httpClient, logger: log},
		Diagnostic: &diagnosticClient{base: cfg.DiagnosticURL, http: httpClient, logger: log},
		Notifier:   &notifierClient{base: cfg.NotifierURL, http: httpClient, logger: log},
		Directory:  &directoryClient{base: cfg.DirectoryURL, http: httpClient, logger: log},
	}
}

type rendererClient struct {
	base   string
	http   *http.Client
	logger *logger.Logger
}

// Render asks the document service to produce the requisition PDF
func (c *rendererClient) Render(ctx context.Context, rc interfaces.RenderContext) (*interfaces.RenderedDocument, error) {
	payload := map[string]interface{}{
		"order":        rc.Order,
		"patientName":  rc.PatientName,
		"tenantName":   rc.TenantName,
		"pharmacistId": rc.PharmacistID,
	}

	var rendered interfaces.RenderedDocument
	if err := postJSON(ctx, c.http, c.base+"/render", payload, &rendered); err != nil {
		return nil, fmt.Errorf("renderer call failed: %w", err)
	}
	if rendered.URL == "" {
		return nil, fmt.Errorf("renderer returned no document URL")
	}
	return &rendered, nil
}

type diagnosticClient struct {
	base   string
	http   *http.Client
	logger *logger.Logger
}

// Interpret submits the clinical snapshot to the diagnostic engine
func (c *diagnosticClient) Interpret(ctx context.Context, snapshot *interfaces.ClinicalSnapshot) (*interfaces.DiagnosticResult, error) {
	var result interfaces.DiagnosticResult
	if err := postJSON(ctx, c.http, c.base+"/interpret", snapshot, &result); err != nil {
		return nil, fmt.Errorf("diagnostic engine call failed: %w", err)
	}
	return &result, nil
}

type notifierClient struct {
	base   string
	http   *http.Client
	logger *logger.Logger
}

// Notify delivers an alert to the notification service
func (c *notifierClient) Notify(ctx context.Context, alert *interfaces.Alert) error {
	if err := postJSON(ctx, c.http, c.base+"/alerts", alert, nil); err != nil {
		return fmt.Errorf("notifier call failed: %w", err)
	}
	return nil
}

type directoryClient struct {
	base   string
	http   *http.Client
	logger *logger.Logger
}

// VerifyPatient confirms the patient belongs to the tenant
func (c *directoryClient) VerifyPatient(ctx context.Context, tenantID, patientID string) error {
	url := fmt.Sprintf("%s/tenants/%s/patients/%s", c.base, tenantID, patientID)
	return c.verify(ctx, url, "patient")
}

// VerifyUser confirms the user belongs to the tenant
func (c *directoryClient) VerifyUser(ctx context.Context, tenantID, userID string) error {
	url := fmt.Sprintf("%s/tenants/%s/users/%s", c.base, tenantID, userID)
	return c.verify(ctx, url, "user")
}

// PatientName resolves the patient's display name for document rendering
func (c *directoryClient) PatientName(ctx context.Context, tenantID, patientID string) (string, error) {
	url := fmt.Sprintf("%s/tenants/%s/patients/%s", c.base, tenantID, patientID)

	var record struct {
		Name string `json:"name"`
	}
	if err := getJSON(ctx, c.http, url, &record); err != nil {
		return "", fmt.Errorf("patient lookup failed: %w", err)
	}
	return record.Name, nil
}

func (c *directoryClient) verify(ctx context.Context, url, kind string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s not found in tenant directory", kind)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	return nil
}

// postJSON sends a JSON payload and decodes the JSON response into dest
func postJSON(ctx context.Context, client *http.Client, url string, payload, dest interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	if dest == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// getJSON fetches a URL and decodes the JSON response into dest
func getJSON(ctx context.Context, client *http.Client, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return json.Unmarshal(body, dest)
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
