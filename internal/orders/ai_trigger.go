package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/healthbridge/lab-orders/pkg/interfaces"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/monitoring"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// aiQueueCapacity bounds the dispatch backlog; a full queue drops the job
// rather than blocking result entry.
const aiQueueCapacity = 64

// aiJob is one completed result set awaiting diagnostic interpretation
type aiJob struct {
	order  *types.LabOrder
	result *types.LabResult
}

// AITrigger is the fire-and-forget hand-off of completed results to the
// external diagnostic engine. Dispatch runs on a background worker with a
// bounded per-call timeout; failures are audited and counted, never surfaced
// to the result-entry caller.
type AITrigger struct {
	engine   interfaces.DiagnosticEngine
	notifier interfaces.Notifier
	repo     *Repository
	audit    AuditSink
	logger   *logger.Logger

	timeout time.Duration
	jobs    chan aiJob
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAITrigger creates the trigger and starts its dispatch worker
func NewAITrigger(engine interfaces.DiagnosticEngine, notifier interfaces.Notifier, repo *Repository, audit AuditSink, timeout time.Duration, log *logger.Logger) *AITrigger {
	t := &AITrigger{
		engine:   engine,
		notifier: notifier,
		repo:     repo,
		audit:    audit,
		logger:   log,
		timeout:  timeout,
		jobs:     make(chan aiJob, aiQueueCapacity),
	}

	t.wg.Add(1)
	go t.worker()
	return t
}

// Enqueue hands a completed result to the dispatch worker without blocking.
// When the backlog is full the job is dropped and counted.
func (t *AITrigger) Enqueue(order *types.LabOrder, result *types.LabResult) {
	select {
	case t.jobs <- aiJob{order: order, result: result}:
		monitoring.SetAIQueueDepth(len(t.jobs))
	default:
		monitoring.RecordAIDispatch("dropped")
		t.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
		}).Warn("AI dispatch queue full, dropping job")
	}
}

// Stop drains the queue and waits for the worker to finish
func (t *AITrigger) Stop() {
	t.once.Do(func() {
		close(t.jobs)
	})
	t.wg.Wait()
}

func (t *AITrigger) worker() {
	defer t.wg.Done()
	for job := range t.jobs {
		t.dispatch(job)
		monitoring.SetAIQueueDepth(len(t.jobs))
	}
}

// dispatch runs one diagnostic interpretation end to end
func (t *AITrigger) dispatch(job aiJob) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	snapshot := &interfaces.ClinicalSnapshot{
		OrderID:         job.order.OrderID,
		TenantID:        job.order.TenantID,
		PatientID:       job.order.PatientID,
		Indication:      job.order.Indication,
		Tests:           job.order.Tests,
		Values:          job.result.Values,
		Interpretations: job.result.Interpretations,
		CapturedAt:      job.result.EnteredAt,
	}

	diagnostic, err := t.engine.Interpret(ctx, snapshot)
	if err != nil {
		t.fail(ctx, job, "diagnostic engine call failed", err)
		monitoring.RecordAIDispatch("error")
		return
	}

	if err := validateDiagnosticResult(diagnostic); err != nil {
		t.fail(ctx, job, "diagnostic engine response rejected", err)
		monitoring.RecordAIDispatch("invalid")
		return
	}

	if err := t.repo.MarkAIProcessed(ctx, job.order.TenantID, job.order.OrderID, diagnostic.ID); err != nil {
		t.fail(ctx, job, "failed to link diagnostic result", err)
		monitoring.RecordAIDispatch("error")
		return
	}

	monitoring.RecordAIDispatch("ok")
	t.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditAIDispatched,
		ResourceType: "lab_result",
		ResourceID:   job.order.OrderID,
		UserID:       job.result.EnteredBy,
		TenantID:     job.order.TenantID,
		PatientID:    job.order.PatientID,
		Details: map[string]interface{}{
			"diagnostic_result_id": diagnostic.ID,
			"diagnosis_count":      len(diagnostic.Diagnoses),
			"red_flag_count":       len(diagnostic.RedFlags),
			"confidence_score":     diagnostic.ConfidenceScore,
		},
	})

	t.fanOutRedFlags(ctx, job, diagnostic)
}

// fanOutRedFlags pushes each critical red flag to the alert channel
func (t *AITrigger) fanOutRedFlags(ctx context.Context, job aiJob, diagnostic *interfaces.DiagnosticResult) {
	for _, flag := range diagnostic.RedFlags {
		if !flag.Critical {
			continue
		}

		alert := &interfaces.Alert{
			TenantID:  job.order.TenantID,
			PatientID: job.order.PatientID,
			Kind:      "diagnostic_red_flag",
			Severity:  types.SeverityCritical,
			Message:   fmt.Sprintf("critical finding on order %s: %s", job.order.OrderID, flag.Description),
			Details: map[string]interface{}{
				"order_id":             job.order.OrderID,
				"diagnostic_result_id": diagnostic.ID,
			},
		}
		if err := t.notifier.Notify(ctx, alert); err != nil {
			t.logger.WithError(err).WithFields(map[string]interface{}{
				"order_id": job.order.OrderID,
			}).Error("Failed to deliver red-flag alert")
		}
	}
}

// fail logs and audits a dispatch failure
func (t *AITrigger) fail(ctx context.Context, job aiJob, message string, err error) {
	t.logger.WithError(err).WithFields(map[string]interface{}{
		"order_id": job.order.OrderID,
	}).Error(message)

	t.audit.Record(ctx, &types.AuditEvent{
		EventType:    types.AuditAIFailed,
		ResourceType: "lab_result",
		ResourceID:   job.order.OrderID,
		UserID:       job.result.EnteredBy,
		TenantID:     job.order.TenantID,
		PatientID:    job.order.PatientID,
		Severity:     types.SeverityMedium,
		Details: map[string]interface{}{
			"reason": message,
			"error":  err.Error(),
		},
	})
}

// validateDiagnosticResult rejects structurally unusable engine responses
func validateDiagnosticResult(result *interfaces.DiagnosticResult) error {
	if result == nil {
		return fmt.Errorf("engine returned an empty response")
	}
	if result.ID == "" {
		return fmt.Errorf("engine response is missing its result id")
	}
	if len(result.Diagnoses) == 0 && len(result.RedFlags) == 0 {
		return fmt.Errorf("engine response carries no diagnoses or red flags")
	}
	if result.ConfidenceScore < 0 || result.ConfidenceScore > 1 {
		return fmt.Errorf("confidence score %.2f is outside [0, 1]", result.ConfidenceScore)
	}
	return nil
}
