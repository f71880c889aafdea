package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// ScanReport summarizes one due-work scan.
type ScanReport struct {
	Scanned      int `json:"scanned"`
	Dispatched   int `json:"dispatched"`
	Skipped      int `json:"skipped"`
	AwaitingHITL int `json:"awaiting_hitl"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Conflicts    int `json:"conflicts"`
	Errors       int `json:"errors"`
}

// RunDueScan executes every ACTIVE enrollment whose next scheduled time has
// passed, earliest first, up to the configured batch size. An error on one
// enrollment is counted and logged and does not stop the scan. Safe to call
// concurrently from several processes.
func (e *Engine) RunDueScan(ctx context.Context) (report ScanReport, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.scan")
	defer func() { observability.EndSpanWithError(span, err) }()

	start := e.now()
	due, err := e.store.DueEnrollments(ctx, start, e.batchSize)
	if err != nil {
		return ScanReport{}, fmt.Errorf("query due enrollments: %w", err)
	}

	logger := e.log(ctx)
	for _, enr := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		result, execErr := e.Execute(ctx, enr)
		if execErr != nil {
			report.Errors++
			logger.Error("due enrollment execution failed",
				zap.String("enrollment_id", enr.ID),
				zap.String("workflow_id", enr.WorkflowID),
				zap.Int("step", enr.CurrentStep),
				zap.Error(execErr),
			)
			continue
		}

		switch result.Outcome {
		case ExecDispatched, ExecRecovered:
			report.Dispatched++
		case ExecSkipped:
			report.Skipped++
		case ExecAwaitingHITL:
			report.AwaitingHITL++
		case ExecFailed:
			report.Failed++
		case ExecDiscarded:
			report.Conflicts++
		}
		if result.Enrollment.Status == model.EnrollmentCompleted && result.Outcome != ExecDiscarded {
			report.Completed++
		}
	}

	e.metrics.RecordScan(e.now().Sub(start), map[string]int{
		"dispatched":    report.Dispatched,
		"skipped":       report.Skipped,
		"awaiting_hitl": report.AwaitingHITL,
		"completed":     report.Completed,
		"failed":        report.Failed,
		"conflict":      report.Conflicts,
		"error":         report.Errors,
	})
	if report.Scanned > 0 {
		logger.Debug("due scan finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("conflicts", report.Conflicts),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}
