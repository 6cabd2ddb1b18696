package pipeline

import (
	"context"
	"time"

	"agentflow/backend/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentflow/backend/internal/pipeline"

type instruments struct {
	transitions   metric.Int64Counter
	stageDuration metric.Float64Histogram
	workflows     metric.Int64Counter
}

// newInstruments registers the pipeline's instruments on the global meter
// provider. Registration errors leave a no-op instrument in place.
func newInstruments() *instruments {
	meter := otel.Meter(meterName)
	transitions, _ := meter.Int64Counter("agentflow.stage.transitions",
		metric.WithDescription("Stage status transitions written to the store"))
	stageDuration, _ := meter.Float64Histogram("agentflow.stage.duration",
		metric.WithDescription("Time from a stage starting to reaching a terminal status"),
		metric.WithUnit("s"))
	workflows, _ := meter.Int64Counter("agentflow.workflows",
		metric.WithDescription("Workflow overall status changes"))
	return &instruments{transitions: transitions, stageDuration: stageDuration, workflows: workflows}
}

func (m *instruments) transition(ctx context.Context, stage models.Stage, status models.Status) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("status", string(status)),
	))
}

func (m *instruments) finished(ctx context.Context, stage models.Stage, status models.Status, started time.Time) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("status", string(status)),
	))
}

func (m *instruments) workflow(ctx context.Context, status models.Status) {
	if m == nil || m.workflows == nil {
		return
	}
	m.workflows.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
