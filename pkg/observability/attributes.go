package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Screening semantic convention attributes.
var (
	AttrRunID    = attribute.Key("screening.run.id")
	AttrMode     = attribute.Key("screening.run.mode")
	AttrStage    = attribute.Key("screening.run.stage")
	AttrPathway  = attribute.Key("screening.pathway")
	AttrBand     = attribute.Key("screening.confidence_band")
	AttrDegraded = attribute.Key("screening.degraded")
	AttrLayer    = attribute.Key("screening.layer")
	AttrProject  = attribute.Key("screening.project.id")
	AttrRuleset  = attribute.Key("screening.ruleset.version")
)

// StageSpan starts a child span for one pipeline stage.
func StageSpan(ctx context.Context, tracer trace.Tracer, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "screening.stage."+stage, trace.WithAttributes(AttrStage.String(stage)))
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError records err on the current span.
func SetSpanError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
