package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "screening", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.Equal(t, 5*time.Second, config.BatchTimeout)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackRun(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, done := p.TrackRun(context.Background(), "run-1", "full")
	require.NotNil(t, ctx)
	p.RecordLayerDegraded(ctx, "glaciers")
	done(Outcome{Pathway: "EIA", Band: "MEDIUM", Degraded: true})

	_, done = p.TrackRun(context.Background(), "run-2", "quick")
	done(Outcome{Stage: "spatial", Err: errors.New("layer store unreachable")})
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	p.RecordLayerDegraded(context.Background(), "glaciers")

	ctx, done := p.TrackRun(context.Background(), "run-1", "quick")
	done(Outcome{Pathway: "DIA", Band: "HIGH"})

	ctx, span := StageSpan(ctx, p.Tracer(), "matrix")
	AddSpanEvent(ctx, "threshold.exceeded", attribute.String("threshold", "extraction_capacity"))
	SetSpanError(ctx, errors.New("boom"))
	span.End()
}
