// Package spatial runs the per-layer proximity analysis of a project
// footprint. Layers are queried concurrently, each under its own timeout; a
// layer that fails or times out yields a finding flagged with Error instead
// of failing the run.
package spatial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/layers"
)

// ErrAllLayersUnavailable is returned when not a single layer answered.
var ErrAllLayersUnavailable = errors.New("spatial: layer store unreachable")

const (
	// DefaultLayerTimeout bounds each layer query.
	DefaultLayerTimeout = 10 * time.Second
	// DefaultSearchRadiusKm applies when a request has no radius function.
	DefaultSearchRadiusKm = 50.0
)

// Request is one analysis over a set of layers.
type Request struct {
	RunID    string
	Geometry orb.Geometry
	Layers   []string
	// RadiusKm returns the proximity search radius of a layer.
	RadiusKm func(layer string) float64
}

// Result holds one finding per requested layer, in request order.
type Result struct {
	Findings       []contracts.SpatialFinding
	LayersUsed     []contracts.LayerVersionUsed
	DegradedLayers []string
}

// Degraded reports whether any layer query failed.
func (r Result) Degraded() bool {
	return len(r.DegradedLayers) > 0
}

// Analyzer queries a layer store.
type Analyzer struct {
	store        layers.Store
	layerTimeout time.Duration
	logger       *slog.Logger
	onDegraded   func(ctx context.Context, layer string)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLayerTimeout sets the per-layer query timeout.
func WithLayerTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.layerTimeout = d
		}
	}
}

// WithLogger sets the analyzer logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithDegradedHook is called once for every degraded layer.
func WithDegradedHook(fn func(ctx context.Context, layer string)) Option {
	return func(a *Analyzer) {
		a.onDegraded = fn
	}
}

// NewAnalyzer creates an Analyzer over store.
func NewAnalyzer(store layers.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:        store,
		layerTimeout: DefaultLayerTimeout,
		logger:       slog.Default().With("component", "spatial"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type layerOutcome struct {
	finding contracts.SpatialFinding
	used    contracts.LayerVersionUsed
}

// Analyze queries every layer and joins the results. It returns an error
// only for run-level failures: an unknown layer, cancellation of ctx, or no
// layer answering at all.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	names := dedupe(req.Layers)
	outcomes := make([]layerOutcome, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			out, err := a.queryLayer(gctx, req, name)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, out := range outcomes {
		res.Findings = append(res.Findings, out.finding)
		res.LayersUsed = append(res.LayersUsed, out.used)
		if out.finding.Error {
			res.DegradedLayers = append(res.DegradedLayers, out.finding.LayerName)
		}
	}
	if len(names) > 0 && len(res.DegradedLayers) == len(names) {
		return res, fmt.Errorf("%w: all %d layers failed", ErrAllLayersUnavailable, len(names))
	}
	return res, nil
}

func (a *Analyzer) queryLayer(ctx context.Context, req Request, name string) (layerOutcome, error) {
	radius := DefaultSearchRadiusKm
	if req.RadiusKm != nil {
		radius = req.RadiusKm(name)
	}
	lctx, cancel := context.WithTimeout(ctx, a.layerTimeout)
	defer cancel()

	layer, err := a.store.GetLayer(lctx, name)
	if err != nil {
		return a.degrade(ctx, req.RunID, contracts.LayerVersionUsed{LayerName: name}, radius, err)
	}
	used := contracts.LayerVersionUsed{LayerName: layer.Name, Version: layer.Version}

	hits, err := a.store.QueryNear(lctx, layer, req.Geometry, radius)
	if err != nil {
		return a.degrade(ctx, req.RunID, used, radius, err)
	}

	return layerOutcome{finding: findingFromHits(layer, radius, hits), used: used}, nil
}

// degrade turns a transient layer failure into an error-flagged finding.
// Configuration errors and cancellation of the run remain fatal.
func (a *Analyzer) degrade(ctx context.Context, runID string, used contracts.LayerVersionUsed, radius float64, err error) (layerOutcome, error) {
	if errors.Is(err, layers.ErrLayerNotFound) {
		return layerOutcome{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return layerOutcome{}, ctxErr
	}

	kind := "unavailable"
	if errors.Is(err, layers.ErrLayerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
	}
	detail := kind + ": " + strings.ReplaceAll(err.Error(), "\n", "; ")

	a.logger.WarnContext(ctx, "layer degraded", "layer", used.LayerName, "run_id", runID, "error", err)
	if a.onDegraded != nil {
		a.onDegraded(ctx, used.LayerName)
	}

	used.Degraded = true
	used.Error = detail
	return layerOutcome{
		finding: contracts.SpatialFinding{
			LayerName:         used.LayerName,
			LayerVersion:      used.Version,
			MatchedFeatureIDs: []string{},
			SearchRadiusKm:    radius,
			Error:             true,
			ErrorDetail:       detail,
		},
		used: used,
	}, nil
}

// findingFromHits condenses distance-ordered hits. Intersecting features are
// the matches when there are any; otherwise every feature in range matches
// and the nearest one gives the distance.
func findingFromHits(layer layers.ReferenceLayer, radius float64, hits []layers.Hit) contracts.SpatialFinding {
	f := contracts.SpatialFinding{
		LayerName:         layer.Name,
		LayerVersion:      layer.Version,
		MatchedFeatureIDs: []string{},
		SearchRadiusKm:    radius,
	}
	for _, h := range hits {
		if h.Intersects {
			f.Intersects = true
			f.MatchedFeatureIDs = append(f.MatchedFeatureIDs, h.FeatureID)
		}
	}
	if f.Intersects || len(hits) == 0 {
		return f
	}

	for _, h := range hits {
		f.MatchedFeatureIDs = append(f.MatchedFeatureIDs, h.FeatureID)
	}
	f.DistanceKm = contracts.Km(max(hits[0].DistanceKm, 0))
	return f
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
