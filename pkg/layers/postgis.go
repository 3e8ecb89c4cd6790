package layers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"
)

const postgisSchema = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS layer_versions (
	name           TEXT        NOT NULL,
	version        TEXT        NOT NULL,
	effective_date DATE        NOT NULL,
	feature_count  INTEGER     NOT NULL,
	published_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS layer_features (
	layer_name    TEXT NOT NULL,
	layer_version TEXT NOT NULL,
	feature_id    TEXT NOT NULL,
	geom          geometry(Geometry, 4326) NOT NULL,
	properties    JSONB,
	PRIMARY KEY (layer_name, layer_version, feature_id),
	FOREIGN KEY (layer_name, layer_version) REFERENCES layer_versions (name, version)
);

CREATE INDEX IF NOT EXISTS layer_features_geom_idx ON layer_features USING GIST (geom);
`

const queryLayerVersions = `SELECT name, version, effective_date, feature_count FROM layer_versions WHERE name = $1`

const lockLayerVersions = `SELECT version FROM layer_versions WHERE name = $1 FOR UPDATE`

const queryNear = `SELECT feature_id, ST_Intersects(f.geom, q.g), ST_Distance(f.geom::geography, q.g::geography) / 1000.0 AS distance_km
FROM layer_features f, (SELECT ST_SetSRID(ST_GeomFromGeoJSON($3), 4326) AS g) q
WHERE f.layer_name = $1 AND f.layer_version = $2 AND ST_DWithin(f.geom::geography, q.g::geography, $4)
ORDER BY distance_km ASC, feature_id ASC`

// PostGISStore answers layer queries from a PostGIS database. Queries are
// rate limited so a burst of runs cannot starve the shared spatial index.
type PostGISStore struct {
	db      *sql.DB
	limiter *rate.Limiter
	logger  *slog.Logger
}

// PostGISOption configures a PostGISStore.
type PostGISOption func(*PostGISStore)

// WithQueryRate limits queries to qps per second with the given burst.
func WithQueryRate(qps float64, burst int) PostGISOption {
	return func(s *PostGISStore) {
		if qps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(qps), burst)
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) PostGISOption {
	return func(s *PostGISStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewPostGISStore wraps an open *sql.DB using the postgres driver.
func NewPostGISStore(db *sql.DB, opts ...PostGISOption) *PostGISStore {
	s := &PostGISStore{
		db:      db,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.Default().With("component", "layers.postgis"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the layer tables and spatial index.
func (s *PostGISStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgisSchema); err != nil {
		return fmt.Errorf("layers: init postgis schema: %w", err)
	}
	return nil
}

// GetLayer returns the highest semver version of the layer.
func (s *PostGISStore) GetLayer(ctx context.Context, name string) (ReferenceLayer, error) {
	if err := s.wait(ctx); err != nil {
		return ReferenceLayer{}, err
	}

	rows, err := s.db.QueryContext(ctx, queryLayerVersions, name)
	if err != nil {
		return ReferenceLayer{}, s.classify(ctx, name, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		best    ReferenceLayer
		bestVer *semver.Version
	)
	for rows.Next() {
		var l ReferenceLayer
		if err := rows.Scan(&l.Name, &l.Version, &l.EffectiveDate, &l.FeatureCount); err != nil {
			return ReferenceLayer{}, s.classify(ctx, name, err)
		}
		v, err := semver.NewVersion(l.Version)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping layer version", "layer", name, "version", l.Version, "error", err)
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = l, v
		}
	}
	if err := rows.Err(); err != nil {
		return ReferenceLayer{}, s.classify(ctx, name, err)
	}
	if bestVer == nil {
		return ReferenceLayer{}, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	return best, nil
}

func (s *PostGISStore) QueryNear(ctx context.Context, layer ReferenceLayer, g orb.Geometry, radiusKm float64) ([]Hit, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	gj, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("layers: encode query geometry: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryNear, layer.Name, layer.Version, string(gj), radiusKm*1000)
	if err != nil {
		return nil, s.classify(ctx, layer.Name, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.FeatureID, &h.Intersects, &h.DistanceKm); err != nil {
			return nil, s.classify(ctx, layer.Name, err)
		}
		if h.Intersects {
			h.DistanceKm = 0
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, layer.Name, err)
	}
	return hits, nil
}

// Publish inserts a new layer version with its features in one transaction.
// The version must sort above every version already stored for the layer.
func (s *PostGISStore) Publish(ctx context.Context, layer ReferenceLayer, features []Feature) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("layers: begin publish: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := highestVersion(ctx, tx, layer.Name)
	if err != nil {
		return err
	}
	if err = checkSuccessor(layer.Name, current, layer.Version); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO layer_versions (name, version, effective_date, feature_count) VALUES ($1, $2, $3, $4)`,
		layer.Name, layer.Version, layer.EffectiveDate, len(features))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s@%s", ErrVersionExists, layer.Name, layer.Version)
		}
		return fmt.Errorf("layers: insert layer version: %w", err)
	}

	for _, f := range features {
		gj, mErr := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if mErr != nil {
			return fmt.Errorf("layers: encode feature %s: %w", f.ID, mErr)
		}
		props, mErr := json.Marshal(f.Properties)
		if mErr != nil {
			return fmt.Errorf("layers: encode feature %s properties: %w", f.ID, mErr)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO layer_features (layer_name, layer_version, feature_id, geom, properties) VALUES ($1, $2, $3, ST_SetSRID(ST_GeomFromGeoJSON($4), 4326), $5)`,
			layer.Name, layer.Version, f.ID, string(gj), props)
		if err != nil {
			return fmt.Errorf("layers: insert feature %s: %w", f.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("layers: commit publish: %w", err)
	}
	s.logger.InfoContext(ctx, "layer published", "layer", layer.Name, "version", layer.Version, "features", len(features))
	return nil
}

// highestVersion locks the stored versions of a layer and returns the highest.
func highestVersion(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	rows, err := tx.QueryContext(ctx, lockLayerVersions, name)
	if err != nil {
		return "", fmt.Errorf("layers: read versions of %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		highest string
		best    *semver.Version
	)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", fmt.Errorf("layers: read versions of %s: %w", name, err)
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			highest, best = raw, v
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("layers: read versions of %s: %w", name, err)
	}
	return highest, nil
}

func (s *PostGISStore) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr)
		}
		// Wait refuses up front when the reservation would outlive the deadline.
		return errors.Join(ErrLayerTimeout, err)
	}
	return nil
}

func (s *PostGISStore) classify(ctx context.Context, layer string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}
	s.logger.WarnContext(ctx, "layer query failed", "layer", layer, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrLayerUnavailable, layer, err)
}
