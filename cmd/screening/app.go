package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ignacio1972/mineria-sub003/pkg/audit"
	"github.com/Ignacio1972/mineria-sub003/pkg/config"
	"github.com/Ignacio1972/mineria-sub003/pkg/engine"
	"github.com/Ignacio1972/mineria-sub003/pkg/layers"
	"github.com/Ignacio1972/mineria-sub003/pkg/layersource"
	"github.com/Ignacio1972/mineria-sub003/pkg/observability"
	"github.com/Ignacio1972/mineria-sub003/pkg/ruleset"
	"github.com/Ignacio1972/mineria-sub003/pkg/store"
)

// layerCacheTTL bounds how long a cached proximity answer is served. Layer
// versions are immutable, so this only limits Redis memory.
const layerCacheTTL = 24 * time.Hour

// app is the wired process: configuration, stores, telemetry and engine.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    *engine.Engine
	runs      *store.SQLStore
	layers    layers.Store
	telemetry *observability.Provider
	closers   []func() error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openApp loads configuration and wires every component. Logs go to stderr
// so stdout carries only command output.
func openApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := a.openRunStore(ctx); err != nil {
		return err
	}
	if err := a.openLayerStore(ctx); err != nil {
		return err
	}
	if err := a.openTelemetry(ctx); err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithRunStore(a.runs),
		engine.WithLogger(a.logger.With("component", "engine")),
		engine.WithRunTimeout(a.cfg.RunTimeout),
		engine.WithLayerTimeout(a.cfg.LayerTimeout),
		engine.WithTelemetry(a.telemetry),
	}

	rules, err := a.loadRuleSets()
	if err != nil {
		return err
	}
	if rules != nil {
		opts = append(opts, engine.WithRuleSets(rules))
	}
	if a.cfg.ProfilesPath != "" {
		eval, err := ruleset.NewThresholdEvaluator()
		if err != nil {
			return err
		}
		profiles, err := ruleset.LoadProfiles(a.cfg.ProfilesPath, eval)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithProfiles(profiles, eval))
	}

	journal, err := a.openJournal()
	if err != nil {
		return err
	}
	opts = append(opts, engine.WithJournal(journal))

	e, err := engine.New(a.layers, opts...)
	if err != nil {
		return err
	}
	a.engine = e
	return nil
}

func (a *app) openRunStore(ctx context.Context) error {
	var (
		s   *store.SQLStore
		err error
	)
	if a.cfg.LiteMode() {
		a.logger.DebugContext(ctx, "lite mode: using sqlite", "path", a.cfg.SQLitePath())
		s, err = store.OpenSQLite(ctx, a.cfg.SQLitePath())
	} else {
		s, err = store.OpenPostgres(ctx, a.cfg.DatabaseURL)
	}
	if err != nil {
		return err
	}
	a.runs = s
	a.closers = append(a.closers, s.Close)
	return nil
}

func (a *app) openLayerStore(ctx context.Context) error {
	var base layers.Store
	switch a.cfg.LayerSource {
	case config.LayerSourcePostGIS:
		pg := layers.NewPostGISStore(a.runs.DB(),
			layers.WithQueryRate(a.cfg.PostGISQPS, max(1, int(a.cfg.PostGISQPS))),
			layers.WithLogger(a.logger.With("component", "layers.postgis")),
		)
		if err := pg.Init(ctx); err != nil {
			return err
		}
		base = pg
	default:
		src, err := layersource.New(ctx, layersource.Config{
			Type:       layersource.Type(a.cfg.LayerSource),
			Dir:        a.cfg.LayerDir,
			S3Bucket:   a.cfg.S3.Bucket,
			S3Region:   a.cfg.S3.Region,
			S3Endpoint: a.cfg.S3.Endpoint,
			S3Prefix:   a.cfg.S3.Prefix,
			GCSBucket:  a.cfg.GCS.Bucket,
			GCSPrefix:  a.cfg.GCS.Prefix,
		})
		if err != nil {
			return err
		}
		if c, ok := src.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		mem := layers.NewMemoryStore()
		if _, err := layers.LoadCatalog(ctx, src, mem); err != nil {
			return err
		}
		base = mem
	}

	if a.cfg.RedisURL == "" {
		a.layers = base
		return nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("%w: redis url: %v", config.ErrInvalidConfig, err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client.Close)
	a.layers = layers.NewCachedStore(base, layers.NewRedisCache(client, "screening:layers:"), layerCacheTTL)
	return nil
}

func (a *app) openTelemetry(ctx context.Context) error {
	tc := observability.DefaultConfig()
	if a.cfg.TelemetryEnabled() {
		tc.Enabled = true
		tc.OTLPEndpoint = a.cfg.OTLPEndpoint
		tc.Insecure = true
	}
	p, err := observability.New(ctx, tc)
	if err != nil {
		return err
	}
	a.telemetry = p
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(sctx)
	})
	return nil
}

// loadRuleSets reads every rule set version found next to the configured
// file (ruleset*.yaml in its directory), so stored runs can be verified
// against the version they were computed with.
func (a *app) loadRuleSets() (*ruleset.Registry, error) {
	if a.cfg.RulesetPath == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(filepath.Dir(a.cfg.RulesetPath), "ruleset*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths = []string{a.cfg.RulesetPath}
	}

	sets := make([]*ruleset.RuleSet, 0, len(paths))
	for _, p := range paths {
		rs, err := ruleset.Load(p)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return ruleset.NewRegistry(sets...)
}

func (a *app) openJournal() (*audit.Journal, error) {
	f, err := os.OpenFile(filepath.Join(a.cfg.DataDir, "journal.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, f.Close)
	return audit.NewJournal(f), nil
}

// Close releases everything opened by openApp, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
