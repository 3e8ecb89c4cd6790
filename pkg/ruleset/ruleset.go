// Package ruleset holds the versioned rule table that drives trigger
// evaluation and classification scoring, and the sector profiles that decide
// which layers and regulatory thresholds apply to a project type.
//
// Rule tables are data. Every run records the version and content hash of the
// table it used, so a stored classification can be re-derived later.
package ruleset

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ignacio1972/mineria-sub003/pkg/canonicalize"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

var (
	ErrInvalidRuleSet     = errors.New("ruleset: invalid rule set")
	ErrUnknownProjectType = errors.New("ruleset: unknown project type")
	ErrUnknownVersion     = errors.New("ruleset: unknown rule set version")
)

//go:embed defaults/ruleset.yaml
var defaultRuleSetYAML []byte

var validate = validator.New()

// RuleSet is one version of the rule table.
type RuleSet struct {
	Version               string                            `yaml:"version" json:"version" validate:"required,semver"`
	EIAThreshold          float64                           `yaml:"eia_threshold" json:"eia_threshold" validate:"gt=0"`
	DefaultSearchRadiusKm float64                           `yaml:"default_search_radius_km" json:"default_search_radius_km" validate:"gt=0"`
	LayerSearchRadiusKm   map[string]float64                `yaml:"layer_search_radius_km" json:"layer_search_radius_km" validate:"omitempty,dive,gt=0"`
	Confidence            ConfidenceConfig                  `yaml:"confidence" json:"confidence"`
	Literals              map[contracts.Literal]LiteralRule `yaml:"literals" json:"literals" validate:"required,dive"`

	hash string
}

// ConfidenceConfig parameterises the confidence proxy and the band edges.
type ConfidenceConfig struct {
	HighAbove          float64 `yaml:"high_above" json:"high_above" validate:"gt=0,lt=1"`
	MediumFrom         float64 `yaml:"medium_from" json:"medium_from" validate:"gt=0,ltfield=HighAbove"`
	DegradationPenalty float64 `yaml:"degradation_penalty" json:"degradation_penalty" validate:"gte=0,lte=1"`
	MarginPenalty      float64 `yaml:"margin_penalty" json:"margin_penalty" validate:"gte=0,lte=1"`
}

// LiteralRule maps findings and a declared attribute onto one literal.
// SpatialMax clips what geometry alone can establish; literals that need a
// declaration to be confirmed set it to possible.
type LiteralRule struct {
	Title      string                  `yaml:"title" json:"title" validate:"required"`
	Weight     float64                 `yaml:"weight" json:"weight" validate:"gte=0,lte=1"`
	Attribute  string                  `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	SpatialMax contracts.EvidenceState `yaml:"spatial_max,omitempty" json:"spatial_max,omitempty" validate:"omitempty,oneof=not_applicable possible confirmed"`
	Layers     []LayerRule             `yaml:"layers" json:"layers" validate:"dive"`
}

// LayerRule grades a single layer finding. Distance thresholds are inclusive
// unless PossibleExclusive makes the possible threshold a strict "under".
type LayerRule struct {
	Layer              string  `yaml:"layer" json:"layer" validate:"required"`
	ConfirmOnIntersect bool    `yaml:"confirm_on_intersect,omitempty" json:"confirm_on_intersect,omitempty"`
	ConfirmedWithinKm  float64 `yaml:"confirmed_within_km,omitempty" json:"confirmed_within_km,omitempty" validate:"gte=0"`
	PossibleWithinKm   float64 `yaml:"possible_within_km,omitempty" json:"possible_within_km,omitempty" validate:"gte=0"`
	PossibleExclusive  bool    `yaml:"possible_exclusive,omitempty" json:"possible_exclusive,omitempty"`
}

// StateFor grades a successful finding. Intersection counts as distance zero.
// Failed findings are handled by the caller.
func (r LayerRule) StateFor(f contracts.SpatialFinding) contracts.EvidenceState {
	if f.Intersects && r.ConfirmOnIntersect {
		return contracts.StateConfirmed
	}
	var d float64
	switch {
	case f.Intersects:
		d = 0
	case f.DistanceKm != nil:
		d = *f.DistanceKm
	default:
		return contracts.StateNotApplicable
	}
	if r.ConfirmedWithinKm > 0 && d <= r.ConfirmedWithinKm {
		return contracts.StateConfirmed
	}
	if f.Intersects || r.possibleAt(d) {
		return contracts.StatePossible
	}
	return contracts.StateNotApplicable
}

func (r LayerRule) possibleAt(d float64) bool {
	if r.PossibleWithinKm <= 0 {
		return false
	}
	if r.PossibleExclusive {
		return d < r.PossibleWithinKm
	}
	return d <= r.PossibleWithinKm
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Load reads a rule table from disk.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in rule table.
func Default() *RuleSet {
	rs, err := Parse(defaultRuleSetYAML)
	if err != nil {
		panic(err)
	}
	return rs
}

// Validate checks structure, completeness and radius consistency, and
// computes the content hash.
func (rs *RuleSet) Validate() error {
	if err := validate.Struct(rs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	for _, l := range contracts.Literals {
		if _, ok := rs.Literals[l]; !ok {
			return fmt.Errorf("%w: literal %s is missing", ErrInvalidRuleSet, l)
		}
	}
	for l, rule := range rs.Literals {
		if !l.Valid() {
			return fmt.Errorf("%w: unknown literal %q", ErrInvalidRuleSet, l)
		}
		for _, lr := range rule.Layers {
			radius := rs.SearchRadiusKm(lr.Layer)
			if lr.PossibleWithinKm > radius || lr.ConfirmedWithinKm > radius {
				return fmt.Errorf("%w: literal %s layer %s threshold exceeds search radius %.1f km",
					ErrInvalidRuleSet, l, lr.Layer, radius)
			}
		}
	}

	h, err := canonicalize.Digest(rs)
	if err != nil {
		return fmt.Errorf("ruleset: hash: %w", err)
	}
	rs.hash = h
	return nil
}

// Hash is the canonical content digest of the rule table.
func (rs *RuleSet) Hash() string {
	return rs.hash
}

// SearchRadiusKm returns the proximity search radius for a layer.
func (rs *RuleSet) SearchRadiusKm(layer string) float64 {
	if r, ok := rs.LayerSearchRadiusKm[layer]; ok {
		return r
	}
	return rs.DefaultSearchRadiusKm
}

// Rule returns the rule for a literal.
func (rs *RuleSet) Rule(l contracts.Literal) LiteralRule {
	return rs.Literals[l]
}

// DependsOn lists the literals whose rules read the given layer.
func (rs *RuleSet) DependsOn(layer string) []contracts.Literal {
	var out []contracts.Literal
	for _, l := range contracts.Literals {
		for _, lr := range rs.Literals[l].Layers {
			if lr.Layer == layer {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// Registry keeps every rule table version that may be needed to re-derive a
// stored run.
type Registry struct {
	byVersion map[string]*RuleSet
	latest    *RuleSet
}

// NewRegistry indexes the given rule tables. Duplicate versions with
// different content are rejected.
func NewRegistry(sets ...*RuleSet) (*Registry, error) {
	r := &Registry{byVersion: make(map[string]*RuleSet, len(sets))}
	for _, rs := range sets {
		if err := r.Add(rs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a rule table.
func (r *Registry) Add(rs *RuleSet) error {
	v, err := semver.NewVersion(rs.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidRuleSet, rs.Version, err)
	}
	if prev, ok := r.byVersion[rs.Version]; ok && prev.Hash() != rs.Hash() {
		return fmt.Errorf("%w: version %s registered twice with different content", ErrInvalidRuleSet, rs.Version)
	}
	r.byVersion[rs.Version] = rs
	if r.latest == nil || semver.MustParse(r.latest.Version).LessThan(v) {
		r.latest = rs
	}
	return nil
}

// Latest returns the highest registered version.
func (r *Registry) Latest() *RuleSet {
	return r.latest
}

// Get returns the rule table with the exact version.
func (r *Registry) Get(version string) (*RuleSet, error) {
	rs, ok := r.byVersion[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	return rs, nil
}

// Versions lists registered versions in ascending semver order.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.byVersion))
	for v := range r.byVersion {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.MustParse(out[i]).LessThan(semver.MustParse(out[j]))
	})
	return out
}
