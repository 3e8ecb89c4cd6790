package ruleset

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

//go:embed defaults/profiles.yaml
var defaultProfilesYAML []byte

// DefaultProfile is used for project types without a profile of their own.
const DefaultProfile = "default"

// Threshold is recorded with every audited run, so it lives in contracts.
type Threshold = contracts.Threshold

// Profile is the layer and threshold configuration of one project type.
type Profile struct {
	Layers     []string    `yaml:"layers" json:"layers" validate:"required,min=1,dive,required"`
	Thresholds []Threshold `yaml:"thresholds,omitempty" json:"thresholds,omitempty" validate:"dive"`
}

// LayerSet is what a run needs from the layer configuration service: the
// layers to query and the thresholds to score.
type LayerSet struct {
	ProjectType string      `json:"project_type"`
	Profile     string      `json:"profile"`
	Layers      []string    `json:"layers"`
	Thresholds  []Threshold `json:"thresholds,omitempty"`
}

// Profiles maps project types onto profiles.
type Profiles struct {
	Profiles map[string]Profile `yaml:"profiles" json:"profiles" validate:"required,min=1,dive"`
}

// ParseProfiles decodes and validates a profiles document. Threshold
// expressions are compiled with eval.
func ParseProfiles(data []byte, eval *ThresholdEvaluator) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: profiles: %v", ErrInvalidRuleSet, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: profiles: %v", ErrInvalidRuleSet, err)
	}
	for name, prof := range p.Profiles {
		seen := map[string]bool{}
		for _, l := range prof.Layers {
			if seen[l] {
				return nil, fmt.Errorf("%w: profile %s lists layer %s twice", ErrInvalidRuleSet, name, l)
			}
			seen[l] = true
		}
		for _, t := range prof.Thresholds {
			if err := eval.Compile(t.Expression); err != nil {
				return nil, fmt.Errorf("profile %s threshold %s: %w", name, t.Name, err)
			}
		}
	}
	return &p, nil
}

// LoadProfiles reads a profiles document from disk.
func LoadProfiles(path string, eval *ThresholdEvaluator) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: read %s: %w", path, err)
	}
	return ParseProfiles(data, eval)
}

// DefaultProfiles returns the built-in mining, energy and default profiles.
func DefaultProfiles(eval *ThresholdEvaluator) *Profiles {
	p, err := ParseProfiles(defaultProfilesYAML, eval)
	if err != nil {
		panic(err)
	}
	return p
}

// Resolve returns the layer set for a project type. Lookup is
// case-insensitive; types without a profile fall back to the default
// profile when one exists.
func (p *Profiles) Resolve(projectType string) (LayerSet, error) {
	key := strings.ToLower(strings.TrimSpace(projectType))
	name := key
	prof, ok := p.Profiles[key]
	if !ok {
		prof, ok = p.Profiles[DefaultProfile]
		name = DefaultProfile
	}
	if !ok {
		return LayerSet{}, fmt.Errorf("%w: %q", ErrUnknownProjectType, projectType)
	}
	return LayerSet{
		ProjectType: projectType,
		Profile:     name,
		Layers:      append([]string(nil), prof.Layers...),
		Thresholds:  append([]Threshold(nil), prof.Thresholds...),
	}, nil
}

// Types lists the configured project types.
func (p *Profiles) Types() []string {
	out := make([]string, 0, len(p.Profiles))
	for k := range p.Profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
