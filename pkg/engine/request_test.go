package engine_test

import (
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/engine"
)

const validRequest = `{
  "project_id": "proj-001",
  "project_type": "mining",
  "geometry_version": "3",
  "mode": "full",
  "geometry": {
    "type": "Polygon",
    "coordinates": [[[-70, -33], [-69.9, -33], [-69.9, -32.9], [-70, -32.9], [-70, -33]]]
  },
  "attributes": {"extraction_tpd": 7000, "affects_heritage": false, "operator": "Minera Norte"}
}`

func TestDecodeRequest(t *testing.T) {
	req, err := engine.DecodeRequest(strings.NewReader(validRequest))
	require.NoError(t, err)

	assert.Equal(t, contracts.ModeFull, req.Mode)
	assert.Equal(t, "proj-001", req.Project.ID)
	assert.Equal(t, "mining", req.Project.Type)
	assert.Equal(t, "3", req.Project.Geometry.Version)
	require.IsType(t, orb.Polygon{}, req.Project.Geometry.Geometry)

	tpd, ok := req.Project.Attributes.Number("extraction_tpd")
	assert.True(t, ok)
	assert.Equal(t, 7000.0, tpd)
	heritage, declared := req.Project.Attributes.Bool("affects_heritage")
	assert.True(t, declared)
	assert.False(t, heritage)
}

func TestDecodeRequest_Defaults(t *testing.T) {
	req, err := engine.DecodeRequest(strings.NewReader(`{
		"project_id": "p", "project_type": "energy",
		"geometry": {"type": "MultiPolygon", "coordinates": [[[[-70, -33], [-69.9, -33], [-69.9, -32.9], [-70, -33]]]]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeQuick, req.Mode)
	assert.Equal(t, "1", req.Project.Geometry.Version)
	assert.Nil(t, req.Project.Attributes)
	assert.IsType(t, orb.MultiPolygon{}, req.Project.Geometry.Geometry)
}

func TestDecodeRequest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"project_id":`},
		{"missing project id", `{"project_type": "mining", "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}}`},
		{"point geometry", `{"project_id": "p", "project_type": "mining", "geometry": {"type": "Point", "coordinates": [0, 0]}}`},
		{"unknown mode", `{"project_id": "p", "project_type": "mining", "mode": "draft", "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}}`},
		{"nested attribute", `{"project_id": "p", "project_type": "mining", "attributes": {"x": {"y": 1}}, "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}}`},
		{"unknown field", `{"project_id": "p", "project_type": "mining", "owner": "x", "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.DecodeRequest(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, engine.ErrInvalidRequest)
		})
	}
}
