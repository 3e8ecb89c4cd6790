package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/paulmach/orb/geojson"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

//go:embed schema/request.schema.json
var requestSchemaJSON []byte

const requestSchemaURL = "https://schemas.screening.local/request.schema.json"

var requestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestSchemaURL, bytes.NewReader(requestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("engine: request schema load failed: %w", err)
	}
	return c.Compile(requestSchemaURL)
})

// Request is a decoded analysis request.
type Request struct {
	Project contracts.Project
	Mode    contracts.RunMode
}

type requestDoc struct {
	ProjectID       string               `json:"project_id"`
	ProjectType     string               `json:"project_type"`
	GeometryVersion string               `json:"geometry_version"`
	Mode            contracts.RunMode    `json:"mode"`
	Geometry        json.RawMessage      `json:"geometry"`
	Attributes      contracts.Attributes `json:"attributes"`
}

// DecodeRequest validates a JSON request document against the request
// schema and builds the project it describes. Geometry validity beyond the
// GeoJSON shape is checked when the run starts. Mode defaults to quick.
func DecodeRequest(r io.Reader) (Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("engine: read request: %w", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	schema, err := requestSchema()
	if err != nil {
		return Request{}, err
	}
	if err := schema.Validate(generic); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var doc requestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	geom, err := geojson.UnmarshalGeometry(doc.Geometry)
	if err != nil {
		return Request{}, fmt.Errorf("%w: geometry: %v", ErrInvalidRequest, err)
	}

	mode := doc.Mode
	if mode == "" {
		mode = contracts.ModeQuick
	}
	version := doc.GeometryVersion
	if version == "" {
		version = "1"
	}
	return Request{
		Project: contracts.Project{
			ID:   doc.ProjectID,
			Type: doc.ProjectType,
			Geometry: contracts.ProjectGeometry{
				Version:  version,
				Geometry: geom.Geometry(),
			},
			Attributes: doc.Attributes,
		},
		Mode: mode,
	}, nil
}
