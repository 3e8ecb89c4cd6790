package contracts

// SpatialFinding is the answer for one reference layer in one run.
// DistanceKm is nil when the project intersects the layer or when no feature
// lies within the search radius. Error marks a layer whose query failed or
// timed out; such a finding carries no distance and no matches.
type SpatialFinding struct {
	LayerName         string   `json:"layer_name"`
	LayerVersion      string   `json:"layer_version"`
	Intersects        bool     `json:"intersects"`
	DistanceKm        *float64 `json:"distance_km"`
	MatchedFeatureIDs []string `json:"matched_feature_ids"`
	SearchRadiusKm    float64  `json:"search_radius_km"`
	Error             bool     `json:"error"`
	ErrorDetail       string   `json:"error_detail,omitempty"`
}

// Within reports whether the finding places the project within km of the
// layer. Intersection counts as distance zero.
func (f SpatialFinding) Within(km float64) bool {
	if f.Error {
		return false
	}
	if f.Intersects {
		return true
	}
	return f.DistanceKm != nil && *f.DistanceKm <= km
}

// LayerVersionUsed records which version of a layer a run queried.
type LayerVersionUsed struct {
	LayerName string `json:"layer_name"`
	Version   string `json:"version"`
	Degraded  bool   `json:"degraded"`
	Error     string `json:"error,omitempty"`
}

// Km is a helper for building optional distances.
func Km(v float64) *float64 {
	return &v
}
