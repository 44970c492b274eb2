package models

// RunoffSeries is the runoff time series of one subcatchment.
// Timestamps are minutes since simulation start.
type RunoffSeries struct {
	Timestamps []int     `json:"timestamps"`
	Values     []float64 `json:"runoff_value"`
}

// SimulationResult is the cached outcome of one pipeline execution
type SimulationResult struct {
	Rain    []float64         `json:"rain"`
	GeoJSON FeatureCollection `json:"geojson"`
}
