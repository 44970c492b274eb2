// Package assemble merges simulated runoff series onto geometry features.
package assemble

import (
	"github.com/psantana5/stormwater/pkg/models"
)

// Report lists which features received a series
type Report struct {
	Matched   []string
	Unmatched []string // feature names with no simulated element; "" for unnamed features
}

// Merge returns a copy of fc where every feature whose name has a series
// carries it under the runoff_results property. Other features pass
// through unchanged. fc itself is not modified.
func Merge(fc *models.FeatureCollection, series map[string]models.RunoffSeries) (*models.FeatureCollection, Report, error) {
	out, err := fc.DeepCopy()
	if err != nil {
		return nil, Report{}, err
	}

	var report Report
	for i := range out.Features {
		f := &out.Features[i]
		name := f.Name()
		s, ok := series[name]
		if name == "" || !ok {
			report.Unmatched = append(report.Unmatched, name)
			continue
		}
		if f.Properties == nil {
			f.Properties = make(map[string]interface{})
		}
		f.Properties[models.RunoffResultsProperty] = map[string]interface{}{
			"timestamps":   s.Timestamps,
			"runoff_value": s.Values,
		}
		report.Matched = append(report.Matched, name)
	}
	return out, report, nil
}

// Timestamps returns n offsets in minutes, i * stepMinutes
func Timestamps(n, stepMinutes int) []int {
	ts := make([]int, n)
	for i := range ts {
		ts[i] = i * stepMinutes
	}
	return ts
}

// Result combines the merged geometry with the rain series
func Result(rain []float64, geometry *models.FeatureCollection) *models.SimulationResult {
	if rain == nil {
		rain = []float64{}
	}
	return &models.SimulationResult{Rain: rain, GeoJSON: *geometry}
}
