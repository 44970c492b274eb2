package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// FeatureNameProperty is the feature property that names a subcatchment
	FeatureNameProperty = "name_sub"

	// RunoffResultsProperty is the property the merged runoff series is stored under
	RunoffResultsProperty = "runoff_results"
)

// FeatureCollection is a GeoJSON feature collection of named subcatchments.
// Geometry and properties are carried opaquely.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`

	// Extra holds foreign members (crs, bbox, name, ...) verbatim
	Extra map[string]json.RawMessage `json:"-"`
}

// Feature is one GeoJSON feature
type Feature struct {
	Type       string                 `json:"type"`
	ID         interface{}            `json:"id,omitempty"`
	Geometry   json.RawMessage        `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`

	// Extra holds foreign members verbatim
	Extra map[string]json.RawMessage `json:"-"`
}

var (
	collectionMembers = []string{"type", "features"}
	featureMembers    = []string{"type", "id", "geometry", "properties"}
)

// UnmarshalJSON decodes the collection and keeps its foreign members
func (fc *FeatureCollection) UnmarshalJSON(data []byte) error {
	type plain FeatureCollection
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := foreignMembers(data, collectionMembers)
	if err != nil {
		return err
	}
	p.Extra = extra
	*fc = FeatureCollection(p)
	return nil
}

// MarshalJSON encodes the collection including its foreign members
func (fc FeatureCollection) MarshalJSON() ([]byte, error) {
	type plain FeatureCollection
	return withMembers(plain(fc), fc.Extra)
}

// UnmarshalJSON decodes the feature and keeps its foreign members
func (f *Feature) UnmarshalJSON(data []byte) error {
	type plain Feature
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := foreignMembers(data, featureMembers)
	if err != nil {
		return err
	}
	p.Extra = extra
	*f = Feature(p)
	return nil
}

// MarshalJSON encodes the feature including its foreign members
func (f Feature) MarshalJSON() ([]byte, error) {
	type plain Feature
	return withMembers(plain(f), f.Extra)
}

// foreignMembers returns the members of a JSON object not named in known,
// or nil if there are none
func foreignMembers(data []byte, known []string) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(members, k)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return members, nil
}

// withMembers marshals v and adds extra members it does not already carry
func withMembers(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := members[k]; !ok {
			members[k] = raw
		}
	}
	return json.Marshal(members)
}

// Name returns the subcatchment name of the feature, or "" if it has none
func (f Feature) Name() string {
	if f.Properties == nil {
		return ""
	}
	name, _ := f.Properties[FeatureNameProperty].(string)
	return name
}

// Validate rejects malformed geometry payloads
func (fc *FeatureCollection) Validate() error {
	if fc == nil {
		return &ValidationError{Field: "subcatchments", Message: "is required"}
	}
	if fc.Type != "FeatureCollection" {
		return &ValidationError{Field: "subcatchments.type", Message: fmt.Sprintf("expected FeatureCollection, got %q", fc.Type)}
	}
	for i, f := range fc.Features {
		if f.Type != "Feature" {
			return &ValidationError{Field: fmt.Sprintf("subcatchments.features[%d].type", i), Message: fmt.Sprintf("expected Feature, got %q", f.Type)}
		}
		g := bytes.TrimSpace(f.Geometry)
		if len(g) == 0 || bytes.Equal(g, []byte("null")) {
			return &ValidationError{Field: fmt.Sprintf("subcatchments.features[%d].geometry", i), Message: "is required"}
		}
		if !json.Valid(g) || g[0] != '{' {
			return &ValidationError{Field: fmt.Sprintf("subcatchments.features[%d].geometry", i), Message: "must be a JSON object"}
		}
	}
	return nil
}

// DeepCopy returns an independent copy, so merging results never mutates
// the caller's collection.
func (fc *FeatureCollection) DeepCopy() (*FeatureCollection, error) {
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, err
	}
	var out FeatureCollection
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
