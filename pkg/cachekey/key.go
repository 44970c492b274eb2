// Package cachekey derives the content address of a simulation request.
//
// A key is two hex encoded MD5 digests joined by an underscore: the first
// covers the canonical scenario, the second the canonical subcatchment
// collection. Changing either half invalidates the cached result.
package cachekey

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/psantana5/stormwater/pkg/models"
)

// Separator joins the scenario and subcatchment halves of a key
const Separator = "_"

// ErrInvalidKey is returned when parsing a string that is not a cache key
var ErrInvalidKey = errors.New("invalid cache key")

var keyPattern = regexp.MustCompile(`^[0-9a-f]{32}_[0-9a-f]{32}$`)

// Key is a content-derived cache key. Only Derive and Parse produce keys,
// so any Key obtained from them satisfies Valid.
type Key string

// Parse validates s as a cache key
func Parse(s string) (Key, error) {
	k := Key(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return k, nil
}

// Valid reports whether k has the <scenarioHash>_<subcatchmentsHash> shape
func (k Key) Valid() bool {
	return keyPattern.MatchString(string(k))
}

// ScenarioHash returns the scenario half of the key
func (k Key) ScenarioHash() string {
	h, _, _ := strings.Cut(string(k), Separator)
	return h
}

// SubcatchmentsHash returns the subcatchment half of the key
func (k Key) SubcatchmentsHash() string {
	_, h, _ := strings.Cut(string(k), Separator)
	return h
}

func (k Key) String() string {
	return string(k)
}

// canonicalScenario is the hashed view of a scenario. Enum fields carry
// their string form and a missing update list equals an empty one.
type canonicalScenario struct {
	FlowPath     string                 `json:"flow_path"`
	ModelUpdates []canonicalModelUpdate `json:"model_updates"`
	ReturnPeriod string                 `json:"return_period"`
	Roofs        string                 `json:"roofs"`
}

type canonicalModelUpdate struct {
	OutletID       string `json:"outlet_id"`
	SubcatchmentID string `json:"subcatchment_id"`
}

// ScenarioHash is the hex MD5 of the canonical scenario
func ScenarioHash(s models.ScenarioDefinition) (string, error) {
	cs := canonicalScenario{
		FlowPath:     s.FlowPath,
		ModelUpdates: make([]canonicalModelUpdate, 0, len(s.ModelUpdates)),
		ReturnPeriod: s.ReturnPeriod.String(),
		Roofs:        s.Roofs,
	}
	for _, u := range s.ModelUpdates {
		cs.ModelUpdates = append(cs.ModelUpdates, canonicalModelUpdate{
			OutletID:       u.OutletID,
			SubcatchmentID: u.SubcatchmentID,
		})
	}
	data, err := MarshalCanonical(cs)
	if err != nil {
		return "", fmt.Errorf("canonicalize scenario: %w", err)
	}
	return digest(data), nil
}

// SubcatchmentsHash is the hex MD5 of the canonical feature collection
func SubcatchmentsHash(fc *models.FeatureCollection) (string, error) {
	if fc == nil {
		return "", errors.New("canonicalize subcatchments: nil collection")
	}
	if fc.Features == nil {
		c := *fc
		c.Features = []models.Feature{}
		fc = &c
	}
	data, err := MarshalCanonical(fc)
	if err != nil {
		return "", fmt.Errorf("canonicalize subcatchments: %w", err)
	}
	return digest(data), nil
}

// Derive computes the cache key of a request. It is a pure function of
// the values passed in.
func Derive(s models.ScenarioDefinition, fc *models.FeatureCollection) (Key, error) {
	sh, err := ScenarioHash(s)
	if err != nil {
		return "", err
	}
	gh, err := SubcatchmentsHash(fc)
	if err != nil {
		return "", err
	}
	return Key(sh + Separator + gh), nil
}

func digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
