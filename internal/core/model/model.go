// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type Attributes map[string]any

func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Unset reports whether the attribute is missing or null.
func (a Attributes) Unset(name string) bool {
	v, ok := a[name]
	return !ok || v == nil
}

// Blank reports whether the attribute is unset or a string that is empty after trimming.
func (a Attributes) Blank(name string) bool {
	if a.Unset(name) {
		return true
	}
	if s, ok := a[name].(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// Feature is a record payload: attributes plus an optional geometry.
// UID is a client-side identity assigned before the feature has an object id.
type Feature struct {
	UID        string
	Attributes Attributes
	Geometry   orb.Geometry
}

func (f Feature) Clone() Feature {
	out := Feature{UID: f.UID, Attributes: f.Attributes.Clone()}
	if f.Geometry != nil {
		out.Geometry = orb.Clone(f.Geometry)
	}
	return out
}

var objectIDPattern = regexp.MustCompile(`(?i)objectid`)

// IsObjectIDField reports whether a field name looks like an object id field.
func IsObjectIDField(name string) bool {
	return objectIDPattern.MatchString(name)
}

// DetectIDField returns the first attribute name that looks like an object id, in sorted order.
func (f Feature) DetectIDField() string {
	best := ""
	for k := range f.Attributes {
		if IsObjectIDField(k) && (best == "" || k < best) {
			best = k
		}
	}
	return best
}

// ObjectID returns the numeric object id stored under idField. An empty idField
// falls back to the detected object id attribute.
func (f Feature) ObjectID(idField string) (int64, bool) {
	if idField == "" {
		idField = f.DetectIDField()
	}
	if idField == "" {
		return 0, false
	}
	return AsInt64(f.Attributes[idField])
}

func AsInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

type nullGeometryDoc struct {
	Type       string     `json:"type"`
	ID         string     `json:"id,omitempty"`
	Geometry   any        `json:"geometry"`
	Properties Attributes `json:"properties"`
}

func (f Feature) MarshalJSON() ([]byte, error) {
	props := f.Attributes
	if props == nil {
		props = Attributes{}
	}
	if f.Geometry == nil {
		return json.Marshal(nullGeometryDoc{Type: "Feature", ID: f.UID, Properties: props})
	}
	gf := &geojson.Feature{Type: "Feature", Geometry: f.Geometry, Properties: geojson.Properties(props)}
	if f.UID != "" {
		gf.ID = f.UID
	}
	return gf.MarshalJSON()
}

// Collection is a GeoJSON FeatureCollection of Features.
type Collection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewCollection(fs []Feature) Collection {
	if fs == nil {
		fs = []Feature{}
	}
	return Collection{Type: "FeatureCollection", Features: fs}
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	gf, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return fmt.Errorf("decode feature: %w", err)
	}
	*f = FromGeoJSON(gf)
	return nil
}

// FromGeoJSON converts a decoded GeoJSON feature. A string feature id becomes the UID.
func FromGeoJSON(gf *geojson.Feature) Feature {
	f := Feature{Attributes: Attributes(gf.Properties), Geometry: gf.Geometry}
	if f.Attributes == nil {
		f.Attributes = Attributes{}
	}
	if s, ok := gf.ID.(string); ok {
		f.UID = s
	}
	return f
}

type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
}

type LayerSchema struct {
	IDField string  `json:"idField" yaml:"idField"`
	Fields  []Field `json:"fields" yaml:"fields"`
}

// RequiredFields lists the non-nullable fields, skipping the id field.
func (s LayerSchema) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Name == "" || f.Nullable {
			continue
		}
		if f.Name == s.IDField || IsObjectIDField(f.Name) {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

func (s LayerSchema) EffectiveIDField() string {
	if s.IDField != "" {
		return s.IDField
	}
	for _, f := range s.Fields {
		if IsObjectIDField(f.Name) {
			return f.Name
		}
	}
	return "OBJECTID"
}
