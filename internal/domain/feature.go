package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// NamespaceKey is the reserved properties key holding the namespace block on the wire.
const NamespaceKey = "@ns:com:here:xyz"

type Namespace struct {
	Version   int64  `json:"version"`
	Author    string `json:"author,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	UUID      string `json:"uuid,omitempty"`
	PUUID     string `json:"puuid,omitempty"`
	MUUID     string `json:"muuid,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Feature is one state of a geo-record. Properties never contain NamespaceKey in memory.
type Feature struct {
	ID         string
	Geometry   orb.Geometry
	Properties map[string]any
	NS         Namespace
}

type featureJSON struct {
	Type       string            `json:"type"`
	ID         json.RawMessage   `json:"id,omitempty"`
	Bbox       []float64         `json:"bbox,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

func (f Feature) MarshalJSON() ([]byte, error) {
	props := make(map[string]any, len(f.Properties)+1)
	for k, v := range f.Properties {
		props[k] = v
	}
	props[NamespaceKey] = f.NS
	out := featureJSON{Type: "Feature", Properties: props}
	if f.ID != "" {
		id, err := json.Marshal(f.ID)
		if err != nil {
			return nil, err
		}
		out.ID = id
	}
	if f.Geometry != nil {
		out.Geometry = geojson.NewGeometry(f.Geometry)
		b := f.Geometry.Bound()
		out.Bbox = []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	}
	return json.Marshal(out)
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	var in featureJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "" && in.Type != "Feature" {
		return fmt.Errorf("unsupported geojson type %q", in.Type)
	}
	id, err := decodeID(in.ID)
	if err != nil {
		return err
	}
	*f = Feature{ID: id}
	if in.Geometry != nil {
		f.Geometry = in.Geometry.Geometry()
	}
	f.Properties = make(map[string]any, len(in.Properties))
	for k, v := range in.Properties {
		if k == NamespaceKey {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &f.NS); err != nil {
				return fmt.Errorf("decode namespace: %w", err)
			}
			continue
		}
		f.Properties[k] = v
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("feature id must be a string or number: %w", err)
	}
	return n.String(), nil
}

// Clone deep-copies properties so snapshots never share mutable maps.
func (f Feature) Clone() Feature {
	out := f
	if f.Properties != nil {
		out.Properties = cloneMap(f.Properties)
	}
	if f.Geometry != nil {
		out.Geometry = orb.Clone(f.Geometry)
	}
	return out
}

func (f Feature) IsTombstone() bool { return f.NS.Deleted }

// Bound returns the geometry bounds; ok is false for features without geometry.
func (f Feature) Bound() (orb.Bound, bool) {
	if f.Geometry == nil {
		return orb.Bound{}, false
	}
	return f.Geometry.Bound(), true
}

// SameContent compares geometry and properties, ignoring the namespace block.
func (f Feature) SameContent(o Feature) bool {
	if (f.Geometry == nil) != (o.Geometry == nil) {
		return false
	}
	if f.Geometry != nil && !orb.Equal(f.Geometry, o.Geometry) {
		return false
	}
	return JSONEqual(f.Properties, o.Properties)
}

// JSONEqual compares two values by their canonical JSON encoding; numbers of different Go
// types but equal value compare equal.
func JSONEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// SortFeatures orders features by id in place.
func SortFeatures(fs []Feature) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
}

// WriteItem is one feature of a write request. BaseVersion is nil when the caller declared none.
type WriteItem struct {
	Feature     Feature
	BaseVersion *int64
	Delete      bool
}

type WriteRequest struct {
	Space             string
	Branch            string
	Context           Context
	Mode              WriteMode
	BaseRef           string
	Transactional     bool
	ConflictDetection bool
	OnMergeConflict   OnMergeConflict
	Author            string
	Items             []WriteItem
}

type WriteResult struct {
	Space     string       `json:"space"`
	Branch    string       `json:"branch,omitempty"`
	Version   int64        `json:"version"`
	Committed bool         `json:"committed"`
	Inserted  []Feature    `json:"inserted"`
	Updated   []Feature    `json:"updated"`
	Deleted   []string     `json:"deleted"`
	Unchanged []string     `json:"unchanged,omitempty"`
	Failed    []FailedItem `json:"failed,omitempty"`
}

type featureCollectionJSON struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type nsPeek struct {
	Properties struct {
		NS map[string]json.RawMessage `json:"@ns:com:here:xyz"`
	} `json:"properties"`
}

// DecodeWriteItems parses a GeoJSON FeatureCollection (or a single Feature) into write items.
// A namespace version present in the payload becomes the item's declared base version, and a
// namespace deleted flag turns the item into a delete.
func DecodeWriteItems(data []byte) ([]WriteItem, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, Invalidf("decode features", "%v", err)
	}
	raws := []json.RawMessage{data}
	if head.Type == "FeatureCollection" {
		var fc featureCollectionJSON
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, Invalidf("decode features", "%v", err)
		}
		raws = fc.Features
	}
	items := make([]WriteItem, 0, len(raws))
	for i, raw := range raws {
		var f Feature
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, Invalidf("decode features", "feature %d: %v", i, err)
		}
		item := WriteItem{Feature: f, Delete: f.NS.Deleted}
		var peek nsPeek
		if err := json.Unmarshal(raw, &peek); err == nil {
			if v, ok := peek.Properties.NS["version"]; ok {
				n, err := strconv.ParseInt(string(v), 10, 64)
				if err != nil {
					return nil, Invalidf("decode features", "feature %d: namespace version %s", i, v)
				}
				item.BaseVersion = &n
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// EncodeFeatureCollection renders features as a GeoJSON FeatureCollection.
func EncodeFeatureCollection(fs []Feature) ([]byte, error) {
	if fs == nil {
		fs = []Feature{}
	}
	return json.Marshal(struct {
		Type     string    `json:"type"`
		Features []Feature `json:"features"`
	}{Type: "FeatureCollection", Features: fs})
}
