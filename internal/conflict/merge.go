package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb/geojson"

	"geoledger/internal/domain"
)

// Collision is one attribute both sides of a three-way merge changed to different values.
type Collision struct {
	Path   string
	Ours   any
	Theirs any
}

func (c Collision) String() string {
	return fmt.Sprintf("%s: %s <> %s", c.Path, render(c.Ours), render(c.Theirs))
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

// Diff returns the changes that turn from into to. A key removed in to maps to nil; nested
// objects are diffed recursively and arrays are compared whole.
func Diff(from, to map[string]any) map[string]any {
	out := map[string]any{}
	for k, tv := range to {
		if tm, ok := tv.(map[string]any); ok {
			fm, wasMap := from[k].(map[string]any)
			if nested := Diff(fm, tm); len(nested) > 0 || !wasMap {
				out[k] = nested
			}
			continue
		}
		fv, had := from[k]
		if !had || !domain.JSONEqual(fv, tv) {
			out[k] = tv
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			out[k] = nil
		}
	}
	return out
}

// FindConflicts lists the paths both diffs touch with different results. Diffs that are
// recursively disjoint, or agree on every shared path, do not conflict.
func FindConflicts(ours, theirs map[string]any) []Collision {
	var out []Collision
	findConflicts(ours, theirs, "", &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func findConflicts(a, b map[string]any, path string, out *[]Collision) {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}
		p := k
		if path != "" {
			p = path + "." + k
		}
		am, aObj := av.(map[string]any)
		bm, bObj := bv.(map[string]any)
		if aObj && bObj {
			findConflicts(am, bm, p, out)
			continue
		}
		if !domain.JSONEqual(av, bv) {
			*out = append(*out, Collision{Path: p, Ours: av, Theirs: bv})
		}
	}
}

// Patch applies diff to a copy of target. nil values delete keys.
func Patch(target, diff map[string]any) map[string]any {
	out := make(map[string]any, len(target))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range diff {
		switch dv := v.(type) {
		case nil:
			delete(out, k)
		case map[string]any:
			tm, _ := out[k].(map[string]any)
			out[k] = Patch(tm, dv)
		default:
			out[k] = v
		}
	}
	return out
}

const (
	geometryKey   = "geometry"
	propertiesKey = "properties"
)

// document is the mergeable form of a feature: geometry is one opaque value, properties are
// diffed by key.
func document(f domain.Feature) map[string]any {
	doc := map[string]any{}
	if f.Geometry != nil {
		doc[geometryKey] = geojson.NewGeometry(f.Geometry)
	}
	if f.Properties != nil {
		doc[propertiesKey] = f.Clone().Properties
	}
	return doc
}

func fromDocument(id string, doc map[string]any) domain.Feature {
	f := domain.Feature{ID: id}
	if g, ok := doc[geometryKey].(*geojson.Geometry); ok && g != nil {
		f.Geometry = g.Geometry()
	}
	if p, ok := doc[propertiesKey].(map[string]any); ok {
		f.Properties = p
	}
	return f
}

// Merge3 merges the change from base to ours onto theirs. It returns the collisions instead of
// a state when both sides changed the same attribute differently.
func Merge3(base, theirs, ours domain.Feature) (domain.Feature, []Collision) {
	b := document(base)
	oursDiff := Diff(b, document(ours))
	theirsDiff := Diff(b, document(theirs))
	if collisions := FindConflicts(oursDiff, theirsDiff); len(collisions) > 0 {
		return domain.Feature{}, collisions
	}
	return fromDocument(ours.ID, Patch(document(theirs), oursDiff)), nil
}

// Describe renders collisions for a failed item.
func Describe(collisions []Collision) string {
	parts := make([]string, len(collisions))
	for i, c := range collisions {
		parts[i] = c.String()
	}
	return "merge conflict on " + strings.Join(parts, ", ")
}
