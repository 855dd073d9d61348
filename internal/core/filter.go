package core

import (
	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"geoledger/internal/domain"
)

// Filter is a compiled boolean read filter over id, properties, ns and geometryType.
type Filter struct {
	source  string
	program *exprvm.Program
}

func CompileFilter(source string) (*Filter, error) {
	program, err := exprlang.Compile(source,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, domain.Invalidf("filter", "%v", err)
	}
	return &Filter{source: source, program: program}, nil
}

func (f *Filter) String() string { return f.source }

func (f *Filter) Match(feat domain.Feature) (bool, error) {
	out, err := exprlang.Run(f.program, filterEnv(feat))
	if err != nil {
		return false, domain.Invalidf("filter", "evaluating %q on %q: %v", f.source, feat.ID, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func filterEnv(feat domain.Feature) map[string]any {
	props := feat.Properties
	if props == nil {
		props = map[string]any{}
	}
	geometryType := ""
	if feat.Geometry != nil {
		geometryType = feat.Geometry.GeoJSONType()
	}
	return map[string]any{
		"id":           feat.ID,
		"properties":   props,
		"geometryType": geometryType,
		"ns": map[string]any{
			"version":   feat.NS.Version,
			"author":    feat.NS.Author,
			"createdAt": feat.NS.CreatedAt,
			"updatedAt": feat.NS.UpdatedAt,
			"uuid":      feat.NS.UUID,
			"puuid":     feat.NS.PUUID,
			"deleted":   feat.NS.Deleted,
		},
	}
}

// filter compiles source once per distinct expression.
func (s *Service) filter(source string) (*Filter, error) {
	if f, ok := s.filters.Get(source); ok {
		return f, nil
	}
	f, err := CompileFilter(source)
	if err != nil {
		return nil, err
	}
	s.filters.Add(source, f)
	return f, nil
}
