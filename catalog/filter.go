package catalog

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"

	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/stream"
)

var filterEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("granule", cel.MapType(cel.StringType, cel.DynType)),
		cel.EagerlyValidateDeclarations(true),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to construct CEL filter env: %v", err))
	}
	filterEnv = env
}

// Filter is a compiled CEL predicate over a granule, for example
//
//	granule.cloud_hosted && granule.size < 500.0 && granule.provider == "PODAAC"
//
// The granule is exposed as a map with the keys id, provider, size, links
// and cloud_hosted. A Filter is safe for concurrent use.
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr.
func NewFilter(expr string) (*Filter, error) {
	const op = "catalog.NewFilter"

	ast, issues := filterEnv.CompileSource(common.NewStringSource(expr, "filter"))
	if issues != nil {
		if err := issues.Err(); err != nil {
			return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, err)
		}
	}

	out := ast.OutputType()
	if !reflect.DeepEqual(out, cel.BoolType) && !reflect.DeepEqual(out, cel.DynType) {
		return nil, fetcherr.New(op, fetcherr.KindConfiguration,
			fmt.Sprintf("expected a bool filter expression, but got '%s'", out))
	}

	prg, err := filterEnv.Program(ast)
	if err != nil {
		return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, fmt.Errorf("filter construction: %w", err))
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against g.
func (f *Filter) Match(g Granule) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{"granule": g.attributes()})
	if err != nil {
		return false, fmt.Errorf("evaluate filter on granule %s: %w", g.ID, err)
	}

	v, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("filter on granule %s did not return a bool: %w", g.ID, err)
	}
	matched, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("filter on granule %s did not return a bool", g.ID)
	}
	return matched, nil
}

type filtered struct {
	src    stream.Source[Granule]
	filter *Filter
}

// Filtered returns a source yielding only the granules of src that match
// filter. An evaluation error ends the source.
func Filtered(src stream.Source[Granule], filter *Filter) stream.Source[Granule] {
	if filter == nil {
		return src
	}
	return &filtered{src: src, filter: filter}
}

func (f *filtered) Next(ctx context.Context) (Granule, bool, error) {
	for {
		g, ok, err := f.src.Next(ctx)
		if err != nil || !ok {
			return g, ok, err
		}
		matched, err := f.filter.Match(g)
		if err != nil {
			return Granule{}, false, err
		}
		if matched {
			return g, true, nil
		}
	}
}
