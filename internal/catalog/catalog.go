// Package catalog compiles element placement rules from CUE.
//
// A catalog declares the grid size and one entry per element type:
//
//	grid: { rows: 3, cols: 5 }
//	element: {
//		vela: maxCount: 6
//		foto: { maxCount: 1, row: "top", column: "center" }
//	}
//
// A catalog directory is read as one anonymous instance: its files carry no
// package clause.
//
// Every catalog is unified with an embedded schema before it is read, so a
// malformed rule surfaces as a CompileError carrying the CUE source position.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE string

// Catalog is a compiled set of element rules.
type Catalog struct {
	Dimensions ir.Dimensions
	Rules      []grid.Rule
}

// Validator builds a grid validator over the catalog's rules.
func (c *Catalog) Validator(opts ...grid.Option) *grid.Validator {
	return grid.NewValidator(c.Rules, opts...)
}

// Types returns the element types in the catalog, sorted.
func (c *Catalog) Types() []string {
	types := make([]string, len(c.Rules))
	for i, r := range c.Rules {
		types[i] = r.Type
	}
	return types
}

// CompileError is a catalog problem with its CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return CompileString("default.cue", defaultCUE)
}

// MustDefault is like Default but panics on error.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// CompileString compiles a single CUE source.
func CompileString(filename, src string) (*Catalog, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err, cue.Value{})
	}
	return compile(ctx, v)
}

// LoadDir compiles every .cue file in dir as one CUE instance.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("catalog: no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: "_"})
	if len(instances) == 0 {
		return nil, fmt.Errorf("catalog: no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err, cue.Value{})
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err, cue.Value{})
	}
	return compile(ctx, v)
}

func compile(ctx *cue.Context, v cue.Value) (*Catalog, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err, cue.Value{})
	}
	src := v
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, src)
	}

	cat := &Catalog{Dimensions: ir.DefaultDimensions}

	gridVal := v.LookupPath(cue.ParsePath("grid"))
	if gridVal.Exists() {
		var dims ir.Dimensions
		if err := gridVal.Decode(&dims); err != nil {
			return nil, formatCUEError(err, src)
		}
		cat.Dimensions = dims
	}

	elemVal := v.LookupPath(cue.ParsePath("element"))
	if !elemVal.Exists() {
		return nil, &CompileError{
			Field:   "element",
			Message: "at least one element is required",
			Pos:     v.Pos(),
		}
	}
	iter, err := elemVal.Fields()
	if err != nil {
		return nil, formatCUEError(err, src)
	}
	for iter.Next() {
		rule, err := compileRule(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cat.Rules = append(cat.Rules, rule)
	}
	if len(cat.Rules) == 0 {
		return nil, &CompileError{
			Field:   "element",
			Message: "at least one element is required",
			Pos:     elemVal.Pos(),
		}
	}

	sort.Slice(cat.Rules, func(i, j int) bool { return cat.Rules[i].Type < cat.Rules[j].Type })
	return cat, nil
}

func compileRule(name string, v cue.Value) (grid.Rule, error) {
	rule := grid.Rule{Type: name}
	if err := v.Decode(&rule); err != nil {
		return rule, formatCUEError(err, v)
	}
	rule.Type = name
	if err := grid.ValidateRule(rule); err != nil {
		return rule, &CompileError{
			Field:   "element." + name,
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	return rule, nil
}

// formatCUEError turns a CUE error into a CompileError. The position comes
// from the first listed error that has one, then from the value at an
// error's path in src, then from src itself.
func formatCUEError(err error, src cue.Value) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	for _, e := range errs {
		if pos := errorPos(e); pos.IsValid() {
			return &CompileError{Field: "cue", Message: e.Error(), Pos: pos}
		}
	}
	if src.Exists() {
		for _, e := range errs {
			if pos := pathPos(src, e.Path()); pos.IsValid() {
				return &CompileError{Field: "cue", Message: e.Error(), Pos: pos}
			}
		}
	}
	return &CompileError{Field: "cue", Message: err.Error(), Pos: src.Pos()}
}

func errorPos(e errors.Error) token.Pos {
	if pos := e.Position(); pos.IsValid() {
		return pos
	}
	for _, pos := range errors.Positions(e) {
		if pos.IsValid() {
			return pos
		}
	}
	return token.NoPos
}

func pathPos(v cue.Value, path []string) token.Pos {
	if len(path) == 0 {
		return token.NoPos
	}
	sels := make([]cue.Selector, len(path))
	for i, label := range path {
		sels[i] = cue.Str(label)
	}
	if at := v.LookupPath(cue.MakePath(sels...)); at.Exists() {
		return at.Pos()
	}
	return token.NoPos
}
