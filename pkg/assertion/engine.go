// Package assertion evaluates catalog expectations against an HTTP response.
//
// Every declared expectation produces at least one Result and is evaluated
// independently of the others; the overall verdict is the AND of all pass
// flags. Nothing in here returns an error for a failed check.
package assertion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/catalog"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/pathquery"
)

// schemaBase anchors catalog schema documents so relative $ref values resolve
// between them without touching the network.
const schemaBase = "https://catalog.trqp-cts.local/"

// ErrExpectation is wrapped by every Check failure.
var ErrExpectation = errors.New("invalid expectation")

// SchemaSource resolves schema names used by expectations.
type SchemaSource interface {
	Schema(name string) ([]byte, error)
	SchemaNames() ([]string, error)
}

// Response is the observed HTTP exchange result.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Engine evaluates expectation sets. It caches compiled schemas, parsed
// queries and CEL programs and is safe for concurrent use.
type Engine struct {
	src SchemaSource
	env *cel.Env

	mu       sync.Mutex
	compiler *jsonschema.Compiler
	added    map[string]bool
	schemas  map[string]*jsonschema.Schema
	queries  map[string]*pathquery.Query
	programs map[string]cel.Program
}

// NewEngine registers every schema src knows about. src may be nil when no
// expectation references a schema.
func NewEngine(src SchemaSource) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("body", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	e := &Engine{
		src:      src,
		env:      env,
		compiler: c,
		added:    make(map[string]bool),
		schemas:  make(map[string]*jsonschema.Schema),
		queries:  make(map[string]*pathquery.Query),
		programs: make(map[string]cel.Program),
	}

	if src != nil {
		names, err := src.SchemaNames()
		if err != nil {
			return nil, fmt.Errorf("list schemas: %w", err)
		}
		for _, name := range names {
			if err := e.addResource(name); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// addResource must be called with mu held or before the engine is shared.
func (e *Engine) addResource(name string) error {
	if e.added[name] {
		return nil
	}
	if e.src == nil {
		return fmt.Errorf("schema %s: no schema source configured", name)
	}
	data, err := e.src.Schema(name)
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	if err := e.compiler.AddResource(schemaBase+name, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("schema %s load failed: %w", name, err)
	}
	e.added[name] = true
	return nil
}

func (e *Engine) schema(name string) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.schemas[name]; ok {
		return s, nil
	}
	if err := e.addResource(name); err != nil {
		return nil, err
	}
	s, err := e.compiler.Compile(schemaBase + name)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	e.schemas[name] = s
	return s, nil
}

func (e *Engine) query(expr string) (*pathquery.Query, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queries[expr]; ok {
		return q, nil
	}
	q, err := pathquery.Parse(expr)
	if err != nil {
		return nil, err
	}
	e.queries[expr] = q
	return q, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[expr]; ok {
		return p, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression yields %s, want bool", out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.programs[expr] = prg
	return prg, nil
}

// Check validates the syntax of every query, CEL expression and schema
// reference in exp without a response in hand.
func (e *Engine) Check(exp *catalog.Expectation) error {
	var errs []error

	if exp.Schema != "" {
		if _, err := e.schema(exp.Schema); err != nil {
			errs = append(errs, err)
		}
	}

	var paths []string
	paths = append(paths, exp.PathExists...)
	for _, pc := range exp.PathEquals {
		paths = append(paths, pc.Path)
	}
	for _, pm := range exp.PathIn {
		paths = append(paths, pm.Path)
	}
	for _, p := range paths {
		if _, err := e.query(p); err != nil {
			errs = append(errs, err)
		}
	}

	for _, expr := range exp.CEL {
		if _, err := e.program(expr); err != nil {
			errs = append(errs, fmt.Errorf("cel %q: %w", expr, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrExpectation, errors.Join(errs...))
}

// Evaluate applies exp to resp.
func (e *Engine) Evaluate(exp *catalog.Expectation, resp Response) Outcome {
	out := Outcome{Pass: true}

	if exp.Status != nil && exp.HasStatusIn() {
		out.add(Result{
			Type:  TypeExpectConfig,
			Pass:  false,
			Error: "expect.status and expect.status_in are mutually exclusive",
		})
	}

	if exp.Status != nil {
		out.add(Result{
			Type:     TypeStatus,
			Expected: Of(*exp.Status),
			Actual:   Of(resp.Status),
			Pass:     resp.Status == *exp.Status,
		})
	}

	if exp.HasStatusIn() {
		pass := false
		for _, s := range exp.StatusIn {
			if s == resp.Status {
				pass = true
				break
			}
		}
		out.add(Result{
			Type:     TypeStatusIn,
			Expected: Of(exp.StatusIn),
			Actual:   Of(resp.Status),
			Pass:     pass,
		})
	}

	if exp.NeedsJSON() {
		var doc any
		if err := json.Unmarshal(resp.Body, &doc); err != nil {
			out.add(Result{Type: TypeJSONParse, Pass: false, Error: err.Error()})
		} else {
			out.JSON = doc
			out.JSONParsed = true
			out.add(Result{Type: TypeJSONParse, Pass: true})
		}
	}

	e.checkHeaders(&out, exp.HeaderContains, resp.Headers)

	if !out.JSONParsed {
		return out
	}

	if exp.Schema != "" {
		out.add(e.checkSchema(exp.Schema, out.JSON))
	}
	for _, p := range exp.PathExists {
		out.add(e.checkExists(p, out.JSON))
	}
	for _, pc := range exp.PathEquals {
		out.add(e.checkEquals(pc, out.JSON))
	}
	for _, pm := range exp.PathIn {
		out.add(e.checkIn(pm, out.JSON))
	}
	for _, expr := range exp.CEL {
		out.add(e.checkCEL(expr, resp, out.JSON))
	}
	return out
}

func (e *Engine) checkHeaders(out *Outcome, want map[string]string, got http.Header) {
	names := make([]string, 0, len(want))
	for k := range want {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		expected := want[name]
		r := Result{Type: TypeHeader, Header: name, Expected: Of(expected)}

		values := got.Values(name)
		if len(values) == 0 {
			r.Actual = Of(nil)
			r.Pass = false
			out.add(r)
			continue
		}
		actual := strings.Join(values, ", ")
		r.Actual = Of(actual)
		if strings.EqualFold(name, "content-type") {
			r.Pass = strings.Contains(actual, expected)
		} else {
			r.Pass = actual == expected
		}
		out.add(r)
	}
}

func (e *Engine) checkSchema(name string, doc any) Result {
	r := Result{Type: TypeSchema, Schema: name}
	s, err := e.schema(name)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			r.Error = fmt.Sprintf("%#v", ve)
		} else {
			r.Error = err.Error()
		}
		return r
	}
	r.Pass = true
	return r
}

func (e *Engine) checkExists(expr string, doc any) Result {
	r := Result{Type: TypePathExists, Path: expr}
	q, err := e.query(expr)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	v, ok := q.Eval(doc)
	if arr, isArr := v.([]any); isArr && q.HasWildcard() {
		// A wildcard exists only through a non-null survivor.
		v = slices.DeleteFunc(slices.Clone(arr), func(x any) bool { return x == nil })
	}
	r.Pass = ok && v != nil
	if arr, isArr := v.([]any); isArr && len(arr) == 0 {
		r.Pass = false
	}
	return r
}

func (e *Engine) checkEquals(pc catalog.PathCheck, doc any) Result {
	r := Result{Type: TypePathEquals, Path: pc.Path, Expected: Of(pc.Value)}
	q, err := e.query(pc.Path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	v, ok := q.Eval(doc)
	if !ok {
		r.Error = "no value at path"
		return r
	}
	r.Actual = Of(v)
	r.Pass = Equal(v, pc.Value)
	return r
}

func (e *Engine) checkIn(pm catalog.PathMembership, doc any) Result {
	r := Result{Type: TypePathIn, Path: pm.Path, Allowed: pm.Allowed}
	if r.Allowed == nil {
		r.Allowed = []any{}
	}
	q, err := e.query(pm.Path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	v, ok := q.Eval(doc)
	if !ok {
		r.Error = "no value at path"
		return r
	}
	r.Actual = Of(v)
	for _, allowed := range pm.Allowed {
		if Equal(v, allowed) {
			r.Pass = true
			break
		}
	}
	return r
}

func (e *Engine) checkCEL(expr string, resp Response, doc any) Result {
	r := Result{Type: TypeCEL, Expr: expr}
	prg, err := e.program(expr)
	if err != nil {
		r.Error = err.Error()
		return r
	}

	headers := make(map[string]string, len(resp.Headers))
	for k, vs := range resp.Headers {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}

	val, _, err := prg.Eval(map[string]any{
		"status":  int64(resp.Status),
		"headers": headers,
		"body":    doc,
	})
	if err != nil {
		r.Error = err.Error()
		return r
	}
	b, ok := val.Value().(bool)
	if !ok {
		r.Error = fmt.Sprintf("expression yielded %v, want bool", val.Value())
		return r
	}
	r.Actual = Of(b)
	r.Pass = b
	return r
}

// Equal reports deep equality between a decoded JSON value and a catalog
// literal. Both sides are normalised through JSON so YAML integers compare
// equal to JSON numbers.
func Equal(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
