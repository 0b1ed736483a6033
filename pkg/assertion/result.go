package assertion

import "encoding/json"

// Assertion type tags recorded in case files.
const (
	TypeExpectConfig = "expect_config"
	TypeStatus       = "status"
	TypeStatusIn     = "status_in"
	TypeJSONParse    = "json_parse"
	TypeHeader       = "header_contains"
	TypeSchema       = "schema"
	TypePathExists   = "json_path_exists"
	TypePathEquals   = "json_path_equals"
	TypePathIn       = "json_path_in"
	TypeCEL          = "cel"
	TypeReplay       = "replay"
	TypeProfileGate  = "profile_gate"
	TypeException    = "exception"
)

// Result is one evaluated check. Which optional fields are set depends on Type.
type Result struct {
	Type      string   `json:"type"`
	Path      string   `json:"path,omitempty"`
	Header    string   `json:"header,omitempty"`
	Schema    string   `json:"schema,omitempty"`
	Expr      string   `json:"expr,omitempty"`
	Profiles  []string `json:"profiles,omitempty"`
	ProfileID string   `json:"profile_id,omitempty"`
	Expected  Value    `json:"expected,omitzero"`
	Allowed   []any    `json:"allowed,omitempty"`
	Actual    Value    `json:"actual,omitzero"`
	Pass      bool     `json:"pass"`
	Error     string   `json:"error,omitempty"`
}

// Value carries an expected or observed value. A set Value holding nil is
// written as JSON null; an unset Value is omitted.
type Value struct {
	V   any
	Set bool
}

// Of wraps v as a set Value.
func Of(v any) Value { return Value{V: v, Set: true} }

func (v Value) IsZero() bool { return !v.Set }

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.V)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	v.Set = true
	return json.Unmarshal(b, &v.V)
}

// Outcome is the evaluation of one expectation set against one response.
type Outcome struct {
	Pass    bool
	Results []Result
	// JSON is the parsed body, populated only when a JSON-dependent check was
	// declared and parsing succeeded.
	JSON       any
	JSONParsed bool
}

func (o *Outcome) add(r Result) {
	o.Results = append(o.Results, r)
	if !r.Pass {
		o.Pass = false
	}
}
