// Package conformtest provides an in-process trust registry for exercising
// conformance runs end to end.
package conformtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/nonce"
)

// APIKey is the only key the server accepts on high-assurance requests.
const APIKey = "demo-secret"

// Server is a trust registry that behaves like the demo service.
// High-assurance requests need an API key, a fresh nonce and a timestamp
// within two minutes.
type Server struct {
	*httptest.Server

	// DetectReplay rejects a reused nonce with 409. Set it before the
	// first request.
	DetectReplay bool

	ledger *nonce.MemoryLedger
	calls  atomic.Int64
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	f := &Server{ledger: nonce.NewMemoryLedger(), DetectReplay: true}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/trust-registries", f.discovery)
	mux.HandleFunc("POST /authorization", f.authorization)
	mux.HandleFunc("POST /recognition", f.recognition)

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

// Calls is the number of requests received so far.
func (f *Server) Calls() int64 { return f.calls.Load() }

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if cid := r.Header.Get("X-Correlation-Id"); cid != "" {
		w.Header().Set("X-Correlation-Id", cid)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, r *http.Request, status int, errName, msg, code string) {
	writeJSON(w, r, status, map[string]any{
		"detail": map[string]string{"error": errName, "message": msg, "code": code},
	})
}

// authorize returns false after writing an error response.
func (f *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("X-Auth-Mode"), "high_assurance") {
		return true
	}
	if r.Header.Get("X-API-Key") != APIKey {
		writeDetail(w, r, http.StatusUnauthorized, "unauthorized", "Missing/invalid API key", "UNAUTHORIZED")
		return false
	}
	n, ts := r.Header.Get("X-Nonce"), r.Header.Get("X-Timestamp")
	if n == "" || ts == "" {
		writeDetail(w, r, http.StatusUnauthorized, "unauthorized", "Missing nonce/timestamp", "MISSING_NONCE_TS")
		return false
	}
	fresh, _ := f.ledger.Claim(r.Context(), n, time.Hour)
	if !fresh && f.DetectReplay {
		writeDetail(w, r, http.StatusConflict, "replay_detected", "Nonce already used", "REPLAY")
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		writeDetail(w, r, http.StatusBadRequest, "bad_request", "Invalid timestamp format", "BAD_TS")
		return false
	}
	if skew := time.Since(at); skew > 2*time.Minute || skew < -2*time.Minute {
		writeDetail(w, r, http.StatusBadRequest, "bad_request", "Timestamp skew too large", "SKEW")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any, required ...string) bool {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeDetail(w, r, http.StatusUnprocessableEntity, "invalid_body", err.Error(), "VALIDATION")
		return false
	}
	for _, k := range required {
		if _, ok := raw[k].(string); !ok {
			writeDetail(w, r, http.StatusUnprocessableEntity, "invalid_body", "field required: "+k, "VALIDATION")
			return false
		}
	}
	b, _ := json.Marshal(raw)
	_ = json.Unmarshal(b, v)
	return true
}

func (f *Server) discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, []map[string]any{{
		"authority_id":         "did:example:transport-ministry",
		"trqp_endpoint":        f.URL,
		"governance_reference": "https://example.org/gf/transport-v1",
		"profiles":             []string{"baseline", "enterprise", "high_assurance"},
	}})
}

func (f *Server) authorization(w http.ResponseWriter, r *http.Request) {
	if !f.authorize(w, r) {
		return
	}
	var q struct {
		AuthorityID string  `json:"authority_id"`
		EntityID    string  `json:"entity_id"`
		Action      string  `json:"action"`
		Resource    *string `json:"resource"`
	}
	if !decode(w, r, &q, "authority_id", "entity_id", "action") {
		return
	}
	authorized := q.EntityID == "did:example:logistics-sp-123" && q.Action == "issue-transport-credential"
	var ref any
	reason := "No matching authorization record found."
	if authorized {
		ref = "urn:vc:statuslist:123#entry-99"
		reason = "Authorization found and currently valid."
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"authority_id": q.AuthorityID,
		"entity_id":    q.EntityID,
		"action":       q.Action,
		"resource":     q.Resource,
		"decision": map[string]any{
			"authorized":          authorized,
			"reason":              reason,
			"valid_from":          "2024-01-01T00:00:00Z",
			"valid_until":         "2026-01-01T00:00:00Z",
			"assertion_reference": ref,
		},
	})
}

func (f *Server) recognition(w http.ResponseWriter, r *http.Request) {
	if !f.authorize(w, r) {
		return
	}
	var q struct {
		AuthorityID        string `json:"authority_id"`
		SubjectAuthorityID string `json:"subject_authority_id"`
	}
	if !decode(w, r, &q, "authority_id", "subject_authority_id") {
		return
	}
	recognised := q.SubjectAuthorityID == "did:example:foreign-authority-xyz"
	statement := map[string]any{
		"recognised":           recognised,
		"reason":               "No recognition relationship found.",
		"recognised_since":     nil,
		"valid_until":          nil,
		"governance_reference": nil,
	}
	if recognised {
		statement["reason"] = "Recognised according to current governance framework."
		statement["recognised_since"] = "2024-06-01T00:00:00Z"
		statement["governance_reference"] = "https://example.org/gf/transport-recognition-v1"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"authority_id":         q.AuthorityID,
		"subject_authority_id": q.SubjectAuthorityID,
		"statement":            statement,
	})
}
