package conform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/assertion"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/catalog"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

// High-assurance request headers.
const (
	HeaderAuthMode  = "X-Auth-Mode"
	HeaderAPIKey    = "X-API-Key"
	HeaderNonce     = "X-Nonce"
	HeaderTimestamp = "X-Timestamp"

	authModeHighAssurance = "high_assurance"
)

// runCase produces the record and verdict for one case. It never returns an
// error: transport failures become an ERROR verdict.
func (e *Engine) runCase(ctx context.Context, tc *catalog.TestCase) (*evidence.CaseRecord, evidence.Verdict) {
	if !tc.AppliesTo(e.profile.ID) {
		return e.notApplicable(tc)
	}

	record := &evidence.CaseRecord{
		TestCaseID: tc.ID,
		Name:       tc.Name,
		Request: evidence.RequestRecord{
			Method:  tc.Method,
			Path:    tc.Path,
			Headers: map[string]string{},
			Body:    tc.Request.Body,
		},
		Response: evidence.ResponseRecord{Headers: map[string]string{}},
	}
	verdict := evidence.Verdict{TestCaseID: tc.ID}

	fail := func(err error, elapsed time.Duration) (*evidence.CaseRecord, evidence.Verdict) {
		record.ElapsedMs = elapsed.Milliseconds()
		record.Assertions = append(record.Assertions, assertion.Result{
			Type:  assertion.TypeException,
			Pass:  false,
			Error: err.Error(),
		})
		verdict.Result = evidence.ResultError
		verdict.ElapsedMs = record.ElapsedMs
		verdict.Reason = err.Error()
		return record, verdict
	}

	headers, err := e.requestHeaders(ctx, tc)
	record.Request.Headers = redact(headers)
	if err != nil {
		return fail(err, 0)
	}

	var body []byte
	if tc.Request.Body != nil {
		body, err = json.Marshal(tc.Request.Body)
		if err != nil {
			return fail(fmt.Errorf("encode request body: %w", err), 0)
		}
	}

	start := e.clock()
	resp, err := e.send(ctx, tc, headers, body)
	elapsed := e.clock().Sub(start)
	if err != nil {
		return fail(err, elapsed)
	}
	record.Response = responseRecord(resp)

	outcome := e.assertions.Evaluate(&tc.Expect, resp)
	record.Assertions = outcome.Results
	if outcome.JSONParsed {
		record.Response.JSON = outcome.JSON
	}
	pass := outcome.Pass

	if tc.Replay && e.profile.HighAssurance() {
		// Same headers, so the same nonce and timestamp.
		again, err := e.send(ctx, tc, headers, body)
		elapsed = e.clock().Sub(start)
		if err != nil {
			return fail(fmt.Errorf("replay: %w", err), elapsed)
		}
		want := tc.Expect.ExpectedReplayStatus()
		r := assertion.Result{
			Type:     assertion.TypeReplay,
			Expected: assertion.Of(want),
			Actual:   assertion.Of(again.Status),
			Pass:     again.Status == want,
		}
		record.Assertions = append(record.Assertions, r)
		pass = pass && r.Pass
	}

	record.ElapsedMs = elapsed.Milliseconds()
	verdict.ElapsedMs = record.ElapsedMs
	if pass {
		verdict.Result = evidence.ResultPass
	} else {
		verdict.Result = evidence.ResultFail
		verdict.Reason = failedReason(record.Assertions)
	}
	return record, verdict
}

func (e *Engine) notApplicable(tc *catalog.TestCase) (*evidence.CaseRecord, evidence.Verdict) {
	reason := "not applicable to profile " + e.profile.ID
	record := &evidence.CaseRecord{
		TestCaseID: tc.ID,
		Name:       tc.Name,
		Request: evidence.RequestRecord{
			Method:  tc.Method,
			Path:    tc.Path,
			Headers: map[string]string{},
		},
		Response: evidence.ResponseRecord{Headers: map[string]string{}},
		Assertions: []assertion.Result{{
			Type:      assertion.TypeProfileGate,
			Profiles:  tc.Profiles,
			ProfileID: e.profile.ID,
			Pass:      true,
		}},
		Skipped:    true,
		SkipReason: reason,
	}
	return record, evidence.Verdict{
		TestCaseID: tc.ID,
		Result:     evidence.ResultNotApplicable,
		Reason:     reason,
	}
}

// requestHeaders merges SUT defaults, case headers and, for authenticated
// cases under high assurance, the high-assurance headers. Later sources win.
func (e *Engine) requestHeaders(ctx context.Context, tc *catalog.TestCase) (map[string]string, error) {
	headers := make(map[string]string, len(e.sut.DefaultHeaders)+len(tc.Request.Headers)+4)
	for k, v := range e.sut.DefaultHeaders {
		headers[k] = v
	}
	for k, v := range tc.Request.Headers {
		headers[k] = v
	}
	if tc.Request.Body != nil && !hasHeader(headers, "Content-Type") {
		headers["Content-Type"] = "application/json"
	}

	if !e.profile.HighAssurance() || tc.Unauthenticated() {
		return headers, nil
	}

	n, err := e.nonces.Issue(ctx)
	if err != nil {
		return headers, fmt.Errorf("issue nonce: %w", err)
	}
	headers[HeaderAuthMode] = authModeHighAssurance
	headers[HeaderAPIKey] = e.sut.APIKey
	headers[HeaderNonce] = n
	headers[HeaderTimestamp] = evidence.Timestamp(e.clock())
	return headers, nil
}

// send performs exactly one HTTP exchange.
func (e *Engine) send(ctx context.Context, tc *catalog.TestCase, headers map[string]string, body []byte) (assertion.Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return assertion.Response{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	url := strings.TrimRight(e.sut.BaseURL, "/") + tc.Path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, tc.Method, url, rd)
	if err != nil {
		return assertion.Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return assertion.Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return assertion.Response{}, fmt.Errorf("read response body: %w", err)
	}
	return assertion.Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

func responseRecord(resp assertion.Response) evidence.ResponseRecord {
	status := resp.Status
	headers := make(map[string]string, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[k] = strings.Join(v, ", ")
	}
	return evidence.ResponseRecord{
		Status:  &status,
		Headers: headers,
		Text:    string(resp.Body),
	}
}

func redact(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if config.SensitiveHeader(k) {
			v = config.Redacted
		}
		out[k] = v
	}
	return out
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// failedReason lists the distinct failing assertion types in first-seen order.
func failedReason(results []assertion.Result) string {
	seen := make(map[string]bool)
	var types []string
	for _, r := range results {
		if !r.Pass && !seen[r.Type] {
			seen[r.Type] = true
			types = append(types, r.Type)
		}
	}
	if len(types) == 0 {
		return ""
	}
	return "failed: " + strings.Join(types, ", ")
}
