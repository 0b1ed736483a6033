// Package config loads the conformance profile and system-under-test
// descriptions that parameterize a run.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HighAssuranceID is the profile id that enables the high-assurance posture
// when the profile does not say otherwise.
const HighAssuranceID = "high_assurance"

// DefaultTimeoutSeconds bounds each HTTP call when the SUT does not set one.
const DefaultTimeoutSeconds = 20

// Environment fallbacks for secrets kept out of the SUT file.
const (
	EnvAPIKey     = "TRQP_CTS_API_KEY"
	EnvSigningKey = "TRQP_CTS_SIGNING_KEY_B64"
)

// Redacted replaces sensitive values in recorded metadata.
const Redacted = "[REDACTED]"

var ErrInvalid = errors.New("config: invalid")

// Profile is a named conformance profile.
type Profile struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Gates       Gates          `yaml:"gates" json:"gates"`
	Evidence    EvidencePolicy `yaml:"evidence" json:"evidence"`
	Security    Security       `yaml:"security" json:"security"`
}

// Gates are preconditions checked before any request is sent.
type Gates struct {
	RequireStateReference bool `yaml:"require_state_reference" json:"require_state_reference"`
}

// EvidencePolicy controls what the pipeline produces after the cases run.
type EvidencePolicy struct {
	SignManifest bool  `yaml:"sign_manifest" json:"sign_manifest"`
	Bundle       *bool `yaml:"bundle,omitempty" json:"bundle,omitempty"`
}

// Security selects the request posture.
type Security struct {
	HighAssurance *bool `yaml:"high_assurance,omitempty" json:"high_assurance,omitempty"`
}

// BundleEnabled defaults to true.
func (p *Profile) BundleEnabled() bool {
	return p.Evidence.Bundle == nil || *p.Evidence.Bundle
}

// HighAssurance reports whether requests carry the high-assurance headers.
func (p *Profile) HighAssurance() bool {
	if p.Security.HighAssurance != nil {
		return *p.Security.HighAssurance
	}
	return p.ID == HighAssuranceID
}

// SUT describes the system under test. APIKey and SigningKeyB64 are secrets.
type SUT struct {
	BaseURL        string            `yaml:"base_url"`
	DefaultHeaders map[string]string `yaml:"default_headers,omitempty"`
	APIKey         string            `yaml:"api_key,omitempty"`
	SigningKeyB64  string            `yaml:"signing_key_b64,omitempty"`
	StateReference string            `yaml:"state_reference,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	RateLimitRPS   float64           `yaml:"rate_limit_rps,omitempty"`
}

// Timeout is the per-call HTTP timeout.
func (s *SUT) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// LoadProfile reads a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a profile document.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: profile id is required", ErrInvalid)
	}
	return &p, nil
}

// LoadSUT reads a SUT YAML file and applies defaults and environment
// fallbacks.
func LoadSUT(path string) (*SUT, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sut %q: %w", path, err)
	}
	return ParseSUT(data)
}

// ParseSUT decodes and validates a SUT document.
func ParseSUT(data []byte) (*SUT, error) {
	var s SUT
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sut: %w", err)
	}

	if s.APIKey == "" {
		s.APIKey = os.Getenv(EnvAPIKey)
	}
	if s.SigningKeyB64 == "" {
		s.SigningKeyB64 = os.Getenv(EnvSigningKey)
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if s.RateLimitRPS < 0 {
		return nil, fmt.Errorf("%w: rate_limit_rps must not be negative", ErrInvalid)
	}

	u, err := url.Parse(s.BaseURL)
	if err != nil || s.BaseURL == "" {
		return nil, fmt.Errorf("%w: base_url %q is not a valid URL", ErrInvalid, s.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base_url %q must be http or https", ErrInvalid, s.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: base_url %q has no host", ErrInvalid, s.BaseURL)
	}
	return &s, nil
}

// SUTSummary is the SUT as recorded in run metadata. Secrets are reduced to
// presence flags and sensitive header values are redacted.
type SUTSummary struct {
	BaseURL              string            `json:"base_url"`
	DefaultHeaders       map[string]string `json:"default_headers,omitempty"`
	StateReference       string            `json:"state_reference,omitempty"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	RateLimitRPS         float64           `json:"rate_limit_rps,omitempty"`
	APIKeyConfigured     bool              `json:"api_key_configured"`
	SigningKeyConfigured bool              `json:"signing_key_configured"`
}

// Summary builds the redacted view of s.
func (s *SUT) Summary() SUTSummary {
	var headers map[string]string
	if len(s.DefaultHeaders) > 0 {
		headers = make(map[string]string, len(s.DefaultHeaders))
		for k, v := range s.DefaultHeaders {
			if SensitiveHeader(k) {
				v = Redacted
			}
			headers[k] = v
		}
	}
	return SUTSummary{
		BaseURL:              s.BaseURL,
		DefaultHeaders:       headers,
		StateReference:       s.StateReference,
		TimeoutSeconds:       s.TimeoutSeconds,
		RateLimitRPS:         s.RateLimitRPS,
		APIKeyConfigured:     s.APIKey != "",
		SigningKeyConfigured: s.SigningKeyB64 != "",
	}
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

var sensitiveFragments = []string{"token", "secret", "password", "api-key", "apikey"}

// SensitiveHeader reports whether a header value must not be written to
// evidence or logs.
func SensitiveHeader(name string) bool {
	n := strings.ToLower(name)
	if sensitiveHeaders[n] {
		return true
	}
	for _, f := range sensitiveFragments {
		if strings.Contains(n, f) {
			return true
		}
	}
	return false
}
