package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// ProtectionConfig is the runtime-tunable part of the configuration: detector
// thresholds, windows and toggles. It is loaded from the protection section of
// the config file and can be changed at runtime through the control surface.
// Counts are integers >= 1; windows and timeouts are seconds > 0.
type ProtectionConfig struct {
	Enabled               bool `yaml:"enabled"                 env:"ENABLED"                 json:"enabled"`
	RateLimitEnabled      bool `yaml:"rate_limit_enabled"      env:"RATE_LIMIT_ENABLED"      json:"rateLimitEnabled"`
	RapidBurstEnabled     bool `yaml:"rapid_burst_enabled"     env:"RAPID_BURST_ENABLED"     json:"rapidBurstEnabled"`
	PatternEnabled        bool `yaml:"pattern_enabled"         env:"PATTERN_ENABLED"         json:"patternEnabled"`
	CircuitBreakerEnabled bool `yaml:"circuit_breaker_enabled" env:"CIRCUIT_BREAKER_ENABLED" json:"circuitBreakerEnabled"`
	ScopeByClient         bool `yaml:"scope_by_client"         env:"SCOPE_BY_CLIENT"         json:"scopeByClient"`
	PatternIncludeQuery   bool `yaml:"pattern_include_query"   env:"PATTERN_INCLUDE_QUERY"   json:"patternIncludeQuery"`
	PatternIncludeBody    bool `yaml:"pattern_include_body"    env:"PATTERN_INCLUDE_BODY"    json:"patternIncludeBody"`

	RateLimitRequests              int     `yaml:"rate_limit_requests"               env:"RATE_LIMIT_REQUESTS"               json:"rateLimitRequests"`
	RateLimitWindowSeconds         float64 `yaml:"rate_limit_window_seconds"         env:"RATE_LIMIT_WINDOW_SECONDS"         json:"rateLimitWindowSeconds"`
	RapidRequestThreshold          int     `yaml:"rapid_request_threshold"           env:"RAPID_REQUEST_THRESHOLD"           json:"rapidRequestThreshold"`
	RapidRequestWindowSeconds      float64 `yaml:"rapid_request_window_seconds"      env:"RAPID_REQUEST_WINDOW_SECONDS"      json:"rapidRequestWindowSeconds"`
	IdenticalRequestThreshold      int     `yaml:"identical_request_threshold"       env:"IDENTICAL_REQUEST_THRESHOLD"       json:"identicalRequestThreshold"`
	PatternCacheWindowSeconds      float64 `yaml:"pattern_cache_window_seconds"      env:"PATTERN_CACHE_WINDOW_SECONDS"      json:"patternCacheWindowSeconds"`
	CircuitBreakerFailureThreshold int     `yaml:"circuit_breaker_failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" json:"circuitBreakerFailureThreshold"`
	CircuitBreakerTimeoutSeconds   float64 `yaml:"circuit_breaker_timeout_seconds"   env:"CIRCUIT_BREAKER_TIMEOUT_SECONDS"   json:"circuitBreakerTimeoutSeconds"`
}

// DefaultProtection returns the default thresholds: 100 requests per 60s,
// 10 requests per second, 5 identical requests per 5s and a breaker that
// opens after 10 consecutive failures for 30s.
func DefaultProtection() ProtectionConfig {
	return ProtectionConfig{
		Enabled:               true,
		RateLimitEnabled:      true,
		RapidBurstEnabled:     true,
		PatternEnabled:        true,
		CircuitBreakerEnabled: true,
		PatternIncludeQuery:   true,

		RateLimitRequests:              100,
		RateLimitWindowSeconds:         60,
		RapidRequestThreshold:          10,
		RapidRequestWindowSeconds:      1,
		IdenticalRequestThreshold:      5,
		PatternCacheWindowSeconds:      5,
		CircuitBreakerFailureThreshold: 10,
		CircuitBreakerTimeoutSeconds:   30,
	}
}

// RateLimitWindow returns the rate limiter window as a duration.
func (p ProtectionConfig) RateLimitWindow() time.Duration {
	return seconds(p.RateLimitWindowSeconds)
}

// RapidRequestWindow returns the rapid-burst window as a duration.
func (p ProtectionConfig) RapidRequestWindow() time.Duration {
	return seconds(p.RapidRequestWindowSeconds)
}

// PatternCacheWindow returns the identical-request window as a duration.
func (p ProtectionConfig) PatternCacheWindow() time.Duration {
	return seconds(p.PatternCacheWindowSeconds)
}

// CircuitBreakerTimeout returns how long the breaker stays open.
func (p ProtectionConfig) CircuitBreakerTimeout() time.Duration {
	return seconds(p.CircuitBreakerTimeoutSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ValidationError reports every invalid field of a protection config.
type ValidationError struct {
	Problems []string
	// Err is the sentinel behind the problems, if there is one.
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid protection config: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks every threshold and window. All problems are collected into
// a single *ValidationError.
func (p ProtectionConfig) Validate() error {
	var problems []string

	counts := []struct {
		name string
		val  int
	}{
		{"rateLimitRequests", p.RateLimitRequests},
		{"rapidRequestThreshold", p.RapidRequestThreshold},
		{"identicalRequestThreshold", p.IdenticalRequestThreshold},
		{"circuitBreakerFailureThreshold", p.CircuitBreakerFailureThreshold},
	}
	for _, c := range counts {
		if c.val < 1 {
			problems = append(problems, fmt.Sprintf("%s must be an integer >= 1, got %d", c.name, c.val))
		}
	}

	windows := []struct {
		name string
		val  float64
	}{
		{"rateLimitWindowSeconds", p.RateLimitWindowSeconds},
		{"rapidRequestWindowSeconds", p.RapidRequestWindowSeconds},
		{"patternCacheWindowSeconds", p.PatternCacheWindowSeconds},
		{"circuitBreakerTimeoutSeconds", p.CircuitBreakerTimeoutSeconds},
	}
	for _, w := range windows {
		// time.Duration overflows a little past 292 years. float64 cannot
		// represent MaxInt64, so the bound itself already converts to 2^63.
		if math.IsNaN(w.val) || math.IsInf(w.val, 0) || w.val <= 0 || w.val >= math.MaxInt64/float64(time.Second) || seconds(w.val) <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a number > 0, got %v", w.name, w.val))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ProtectionPatch is a partial protection update as accepted by the configure
// operation. Nil fields are left unchanged.
type ProtectionPatch struct {
	Enabled               *bool `json:"enabled,omitempty"`
	RateLimitEnabled      *bool `json:"rateLimitEnabled,omitempty"`
	RapidBurstEnabled     *bool `json:"rapidBurstEnabled,omitempty"`
	PatternEnabled        *bool `json:"patternEnabled,omitempty"`
	CircuitBreakerEnabled *bool `json:"circuitBreakerEnabled,omitempty"`
	ScopeByClient         *bool `json:"scopeByClient,omitempty"`
	PatternIncludeQuery   *bool `json:"patternIncludeQuery,omitempty"`
	PatternIncludeBody    *bool `json:"patternIncludeBody,omitempty"`

	RateLimitRequests              *int     `json:"rateLimitRequests,omitempty"`
	RateLimitWindowSeconds         *float64 `json:"rateLimitWindowSeconds,omitempty"`
	RapidRequestThreshold          *int     `json:"rapidRequestThreshold,omitempty"`
	RapidRequestWindowSeconds      *float64 `json:"rapidRequestWindowSeconds,omitempty"`
	IdenticalRequestThreshold      *int     `json:"identicalRequestThreshold,omitempty"`
	PatternCacheWindowSeconds      *float64 `json:"patternCacheWindowSeconds,omitempty"`
	CircuitBreakerFailureThreshold *int     `json:"circuitBreakerFailureThreshold,omitempty"`
	CircuitBreakerTimeoutSeconds   *float64 `json:"circuitBreakerTimeoutSeconds,omitempty"`
}

// ErrEmptyPatch is wrapped by the *ValidationError DecodeProtectionPatch
// returns for a body without a JSON object.
var ErrEmptyPatch = errors.New("request body must be a JSON object")

// DecodeProtectionPatch reads a JSON patch from r. Unknown fields and values
// of the wrong type (a string or a fraction where an integer is expected) are
// reported as a *ValidationError.
func DecodeProtectionPatch(r io.Reader) (ProtectionPatch, error) {
	var patch ProtectionPatch

	data, err := io.ReadAll(r)
	if err != nil {
		return patch, fmt.Errorf("reading patch: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return patch, &ValidationError{Problems: []string{ErrEmptyPatch.Error()}, Err: ErrEmptyPatch}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return patch, &ValidationError{Problems: []string{describeDecodeError(err)}}
	}
	if dec.More() {
		return patch, &ValidationError{Problems: []string{"unexpected data after JSON object"}}
	}
	return patch, nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be a %s, got %s", typeErr.Field, typeErr.Type.String(), typeErr.Value)
	}
	return strings.TrimPrefix(err.Error(), "json: ")
}

// Apply returns base with every non-nil field of the patch applied. The
// result is not validated.
func (p ProtectionPatch) Apply(base ProtectionConfig) ProtectionConfig {
	setBool(&base.Enabled, p.Enabled)
	setBool(&base.RateLimitEnabled, p.RateLimitEnabled)
	setBool(&base.RapidBurstEnabled, p.RapidBurstEnabled)
	setBool(&base.PatternEnabled, p.PatternEnabled)
	setBool(&base.CircuitBreakerEnabled, p.CircuitBreakerEnabled)
	setBool(&base.ScopeByClient, p.ScopeByClient)
	setBool(&base.PatternIncludeQuery, p.PatternIncludeQuery)
	setBool(&base.PatternIncludeBody, p.PatternIncludeBody)

	setInt(&base.RateLimitRequests, p.RateLimitRequests)
	setFloat(&base.RateLimitWindowSeconds, p.RateLimitWindowSeconds)
	setInt(&base.RapidRequestThreshold, p.RapidRequestThreshold)
	setFloat(&base.RapidRequestWindowSeconds, p.RapidRequestWindowSeconds)
	setInt(&base.IdenticalRequestThreshold, p.IdenticalRequestThreshold)
	setFloat(&base.PatternCacheWindowSeconds, p.PatternCacheWindowSeconds)
	setInt(&base.CircuitBreakerFailureThreshold, p.CircuitBreakerFailureThreshold)
	setFloat(&base.CircuitBreakerTimeoutSeconds, p.CircuitBreakerTimeoutSeconds)
	return base
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
