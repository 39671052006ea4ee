package api

import (
	"encoding/json"
	"time"
)

// RegisterRequest registers a model container image. Name and version are
// derived from the image reference when not given explicitly. Metadata
// fields override what is extracted from the image.
type RegisterRequest struct {
	Image            string            `json:"image"`
	Name             string            `json:"name,omitempty"`
	Version          string            `json:"version,omitempty"`
	Title            string            `json:"title,omitempty"`
	ShortDescription string            `json:"short_description,omitempty"`
	Authors          string            `json:"authors,omitempty"`
	Examples         []json.RawMessage `json:"examples,omitempty"`
	Readme           string            `json:"readme,omitempty"`
	Dockerfile       string            `json:"dockerfile,omitempty"`
	// AlignedOutput defaults to true. Generative models that return a
	// different number of records than they were given set it to false.
	AlignedOutput *bool `json:"aligned_output,omitempty"`
}

// PredictRequest runs a registered model (by "name", "name:version") or a
// raw image reference over a batch of input records.
type PredictRequest struct {
	Model    string            `json:"model"`
	Input    []json.RawMessage `json:"input"`
	Timeout  Duration          `json:"timeout,omitempty"`
	Protocol string            `json:"protocol,omitempty"` // auto (default), file, stdout
	Limits   ResourceLimits    `json:"limits,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ResourceLimits defines per-run resource constraints.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares,omitempty"` // 1024 = 1 CPU
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	PidsLimit int64 `json:"pids_limit,omitempty"`
	DiskMB    int64 `json:"disk_mb,omitempty"`
}

// ModelSummary is the listing view of a registered model. The readme is
// omitted to keep list responses small.
type ModelSummary struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Image            string    `json:"image"`
	Title            string    `json:"title,omitempty"`
	ShortDescription string    `json:"short_description,omitempty"`
	Authors          string    `json:"authors,omitempty"`
	ExampleCount     int       `json:"example_count"`
	AlignedOutput    bool      `json:"aligned_output"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeValidationViolation = "VALIDATION_VIOLATION"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeModelRuntimeError   = "MODEL_RUNTIME_ERROR"
	CodeOutputShapeMismatch = "OUTPUT_SHAPE_MISMATCH"
	CodeTimeout             = "TIMEOUT"
	CodeEngineUnavailable   = "ENGINE_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Store      bool   `json:"store"`
	Engine     bool   `json:"engine"`
	ActiveRuns int64  `json:"active_runs"`
	Uptime     string `json:"uptime"`
}
