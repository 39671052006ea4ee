package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// VersionLatest resolves to the most recently registered version of a name.
const VersionLatest = "latest"

// ModelRecord is the persisted metadata for one registered model version.
// Records are immutable once created; replacing a version means deleting it
// and registering again.
type ModelRecord struct {
	Name             string            `json:"name" db:"name"`
	Version          string            `json:"version" db:"version"`
	Image            string            `json:"image" db:"image"`
	Title            string            `json:"title" db:"title"`
	ShortDescription string            `json:"short_description" db:"short_description"`
	Authors          string            `json:"authors" db:"authors"`
	Examples         []json.RawMessage `json:"examples" db:"examples"`
	Readme           string            `json:"readme,omitempty" db:"readme"`
	AlignedOutput    bool              `json:"aligned_output" db:"aligned_output"`
	RegisteredAt     time.Time         `json:"registered_at" db:"registered_at"`
}

// Key returns the unique (name, version) key as a display string.
func (m *ModelRecord) Key() string {
	return m.Name + ":" + m.Version
}

// PredictionRecord is the audit row written after each execution run.
// Loss-tolerant: dropped entries never fail a prediction.
type PredictionRecord struct {
	ID            string     `json:"id" db:"id"`
	ModelName     string     `json:"model_name" db:"model_name"`
	ModelVersion  string     `json:"model_version" db:"model_version"`
	Image         string     `json:"image" db:"image"`
	InputRecords  int        `json:"input_records" db:"input_records"`
	OutputRecords int        `json:"output_records" db:"output_records"`
	ExitCode      int        `json:"exit_code" db:"exit_code"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	Status        string     `json:"status" db:"status"` // succeeded, failed, timeout, shape_mismatch
	StderrTail    string     `json:"stderr_tail,omitempty" db:"stderr_tail"`
	RequestIP     string     `json:"request_ip" db:"request_ip"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// PredictionFilter provides criteria for querying the prediction audit log.
type PredictionFilter struct {
	ModelName string
	Status    string
	Limit     int
	Offset    int
}

// ParseRef splits a model reference of the form "name", "name:version" or
// "registry/repo:tag" into (name, version). A missing version resolves to
// "latest". The name is the final path element of the repository.
func ParseRef(ref string) (name, version string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("empty model reference")
	}

	repo := ref
	version = VersionLatest
	// A colon after the last slash separates the tag; a colon before it is a
	// registry port and must be left alone.
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		repo = ref[:i]
		version = ref[i+1:]
	}

	if i := strings.LastIndex(repo, "/"); i >= 0 {
		repo = repo[i+1:]
	}
	if repo == "" || version == "" {
		return "", "", fmt.Errorf("malformed model reference %q", ref)
	}
	return repo, version, nil
}
