// Package engine executes model predictions in isolated, short-lived
// containers. Input records travel to the model as a JSON file mounted into
// a per-run job directory; output comes back either as a file the model
// writes or on stdout for legacy models.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Protocol selects how the model returns its output batch.
type Protocol string

const (
	// ProtocolAuto probes the file protocol first and falls back to stdout.
	ProtocolAuto Protocol = "auto"
	// ProtocolFile expects the model to write the output file it is given
	// as its second argument.
	ProtocolFile Protocol = "file"
	// ProtocolStdout expects the model to print the output array to stdout.
	ProtocolStdout Protocol = "stdout"
)

// RunRequest describes one prediction run.
type RunRequest struct {
	Image          string
	Input          []json.RawMessage
	Timeout        time.Duration
	Protocol       Protocol
	Limits         ResourceLimits
	NetworkEnabled bool
	// AlignedOutput requires the output batch length to equal the input
	// batch length. Generative models that fan out records leave it unset.
	AlignedOutput bool
}

// RunResult holds the outcome of a completed run.
type RunResult struct {
	ID         string
	Output     []json.RawMessage
	ExitCode   int
	Duration   time.Duration
	StderrTail string
	// Protocol is the mode that actually produced the output, useful for
	// callers that cache the resolved protocol per image.
	Protocol Protocol
}

// Engine runs model containers.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	ActiveCount() int64
	Close() error
}
