package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	jobInputFile  = "input.json"
	jobOutputFile = "output.json"

	// Paths inside the container where the job directory is mounted.
	containerJobDir     = "/job"
	containerInputPath  = containerJobDir + "/" + jobInputFile
	containerOutputPath = containerJobDir + "/" + jobOutputFile

	maxOutputBytes = 32 << 20 // 32MB output file ceiling
)

// writeJobDir creates the per-run job directory and writes the input batch.
// The directory is world-readable so the model can run as any UID.
func writeJobDir(runID string, input []json.RawMessage) (string, error) {
	jobDir, err := os.MkdirTemp("", "modelrun-"+runID+"-*")
	if err != nil {
		return "", err
	}
	if err := os.Chmod(jobDir, 0777); err != nil { // #nosec G302 -- model containers run with arbitrary UIDs
		os.RemoveAll(jobDir)
		return "", err
	}

	data, err := json.Marshal(input)
	if err != nil {
		os.RemoveAll(jobDir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(jobDir, jobInputFile), data, 0644); err != nil { // #nosec G306 -- readable by container
		os.RemoveAll(jobDir)
		return "", err
	}
	return jobDir, nil
}

// resolveOutput picks the output batch after a run. In auto mode the output
// file wins when the model wrote one; otherwise stdout is parsed.
func resolveOutput(jobDir, stdout string, protocol Protocol, wantLen int, aligned bool) ([]json.RawMessage, Protocol, error) {
	outputPath := filepath.Join(jobDir, jobOutputFile)

	if protocol == ProtocolFile || protocol == ProtocolAuto {
		if data, err := readOutputFile(outputPath); err == nil {
			batch, parseErr := parseBatch(data, wantLen, aligned)
			return batch, ProtocolFile, parseErr
		} else if protocol == ProtocolFile {
			return nil, ProtocolFile, fmt.Errorf("%w: model wrote no output file: %v", ErrOutputShape, err)
		}
	}

	batch, err := parseBatch([]byte(stdout), wantLen, aligned)
	return batch, ProtocolStdout, err
}

func readOutputFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxOutputBytes {
		return nil, fmt.Errorf("output file exceeds %d bytes", maxOutputBytes)
	}
	return os.ReadFile(path) // #nosec G304 -- path built from our own job directory
}

// parseBatch decodes a model output batch and enforces the shape contract:
// the payload must be a JSON array, and for aligned models its length must
// equal the input batch length.
func parseBatch(data []byte, wantLen int, aligned bool) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: model produced no output", ErrOutputShape)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &batch); err != nil {
		return nil, fmt.Errorf("%w: output is not a JSON array: %v", ErrOutputShape, err)
	}
	if aligned && len(batch) != wantLen {
		return nil, fmt.Errorf("%w: got %d records for %d inputs", ErrOutputShape, len(batch), wantLen)
	}
	return batch, nil
}

// interruptedResult classifies a run cut short by its context: deadline
// expiry is a model timeout, caller cancellation is surfaced as-is so it is
// not mistaken for a model failure.
func interruptedResult(runID string, protocol Protocol, stderr string, tailLines int, start time.Time, ctxErr error) (*RunResult, error) {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &RunResult{
			ID:         runID,
			ExitCode:   -1,
			Duration:   time.Since(start),
			StderrTail: stderrTail(stderr, tailLines),
			Protocol:   protocol,
		}, ErrTimeout
	}
	return nil, &RunError{RunID: runID, Op: "run", Err: ctxErr}
}

// stderrTail keeps the last n lines of model stderr for diagnostics.
func stderrTail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return truncateOutput(strings.Join(lines, "\n"), 16*1024)
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
