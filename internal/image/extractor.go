package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExtraction signals that metadata could not be read out of the image.
var ErrExtraction = errors.New("metadata extraction failed")

// Metadata is the self-describing content a model image carries in its
// working directory. Missing files are not an error; the fields stay empty.
type Metadata struct {
	Readme   string
	Examples []json.RawMessage
}

// Extractor reads README.md and examples.json from a model image by running
// a short-lived container without the model entry point.
type Extractor struct {
	cli commandRunner
}

// commandRunner is the slice of dockercli.CLI the extractor needs.
type commandRunner interface {
	Output(ctx context.Context, args ...string) (string, error)
}

func NewExtractor(cli commandRunner) *Extractor {
	return &Extractor{cli: cli}
}

// Extract pulls README and examples out of the image. The files are read in
// one container run to keep registration latency down.
func (e *Extractor) Extract(ctx context.Context, img string) (*Metadata, error) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	// A NUL separator cannot appear in either file's text content.
	script := "cat README.md 2>/dev/null; printf '\\000'; cat examples.json 2>/dev/null"
	out, err := e.cli.Output(runCtx,
		"run", "--rm", "--network", "none",
		"--entrypoint", "/bin/sh", img,
		"-c", script,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading files from %s: %v", ErrExtraction, img, err)
	}

	readme, examplesRaw, found := strings.Cut(out, "\x00")
	if !found {
		// Separator lost means the run produced garbage output.
		return nil, fmt.Errorf("%w: unexpected output from %s", ErrExtraction, img)
	}

	meta := &Metadata{Readme: strings.TrimSpace(readme)}

	examples, err := parseExamples(strings.TrimSpace(examplesRaw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtraction, img, err)
	}
	meta.Examples = examples

	return meta, nil
}

// parseExamples decodes examples.json content. Empty input means the file is
// absent, which is fine. Anything present must be a JSON array.
func parseExamples(raw string) ([]json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}

	var examples []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &examples); err != nil {
		return nil, fmt.Errorf("invalid examples format: expected a JSON array: %w", err)
	}
	return examples, nil
}
