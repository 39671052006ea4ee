package image

import (
	"context"
	"errors"
	"testing"
)

type fakeCLI struct {
	out string
	err error
}

func (f *fakeCLI) Output(_ context.Context, _ ...string) (string, error) {
	return f.out, f.err
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name         string
		out          string
		wantReadme   string
		wantExamples int
		wantErr      bool
	}{
		{
			name:         "readme and examples",
			out:          "# Iris model\n\x00[{\"sepal_length\": 5.1}, {\"sepal_length\": 4.9}]",
			wantReadme:   "# Iris model",
			wantExamples: 2,
		},
		{
			name:       "readme only",
			out:        "# Iris model\x00",
			wantReadme: "# Iris model",
		},
		{
			name:         "examples only",
			out:          "\x00[{\"x\": 1}]",
			wantExamples: 1,
		},
		{
			name: "neither file present",
			out:  "\x00",
		},
		{
			name:    "examples not an array",
			out:     "\x00{\"x\": 1}",
			wantErr: true,
		},
		{
			name:    "separator missing",
			out:     "garbage",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor(&fakeCLI{out: tt.out})
			meta, err := e.Extract(context.Background(), "irismodel:1.0.0")
			if tt.wantErr {
				if !errors.Is(err, ErrExtraction) {
					t.Fatalf("expected ErrExtraction, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if meta.Readme != tt.wantReadme {
				t.Errorf("readme: expected %q, got %q", tt.wantReadme, meta.Readme)
			}
			if len(meta.Examples) != tt.wantExamples {
				t.Errorf("examples: expected %d, got %d", tt.wantExamples, len(meta.Examples))
			}
		})
	}
}

func TestExtract_RunError(t *testing.T) {
	e := NewExtractor(&fakeCLI{err: errors.New("no such image")})
	if _, err := e.Extract(context.Background(), "missing:latest"); !errors.Is(err, ErrExtraction) {
		t.Errorf("expected ErrExtraction, got %v", err)
	}
}

func TestParseExamples(t *testing.T) {
	examples, err := parseExamples(`[1, "two", {"three": 3}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(examples) != 3 {
		t.Errorf("expected 3 examples, got %d", len(examples))
	}

	if _, err := parseExamples(`not json`); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if examples, err := parseExamples(""); err != nil || examples != nil {
		t.Errorf("empty input should yield nil, nil; got %v, %v", examples, err)
	}
}
