package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantLen int
		aligned bool
		wantErr bool
	}{
		{"aligned match", `[{"y": 0}, {"y": 1}]`, 2, true, false},
		{"aligned mismatch", `[{"y": 0}]`, 2, true, true},
		{"unaligned fan-out", `[1, 2, 3]`, 1, false, false},
		{"unaligned empty array", `[]`, 1, false, false},
		{"not an array", `{"y": 0}`, 1, true, true},
		{"empty output", ``, 1, true, true},
		{"whitespace only", "  \n\t", 1, true, true},
		{"garbage", `not json`, 1, true, true},
		{"trailing newline ok", "[1, 2]\n", 2, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := parseBatch([]byte(tt.data), tt.wantLen, tt.aligned)
			if tt.wantErr {
				if !errors.Is(err, ErrOutputShape) {
					t.Errorf("expected ErrOutputShape, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.aligned && len(batch) != tt.wantLen {
				t.Errorf("expected %d records, got %d", tt.wantLen, len(batch))
			}
		})
	}
}

func TestResolveOutput_FilePreferred(t *testing.T) {
	jobDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(jobDir, jobOutputFile), []byte(`[{"y": 1}]`), 0644); err != nil {
		t.Fatal(err)
	}

	// Stdout has garbage; the output file must win in auto mode.
	batch, protocol, err := resolveOutput(jobDir, "model log noise", ProtocolAuto, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if protocol != ProtocolFile {
		t.Errorf("expected file protocol, got %s", protocol)
	}
	if len(batch) != 1 {
		t.Errorf("expected 1 record, got %d", len(batch))
	}
}

func TestResolveOutput_StdoutFallback(t *testing.T) {
	jobDir := t.TempDir()

	batch, protocol, err := resolveOutput(jobDir, `[{"y": 1}, {"y": 2}]`, ProtocolAuto, 2, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if protocol != ProtocolStdout {
		t.Errorf("expected stdout protocol, got %s", protocol)
	}
	if len(batch) != 2 {
		t.Errorf("expected 2 records, got %d", len(batch))
	}
}

func TestResolveOutput_FileRequiredButMissing(t *testing.T) {
	jobDir := t.TempDir()

	_, _, err := resolveOutput(jobDir, `[1]`, ProtocolFile, 1, true)
	if !errors.Is(err, ErrOutputShape) {
		t.Errorf("expected ErrOutputShape when file protocol has no output file, got %v", err)
	}
}

func TestWriteJobDir(t *testing.T) {
	input := []json.RawMessage{json.RawMessage(`{"x": 1}`), json.RawMessage(`{"x": 2}`)}

	jobDir, err := writeJobDir("test-run", input)
	if err != nil {
		t.Fatalf("writeJobDir failed: %v", err)
	}
	defer os.RemoveAll(jobDir)

	data, err := os.ReadFile(filepath.Join(jobDir, jobInputFile))
	if err != nil {
		t.Fatalf("reading input file: %v", err)
	}

	var got []json.RawMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("input file is not a JSON array: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 input records, got %d", len(got))
	}
}

func TestStderrTail(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "line"
	}
	tail := stderrTail(strings.Join(lines, "\n"), 20)
	if got := len(strings.Split(tail, "\n")); got != 20 {
		t.Errorf("expected 20 lines, got %d", got)
	}

	if got := stderrTail("", 20); got != "" {
		t.Errorf("expected empty tail for empty stderr, got %q", got)
	}
	if got := stderrTail("one\ntwo\n", 20); got != "one\ntwo" {
		t.Errorf("short stderr should pass through, got %q", got)
	}
}

func TestTruncateOutput(t *testing.T) {
	s := strings.Repeat("a", 100)
	got := truncateOutput(s, 10)
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if got := truncateOutput("short", 10); got != "short" {
		t.Errorf("short output should pass through, got %q", got)
	}
}
