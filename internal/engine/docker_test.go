package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// newTestEngine builds a DockerEngine suitable for unit tests. It bypasses
// NewDockerEngine to avoid Docker host resolution and the cleanup goroutine.
func newTestEngine() *DockerEngine {
	opts := Options{}
	opts.normalize()
	return &DockerEngine{
		opts: opts,
		sem:  make(chan struct{}, 10),
		live: make(map[string]struct{}),
	}
}

// argsContain returns true if the args slice contains needle.
func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

// argsContainPrefix returns true if any arg starts with the given prefix.
func argsContainPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

func TestBuildDockerArgs_Defaults(t *testing.T) {
	d := newTestEngine()

	args := d.buildDockerArgs(containerName("run-1", 0), "/tmp/modelrun-run-1",
		RunRequest{Image: "irismodel:1.0.0"}, true)

	if !argsContain(args, "none") {
		t.Error("expected --network none by default")
	}
	if !argsContain(args, "--cap-drop") || !argsContain(args, "ALL") {
		t.Error("expected --cap-drop ALL")
	}
	if !argsContain(args, "no-new-privileges") {
		t.Error("expected --security-opt no-new-privileges")
	}
	if !argsContain(args, "modelrun-run-1-0") {
		t.Error("expected container name modelrun-run-1-0")
	}
	if !argsContain(args, "irismodel:1.0.0") {
		t.Error("expected image ref in args")
	}
	if !argsContainPrefix(args, "/tmp/modelrun-run-1:/job") {
		t.Error("expected job directory mounted at /job")
	}

	// Invocation: image, then ./predict input output.
	n := len(args)
	if args[n-3] != "./predict" || args[n-2] != "/job/input.json" || args[n-1] != "/job/output.json" {
		t.Errorf("unexpected invocation tail: %v", args[n-3:])
	}
}

func TestBuildDockerArgs_StdoutProtocol(t *testing.T) {
	d := newTestEngine()

	args := d.buildDockerArgs(containerName("run-2", 0), "/tmp/modelrun-run-2",
		RunRequest{Image: "irismodel:1.0.0"}, false)

	if argsContain(args, "/job/output.json") {
		t.Error("stdout protocol must not pass an output path")
	}
	if args[len(args)-1] != "/job/input.json" {
		t.Errorf("expected input path as last arg, got %q", args[len(args)-1])
	}
}

func TestBuildDockerArgs_CustomLimits(t *testing.T) {
	d := newTestEngine()

	args := d.buildDockerArgs(containerName("run-3", 0), "/tmp/modelrun-run-3", RunRequest{
		Image:  "irismodel:1.0.0",
		Limits: ResourceLimits{CPUShares: 2048, MemoryMB: 512, PidsLimit: 64, DiskMB: 128},
	}, true)

	if !argsContain(args, "512m") {
		t.Error("expected --memory 512m")
	}
	if !argsContain(args, "2.0") {
		t.Error("expected --cpus 2.0 for 2048 shares")
	}
	if !argsContain(args, "64") {
		t.Error("expected --pids-limit 64")
	}
}

func TestBuildDockerArgs_NetworkEnabled(t *testing.T) {
	d := newTestEngine()
	d.opts.NetworkEnabled = true

	args := d.buildDockerArgs(containerName("run-4", 0), "/tmp/modelrun-run-4",
		RunRequest{Image: "irismodel:1.0.0"}, true)

	if !argsContain(args, "bridge") {
		t.Error("expected bridge network when enabled")
	}
}

func TestOrphanNames_SkipsLiveRuns(t *testing.T) {
	live := map[string]struct{}{
		"11111111-aaaa": {},
	}
	names := []string{
		"modelrun-11111111-aaaa-0", // first attempt of a live run
		"modelrun-11111111-aaaa-1", // its retry
		"modelrun-22222222-bbbb-0", // leftover from a crashed process
		"modelrun-33333333-cccc",   // pre-suffix leftover
		"unrelated-container",
	}

	got := orphanNames(names, live)

	want := []string{"modelrun-22222222-bbbb-0", "modelrun-33333333-cccc"}
	if len(got) != len(want) {
		t.Fatalf("orphanNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("orphanNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInterruptedResult_DeadlineIsTimeout(t *testing.T) {
	result, err := interruptedResult("run-1", ProtocolAuto, "still working\n", 20,
		time.Now(), context.DeadlineExceeded)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if result == nil || result.ExitCode != -1 {
		t.Errorf("expected result with exit code -1, got %+v", result)
	}
	if result.StderrTail != "still working" {
		t.Errorf("stderr tail = %q, want captured stderr", result.StderrTail)
	}
}

func TestInterruptedResult_CancellationIsNotModelFailure(t *testing.T) {
	result, err := interruptedResult("run-1", ProtocolAuto, "", 20,
		time.Now(), context.Canceled)

	if result != nil {
		t.Errorf("canceled run should not produce a result, got %+v", result)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrModelRuntime) {
		t.Fatalf("cancellation misclassified: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.RunID != "run-1" {
		t.Errorf("expected RunError carrying the run ID, got %v", err)
	}
}

func TestValidateRequest(t *testing.T) {
	d := newTestEngine()
	input := []json.RawMessage{json.RawMessage(`{"x": 1}`)}

	tests := []struct {
		name    string
		req     RunRequest
		wantErr bool
	}{
		{"valid", RunRequest{Image: "m:1", Input: input}, false},
		{"valid with protocol", RunRequest{Image: "m:1", Input: input, Protocol: ProtocolFile}, false},
		{"empty image", RunRequest{Input: input}, true},
		{"empty input", RunRequest{Image: "m:1"}, true},
		{"timeout over max", RunRequest{Image: "m:1", Input: input, Timeout: time.Hour}, true},
		{"bad protocol", RunRequest{Image: "m:1", Input: input, Protocol: "pipe"}, true},
		{"bad limits", RunRequest{Image: "m:1", Input: input, Limits: ResourceLimits{CPUShares: 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.validateRequest(&tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("expected ErrInvalidRequest, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResourceLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"cpu under", ResourceLimits{CPUShares: 1, MemoryMB: 256, PidsLimit: 50, DiskMB: 100}},
		{"cpu over", ResourceLimits{CPUShares: 8193, MemoryMB: 256, PidsLimit: 50, DiskMB: 100}},
		{"memory over", ResourceLimits{CPUShares: 512, MemoryMB: 16385, PidsLimit: 50, DiskMB: 100}},
		{"pids over", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 1001, DiskMB: 100}},
		{"disk over", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, DiskMB: 4097}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limits.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}
