package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"model-registry/internal/dockercli"
	"model-registry/internal/image"
)

// Options tune an engine backend.
type Options struct {
	MaxConcurrent   int
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	StderrTailLines int
	DefaultLimits   ResourceLimits
	NetworkEnabled  bool
}

func (o *Options) normalize() {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 50
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 5 * time.Minute
	}
	if o.StderrTailLines < 1 {
		o.StderrTailLines = 20
	}
	if o.DefaultLimits == (ResourceLimits{}) {
		o.DefaultLimits = DefaultLimits()
	}
}

// DockerEngine is the docker-CLI-based backend (macOS, or Linux without
// containerd).
type DockerEngine struct {
	cli           *dockercli.CLI
	opts          Options
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	live          map[string]struct{} // run IDs with a container in flight
	cancelCleanup context.CancelFunc
}

func NewDockerEngine(cli *dockercli.CLI, opts Options) *DockerEngine {
	opts.normalize()
	d := &DockerEngine{
		cli:  cli,
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrent),
		live: make(map[string]struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically removes model containers that survived
// server crashes.
func (d *DockerEngine) orphanCleanupLoop(ctx context.Context) {
	// Run once on startup
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerEngine) cleanupOrphans(ctx context.Context) {
	out, err := d.cli.Output(ctx, "ps", "--filter", "name=modelrun-", "--format", "{{.Names}}")
	if err != nil {
		return
	}
	for _, name := range orphanNames(strings.Fields(out), d.liveRunIDs()) {
		log.Warn().Str("container", name).Msg("removing orphaned model container")
		_ = d.cli.Command(ctx, "rm", "-f", name).Run()
	}
}

// orphanNames filters a modelrun- container listing down to containers whose
// run is no longer in flight. Sweeping without this check would kill active
// predictions, which share the name prefix.
func orphanNames(names []string, live map[string]struct{}) []string {
	var orphans []string
	for _, name := range names {
		rest, ok := strings.CutPrefix(name, "modelrun-")
		if !ok {
			continue
		}
		runID := rest
		if i := strings.LastIndex(rest, "-"); i > 0 {
			runID = rest[:i] // strip the attempt suffix
		}
		if _, inFlight := live[runID]; inFlight {
			continue
		}
		orphans = append(orphans, name)
	}
	return orphans
}

func (d *DockerEngine) liveRunIDs() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := make(map[string]struct{}, len(d.live))
	for id := range d.live {
		live[id] = struct{}{}
	}
	return live
}

func (d *DockerEngine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runID := uuid.New().String()

	logger := log.With().
		Str("run_id", runID).
		Str("image", req.Image).
		Int("input_records", len(req.Input)).
		Logger()

	logger.Info().Msg("prediction run requested")

	if err := d.validateRequest(&req); err != nil {
		return nil, &RunError{RunID: runID, Op: "validate", Err: err}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &RunError{RunID: runID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	d.mu.Lock()
	d.live[runID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.live, runID)
		d.mu.Unlock()
	}()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.opts.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobDir, err := writeJobDir(runID, req.Input)
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "create_job_dir", Err: err}
	}
	defer os.RemoveAll(jobDir)

	protocol := req.Protocol
	if protocol == "" {
		protocol = ProtocolAuto
	}

	start := time.Now()

	withOutputArg := protocol != ProtocolStdout
	stdout, stderr, exitCode, runErr := d.runContainer(execCtx, runID, 0, jobDir, req, withOutputArg)

	// Killing the docker CLI process detaches it but leaves the container
	// running, so any context interruption must remove the container itself.
	if ctxErr := execCtx.Err(); ctxErr != nil {
		logger.Warn().AnErr("cause", ctxErr).Msg("run interrupted, removing container")
		d.removeContainer(containerName(runID, 0))
		return interruptedResult(runID, protocol, stderr, d.opts.StderrTailLines, start, ctxErr)
	}

	// Legacy models that only understand a single argument may reject the
	// output path. In auto mode, retry once without it before giving up.
	if runErr != nil && exitCode != 0 && protocol == ProtocolAuto {
		logger.Debug().Int("exit_code", exitCode).Msg("retrying with stdout protocol")
		protocol = ProtocolStdout
		stdout, stderr, exitCode, runErr = d.runContainer(execCtx, runID, 1, jobDir, req, false)

		if ctxErr := execCtx.Err(); ctxErr != nil {
			logger.Warn().AnErr("cause", ctxErr).Msg("retry interrupted, removing container")
			d.removeContainer(containerName(runID, 1))
			return interruptedResult(runID, protocol, stderr, d.opts.StderrTailLines, start, ctxErr)
		}
	}

	duration := time.Since(start)
	tail := stderrTail(stderr, d.opts.StderrTailLines)

	if runErr != nil {
		if exitCode != 0 {
			logger.Info().Int("exit_code", exitCode).Dur("duration", duration).Msg("model exited with error")
			return &RunResult{
				ID:         runID,
				ExitCode:   exitCode,
				Duration:   duration,
				StderrTail: tail,
				Protocol:   protocol,
			}, fmt.Errorf("%w: exit code %d", ErrModelRuntime, exitCode)
		}
		return nil, &RunError{RunID: runID, Op: "docker_run", Err: fmt.Errorf("%w: %v", ErrLaunch, runErr)}
	}

	output, resolved, err := resolveOutput(jobDir, stdout, protocol, len(req.Input), req.AlignedOutput)
	result := &RunResult{
		ID:         runID,
		Output:     output,
		ExitCode:   exitCode,
		Duration:   duration,
		StderrTail: tail,
		Protocol:   resolved,
	}
	if err != nil {
		logger.Info().Err(err).Msg("model output rejected")
		return result, err
	}

	logger.Info().
		Int("exit_code", exitCode).
		Int("output_records", len(output)).
		Str("protocol", string(resolved)).
		Dur("duration", duration).
		Msg("prediction run completed")

	return result, nil
}

// containerName builds a run's container name. The attempt number keeps the
// auto-mode retry from colliding with the daemon's async removal of the
// first --rm container.
func containerName(runID string, attempt int) string {
	return fmt.Sprintf("modelrun-%s-%d", runID, attempt)
}

// runContainer launches one model container and waits for it. The returned
// error carries the non-zero exit status when the model itself failed.
func (d *DockerEngine) runContainer(ctx context.Context, runID string, attempt int, jobDir string, req RunRequest, withOutputArg bool) (string, string, int, error) {
	args := d.buildDockerArgs(containerName(runID, attempt), jobDir, req, withOutputArg)

	cmd := d.cli.Command(ctx, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

func (d *DockerEngine) buildDockerArgs(name, jobDir string, req RunRequest, withOutputArg bool) []string {
	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = d.opts.DefaultLimits
	}

	network := "none"
	if req.NetworkEnabled || d.opts.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:rw", jobDir, containerJobDir),
		"-e", "LANG=C.UTF-8",
	}

	args = append(args, req.Image, image.PredictExecutable, containerInputPath)
	if withOutputArg {
		args = append(args, containerOutputPath)
	}
	return args
}

// removeContainer force-removes one attempt's container.
func (d *DockerEngine) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = d.cli.Command(ctx, "rm", "-f", name).Run()
}

func (d *DockerEngine) validateRequest(req *RunRequest) error {
	if req.Image == "" {
		return fmt.Errorf("%w: image is empty", ErrInvalidRequest)
	}
	if len(req.Input) == 0 {
		return fmt.Errorf("%w: input batch is empty", ErrInvalidRequest)
	}
	if req.Timeout > d.opts.MaxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, d.opts.MaxTimeout)
	}
	switch req.Protocol {
	case "", ProtocolAuto, ProtocolFile, ProtocolStdout:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidRequest, req.Protocol)
	}
	if req.Limits != (ResourceLimits{}) {
		if err := req.Limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerEngine) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerEngine) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active runs to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all prediction runs drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for prediction runs to drain")
	}
	return nil
}
