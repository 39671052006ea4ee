package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"model-registry/internal/image"
)

// ContainerdEngine is the containerd-based backend, preferred on Linux.
type ContainerdEngine struct {
	client *Client
	opts   Options
	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active run count
	wg     sync.WaitGroup
	mu     sync.Mutex // Protects shutdown state
	closed bool
}

func NewContainerdEngine(client *Client, opts Options) *ContainerdEngine {
	opts.normalize()
	return &ContainerdEngine{
		client: client,
		opts:   opts,
		sem:    make(chan struct{}, opts.MaxConcurrent),
	}
}

func (e *ContainerdEngine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runID := uuid.New().String()

	logger := log.With().
		Str("run_id", runID).
		Str("image", req.Image).
		Int("input_records", len(req.Input)).
		Logger()

	logger.Info().Msg("prediction run requested")

	if err := e.validateRequest(&req); err != nil {
		return nil, &RunError{RunID: runID, Op: "validate", Err: err}
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, &RunError{RunID: runID, Op: "acquire_slot", Err: ctx.Err()}
	}

	e.wg.Add(1)
	defer e.wg.Done()
	e.active.Add(1)
	defer e.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.opts.DefaultTimeout
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

	attempt := taskResult{}
	attempt, err = e.runTask(execCtx, runID, 0, jobDir, req, protocol != ProtocolStdout)
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "run_task", Err: err}
	}

	if attempt.timedOut {
		logger.Warn().Dur("timeout", timeout).Msg("run interrupted")
		return interruptedResult(runID, protocol, attempt.stderr, e.opts.StderrTailLines, start, execCtx.Err())
	}

	// Legacy models may reject the extra output-path argument. In auto mode,
	// retry once without it.
	if attempt.exitCode != 0 && protocol == ProtocolAuto {
		logger.Debug().Int("exit_code", attempt.exitCode).Msg("retrying with stdout protocol")
		protocol = ProtocolStdout
		attempt, err = e.runTask(execCtx, runID, 1, jobDir, req, false)
		if err != nil {
			return nil, &RunError{RunID: runID, Op: "run_task", Err: err}
		}
		if attempt.timedOut {
			return interruptedResult(runID, protocol, attempt.stderr, e.opts.StderrTailLines, start, execCtx.Err())
		}
	}

	duration := time.Since(start)
	tail := stderrTail(attempt.stderr, e.opts.StderrTailLines)

	if attempt.exitCode != 0 {
		logger.Info().Int("exit_code", attempt.exitCode).Dur("duration", duration).Msg("model exited with error")
		return &RunResult{
			ID:         runID,
			ExitCode:   attempt.exitCode,
			Duration:   duration,
			StderrTail: tail,
			Protocol:   protocol,
		}, fmt.Errorf("%w: exit code %d", ErrModelRuntime, attempt.exitCode)
	}

	output, resolved, err := resolveOutput(jobDir, attempt.stdout, protocol, len(req.Input), req.AlignedOutput)
	result := &RunResult{
		ID:         runID,
		Output:     output,
		ExitCode:   attempt.exitCode,
		Duration:   duration,
		StderrTail: tail,
		Protocol:   resolved,
	}
	if err != nil {
		logger.Info().Err(err).Msg("model output rejected")
		return result, err
	}

	logger.Info().
		Int("output_records", len(output)).
		Str("protocol", string(resolved)).
		Dur("duration", duration).
		Msg("prediction run completed")

	return result, nil
}

type taskResult struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
}

// runTask creates one container, runs the model process to completion and
// tears the container down. The attempt number keeps retry container IDs
// unique.
func (e *ContainerdEngine) runTask(ctx context.Context, runID string, attempt int, jobDir string, req RunRequest, withOutputArg bool) (taskResult, error) {
	img, err := e.client.PullImage(ctx, req.Image)
	if err != nil {
		return taskResult{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	containerID := containerName(runID, attempt)
	logger := log.With().Str("container_id", containerID).Logger()

	container, err := e.createContainer(ctx, containerID, img, jobDir, req, withOutputArg)
	if err != nil {
		return taskResult{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := e.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	nsCtx := e.client.WithNamespace(ctx)

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, &stdoutBuf, &stderrBuf)),
	)
	if err != nil {
		return taskResult{}, fmt.Errorf("%w: creating task: %v", ErrLaunch, err)
	}
	defer func() {
		if _, err := task.Delete(e.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return taskResult{}, fmt.Errorf("%w: task wait: %v", ErrLaunch, err)
	}

	if err := task.Start(nsCtx); err != nil {
		return taskResult{}, fmt.Errorf("%w: task start: %v", ErrLaunch, err)
	}

	select {
	case status := <-exitCh:
		return taskResult{
			stdout:   stdoutBuf.String(),
			stderr:   stderrBuf.String(),
			exitCode: int(status.ExitCode()),
		}, nil

	case <-ctx.Done():
		logger.Warn().Msg("run timed out, killing task")
		killCtx := e.client.WithNamespace(context.Background())
		if err := task.Kill(killCtx, 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
		return taskResult{
			stdout:   stdoutBuf.String(),
			stderr:   stderrBuf.String(),
			exitCode: -1,
			timedOut: true,
		}, nil
	}
}

func (e *ContainerdEngine) createContainer(
	ctx context.Context,
	id string,
	img containerd.Image,
	jobDir string,
	req RunRequest,
	withOutputArg bool,
) (containerd.Container, error) {
	nsCtx := e.client.WithNamespace(ctx)

	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = e.opts.DefaultLimits
	}

	processArgs := []string{image.PredictExecutable, containerInputPath}
	if withOutputArg {
		processArgs = append(processArgs, containerOutputPath)
	}

	container, err := e.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(id+"-snapshot", img),
		containerd.WithNewSpec(
			oci.WithImageConfig(img),
			oci.WithProcessArgs(processArgs...),
			oci.WithHostname("model"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: containerJobDir,
					Type:        "bind",
					Source:      jobDir,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Env = append(s.Process.Env, "LANG=C.UTF-8")

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (e *ContainerdEngine) validateRequest(req *RunRequest) error {
	if req.Image == "" {
		return fmt.Errorf("%w: image is empty", ErrInvalidRequest)
	}
	if len(req.Input) == 0 {
		return fmt.Errorf("%w: input batch is empty", ErrInvalidRequest)
	}
	if req.Timeout > e.opts.MaxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, e.opts.MaxTimeout)
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

// ActiveCount returns the number of currently running predictions.
func (e *ContainerdEngine) ActiveCount() int64 {
	return e.active.Load()
}

// Close shuts down the engine, waiting for active runs.
func (e *ContainerdEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", e.active.Load()).Msg("timed out waiting for prediction runs to drain")
	}
	return e.client.Close()
}
