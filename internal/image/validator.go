// Package image validates and inspects model container images. A conforming
// image keeps its working directory set to the model root, ships an
// executable ./predict there, and leaves CMD/ENTRYPOINT unset so the engine
// controls the process invocation.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"model-registry/internal/dockercli"
)

// PredictExecutable is the entry script every model image must ship in its
// working directory.
const PredictExecutable = "./predict"

// Violation reports contract failures found during image validation. All
// reasons are collected so a model author can fix everything in one pass.
type Violation struct {
	Image   string
	Reasons []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("image %s violates the model contract: %s",
		v.Image, strings.Join(v.Reasons, "; "))
}

// ImageConfig is the subset of the OCI image config the validator inspects.
type ImageConfig struct {
	Entrypoint []string `json:"Entrypoint"`
	Cmd        []string `json:"Cmd"`
	WorkingDir string   `json:"WorkingDir"`
}

// Validator checks registered images against the runtime contract.
type Validator struct {
	cli  *dockercli.CLI
	pull bool
}

func NewValidator(cli *dockercli.CLI, pullIfMissing bool) *Validator {
	return &Validator{cli: cli, pull: pullIfMissing}
}

// Validate inspects the image config and probes for the predict executable.
// It returns a *Violation error when the image breaks the contract, or a
// plain error when inspection itself failed.
func (v *Validator) Validate(ctx context.Context, image string) error {
	if err := v.ensureImage(ctx, image); err != nil {
		return err
	}

	cfg, err := v.inspectConfig(ctx, image)
	if err != nil {
		return err
	}

	reasons := checkConfig(cfg)

	ok, err := v.probePredict(ctx, image)
	if err != nil {
		return fmt.Errorf("probing image %s: %w", image, err)
	}
	if !ok {
		reasons = append(reasons, "missing executable "+PredictExecutable+" in working directory")
	}

	if len(reasons) > 0 {
		return &Violation{Image: image, Reasons: reasons}
	}
	return nil
}

func (v *Validator) ensureImage(ctx context.Context, image string) error {
	if err := v.cli.Command(ctx, "image", "inspect", image).Run(); err == nil {
		return nil
	}
	if !v.pull {
		return fmt.Errorf("image %s not present locally and pull is disabled", image)
	}

	log.Info().Str("image", image).Msg("pulling image")
	pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if out, err := v.cli.Command(pullCtx, "pull", image).CombinedOutput(); err != nil {
		return fmt.Errorf("pulling image %s: %w: %s", image, err, firstLine(string(out)))
	}
	return nil
}

func (v *Validator) inspectConfig(ctx context.Context, image string) (*ImageConfig, error) {
	out, err := v.cli.Output(ctx, "image", "inspect", "--format", "{{json .Config}}", image)
	if err != nil {
		return nil, fmt.Errorf("inspecting image %s: %w", image, err)
	}

	var cfg ImageConfig
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		return nil, fmt.Errorf("decoding image config for %s: %w", image, err)
	}
	return &cfg, nil
}

// probePredict runs a throwaway container that tests for an executable
// ./predict relative to the image working directory.
func (v *Validator) probePredict(ctx context.Context, image string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := v.cli.Command(probeCtx,
		"run", "--rm", "--network", "none",
		"--entrypoint", "/bin/sh", image,
		"-c", "test -x "+PredictExecutable,
	)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if probeCtx.Err() != nil {
		return false, probeCtx.Err()
	}
	// A non-zero exit means the test failed, not that the probe broke.
	return false, nil
}

// checkConfig returns contract violations visible in the image config alone.
func checkConfig(cfg *ImageConfig) []string {
	var reasons []string
	if len(cfg.Entrypoint) > 0 {
		reasons = append(reasons, "image sets ENTRYPOINT; the execution engine must control invocation")
	}
	if cfg.WorkingDir == "" || cfg.WorkingDir == "/" {
		reasons = append(reasons, "image does not set a working directory for the model root")
	}
	return reasons
}

// CheckDockerfile scans Dockerfile text for CMD and ENTRYPOINT directives,
// which the contract forbids. Used when a client submits the Dockerfile
// alongside registration for an early, cheaper check.
func CheckDockerfile(content string) []string {
	var reasons []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		directive := strings.ToUpper(firstField(trimmed))
		switch directive {
		case "CMD":
			reasons = append(reasons, "Dockerfile sets CMD")
		case "ENTRYPOINT":
			reasons = append(reasons, "Dockerfile sets ENTRYPOINT")
		}
	}
	return reasons
}

func firstField(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
