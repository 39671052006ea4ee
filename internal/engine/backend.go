package engine

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"model-registry/internal/config"
	"model-registry/internal/dockercli"
)

// NewEngine picks the best available backend: containerd on Linux, Docker
// elsewhere.
func NewEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	opts := optionsFromConfig(cfg)

	preference := cfg.Engine.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdEngine(ctx, cfg, opts)
	case "docker":
		return newDockerEngine(opts)
	case "auto":
		if runtime.GOOS == "linux" {
			eng, err := newContainerdEngine(ctx, cfg, opts)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return eng, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		eng, err := newDockerEngine(opts)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return eng, nil
		}

		return nil, fmt.Errorf("no execution backend available: install Docker Desktop (macOS/Windows) or containerd (Linux)")
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func optionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrent:   cfg.Engine.MaxConcurrent,
		DefaultTimeout:  cfg.Engine.DefaultTimeout,
		MaxTimeout:      cfg.Engine.MaxTimeout,
		StderrTailLines: cfg.Engine.StderrTailLines,
		NetworkEnabled:  cfg.Engine.NetworkEnabled,
		DefaultLimits: ResourceLimits{
			CPUShares: cfg.Engine.DefaultLimits.CPUShares,
			MemoryMB:  cfg.Engine.DefaultLimits.MemoryMB,
			PidsLimit: cfg.Engine.DefaultLimits.PidsLimit,
			DiskMB:    cfg.Engine.DefaultLimits.DiskMB,
		},
	}
}

func newContainerdEngine(ctx context.Context, cfg *config.Config, opts Options) (Engine, error) {
	client, err := NewClient(ctx, cfg.Engine.ContainerdSocket, cfg.Engine.Namespace)
	if err != nil {
		return nil, err
	}

	eng := NewContainerdEngine(client, opts)

	cleaned, err := eng.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return eng, nil
}

func newDockerEngine(opts Options) (Engine, error) {
	cli, err := dockercli.New()
	if err != nil {
		return nil, err
	}
	return NewDockerEngine(cli, opts), nil
}
