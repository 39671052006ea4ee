// Package dockercli wraps invocation of the docker CLI with a resolved
// DOCKER_HOST. On macOS, Docker Desktop uses a context-specific socket that
// child processes don't inherit, so the host is resolved once at startup.
package dockercli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// CLI runs docker commands against a fixed daemon endpoint.
type CLI struct {
	host string
}

// New resolves the Docker host and verifies the daemon is reachable.
func New() (*CLI, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	c := &CLI{host: resolveHost()}

	if err := c.Command(context.Background(), "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return c, nil
}

// Command builds an exec.Cmd for "docker args..." with DOCKER_HOST set.
func (c *CLI) Command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if c.host != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+c.host)
	}
	return cmd
}

// Output runs the command and returns trimmed stdout.
func (c *CLI) Output(ctx context.Context, args ...string) (string, error) {
	out, err := c.Command(ctx, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func resolveHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}
