package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DockerRuntime runs workspaces in throwaway containers through the docker
// CLI. It is the only runtime intended for production.
type DockerRuntime struct {
	// Binary is the docker executable; empty means "docker" on PATH.
	Binary string

	// NamePrefix is prepended to run IDs to name containers.
	NamePrefix string
}

// NewDockerRuntime creates a docker runtime with default settings.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker", NamePrefix: "predmarket-run-"}
}

func (d *DockerRuntime) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// ContainerName returns the container name used for a run.
func (d *DockerRuntime) ContainerName(runID string) string {
	return d.NamePrefix + runID
}

// Args returns the full docker argument list for spec.
func (d *DockerRuntime) Args(spec Spec) []string {
	l := spec.Limits
	return []string{
		"run", "--rm",
		"--name", d.ContainerName(spec.RunID),
		"--network=none",
		"--memory=" + strconv.FormatInt(l.MemoryBytes, 10),
		"--memory-swap=" + strconv.FormatInt(l.MemoryBytes, 10),
		"--cpus=" + strconv.FormatFloat(l.CPUs, 'f', -1, 64),
		"--pids-limit=" + strconv.Itoa(l.PidsLimit),
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%d", l.TmpfsBytes),
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"-v", spec.Dir + ":/workspace:ro",
		"-w", "/workspace",
		"--user", l.User,
		l.Image,
		l.Interpreter, l.EntryPoint,
	}
}

func (d *DockerRuntime) Command(ctx context.Context, spec Spec) *exec.Cmd {
	return exec.CommandContext(ctx, d.binary(), d.Args(spec)...)
}

// Teardown force-removes the run's container. Killing the docker client
// does not stop the container, so this runs after every execution.
func (d *DockerRuntime) Teardown(ctx context.Context, spec Spec) error {
	out, err := exec.CommandContext(ctx, d.binary(), "rm", "-f", d.ContainerName(spec.RunID)).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm %s: %w: %s", d.ContainerName(spec.RunID), err, strings.TrimSpace(string(out)))
	}
	return nil
}
