package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/validation"
	"github.com/vmtool/vm/pkg/vmerrors"
)

const dockerAPIVersion = "1.45"

// Engine wraps the docker daemon connection plus the `docker
// compose` CLI invocations the lifecycle needs. Grounded on the
// teacher's DockerCommand (pkg/commands/docker.go). Client is built
// from the environment and closed by Close; no lifecycle, inspection
// or probe call goes through it. Every engine call is OSCommand-style
// exec.Command wrapping of the Binary/Compose CLIs.
type Engine struct {
	Client  *client.Client
	Log     *logrus.Entry
	Binary  string // "docker"
	Compose string // "docker compose" or "podman compose", split on exec
}

func NewEngine(log *logrus.Entry) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(dockerAPIVersion))
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.DependencyMissing, err, "create docker client").
			WithHint("is Docker installed and on PATH?")
	}
	return &Engine{Client: cli, Log: log, Binary: "docker", Compose: "docker compose"}, nil
}

// Probe performs the daemon reachability check (spec section 4.1.1
// phase 1): issue an engine info probe; if it fails, fail with
// DependencyMissing. Shells out to "<binary> info" rather than the
// SDK's Ping so the same Engine shape serves both the docker and
// podman providers (podman's Engine has no SDK client configured,
// only a CLI binary name).
func (e *Engine) Probe(ctx context.Context) error {
	if err := exec.CommandContext(ctx, e.Binary, "info").Run(); err != nil {
		return vmerrors.Wrap(vmerrors.DependencyMissing, err, e.Binary+" daemon unreachable").
			WithHint("start " + e.Binary + " and retry")
	}
	return nil
}

// Close releases the client connection.
func (e *Engine) Close() error {
	if e.Client == nil {
		return nil
	}
	return e.Client.Close()
}

// runCompose runs `<e.Compose> -f <composeFile> <args...>` in dir,
// streaming combined output through e.Log at debug level and
// returning it for error reporting, matching the teacher's
// RunCommandWithOutput/sanitisedCommandOutput shape.
func (e *Engine) runCompose(ctx context.Context, dir, composeFile string, args ...string) (string, error) {
	parts := strings.Fields(e.Compose)
	full := append(append([]string{}, parts[1:]...), "-f", composeFile)
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, parts[0], full...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, vmerrors.Newf(vmerrors.Provider, "%s %s failed: %s", e.Compose, strings.Join(args, " "), output)
	}
	return output, nil
}

// streamCompose runs compose with output streamed to w as it arrives
// (spec section 4.1.1 phase 9: "invoke engine build; stream output").
func (e *Engine) streamCompose(ctx context.Context, dir, composeFile string, w io.Writer, args ...string) error {
	parts := strings.Fields(e.Compose)
	full := append(append([]string{}, parts[1:]...), "-f", composeFile)
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, parts[0], full...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return vmerrors.Wrap(vmerrors.Internal, err, "attach stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, fmt.Sprintf("start %s %s", e.Compose, strings.Join(args, " ")))
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, fmt.Sprintf("%s %s", e.Compose, strings.Join(args, " ")))
	}
	return nil
}

// EnsureNetwork creates a docker network if missing (spec section
// 4.1.1 phase 6). Shells out to the docker CLI rather than the SDK's
// network endpoints, matching the teacher's own preference for
// wrapping mutation commands through exec.Command (pkg/commands/os.go)
// and sidestepping API-version skew in the typed network structs.
func (e *Engine) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := validation.ValidateHostname(name); err != nil {
		return vmerrors.Wrap(vmerrors.Validation, err, "network name")
	}
	out, err := exec.CommandContext(ctx, e.Binary, "network", "ls", "--format", "{{.Name}}").Output()
	if err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.TrimSpace(line) == name {
				return nil
			}
		}
	}
	if err := exec.CommandContext(ctx, e.Binary, "network", "create", name).Run(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "create network "+validation.Quote(name))
	}
	return nil
}
