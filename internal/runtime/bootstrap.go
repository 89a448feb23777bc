// Package runtime ensures a container daemon is reachable before any
// service container is started. On hosts without a daemon it can
// provision a VM-backed runtime (Colima); everywhere else an unreachable
// daemon is a fatal, clearly-diagnosed setup error rather than a
// connection refusal surfacing later from the container library.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
	"github.com/sovrium/sovrium-sub013/internal/config"
)

// vmInternalSocket is the docker socket path as seen from inside the
// Colima VM. The container orchestration library must use this path for
// socket mounts when the daemon runs inside the VM, even though the host
// talks to the daemon through the profile socket.
const vmInternalSocket = "/var/run/docker.sock"

// Bootstrapper probes for a reachable container daemon and, when
// configured, provisions one.
type Bootstrapper struct {
	cfg    config.RuntimeConfig
	logger *slog.Logger

	// Indirections for tests. Production values are set by New.
	pingDaemon func(ctx context.Context) error
	lookPath   func(file string) (string, error)
	runCommand func(ctx context.Context, name string, args ...string) error
	goos       string
	homeDir    func() (string, error)
}

// New creates a Bootstrapper for the given runtime configuration.
func New(cfg config.RuntimeConfig, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		cfg:        cfg,
		logger:     logger,
		pingDaemon: pingDockerDaemon,
		lookPath:   exec.LookPath,
		runCommand: runCommand,
		goos:       goruntime.GOOS,
		homeDir:    os.UserHomeDir,
	}
}

// EnsureDaemon returns nil once a container daemon answers a ping. If one
// is already reachable the call has no side effects. If none is found on
// darwin and auto-provisioning is enabled, Colima is installed (via brew,
// if needed) and started, and the docker socket environment is remapped to
// the profile's VM socket. On every other platform a missing daemon is a
// fatal diagnostic.
func (b *Bootstrapper) EnsureDaemon(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout())
	err := b.pingDaemon(probeCtx)
	cancel()
	if err == nil {
		b.logger.Debug("container daemon reachable, no provisioning needed")
		return b.ensureVMSocketOverride()
	}

	b.logger.Warn("container daemon not reachable", "error", err)

	if b.goos != "darwin" || !b.cfg.AutoProvision {
		return fmt.Errorf(
			"no container daemon reachable: %w\n"+
				"Start Docker (or an API-compatible daemon) and re-run. "+
				"Automatic provisioning is only available on macOS with runtime.auto_provision enabled",
			err,
		)
	}

	if err := b.provisionColima(ctx); err != nil {
		return err
	}

	// Re-probe through the remapped socket before declaring success.
	probeCtx, cancel = context.WithTimeout(ctx, b.probeTimeout())
	defer cancel()
	if err := b.pingDaemon(probeCtx); err != nil {
		return fmt.Errorf("daemon still unreachable after starting colima: %w", err)
	}

	b.logger.Info("container daemon provisioned via colima", "profile", b.cfg.ColimaProfile)
	return nil
}

// ensureVMSocketOverride exports the VM-internal socket path when the
// daemon that answered the probe is a VM-backed runtime the user started
// themselves (DOCKER_HOST pointing at a Colima profile socket). Without
// the override, socket mounts resolve against the host path, which does
// not exist inside the VM. Exporting an environment variable installs
// nothing, so a reachable daemon still means no installation side effects.
func (b *Bootstrapper) ensureVMSocketOverride() error {
	if os.Getenv(ciutil.EnvDockerSocketOverride) != "" {
		return nil
	}

	dockerHost := os.Getenv(ciutil.EnvDockerHost)
	if !strings.Contains(dockerHost, "/.colima/") {
		return nil
	}

	if err := os.Setenv(ciutil.EnvDockerSocketOverride, vmInternalSocket); err != nil {
		return fmt.Errorf("failed to set %s: %w", ciutil.EnvDockerSocketOverride, err)
	}
	b.logger.Info("VM-backed daemon detected, socket override exported",
		"docker_host", dockerHost,
		"socket_override", vmInternalSocket,
	)
	return nil
}

// provisionColima installs (if necessary) and starts the Colima VM, then
// remaps the docker socket environment to the profile socket.
func (b *Bootstrapper) provisionColima(ctx context.Context) error {
	if _, err := b.lookPath("colima"); err != nil {
		b.logger.Info("colima not found, installing via homebrew")

		if _, err := b.lookPath("brew"); err != nil {
			return fmt.Errorf(
				"colima is not installed and homebrew is unavailable to install it: %w\n"+
					"Install colima manually (https://github.com/abiosoft/colima) or start Docker Desktop",
				err,
			)
		}
		if err := b.runCommand(ctx, "brew", "install", "colima", "docker"); err != nil {
			return fmt.Errorf("failed to install colima: %w", err)
		}
	}

	b.logger.Info("starting colima", "profile", b.cfg.ColimaProfile)
	if err := b.runCommand(ctx, "colima", "start", "--profile", b.cfg.ColimaProfile); err != nil {
		return fmt.Errorf("failed to start colima: %w", err)
	}

	return b.remapSocket()
}

// remapSocket points DOCKER_HOST at the Colima profile socket and tells
// the container orchestration library which path the socket has inside
// the VM. Without the override, socket mounts resolve against the host
// path, which does not exist in the VM, and connections silently target
// the wrong endpoint.
func (b *Bootstrapper) remapSocket() error {
	home, err := b.homeDir()
	if err != nil {
		return fmt.Errorf("cannot locate home directory for colima socket: %w", err)
	}

	socketPath := filepath.Join(home, ".colima", b.cfg.ColimaProfile, "docker.sock")
	if _, err := os.Stat(socketPath); err != nil {
		return fmt.Errorf("colima socket not found at %s: %w", socketPath, err)
	}

	dockerHost := "unix://" + socketPath
	if err := os.Setenv(ciutil.EnvDockerHost, dockerHost); err != nil {
		return fmt.Errorf("failed to set %s: %w", ciutil.EnvDockerHost, err)
	}
	if err := os.Setenv(ciutil.EnvDockerSocketOverride, vmInternalSocket); err != nil {
		return fmt.Errorf("failed to set %s: %w", ciutil.EnvDockerSocketOverride, err)
	}

	b.logger.Info("docker socket remapped for VM runtime",
		"docker_host", dockerHost,
		"socket_override", vmInternalSocket,
	)
	return nil
}

func (b *Bootstrapper) probeTimeout() time.Duration {
	if b.cfg.ProbeTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.cfg.ProbeTimeoutSeconds) * time.Second
}

// pingDockerDaemon connects using the standard environment (DOCKER_HOST et
// al.) and pings the daemon once.
func pingDockerDaemon(ctx context.Context) error {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	if err := client.PingWithContext(ctx); err != nil {
		return fmt.Errorf("docker daemon ping failed: %w", err)
	}
	return nil
}

// runCommand executes an external command, surfacing combined output in
// the error for diagnostics.
func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w\n%s", name, args, err, out)
	}
	return nil
}
