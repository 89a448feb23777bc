package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
	"github.com/sovrium/sovrium-sub013/internal/config"
)

func testConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		AutoProvision:       true,
		ColimaProfile:       "default",
		ProbeTimeoutSeconds: 1,
	}
}

func newTestBootstrapper(cfg config.RuntimeConfig) *Bootstrapper {
	b := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Never touch the real system in unit tests.
	b.pingDaemon = func(ctx context.Context) error { return errors.New("unreachable") }
	b.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	b.runCommand = func(context.Context, string, ...string) error { return errors.New("not invoked") }
	b.homeDir = func() (string, error) { return "", errors.New("no home") }
	return b
}

func TestEnsureDaemonNoOpWhenReachable(t *testing.T) {
	t.Setenv(ciutil.EnvDockerHost, "")
	t.Setenv(ciutil.EnvDockerSocketOverride, "")
	os.Unsetenv(ciutil.EnvDockerHost)
	os.Unsetenv(ciutil.EnvDockerSocketOverride)

	b := newTestBootstrapper(testConfig())

	var commandsRun int
	b.pingDaemon = func(ctx context.Context) error { return nil }
	b.runCommand = func(context.Context, string, ...string) error {
		commandsRun++
		return nil
	}

	require.NoError(t, b.EnsureDaemon(context.Background()))
	assert.Zero(t, commandsRun, "A reachable daemon must produce no installation side effects")
	assert.Empty(t, os.Getenv(ciutil.EnvDockerSocketOverride),
		"A native daemon needs no socket override")
}

func TestEnsureDaemonRemapsSocketForRunningVM(t *testing.T) {
	// Steady state: the user started colima beforehand, so the daemon
	// answers through the profile socket and no provisioning runs. The
	// VM-internal socket override must still be exported or socket mounts
	// resolve against a host path that does not exist inside the VM.
	t.Setenv(ciutil.EnvDockerHost, "unix:///Users/dev/.colima/default/docker.sock")
	t.Setenv(ciutil.EnvDockerSocketOverride, "")
	os.Unsetenv(ciutil.EnvDockerSocketOverride)

	b := newTestBootstrapper(testConfig())

	var commandsRun int
	b.pingDaemon = func(ctx context.Context) error { return nil }
	b.runCommand = func(context.Context, string, ...string) error {
		commandsRun++
		return nil
	}

	require.NoError(t, b.EnsureDaemon(context.Background()))
	assert.Zero(t, commandsRun, "Exporting the override must not trigger any installation")
	assert.Equal(t, vmInternalSocket, os.Getenv(ciutil.EnvDockerSocketOverride),
		"A reachable VM-backed daemon still needs the socket override")
}

func TestEnsureDaemonKeepsExistingSocketOverride(t *testing.T) {
	t.Setenv(ciutil.EnvDockerHost, "unix:///Users/dev/.colima/default/docker.sock")
	t.Setenv(ciutil.EnvDockerSocketOverride, "/custom/docker.sock")

	b := newTestBootstrapper(testConfig())
	b.pingDaemon = func(ctx context.Context) error { return nil }

	require.NoError(t, b.EnsureDaemon(context.Background()))
	assert.Equal(t, "/custom/docker.sock", os.Getenv(ciutil.EnvDockerSocketOverride),
		"An override set by the user must not be replaced")
}

func TestEnsureDaemonFailsFastOffDarwin(t *testing.T) {
	b := newTestBootstrapper(testConfig())
	b.goos = "linux"

	err := b.EnsureDaemon(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no container daemon reachable",
		"Error should be a clear diagnostic, not a low-level connection failure")
}

func TestEnsureDaemonFailsFastWhenAutoProvisionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoProvision = false

	b := newTestBootstrapper(cfg)
	b.goos = "darwin"

	err := b.EnsureDaemon(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_provision")
}

func TestEnsureDaemonProvisionsColimaOnDarwin(t *testing.T) {
	home := t.TempDir()
	socketDir := filepath.Join(home, ".colima", "default")
	require.NoError(t, os.MkdirAll(socketDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "docker.sock"), nil, 0o600))

	// Restore docker environment mutated by the socket remap.
	t.Setenv(ciutil.EnvDockerHost, "")
	t.Setenv(ciutil.EnvDockerSocketOverride, "")

	b := newTestBootstrapper(testConfig())
	b.goos = "darwin"
	b.homeDir = func() (string, error) { return home, nil }
	b.lookPath = func(file string) (string, error) {
		if file == "colima" {
			return "/opt/homebrew/bin/colima", nil
		}
		return "", errors.New("not found")
	}

	var commands [][]string
	b.runCommand = func(_ context.Context, name string, args ...string) error {
		commands = append(commands, append([]string{name}, args...))
		return nil
	}

	pings := 0
	b.pingDaemon = func(ctx context.Context) error {
		pings++
		if pings == 1 {
			return errors.New("unreachable") // before provisioning
		}
		return nil // after colima start
	}

	require.NoError(t, b.EnsureDaemon(context.Background()))

	require.Len(t, commands, 1, "Only colima start should run when colima is already installed")
	assert.Equal(t, []string{"colima", "start", "--profile", "default"}, commands[0])

	expectedHost := "unix://" + filepath.Join(socketDir, "docker.sock")
	assert.Equal(t, expectedHost, os.Getenv(ciutil.EnvDockerHost),
		"DOCKER_HOST must point at the profile socket")
	assert.Equal(t, vmInternalSocket, os.Getenv(ciutil.EnvDockerSocketOverride),
		"The socket override must be the VM-internal path")
}

func TestEnsureDaemonInstallsColimaViaBrew(t *testing.T) {
	home := t.TempDir()
	socketDir := filepath.Join(home, ".colima", "default")
	require.NoError(t, os.MkdirAll(socketDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "docker.sock"), nil, 0o600))

	t.Setenv(ciutil.EnvDockerHost, "")
	t.Setenv(ciutil.EnvDockerSocketOverride, "")

	b := newTestBootstrapper(testConfig())
	b.goos = "darwin"
	b.homeDir = func() (string, error) { return home, nil }
	b.lookPath = func(file string) (string, error) {
		if file == "brew" {
			return "/opt/homebrew/bin/brew", nil
		}
		return "", errors.New("not found")
	}

	var commands [][]string
	b.runCommand = func(_ context.Context, name string, args ...string) error {
		commands = append(commands, append([]string{name}, args...))
		return nil
	}

	pings := 0
	b.pingDaemon = func(ctx context.Context) error {
		pings++
		if pings == 1 {
			return errors.New("unreachable")
		}
		return nil
	}

	require.NoError(t, b.EnsureDaemon(context.Background()))

	require.Len(t, commands, 2)
	assert.Equal(t, []string{"brew", "install", "colima", "docker"}, commands[0])
	assert.Equal(t, []string{"colima", "start", "--profile", "default"}, commands[1])
}

func TestEnsureDaemonFailsWhenColimaAndBrewMissing(t *testing.T) {
	b := newTestBootstrapper(testConfig())
	b.goos = "darwin"

	err := b.EnsureDaemon(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "homebrew is unavailable")
}

func TestEnsureDaemonFailsWhenSocketMissingAfterStart(t *testing.T) {
	b := newTestBootstrapper(testConfig())
	b.goos = "darwin"
	b.homeDir = func() (string, error) { return t.TempDir(), nil }
	b.lookPath = func(file string) (string, error) { return "/bin/" + file, nil }
	b.runCommand = func(context.Context, string, ...string) error { return nil }

	err := b.EnsureDaemon(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colima socket not found")
}

func TestEnsureDaemonReprobesAfterProvisioning(t *testing.T) {
	home := t.TempDir()
	socketDir := filepath.Join(home, ".colima", "default")
	require.NoError(t, os.MkdirAll(socketDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "docker.sock"), nil, 0o600))

	t.Setenv(ciutil.EnvDockerHost, "")
	t.Setenv(ciutil.EnvDockerSocketOverride, "")

	b := newTestBootstrapper(testConfig())
	b.goos = "darwin"
	b.homeDir = func() (string, error) { return home, nil }
	b.lookPath = func(file string) (string, error) { return "/bin/" + file, nil }
	b.runCommand = func(context.Context, string, ...string) error { return nil }
	b.pingDaemon = func(ctx context.Context) error { return errors.New("still down") }

	err := b.EnsureDaemon(context.Background())
	require.Error(t, err, "Provisioning without a subsequently reachable daemon is a failure")
	assert.Contains(t, err.Error(), "still unreachable after starting colima")
}
