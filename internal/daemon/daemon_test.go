package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/command"
	"firestige.xyz/netstack/internal/core"
	logpkg "firestige.xyz/netstack/internal/log"
)

const baseConfig = `
netstack:
  log:
    level: %s
    format: text
  metrics:
    enabled: true
    listen: 127.0.0.1:0
  stack:
    ingress_workers: 2
  interfaces:
    - name: lo0
      kind: loopback
      address: 127.0.0.1/8
    - name: eth0
      address: 10.0.0.1/24
`

func writeConfig(t *testing.T, path, level, extra string) {
	t.Helper()
	body := fmt.Sprintf(baseConfig, level) + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func newDaemon(t *testing.T, level string) (d *Daemon, dir string) {
	t.Helper()
	dir = t.TempDir()
	configPath := filepath.Join(dir, "config.yml")
	writeConfig(t, configPath, level, "")

	d, err := New(configPath, filepath.Join(dir, "netstack.sock"), filepath.Join(dir, "netstack.pid"))
	require.NoError(t, err)
	return d, dir
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	d, dir := newDaemon(t, "debug")
	socketPath := filepath.Join(dir, "netstack.sock")
	pidFile := filepath.Join(dir, "netstack.pid")

	require.NoError(t, d.Start())

	pid, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(pidFile))

	_, err = os.Stat(socketPath)
	require.NoError(t, err, "UDS socket was not created")

	client := command.NewUDSClient(socketPath, 5*time.Second)
	resp, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]any)
	assert.EqualValues(t, 2, status["interfaces"])

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run()
	}()

	// daemon_shutdown goes through the same path as TriggerShutdown
	resp, err = client.Shutdown(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file was not removed after shutdown")
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "UDS socket was not removed after shutdown")

	d.Stop() // second stop is a no-op
}

func TestDaemon_ReloadLogLevelAndRoutes(t *testing.T) {
	d, dir := newDaemon(t, "info")
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Equal(t, "info", d.Config().Log.Level)
	assert.Len(t, d.Stack().RouteInfo(), 2)

	writeConfig(t, filepath.Join(dir, "config.yml"), "debug", `
  ip:
    forwarding: true
  routes:
    - destination: 192.168.0.0/16
      gateway: 10.0.0.254
      interface: eth0
`)
	require.NoError(t, d.Reload())

	assert.Equal(t, "debug", d.Config().Log.Level)
	assert.Equal(t, "DEBUG", logpkg.Level().String())
	assert.Len(t, d.Stack().RouteInfo(), 3)

	// Reloading the same file again keeps existing routes.
	require.NoError(t, d.Reload())
	assert.Len(t, d.Stack().RouteInfo(), 3)
}

func TestDaemon_ReloadRejectsBadConfig(t *testing.T) {
	d, dir := newDaemon(t, "info")
	require.NoError(t, d.Start())
	defer d.Stop()

	writeConfig(t, filepath.Join(dir, "config.yml"), "loud", "")
	assert.Error(t, d.Reload())
	assert.Equal(t, "info", d.Config().Log.Level, "old config stays active")
}

func TestNew_MissingConfig(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yml"), "", "")
	assert.Error(t, err)
}

func TestNew_ControlDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yml")
	sock := filepath.Join(dir, "from-file.sock")
	require.NoError(t, os.WriteFile(configPath, []byte("netstack:\n  control:\n    socket: "+sock+"\n"), 0644))

	d, err := New(configPath, "", "")
	require.NoError(t, err)
	assert.Equal(t, sock, d.socketPath)
	assert.Equal(t, "/var/run/netstack.pid", d.pidFile)
}

func TestPIDFileHelpers(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPIDFile(filepath.Join(dir, "none.pid"))
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
	assert.ErrorIs(t, StopByPID(filepath.Join(dir, "none.pid"), time.Second), core.ErrDaemonNotRunning)

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("abc\n"), 0644))
	_, err = ReadPIDFile(garbage)
	assert.Error(t, err)
	assert.False(t, IsRunning(garbage))

	self := filepath.Join(dir, "self.pid")
	require.NoError(t, os.WriteFile(self, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	assert.True(t, IsRunning(self))
}
