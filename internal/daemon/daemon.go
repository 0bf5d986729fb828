// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/netstack/internal/command"
	"firestige.xyz/netstack/internal/config"
	logpkg "firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/stack"
)

// Daemon manages the netstack daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	stack         *stack.Stack
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration. Empty socketPath or pidFile fall back to the
// control section of the file.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting netstack daemon",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build and start the stack
	s, err := stack.New(d.config)
	if err != nil {
		return fmt.Errorf("failed to build stack: %w", err)
	}
	if err := s.Start(d.ctx); err != nil {
		_ = s.Stop()
		return fmt.Errorf("failed to start stack: %w", err)
	}
	d.stack = s

	// 5. Command handler; daemon_shutdown only signals Run
	d.cmdHandler = command.NewCommandHandler(s, d)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)

	// 6. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.udsServer.Start(d.ctx)
	}()
	select {
	case <-d.udsServer.Ready():
	case err := <-errCh:
		return fmt.Errorf("failed to start control server: %w", err)
	}
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 2. Stop the stack
	if d.stack != nil {
		if err := d.stack.Stop(); err != nil {
			slog.Error("error stopping stack", "error", err)
		}
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 4. Cancel context to signal all goroutines
	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 6. Flush logs
	_ = logpkg.Close()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon_shutdown command, or cancellation. SIGHUP reloads configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level, ip.forwarding, additional routes.
// Cold (requires restart): everything else, reported in the log.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.config

	hotReloaded := []string{}
	if newConfig.Log.Level != old.Log.Level {
		if err := logpkg.SetLevel(newConfig.Log.Level); err != nil {
			return err
		}
		hotReloaded = append(hotReloaded, "log.level")
	}
	if d.stack != nil {
		if err := d.stack.Reload(newConfig); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
		hotReloaded = append(hotReloaded, "ip.forwarding", "routes")
	}

	requiresRestart := []string{}
	if newConfig.Log.Format != old.Log.Format || newConfig.Log.Outputs != old.Log.Outputs {
		requiresRestart = append(requiresRestart, "log.outputs")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if len(newConfig.Interfaces) != len(old.Interfaces) {
		requiresRestart = append(requiresRestart, "interfaces")
	}
	if newConfig.TCP != old.TCP || newConfig.Buffers != old.Buffers || newConfig.Socket != old.Socket {
		requiresRestart = append(requiresRestart, "tcp/buffers/socket")
	}

	d.config = newConfig
	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop. Repeated calls are no-ops.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Stack returns the running stack, nil before Start.
func (d *Daemon) Stack() *stack.Stack { return d.stack }

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
