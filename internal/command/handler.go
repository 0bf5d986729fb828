// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/netstack/internal/route"
	"firestige.xyz/netstack/internal/stack"
	"firestige.xyz/netstack/internal/tcp"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// StackInfo is the read-only view of the running stack the handler serves.
type StackInfo interface {
	Stats() map[string]map[string]uint64
	Netstat() stack.Netstat
	RouteInfo() []route.Info
	InterfaceInfo() []stack.InterfaceInfo
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	stack          StackInfo
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(s StackInfo, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		stack:          s,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "stats", "netstat"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`               // matches request ID
	Result any        `json:"result,omitempty"` // success result
	Error  *ErrorInfo `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

func failure(id string, code int, format string, args ...any) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "stats":
		return h.handleStats(ctx, cmd)
	case "netstat":
		return h.handleNetstat(ctx, cmd)
	case "routes":
		return Response{ID: cmd.ID, Result: h.stack.RouteInfo()}
	case "interfaces":
		return Response{ID: cmd.ID, Result: h.stack.InterfaceInfo()}
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return failure(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// decodeParams decodes raw JSON params into out. Numbers and booleans given
// as strings are converted; unknown keys are rejected.
func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// StatsParams selects one layer; empty returns every layer.
type StatsParams struct {
	Layer string `json:"layer,omitempty"`
}

func (h *CommandHandler) handleStats(_ context.Context, cmd Command) Response {
	var params StatsParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	all := h.stack.Stats()
	if params.Layer == "" {
		return Response{ID: cmd.ID, Result: all}
	}
	layer, ok := all[strings.ToLower(params.Layer)]
	if !ok {
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown layer %q", params.Layer)
	}
	return Response{ID: cmd.ID, Result: map[string]map[string]uint64{strings.ToLower(params.Layer): layer}}
}

// NetstatParams filter the PCB listing.
type NetstatParams struct {
	Proto  string `json:"proto,omitempty"`  // tcp | udp
	State  string `json:"state,omitempty"`  // TCP state name, e.g. ESTABLISHED
	Listen bool   `json:"listen,omitempty"` // shorthand for state LISTEN
}

func (h *CommandHandler) handleNetstat(_ context.Context, cmd Command) Response {
	var params NetstatParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return failure(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}
	ns := h.stack.Netstat()
	switch strings.ToLower(params.Proto) {
	case "":
	case "tcp":
		ns.UDP = nil
	case "udp":
		ns.TCP = nil
	default:
		return failure(cmd.ID, ErrCodeInvalidParams, "unknown proto %q", params.Proto)
	}

	state := strings.ToUpper(params.State)
	if params.Listen {
		state = tcp.Listen.String()
	}
	if state != "" {
		var kept []tcp.Info
		for _, c := range ns.TCP {
			if c.State == state {
				kept = append(kept, c)
			}
		}
		ns.TCP = kept
	}
	return Response{ID: cmd.ID, Result: ns}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return failure(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return failure(cmd.ID, ErrCodeInternalError, "reload config failed: %v", err)
	}
	return Response{ID: cmd.ID, Result: map[string]any{"status": "reloaded"}}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return failure(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]any{"status": "shutting_down"}}
}

// StatusResult is the daemon_status reply.
type StatusResult struct {
	Version     string `json:"version"`
	UptimeSec   int64  `json:"uptime_sec"`
	Interfaces  int    `json:"interfaces"`
	Routes      int    `json:"routes"`
	TCPSessions int    `json:"tcp_sessions"`
	UDPSessions int    `json:"udp_sessions"`
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	ns := h.stack.Netstat()
	return Response{ID: cmd.ID, Result: StatusResult{
		Version:     Version,
		UptimeSec:   int64(time.Since(h.startTime).Seconds()),
		Interfaces:  len(h.stack.InterfaceInfo()),
		Routes:      len(h.stack.RouteInfo()),
		TCPSessions: len(ns.TCP),
		UDPSessions: len(ns.UDP),
	}}
}
