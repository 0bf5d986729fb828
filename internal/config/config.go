// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/netstack/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `netstack:` root key in YAML.
type GlobalConfig struct {
	Control    ControlConfig     `mapstructure:"control"`
	Log        LogConfig         `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Buffers    BuffersConfig     `mapstructure:"buffers"`
	Socket     SocketConfig      `mapstructure:"socket"`
	IP         IPConfig          `mapstructure:"ip"`
	TCP        TCPConfig         `mapstructure:"tcp"`
	ICMP       ICMPConfig        `mapstructure:"icmp"`
	Stack      StackConfig       `mapstructure:"stack"`
	Interfaces []InterfaceConfig `mapstructure:"interfaces"`
	Routes     []RouteConfig     `mapstructure:"routes"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Data plane ───

// BuffersConfig sizes the buffer arena pools.
type BuffersConfig struct {
	Mbufs    int `mapstructure:"mbufs"`
	Clusters int `mapstructure:"clusters"`
}

// SocketConfig holds socket buffer sizes. SBMax is the ceiling every
// reservation is checked against.
type SocketConfig struct {
	SBMax        int  `mapstructure:"sb_max"`
	TCPSendSpace int  `mapstructure:"tcp_send_space"`
	TCPRecvSpace int  `mapstructure:"tcp_recv_space"`
	UDPSendSpace int  `mapstructure:"udp_send_space"`
	UDPRecvSpace int  `mapstructure:"udp_recv_space"`
	UDPChecksum  bool `mapstructure:"udp_checksum"`
}

// IPConfig configures the IP layer.
type IPConfig struct {
	Forwarding    bool             `mapstructure:"forwarding"`
	SendRedirects bool             `mapstructure:"send_redirects"`
	DefaultTTL    int              `mapstructure:"default_ttl"`
	Reassembly    ReassemblyConfig `mapstructure:"reassembly"`
}

// ReassemblyConfig bounds fragment reassembly.
type ReassemblyConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxFragments int           `mapstructure:"max_fragments"`
	MaxDatagrams int           `mapstructure:"max_datagrams"`
}

// TCPConfig holds the TCP tunables.
type TCPConfig struct {
	MSSDefault      int           `mapstructure:"mss_default"`
	DoRFC1323       bool          `mapstructure:"do_rfc1323"`
	RTTMin          time.Duration `mapstructure:"rtt_min"`
	RexmtMax        time.Duration `mapstructure:"rexmt_max"`
	KeepInit        time.Duration `mapstructure:"keep_init"`
	KeepIdle        time.Duration `mapstructure:"keep_idle"`
	KeepIntvl       time.Duration `mapstructure:"keep_intvl"`
	KeepCount       int           `mapstructure:"keep_count"`
	MSL             time.Duration `mapstructure:"msl"`
	RexmtThresh     int           `mapstructure:"rexmt_thresh"`
	EphemeralFirst  int           `mapstructure:"ephemeral_first"`
	EphemeralLast   int           `mapstructure:"ephemeral_last"`
	DebugTraceBytes int64         `mapstructure:"debug_trace_bytes"`
}

// ICMPConfig rate-limits error generation.
type ICMPConfig struct {
	ErrorRate  float64 `mapstructure:"error_rate"`
	ErrorBurst int     `mapstructure:"error_burst"`
}

// StackConfig sizes the runtime.
type StackConfig struct {
	IngressWorkers int `mapstructure:"ingress_workers"`
	QueueLen       int `mapstructure:"queue_len"`
	SlowHz         int `mapstructure:"slow_hz"`
	FastHz         int `mapstructure:"fast_hz"`
}

// Interface kinds.
const (
	KindLoopback = "loopback"
	KindChannel  = "channel"
)

// InterfaceConfig declares one interface.
type InterfaceConfig struct {
	Name        string `mapstructure:"name"`
	Kind        string `mapstructure:"kind"`    // loopback | channel
	Address     string `mapstructure:"address"` // CIDR
	MTU         int    `mapstructure:"mtu"`
	Sniff       bool   `mapstructure:"sniff"`
	SniffFilter string `mapstructure:"sniff_filter"`
}

// RouteConfig declares one static route. An empty gateway makes the route
// direct.
type RouteConfig struct {
	Destination string `mapstructure:"destination"`
	Gateway     string `mapstructure:"gateway"`
	Interface   string `mapstructure:"interface"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `netstack: ...`.
type configRoot struct {
	Netstack GlobalConfig `mapstructure:"netstack"`
}

// Load loads configuration from file.
// The YAML file uses `netstack:` as root key; env vars use the NETSTACK_ prefix
// (e.g., NETSTACK_TCP_MSS_DEFAULT).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Default returns the configuration an empty file produces.
func Default() (*GlobalConfig, error) {
	return decode(viper.New())
}

func decode(v *viper.Viper) (*GlobalConfig, error) {
	// key "netstack.tcp.mss_default" → env "NETSTACK_TCP_MSS_DEFAULT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netstack

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "netstack." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("netstack.control.pid_file", "/var/run/netstack.pid")
	v.SetDefault("netstack.control.socket", "/var/run/netstack.sock")

	// Log defaults
	v.SetDefault("netstack.log.level", "info")
	v.SetDefault("netstack.log.format", "json")
	v.SetDefault("netstack.log.outputs.file.enabled", false)
	v.SetDefault("netstack.log.outputs.file.path", "/var/log/netstack/netstack.log")
	v.SetDefault("netstack.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netstack.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netstack.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netstack.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("netstack.metrics.enabled", true)
	v.SetDefault("netstack.metrics.listen", ":9091")
	v.SetDefault("netstack.metrics.path", "/metrics")

	// Buffer arena defaults
	v.SetDefault("netstack.buffers.mbufs", 4096)
	v.SetDefault("netstack.buffers.clusters", 1024)

	// Socket buffer defaults
	v.SetDefault("netstack.socket.sb_max", 256*1024)
	v.SetDefault("netstack.socket.tcp_send_space", 8192)
	v.SetDefault("netstack.socket.tcp_recv_space", 8192)
	v.SetDefault("netstack.socket.udp_send_space", 9216)
	v.SetDefault("netstack.socket.udp_recv_space", 41600)
	v.SetDefault("netstack.socket.udp_checksum", true)

	// IP defaults
	v.SetDefault("netstack.ip.forwarding", false)
	v.SetDefault("netstack.ip.send_redirects", true)
	v.SetDefault("netstack.ip.default_ttl", 64)
	v.SetDefault("netstack.ip.reassembly.timeout", "30s")
	v.SetDefault("netstack.ip.reassembly.max_fragments", 64)
	v.SetDefault("netstack.ip.reassembly.max_datagrams", 256)

	// TCP defaults
	v.SetDefault("netstack.tcp.mss_default", 512)
	v.SetDefault("netstack.tcp.do_rfc1323", true)
	v.SetDefault("netstack.tcp.rtt_min", "1s")
	v.SetDefault("netstack.tcp.rexmt_max", "64s")
	v.SetDefault("netstack.tcp.keep_init", "75s")
	v.SetDefault("netstack.tcp.keep_idle", "2h")
	v.SetDefault("netstack.tcp.keep_intvl", "75s")
	v.SetDefault("netstack.tcp.keep_count", 8)
	v.SetDefault("netstack.tcp.msl", "30s")
	v.SetDefault("netstack.tcp.rexmt_thresh", 3)
	v.SetDefault("netstack.tcp.ephemeral_first", 1024)
	v.SetDefault("netstack.tcp.ephemeral_last", 5000)
	v.SetDefault("netstack.tcp.debug_trace_bytes", 0)

	// ICMP defaults
	v.SetDefault("netstack.icmp.error_rate", 100)
	v.SetDefault("netstack.icmp.error_burst", 50)

	// Runtime defaults
	v.SetDefault("netstack.stack.ingress_workers", 4)
	v.SetDefault("netstack.stack.queue_len", 1024)
	v.SetDefault("netstack.stack.slow_hz", 2)
	v.SetDefault("netstack.stack.fast_hz", 5)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Buffers ──
	if cfg.Socket.SBMax < 1024 {
		return invalid("socket.sb_max %d is below 1024", cfg.Socket.SBMax)
	}
	if cfg.Buffers.Mbufs <= 0 || cfg.Buffers.Clusters <= 0 {
		return invalid("buffers.mbufs and buffers.clusters must be positive")
	}

	// ── IP / TCP ──
	if cfg.IP.DefaultTTL <= 0 || cfg.IP.DefaultTTL > 255 {
		return invalid("ip.default_ttl %d out of range 1-255", cfg.IP.DefaultTTL)
	}
	t := &cfg.TCP
	if t.EphemeralFirst <= 0 || t.EphemeralLast > 65535 || t.EphemeralFirst > t.EphemeralLast {
		return invalid("tcp ephemeral range %d-%d is invalid", t.EphemeralFirst, t.EphemeralLast)
	}
	if t.MSSDefault < 32 {
		return invalid("tcp.mss_default %d is below 32", t.MSSDefault)
	}

	// ── Runtime ──
	s := &cfg.Stack
	if s.IngressWorkers <= 0 {
		s.IngressWorkers = 1
	}
	if s.QueueLen <= 0 {
		s.QueueLen = 1024
	}
	if s.SlowHz <= 0 || s.FastHz <= 0 {
		return invalid("stack.slow_hz and stack.fast_hz must be positive")
	}

	// ── Interfaces ──
	names := make(map[string]bool, len(cfg.Interfaces))
	for i := range cfg.Interfaces {
		ifc := &cfg.Interfaces[i]
		if ifc.Name == "" {
			return invalid("interfaces[%d]: name is required", i)
		}
		if names[ifc.Name] {
			return invalid("interfaces[%d]: duplicate name %q", i, ifc.Name)
		}
		names[ifc.Name] = true
		if ifc.Kind == "" {
			ifc.Kind = KindChannel
		}
		if ifc.Kind != KindLoopback && ifc.Kind != KindChannel {
			return invalid("interface %s: unknown kind %q (must be loopback/channel)", ifc.Name, ifc.Kind)
		}
		if ifc.MTU == 0 {
			ifc.MTU = 1500
		}
		if ifc.MTU < 68 {
			return invalid("interface %s: mtu %d is below 68", ifc.Name, ifc.MTU)
		}
		if p, err := netip.ParsePrefix(ifc.Address); err != nil || !p.Addr().Is4() {
			return invalid("interface %s: invalid address %q", ifc.Name, ifc.Address)
		}
	}

	// ── Routes ──
	for i, r := range cfg.Routes {
		if p, err := netip.ParsePrefix(r.Destination); err != nil || !p.Addr().Is4() {
			return invalid("routes[%d]: invalid destination %q", i, r.Destination)
		}
		if r.Gateway != "" {
			if a, err := netip.ParseAddr(r.Gateway); err != nil || !a.Is4() {
				return invalid("routes[%d]: invalid gateway %q", i, r.Gateway)
			}
		}
		if !names[r.Interface] {
			return invalid("routes[%d]: unknown interface %q", i, r.Interface)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}
