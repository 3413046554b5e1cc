// Package config loads and validates tcpao-proxy configuration using
// koanf/v2, following the provider-composition style the rest of this
// codebase's ancestry uses for TOML (file.Provider + toml.Parser) with an
// environment-variable overlay.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
)

// Mode is the deployment role this process runs in.
type Mode string

const (
	ModeInitiator  Mode = "initiator"
	ModeTerminator Mode = "terminator"
)

// Config holds the complete tcpao-proxy configuration.
type Config struct {
	Global     GlobalConfig      `koanf:"global"`
	Initiator  *InitiatorConfig  `koanf:"initiator"`
	Terminator *TerminatorConfig `koanf:"terminator"`
	AoPolicy   []AoPolicyConfig  `koanf:"ao_policy"`
}

// GlobalConfig holds settings shared by both modes.
type GlobalConfig struct {
	LogFormat          string `koanf:"log_format"`
	IdleTimeoutSecs    uint64 `koanf:"idle_timeout_secs"`
	TCPKeepalive       bool   `koanf:"tcp_keepalive"`
	KeepaliveTimeSecs  *int   `koanf:"keepalive_time_secs"`
	KeepaliveIntvlSecs *int   `koanf:"keepalive_intvl_secs"`
	KeepaliveProbes    *int   `koanf:"keepalive_probes"`
}

// InitiatorConfig holds the Initiator mode's addresses.
type InitiatorConfig struct {
	ListenPlain string `koanf:"listen_plain"`
	RemoteAO    string `koanf:"remote_ao"`
}

// TerminatorConfig holds the Terminator mode's addresses.
type TerminatorConfig struct {
	ListenAO     string `koanf:"listen_ao"`
	ForwardPlain string `koanf:"forward_plain"`
}

// AoPolicyConfig is the raw, unresolved form of an AoPolicy as read from
// the configuration file.
type AoPolicyConfig struct {
	Name       string  `koanf:"name"`
	PeerIP     string  `koanf:"peer_ip"`
	PeerPort   *uint16 `koanf:"peer_port"`
	KeyID      uint8   `koanf:"keyid"`
	RNextKeyID *uint8  `koanf:"rnextkeyid"`
	MacAlg     string  `koanf:"mac_alg"`
	KeySource  string  `koanf:"key_source"`
}

// DefaultConfig returns a Config populated with spec section 6 defaults.
func DefaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LogFormat:      "text",
			IdleTimeoutSecs: 120,
			TCPKeepalive:   false,
		},
	}
}

const envPrefix = "TCPAO_PROXY_"

// Load reads a TOML configuration file at path, overlays TCPAO_PROXY_*
// environment variable overrides, merges on top of DefaultConfig(), and
// validates the result for the given mode.
func Load(path string, mode Mode) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg, mode); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TCPAO_PROXY_GLOBAL_LOG_FORMAT -> global.log_format.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"global.log_format":       defaults.Global.LogFormat,
		"global.idle_timeout_secs": defaults.Global.IdleTimeoutSecs,
		"global.tcp_keepalive":    defaults.Global.TCPKeepalive,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrMissingModeConfig = errors.New("missing configuration section for requested mode")
	ErrEmptyPolicyList   = errors.New("ao_policy list must not be empty")
	ErrInvalidListenAddr = errors.New("listen/forward/remote address is invalid")
	ErrUnknownMode       = errors.New("mode must be initiator or terminator")
	ErrInvalidLogFormat  = errors.New("global.log_format must be text or json")
)

// Validate checks cfg for the given mode, per spec sections 4.1 and 6.
func Validate(cfg *Config, mode Mode) error {
	switch mode {
	case ModeInitiator:
		if cfg.Initiator == nil {
			return fmt.Errorf("[initiator]: %w", ErrMissingModeConfig)
		}
		if _, err := netip.ParseAddrPort(cfg.Initiator.ListenPlain); err != nil {
			return fmt.Errorf("initiator.listen_plain %q: %w: %w", cfg.Initiator.ListenPlain, ErrInvalidListenAddr, err)
		}
		if _, err := netip.ParseAddrPort(cfg.Initiator.RemoteAO); err != nil {
			return fmt.Errorf("initiator.remote_ao %q: %w: %w", cfg.Initiator.RemoteAO, ErrInvalidListenAddr, err)
		}
	case ModeTerminator:
		if cfg.Terminator == nil {
			return fmt.Errorf("[terminator]: %w", ErrMissingModeConfig)
		}
		if _, err := netip.ParseAddrPort(cfg.Terminator.ListenAO); err != nil {
			return fmt.Errorf("terminator.listen_ao %q: %w: %w", cfg.Terminator.ListenAO, ErrInvalidListenAddr, err)
		}
		if _, err := netip.ParseAddrPort(cfg.Terminator.ForwardPlain); err != nil {
			return fmt.Errorf("terminator.forward_plain %q: %w: %w", cfg.Terminator.ForwardPlain, ErrInvalidListenAddr, err)
		}
	default:
		return fmt.Errorf("%q: %w", mode, ErrUnknownMode)
	}

	if len(cfg.AoPolicy) == 0 {
		return ErrEmptyPolicyList
	}

	switch cfg.Global.LogFormat {
	case "text", "json", "":
	default:
		return fmt.Errorf("%q: %w", cfg.Global.LogFormat, ErrInvalidLogFormat)
	}

	if _, err := BuildStore(cfg.AoPolicy); err != nil {
		return err
	}

	return nil
}

// BuildStore resolves raw AoPolicyConfig entries into a validated
// policy.Store, parsing peer_ip and key_source along the way.
func BuildStore(entries []AoPolicyConfig) (*policy.Store, error) {
	policies := make([]policy.AoPolicy, 0, len(entries))
	for i, e := range entries {
		ip, err := netip.ParseAddr(e.PeerIP)
		if err != nil {
			return nil, fmt.Errorf("ao_policy[%d] peer_ip %q: %w", i, e.PeerIP, err)
		}
		ks, err := policy.ParseKeySource(e.KeySource)
		if err != nil {
			return nil, fmt.Errorf("ao_policy[%d] key_source: %w", i, err)
		}
		policies = append(policies, policy.AoPolicy{
			Name:       e.Name,
			PeerIP:     ip,
			PeerPort:   e.PeerPort,
			KeyID:      e.KeyID,
			RNextKeyID: e.RNextKeyID,
			MacAlg:     e.MacAlg,
			KeySource:  ks,
		})
	}
	return policy.NewStore(policies)
}

// IdleTimeout returns the configured idle timeout, or zero if disabled.
func (g GlobalConfig) IdleTimeout() uint64 {
	return g.IdleTimeoutSecs
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactedSummary renders a startup summary safe to log: counts only,
// never policy names or key material (spec section 6).
func (c *Config) RedactedSummary(mode Mode) string {
	return fmt.Sprintf("mode=%s log_format=%s idle_timeout_secs=%d tcp_keepalive=%t policies=%d",
		mode, c.Global.LogFormat, c.Global.IdleTimeoutSecs, c.Global.TCPKeepalive, len(c.AoPolicy))
}
