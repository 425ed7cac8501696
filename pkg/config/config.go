// Package config loads and validates the daemon configuration. Sources in
// order of precedence: environment variables (CNTLM_*), the YAML
// configuration file, and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Config is the full daemon configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Credential inputs. Password is used when set, otherwise the
	// precomputed hashes.
	Username    string `mapstructure:"username" yaml:"username"`
	Domain      string `mapstructure:"domain" yaml:"domain"`
	Workstation string `mapstructure:"workstation" yaml:"workstation"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
	PassNT      string `mapstructure:"pass_nt" yaml:"pass_nt,omitempty"`
	PassLM      string `mapstructure:"pass_lm" yaml:"pass_lm,omitempty"`
	PassNTLMv2  string `mapstructure:"pass_ntlmv2" yaml:"pass_ntlmv2,omitempty"`

	// Auth selects the hash policy: ntlm, nt, lm, ntlmv2, ntlm2sr, gss.
	Auth string `mapstructure:"auth" validate:"omitempty,oneof=ntlm nt lm ntlmv2 ntlm2sr gss" yaml:"auth"`
	// Flags overrides the NTLM negotiate flags (hex or decimal).
	Flags string `mapstructure:"flags" yaml:"flags,omitempty"`
	// NTLMToBasic lets clients supply their own credentials via Basic.
	NTLMToBasic bool `mapstructure:"ntlm_to_basic" yaml:"ntlm_to_basic"`

	// Proxy lists the parent proxies ("host:port") in failover order.
	Proxy []string `mapstructure:"proxy" yaml:"proxy"`
	// NoProxy lists hostname globs served directly.
	NoProxy []string `mapstructure:"no_proxy" yaml:"no_proxy"`
	// PACFile names a PAC script for the external evaluator.
	PACFile string `mapstructure:"pac_file" yaml:"pac_file,omitempty"`

	// Listen, SOCKS5Proxy and Tunnel hold the service port specs.
	Listen      []string `mapstructure:"listen" yaml:"listen"`
	SOCKS5Proxy []string `mapstructure:"socks5_proxy" yaml:"socks5_proxy,omitempty"`
	Tunnel      []string `mapstructure:"tunnel" yaml:"tunnel,omitempty"`
	// Gateway binds listeners on all interfaces instead of loopback.
	Gateway bool `mapstructure:"gateway" yaml:"gateway"`

	// SOCKS5Users holds "user:password" entries; empty means no auth.
	SOCKS5Users []string `mapstructure:"socks5_users" yaml:"socks5_users,omitempty"`

	// Header lists "Name: value" substitutions added to every request.
	Header []string `mapstructure:"header" yaml:"header,omitempty"`

	// ISAScannerSize enables the scanner shim and caps, in KiB, the
	// text/html body it inspects (a larger body fails the request);
	// ISAScannerAgent holds the triggering User-Agent globs.
	ISAScannerSize  int64    `mapstructure:"isa_scanner_size" yaml:"isa_scanner_size,omitempty"`
	ISAScannerAgent []string `mapstructure:"isa_scanner_agent" yaml:"isa_scanner_agent,omitempty"`

	// Timeouts and limits.
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gte=0" yaml:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0" yaml:"read_timeout"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" validate:"gte=0" yaml:"idle_conn_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0" yaml:"shutdown_timeout"`
	BodyBufferLimit int64         `mapstructure:"body_buffer_limit" validate:"gte=0" yaml:"body_buffer_limit"`

	// RequestLogging: 0 silent, 1 log method and URL per request.
	RequestLogging int `mapstructure:"request_logging" validate:"gte=0,lte=1" yaml:"request_logging"`
	// Serialize runs workers inline on the acceptor (debug only).
	Serialize bool `mapstructure:"serialize" yaml:"serialize"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// Load reads the configuration from the given file (optional), the
// environment, and defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix("CNTLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints plus the cross-field rules the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, h := range c.Header {
		if !strings.Contains(h, ":") {
			return fmt.Errorf("invalid header substitution %q (want \"Name: value\")", h)
		}
	}
	for _, u := range c.SOCKS5Users {
		if !strings.Contains(u, ":") {
			return fmt.Errorf("invalid socks5 user %q (want \"user:password\")", u)
		}
	}
	if c.Flags != "" {
		if _, err := ParseFlags(c.Flags); err != nil {
			return err
		}
	}
	if strings.EqualFold(c.Auth, "ntlmv2") && (c.Username == "" || c.Domain == "") && c.PassNTLMv2 == "" {
		return fmt.Errorf("ntlmv2 auth needs username and domain (the hash binds to them)")
	}
	return nil
}

// ParseFlags parses a manual NTLM flag override, hex (0x...) or decimal.
func ParseFlags(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid flags value %q: %w", s, err)
	}
	return uint32(n), nil
}

// SOCKS5UserTable converts the "user:password" entries to a map.
func (c *Config) SOCKS5UserTable() map[string]string {
	if len(c.SOCKS5Users) == 0 {
		return nil
	}
	table := make(map[string]string, len(c.SOCKS5Users))
	for _, entry := range c.SOCKS5Users {
		user, pass, _ := strings.Cut(entry, ":")
		table[user] = pass
	}
	return table
}

// HeaderSubs parses the "Name: value" substitution entries.
func (c *Config) HeaderSubs() [][2]string {
	subs := make([][2]string, 0, len(c.Header))
	for _, entry := range c.Header {
		name, value, _ := strings.Cut(entry, ":")
		subs = append(subs, [2]string{strings.TrimSpace(name), strings.TrimSpace(value)})
	}
	return subs
}

// Dump renders the configuration as YAML with secrets masked.
func (c *Config) Dump() (string, error) {
	const mask = "********"
	masked := *c
	for _, s := range []*string{&masked.Password, &masked.PassNT, &masked.PassLM, &masked.PassNTLMv2} {
		if *s != "" {
			*s = mask
		}
	}
	if len(c.SOCKS5Users) > 0 {
		masked.SOCKS5Users = make([]string, len(c.SOCKS5Users))
		for i, entry := range c.SOCKS5Users {
			user, _, _ := strings.Cut(entry, ":")
			masked.SOCKS5Users[i] = user + ":" + mask
		}
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("marshalling configuration: %w", err)
	}
	return string(out), nil
}

// DefaultPath returns the default config file location, preferring
// $XDG_CONFIG_HOME.
func DefaultPath() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return base + "/cntlm/cntlm.yaml"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.config/cntlm/cntlm.yaml"
	}
	return "/etc/cntlm.yaml"
}
