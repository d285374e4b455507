package reactor

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	defaults "github.com/mcuadros/go-defaults"
)

// Config holds the process-wide tunables read by connection logic, per
// spec.md §4.7. set_config installs a new Config for subsequently armed
// timers and new connections; connections mid-flight keep their current
// timers until next re-arm.
type Config struct {
	ReadTimeout         time.Duration `koanf:"read_timeout" yaml:"read_timeout"`
	SendTimeout         time.Duration `koanf:"send_timeout" yaml:"send_timeout"`
	ConnectTimeout      time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	TCPBacklog          int           `koanf:"tcp_backlog" yaml:"tcp_backlog" default:"128"`
	AcceptRetryInterval time.Duration `koanf:"accept_retry_interval" yaml:"accept_retry_interval"`
	ReadRetryDelay      time.Duration `koanf:"read_retry_delay" yaml:"read_retry_delay"`
	ReadSize            int           `koanf:"read_size" yaml:"read_size" default:"4096"`
	SSLHandshakeTimeout time.Duration `koanf:"ssl_handshake_timeout" yaml:"ssl_handshake_timeout"`
	MaxWait             time.Duration `koanf:"max_wait" yaml:"max_wait"`
	MinWait             time.Duration `koanf:"min_wait" yaml:"min_wait"`
	Verbose             bool          `koanf:"verbose" yaml:"verbose" default:"false"`
	FatalErrors         bool          `koanf:"fatal_errors" yaml:"fatal_errors" default:"false"`
	ProtectListeners    bool          `koanf:"protect_listeners" yaml:"protect_listeners" default:"true"`
	OpportunisticWrites bool          `koanf:"opportunistic_writes" yaml:"opportunistic_writes" default:"true"`
}

// DefaultConfig returns a Config populated from the `default` struct
// tags above (github.com/mcuadros/go-defaults) for the plain scalar
// fields, with the time.Duration fields — which go-defaults cannot
// parse from a duration string, only from a bare integer — filled in
// afterwards.
func DefaultConfig() Config {
	c := Config{}
	defaults.SetDefaults(&c)
	c.ReadTimeout = 10 * time.Minute
	c.SendTimeout = 10 * time.Minute
	c.ConnectTimeout = 20 * time.Second
	c.AcceptRetryInterval = time.Second
	c.ReadRetryDelay = time.Millisecond
	c.SSLHandshakeTimeout = 60 * time.Second
	c.MaxWait = time.Hour
	c.MinWait = 0
	return c
}

// LoadConfig builds a Config starting from DefaultConfig, then overlays
// a YAML file (if path is non-empty and exists) and then environment
// variables prefixed with envPrefix (e.g. "REACTOR_READ_TIMEOUT"),
// using knadh/koanf — the config-loading stack also used by
// nasa-jpl-golaborate and srgg-blecli in the retrieval pack.
//
// This reads only the reactor's own tunables; it is unrelated to the
// JSON-Pointer resolution / configuration loading of the surrounding
// XMPP daemon, which spec.md §1 explicitly places out of scope.
func LoadConfig(path, envPrefix string) (Config, error) {
	c := DefaultConfig()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(c, "koanf"), nil); err != nil {
		return c, err
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return c, err
			}
		}
	}

	if envPrefix != "" {
		envKey := func(s string) string {
			return strings.ToLower(strings.TrimPrefix(s, envPrefix))
		}
		if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
			return c, err
		}
	}

	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	return c, nil
}
