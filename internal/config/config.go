// Package config loads mcpchannel settings from a YAML file, MCPCHANNEL_*
// environment variables and bound command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/machinefabric/mcpchannel-go/internal/logging"
	"github.com/machinefabric/mcpchannel-go/relay"
	"github.com/machinefabric/mcpchannel-go/server"
	"github.com/machinefabric/mcpchannel-go/wire"
	"github.com/machinefabric/mcpchannel-go/worker"
)

// EnvPrefix is prepended to every environment variable, e.g. MCPCHANNEL_WORKER_COMMAND
const EnvPrefix = "MCPCHANNEL"

// DefaultScriptName is the bridge script looked up next to the executable
const DefaultScriptName = "mcp_bridge.js"

// Keys understood by Load.
const (
	KeyWorkerCommand = "worker.command"
	KeyWorkerScript  = "worker.script"
	KeyWorkerArgs    = "worker.args"
	KeyWorkerDir     = "worker.dir"
	KeyWorkerEnv     = "worker.env"

	KeyRequestTimeout   = "relay.request_timeout"
	KeyPingTimeout      = "relay.ping_timeout"
	KeyAwaitHandshake   = "relay.await_handshake"
	KeyValidateMessages = "relay.validate_messages"
	KeyMaxLineBytes     = "relay.max_line_bytes"
	KeyReadBufferBytes  = "relay.read_buffer_bytes"
	KeyCapabilitiesFile = "relay.capabilities_file"

	KeyServerListen          = "server.listen"
	KeyServerShutdownTimeout = "server.shutdown_timeout"
	KeyServerEventBuffer     = "server.event_buffer"
	KeyServerKeepAlive       = "server.keepalive"

	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"
)

// Config is the complete mcpchannel configuration
type Config struct {
	Worker WorkerConfig  `mapstructure:"worker"`
	Relay  RelayConfig   `mapstructure:"relay"`
	Server server.Config `mapstructure:"server"`
	Log    LogConfig     `mapstructure:"log"`
}

// WorkerConfig describes how to launch the worker
type WorkerConfig struct {
	Command string   `mapstructure:"command"`
	Script  string   `mapstructure:"script"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
	Env     []string `mapstructure:"env"`
}

// RelayConfig holds request and framing settings
type RelayConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout"`
	AwaitHandshake   bool          `mapstructure:"await_handshake"`
	ValidateMessages bool          `mapstructure:"validate_messages"`
	MaxLineBytes     int           `mapstructure:"max_line_bytes"`
	ReadBufferBytes  int           `mapstructure:"read_buffer_bytes"`
	CapabilitiesFile string        `mapstructure:"capabilities_file"`
}

// LogConfig selects the log level and encoding
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance carrying the defaults and the environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()

	v.SetDefault(KeyWorkerCommand, "node")
	v.SetDefault(KeyWorkerScript, DefaultScriptPath())
	v.SetDefault(KeyWorkerArgs, []string{})
	v.SetDefault(KeyWorkerDir, "")
	v.SetDefault(KeyWorkerEnv, []string{})

	v.SetDefault(KeyRequestTimeout, relay.DefaultRequestTimeout)
	v.SetDefault(KeyPingTimeout, relay.DefaultPingTimeout)
	v.SetDefault(KeyAwaitHandshake, false)
	v.SetDefault(KeyValidateMessages, true)
	v.SetDefault(KeyMaxLineBytes, wire.DefaultMaxLine)
	v.SetDefault(KeyReadBufferBytes, wire.DefaultReadBuffer)
	v.SetDefault(KeyCapabilitiesFile, "")

	v.SetDefault(KeyServerListen, srv.Listen)
	v.SetDefault(KeyServerShutdownTimeout, srv.ShutdownTimeout)
	v.SetDefault(KeyServerEventBuffer, srv.EventBuffer)
	v.SetDefault(KeyServerKeepAlive, srv.KeepAlive)

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, logging.FormatJSON)
}

// DefaultScriptPath returns mcp_bridge.js in the directory of the running executable
func DefaultScriptPath() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultScriptName
	}
	return filepath.Join(filepath.Dir(exe), DefaultScriptName)
}

// Load reads the optional config file at path into v and decodes the result
func Load(v *viper.Viper, path string) (Config, error) {
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command must not be empty"))
	}
	if c.Relay.RequestTimeout < 0 {
		errs = append(errs, errors.New("relay.request_timeout must not be negative"))
	}
	if c.Relay.PingTimeout < 0 {
		errs = append(errs, errors.New("relay.ping_timeout must not be negative"))
	}
	if c.Relay.MaxLineBytes < 0 || c.Relay.MaxLineBytes > wire.MaxLineHardLimit {
		errs = append(errs, fmt.Errorf("relay.max_line_bytes must be between 0 and %d", wire.MaxLineHardLimit))
	}
	if c.Server.EventBuffer < 0 {
		errs = append(errs, errors.New("server.event_buffer must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("log.format must be %s or %s", logging.FormatJSON, logging.FormatConsole))
	}
	return errors.Join(errs...)
}

// WorkerArgs returns the script followed by any extra arguments
func (c Config) WorkerArgs() []string {
	args := make([]string, 0, len(c.Worker.Args)+1)
	if c.Worker.Script != "" {
		args = append(args, c.Worker.Script)
	}
	return append(args, c.Worker.Args...)
}

// RelayConfig builds the relay configuration, reading the capabilities file if one is set
func (c Config) RelayConfig() (relay.Config, error) {
	rc := relay.DefaultConfig()
	rc.Worker = worker.Config{
		Path: c.Worker.Command,
		Args: c.WorkerArgs(),
		Dir:  c.Worker.Dir,
		Env:  c.Worker.Env,
		Limits: wire.Limits{
			MaxLine:    c.Relay.MaxLineBytes,
			ReadBuffer: c.Relay.ReadBufferBytes,
		}.Normalize(),
	}
	rc.RequestTimeout = c.Relay.RequestTimeout
	rc.PingTimeout = c.Relay.PingTimeout
	rc.AwaitHandshake = c.Relay.AwaitHandshake
	rc.ValidateMessages = c.Relay.ValidateMessages

	if c.Relay.CapabilitiesFile != "" {
		caps, err := readCapabilities(c.Relay.CapabilitiesFile)
		if err != nil {
			return relay.Config{}, err
		}
		rc.DefaultCapabilities = caps
	}
	return rc, nil
}

// readCapabilities decodes a JSON object file. Viper folds map keys to lower
// case, so capability maps are read outside of it.
func readCapabilities(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities file %q: %w", path, err)
	}
	var caps map[string]any
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("decode capabilities file %q: %w", path, err)
	}
	if caps == nil {
		return nil, fmt.Errorf("capabilities file %q must contain a JSON object", path)
	}
	return caps, nil
}
