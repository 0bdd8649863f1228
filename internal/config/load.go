package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file basename, without extension.
const ConfigFileName = "polystore"

// ErrNotFound reports that no config file could be located.
var ErrNotFound = fmt.Errorf("no %s.yaml found (run 'poly init' first)", ConfigFileName)

// Find locates the config file: POLYSTORE_CONFIG if set, else
// polystore.yaml in the working directory, then in HomeDir().
func Find() (string, error) {
	if path := os.Getenv("POLYSTORE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("POLYSTORE_CONFIG: %w", err)
		}
		return path, nil
	}
	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v.ConfigFileUsed(), nil
}

// Load reads, expands, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(Expand(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes already-expanded YAML into a validated Config. Daemon
// settings may be overridden by POLYSTORE_DAEMON_* variables.
func Parse(data []byte) (*Config, error) {
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.overrideDaemonEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideDaemonEnv lets the environment take precedence over the file
// for daemon settings: POLYSTORE_DAEMON_SOCKET, POLYSTORE_DAEMON_TCP_ADDR,
// POLYSTORE_DAEMON_WS_ADDR, POLYSTORE_DAEMON_AUTH_TOKEN and
// POLYSTORE_DAEMON_LOG_LEVEL.
func (c *Config) overrideDaemonEnv() {
	v := viper.New()
	v.SetEnvPrefix("POLYSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if s := v.GetString("daemon.socket"); s != "" {
		c.Daemon.Socket = s
	}
	if s := v.GetString("daemon.tcp_addr"); s != "" {
		c.Daemon.TCPAddr = s
	}
	if s := v.GetString("daemon.ws_addr"); s != "" {
		c.Daemon.WSAddr = s
	}
	if s := v.GetString("daemon.auth_token"); s != "" {
		c.Daemon.AuthToken = s
	}
	if s := v.GetString("daemon.log_level"); s != "" {
		c.Daemon.LogLevel = s
	}
}
