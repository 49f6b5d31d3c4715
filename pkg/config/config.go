// Package config provides TOML configuration loading for tuxagent.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Device      DeviceConfig      `toml:"device"`
	Daemon      DaemonConfig      `toml:"daemon"`
	M2M         M2MConfig         `toml:"m2m"`
	Journal     JournalConfig     `toml:"journal"`
	PortForward PortForwardConfig `toml:"portforward"`
}

// ServerConfig holds the management server endpoint.
type ServerConfig struct {
	URL string `toml:"url"`
}

// DeviceConfig identifies this device to the server. Serial and Auth may be
// given inline or as file paths holding the value.
type DeviceConfig struct {
	Class      string `toml:"class"`
	Serial     string `toml:"serial"`
	SerialFile string `toml:"serial_file"`
	Auth       string `toml:"auth"`
	AuthFile   string `toml:"auth_file"`
}

// DaemonConfig holds poll cadence settings for the sync loop.
type DaemonConfig struct {
	Poll     string `toml:"poll"`
	DiskPoll string `toml:"disk_poll"`
	DiskPath string `toml:"disk_path"`
	LogLevel string `toml:"log_level"`
}

// M2MConfig holds settings for the tunneling manager.
type M2MConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// JournalConfig holds settings for the local sync history store.
type JournalConfig struct {
	DBPath string `toml:"db_path"`
	Keep   int    `toml:"keep"`
}

// PortForwardConfig holds settings for the SSH reverse-forward manager.
type PortForwardConfig struct {
	Enabled    bool      `toml:"enabled"`
	Relay      string    `toml:"relay"`
	User       string    `toml:"user"`
	KeyFile    string    `toml:"key_file"`
	KnownHosts string    `toml:"known_hosts"`
	Ports      []PortMap `toml:"ports"`
}

// PortMap maps one remote relay port to a local service port.
type PortMap struct {
	Name       string `toml:"name"`
	RemotePort int    `toml:"remote_port"`
	LocalPort  int    `toml:"local_port"`
}

// ParsePoll parses the daemon poll interval string to a time.Duration.
func (d *DaemonConfig) ParsePoll() (time.Duration, error) {
	if d.Poll == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(d.Poll)
}

// ParseDiskPoll parses the disk poll interval string to a time.Duration.
func (d *DaemonConfig) ParseDiskPoll() (time.Duration, error) {
	if d.DiskPoll == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(d.DiskPoll)
}

// ResolveSerial returns the device serial, reading SerialFile when no inline
// value is set. A device without a resolvable serial cannot run.
func (d *DeviceConfig) ResolveSerial() (string, error) {
	if d.Serial != "" {
		return d.Serial, nil
	}
	data, err := os.ReadFile(d.SerialFile)
	if err != nil {
		return "", fmt.Errorf("reading serial %s: %w", d.SerialFile, err)
	}
	serial := strings.TrimSpace(string(data))
	if serial == "" {
		return "", fmt.Errorf("serial file %s is empty", d.SerialFile)
	}
	return serial, nil
}

// ResolveAuth returns the device auth token, reading AuthFile when no inline
// value is set. An absent auth file is not an error: the device is simply
// unregistered until `tuxagent register` provisions it.
func (d *DeviceConfig) ResolveAuth() (string, error) {
	if d.Auth != "" {
		return d.Auth, nil
	}
	data, err := os.ReadFile(d.AuthFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading auth token %s: %w", d.AuthFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

func (cfg *Config) expandPaths() {
	cfg.Device.SerialFile = ExpandPath(cfg.Device.SerialFile)
	cfg.Device.AuthFile = ExpandPath(cfg.Device.AuthFile)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.PortForward.KeyFile = ExpandPath(cfg.PortForward.KeyFile)
	cfg.PortForward.KnownHosts = ExpandPath(cfg.PortForward.KnownHosts)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Server defaults
	if cfg.Server.URL == "" {
		cfg.Server.URL = "https://api.tuxtunnel.net/json-rpc/"
	}

	// Device defaults
	if cfg.Device.Class == "" {
		cfg.Device.Class = "tuxtunnel"
	}
	if cfg.Device.SerialFile == "" {
		cfg.Device.SerialFile = "/var/lib/tuxagent/serial"
	}
	if cfg.Device.AuthFile == "" {
		cfg.Device.AuthFile = "/var/lib/tuxagent/auth"
	}

	// Daemon defaults
	if cfg.Daemon.Poll == "" {
		cfg.Daemon.Poll = "60s"
	}
	if cfg.Daemon.DiskPoll == "" {
		cfg.Daemon.DiskPoll = "1h"
	}
	if cfg.Daemon.DiskPath == "" {
		cfg.Daemon.DiskPath = "/"
	}
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}

	// M2M defaults
	if cfg.M2M.URL == "" {
		cfg.M2M.URL = "wss://m2m.tuxtunnel.net/m2m/"
	}

	// Journal defaults
	if cfg.Journal.DBPath == "" {
		cfg.Journal.DBPath = "/var/lib/tuxagent/journal.db"
	}
	if cfg.Journal.Keep == 0 {
		cfg.Journal.Keep = 200
	}

	// Port forward defaults
	if cfg.PortForward.User == "" {
		cfg.PortForward.User = "tuxtunnel"
	}
	if cfg.PortForward.KeyFile == "" {
		cfg.PortForward.KeyFile = "/var/lib/tuxagent/id_rsa"
	}
	if cfg.PortForward.KnownHosts == "" {
		cfg.PortForward.KnownHosts = "/var/lib/tuxagent/known_hosts"
	}
}
