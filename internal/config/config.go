// Package config loads ncu settings from a TOML file over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/drunlade/go-ncu/dock"
	"github.com/drunlade/go-ncu/mnp"
	"github.com/drunlade/go-ncu/transport"
)

// Link kinds
const (
	LinkSSH   = "ssh"
	LinkTCP   = "tcp"
	LinkStdio = "stdio"
)

// LinkConfig selects how the Newton's serial line is reached.
type LinkConfig struct {
	Kind string

	// Port is the serial port identifier on the host that owns the line
	Port string
	Baud int

	// Address is host:port for LinkTCP
	Address string

	SSHHost       string
	SSHUser       string
	BridgeCommand string
	DialTimeout   time.Duration
}

// PipeConfig holds the MNP link parameters.
type PipeConfig struct {
	Window            int
	InfoLength        int
	RetransmitTimeout time.Duration
	MaxRetransmits    int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// SessionConfig holds the dock session parameters.
type SessionConfig struct {
	ReplyTimeout     time.Duration
	HandshakeTimeout time.Duration
	DesktopType      string
	SessionType      uint32
	ChunkSize        int
}

// LogConfig holds the log level name.
type LogConfig struct {
	Level string
}

// Config is the complete ncu configuration.
type Config struct {
	Link    LinkConfig
	Pipe    PipeConfig
	Session SessionConfig
	Log     LogConfig
}

type fileConfig struct {
	Link struct {
		Kind          string `toml:"kind"`
		Port          string `toml:"port"`
		Baud          int    `toml:"baud"`
		Address       string `toml:"address"`
		SSHHost       string `toml:"ssh_host"`
		SSHUser       string `toml:"ssh_user"`
		BridgeCommand string `toml:"bridge_command"`
		DialTimeout   string `toml:"dial_timeout"`
	} `toml:"link"`
	MNP struct {
		Window            int    `toml:"window"`
		InfoLength        int    `toml:"info_length"`
		RetransmitTimeout string `toml:"retransmit_timeout"`
		MaxRetransmits    int    `toml:"max_retransmits"`
		HandshakeTimeout  string `toml:"handshake_timeout"`
		WriteTimeout      string `toml:"write_timeout"`
	} `toml:"mnp"`
	Dock struct {
		ReplyTimeout     string `toml:"reply_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		DesktopType      string `toml:"desktop_type"`
		SessionType      uint32 `toml:"session_type"`
		ChunkSize        int    `toml:"chunk_size"`
	} `toml:"dock"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := mnp.DefaultConfig()
	d := dock.DefaultConfig()
	return Config{
		Link: LinkConfig{
			Kind:        LinkSSH,
			Port:        "/dev/ttyUSB0",
			Baud:        38400,
			DialTimeout: 10 * time.Second,
		},
		Pipe: PipeConfig{
			Window:            p.MaxOutstanding,
			InfoLength:        p.MaxInfoLength,
			RetransmitTimeout: p.RetransmitTimeout,
			MaxRetransmits:    p.MaxRetransmits,
			HandshakeTimeout:  p.HandshakeTimeout,
			WriteTimeout:      p.WriteTimeout,
		},
		Session: SessionConfig{
			ReplyTimeout:     d.ReplyTimeout,
			HandshakeTimeout: d.HandshakeTimeout,
			DesktopType:      "mac",
			SessionType:      d.SessionType,
			ChunkSize:        d.ChunkSize,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("link", "kind") {
		cfg.Link.Kind = strings.ToLower(strings.TrimSpace(raw.Link.Kind))
	}
	if meta.IsDefined("link", "port") {
		cfg.Link.Port = strings.TrimSpace(raw.Link.Port)
	}
	if meta.IsDefined("link", "baud") {
		cfg.Link.Baud = raw.Link.Baud
	}
	if meta.IsDefined("link", "address") {
		cfg.Link.Address = strings.TrimSpace(raw.Link.Address)
	}
	if meta.IsDefined("link", "ssh_host") {
		cfg.Link.SSHHost = strings.TrimSpace(raw.Link.SSHHost)
	}
	if meta.IsDefined("link", "ssh_user") {
		cfg.Link.SSHUser = strings.TrimSpace(raw.Link.SSHUser)
	}
	if meta.IsDefined("link", "bridge_command") {
		cfg.Link.BridgeCommand = raw.Link.BridgeCommand
	}
	if meta.IsDefined("link", "dial_timeout") {
		if cfg.Link.DialTimeout, err = parseDuration("link.dial_timeout", raw.Link.DialTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("mnp", "window") {
		cfg.Pipe.Window = raw.MNP.Window
	}
	if meta.IsDefined("mnp", "info_length") {
		cfg.Pipe.InfoLength = raw.MNP.InfoLength
	}
	if meta.IsDefined("mnp", "retransmit_timeout") {
		if cfg.Pipe.RetransmitTimeout, err = parseDuration("mnp.retransmit_timeout", raw.MNP.RetransmitTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("mnp", "max_retransmits") {
		cfg.Pipe.MaxRetransmits = raw.MNP.MaxRetransmits
	}
	if meta.IsDefined("mnp", "handshake_timeout") {
		if cfg.Pipe.HandshakeTimeout, err = parseDuration("mnp.handshake_timeout", raw.MNP.HandshakeTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("mnp", "write_timeout") {
		if cfg.Pipe.WriteTimeout, err = parseDuration("mnp.write_timeout", raw.MNP.WriteTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("dock", "reply_timeout") {
		if cfg.Session.ReplyTimeout, err = parseDuration("dock.reply_timeout", raw.Dock.ReplyTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dock", "handshake_timeout") {
		if cfg.Session.HandshakeTimeout, err = parseDuration("dock.handshake_timeout", raw.Dock.HandshakeTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dock", "desktop_type") {
		cfg.Session.DesktopType = strings.ToLower(strings.TrimSpace(raw.Dock.DesktopType))
	}
	if meta.IsDefined("dock", "session_type") {
		cfg.Session.SessionType = raw.Dock.SessionType
	}
	if meta.IsDefined("dock", "chunk_size") {
		cfg.Session.ChunkSize = raw.Dock.ChunkSize
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}

	return cfg, cfg.Validate()
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Link.Kind {
	case LinkSSH:
		if c.Link.SSHHost == "" {
			return fmt.Errorf("link.ssh_host is required for ssh links")
		}
		if c.Link.Port == "" {
			return fmt.Errorf("link.port is required for ssh links")
		}
		if c.Link.Baud <= 0 {
			return fmt.Errorf("link.baud must be positive, got %d", c.Link.Baud)
		}
	case LinkTCP:
		if c.Link.Address == "" {
			return fmt.Errorf("link.address is required for tcp links")
		}
	case LinkStdio:
	default:
		return fmt.Errorf("link.kind %q is not one of ssh, tcp, stdio", c.Link.Kind)
	}

	if c.Pipe.Window < 1 || c.Pipe.Window > 255 {
		return fmt.Errorf("mnp.window must be 1..255, got %d", c.Pipe.Window)
	}
	if c.Pipe.InfoLength < 1 || c.Pipe.InfoLength > 0xFFFF {
		return fmt.Errorf("mnp.info_length must be 1..65535, got %d", c.Pipe.InfoLength)
	}
	if c.Pipe.RetransmitTimeout <= 0 {
		return fmt.Errorf("mnp.retransmit_timeout must be positive")
	}

	switch c.Session.DesktopType {
	case "mac", "windows":
	default:
		return fmt.Errorf("dock.desktop_type %q is not one of mac, windows", c.Session.DesktopType)
	}
	if c.Session.ChunkSize < 0 {
		return fmt.Errorf("dock.chunk_size must not be negative")
	}
	return nil
}

// MNP returns the packet layer configuration.
func (c Config) MNP() mnp.Config {
	p := mnp.DefaultConfig()
	p.MaxOutstanding = c.Pipe.Window
	p.MaxInfoLength = c.Pipe.InfoLength
	p.RetransmitTimeout = c.Pipe.RetransmitTimeout
	p.MaxRetransmits = c.Pipe.MaxRetransmits
	p.HandshakeTimeout = c.Pipe.HandshakeTimeout
	p.WriteTimeout = c.Pipe.WriteTimeout
	return p
}

// Dock returns the session configuration.
func (c Config) Dock() dock.Config {
	d := dock.DefaultConfig()
	d.ReplyTimeout = c.Session.ReplyTimeout
	d.HandshakeTimeout = c.Session.HandshakeTimeout
	d.SessionType = c.Session.SessionType
	d.ChunkSize = c.Session.ChunkSize
	if c.Session.DesktopType == "windows" {
		d.DesktopType = dock.DesktopWindows
	} else {
		d.DesktopType = dock.DesktopMac
	}
	return d
}

// SSH returns the bridge settings for an ssh link; authentication is left
// to the caller.
func (c Config) SSH() transport.SSHConfig {
	host := c.Link.SSHHost
	if !strings.Contains(host, ":") {
		host += ":22"
	}
	return transport.SSHConfig{
		Host:          host,
		User:          c.Link.SSHUser,
		Port:          c.Link.Port,
		Baud:          c.Link.Baud,
		BridgeCommand: c.Link.BridgeCommand,
		Timeout:       c.Link.DialTimeout,
	}
}
