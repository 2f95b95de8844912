package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost           = "localhost"
	DefaultMaxInflight    = 20
	DefaultMessageRetry   = 20 // s
	DefaultStartupTimeout = 4  // s
	DefaultConnectTimeout = 10 // s
	DefaultWSPath         = "/mqtt"
)

type Config struct {
	// Host is the interface the mock listens on. Default "localhost".
	Host string `json:"host" yaml:"host"`
	// Port to listen on. 0 picks a free ephemeral port.
	Port int `json:"port" yaml:"port"`

	// TLS optionally wraps client connections, or the WebSocket tunnel when enabled.
	TLS TLS `json:"tls" yaml:"tls"`

	// WS optionally serves the broker through a WebSocket to TCP tunnel.
	WS struct {
		Enabled     bool   `json:"enabled" yaml:"enabled"`
		Path        string `json:"path" yaml:"path"`
		CheckOrigin bool   `json:"check_origin" yaml:"check_origin"`
	} `json:"ws" yaml:"ws"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" yaml:"file"`
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`

	// Journal optionally records every packet to a badger database in Dir.
	Journal struct {
		Dir string `json:"dir" yaml:"dir"`
	} `json:"journal" yaml:"journal"`

	// Maximum QoS 1&2 messages in flight to the client.
	// Default 20. Set to -1 for unlimited.
	MaxInflight int `json:"max_inflight" yaml:"max_inflight"`

	// Unacknowledged message resend interval in s.
	// Default 20s. Set to -1 to resend on every check.
	MessageRetry int64 `json:"message_retry" yaml:"message_retry"`

	// Time in s to keep retrying a busy listen address. Default 4s.
	StartupTimeout int64 `json:"startup_timeout" yaml:"startup_timeout"`

	// Time in s a new connection has to send CONNECT. Default 10s.
	ConnectTimeout int64 `json:"connect_timeout" yaml:"connect_timeout"`

	// AutoPuback answers incoming QoS 1 PUBLISH with PUBACK after OnMessage.
	AutoPuback bool `json:"auto_puback" yaml:"auto_puback"`

	// StrictProtocol rejects fixed header flags and remaining lengths that
	// MQTT v3.1.1 forbids, instead of tolerating them.
	StrictProtocol bool `json:"strict_protocol" yaml:"strict_protocol"`
}

type TLS struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Cert       string   `json:"cert" yaml:"cert"`
	Key        string   `json:"key" yaml:"key"`
	CACerts    string   `json:"ca_certs" yaml:"ca_certs"`
	ClientAuth string   `json:"client_auth" yaml:"client_auth"` // none, optional, required
	Version    string   `json:"version" yaml:"version"`         // minimum: 1.0, 1.1, 1.2, 1.3
	Ciphers    []string `json:"ciphers" yaml:"ciphers"`
}

// Default returns a validated configuration with all defaults applied.
func Default() Config {
	var c Config
	_ = c.validate()
	return c
}

func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.Wrap(err, "error opening config file")
	}

	defer f.Close()

	switch strings.ToLower(filepath.Ext(fPath)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(c)
	default:
		err = json.NewDecoder(f).Decode(c)
	}
	if err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	return c.validate()
}

// Validate applies defaults to unset values and rejects invalid ones.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}

	if c.TLS.Enabled {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup")
		}
		switch c.TLS.ClientAuth {
		case "", "none", "optional", "required":
		default:
			return errors.Errorf("invalid TLS client_auth %q", c.TLS.ClientAuth)
		}
	}

	if c.WS.Path == "" {
		c.WS.Path = DefaultWSPath
	} else if !strings.HasPrefix(c.WS.Path, "/") {
		c.WS.Path = "/" + c.WS.Path
	}

	switch {
	case c.MaxInflight == 0:
		c.MaxInflight = DefaultMaxInflight
	case c.MaxInflight < -1:
		return errors.Errorf("invalid max_inflight %d", c.MaxInflight)
	}

	switch {
	case c.MessageRetry == 0:
		c.MessageRetry = DefaultMessageRetry
	case c.MessageRetry < -1:
		return errors.Errorf("invalid message_retry %d", c.MessageRetry)
	}

	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	return nil
}

// Inflight returns the window size for the delivery engine, 0 being unlimited.
func (c *Config) Inflight() int {
	if c.MaxInflight < 0 {
		return 0
	}
	return c.MaxInflight
}

// Retry returns the resend interval for unacknowledged messages.
func (c *Config) Retry() time.Duration {
	if c.MessageRetry < 0 {
		return 0
	}
	return time.Duration(c.MessageRetry) * time.Second
}
