package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"gopkg.in/yaml.v3"
)

// IdentityFile is the name of the secret key file in the juus directory.
const IdentityFile = "identity"

// Config is a node's configuration, usually read from .juus/node.yaml.
// Durations are written like "10s".
type Config struct {
	// Identity is the path of the 32-byte secret key file, created if absent.
	Identity string `yaml:"identity"`

	// Protocol peers must speak, juus.DefaultProtocol if empty.
	Protocol string `yaml:"protocol"`

	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise"`

	// Discovery is "disabled" or "relay".
	Discovery   string      `yaml:"discovery"`
	AddressBook string      `yaml:"addressbook"`
	Relay       RelayConfig `yaml:"relay"`

	// Registry is the base URL of the name registry. Publish and Resolve fail
	// without one.
	Registry string `yaml:"registry"`

	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ResolveTimeout   time.Duration `yaml:"resolve_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`

	// Passive nodes do not advertise their address. Set by tools that only
	// dial, sharing the identity of a listening node.
	Passive bool `yaml:"-"`
}

// RelayConfig locates the relay cluster for relay-assisted discovery.
type RelayConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the configuration used for fields a config file leaves
// out. Paths are relative to dir, typically the .juus directory.
func DefaultConfig(dir string) Config {
	return Config{
		Identity:         filepath.Join(dir, IdentityFile),
		Listen:           ":0",
		Discovery:        discovery.Disabled.String(),
		AddressBook:      filepath.Join(dir, discovery.AddressBookFile),
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ResolveTimeout:   5 * time.Second,
		ShutdownGrace:    5 * time.Second,
		Relay: RelayConfig{
			DialTimeout: 5 * time.Second,
			TTL:         discovery.DefaultRelayTTL,
		},
	}
}

// LoadConfig reads the YAML file at path over DefaultConfig(dir). Unknown
// fields are an error.
func LoadConfig(path, dir string) (Config, error) {
	cfg := DefaultConfig(dir)
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %s: %v", juus.ErrBadConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("%w: identity path required", juus.ErrBadConfig)
	}
	mode, err := discovery.ParseMode(c.Discovery)
	if err != nil {
		return fmt.Errorf("%w: %v", juus.ErrBadConfig, err)
	}
	if mode == discovery.RelayAssisted && len(c.Relay.Endpoints) == 0 {
		return fmt.Errorf("%w: relay discovery requires relay endpoints", juus.ErrBadConfig)
	}
	if len(c.Protocol) > juus.MaxProtocolLen {
		return fmt.Errorf("%w: protocol longer than %d bytes", juus.ErrBadConfig, juus.MaxProtocolLen)
	}
	return nil
}
