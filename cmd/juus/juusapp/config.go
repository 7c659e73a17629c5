// Package juusapp implements the juus command.
package juusapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"github.com/juusnet/juus/internal/logging"
	"github.com/juusnet/juus/node"
	"github.com/juusnet/juus/registry"
	"go.uber.org/zap"
)

// ConfigFile is the node configuration in the juus directory.
const ConfigFile = "node.yaml"

// Config holds the flags common to all subcommands.
type Config struct {
	Dir        string   `long:"dir" env:"JUUS_DIR" description:"Directory with identity, peers and node.yaml. Default: nearest .juus directory."`
	ConfigFile string   `long:"config" env:"JUUS_CONFIG" description:"Node configuration file. Default: node.yaml in the juus directory, if present."`
	Registry   string   `long:"registry" env:"JUUS_REGISTRY" description:"Name registry URL, overrides the configuration."`
	Discovery  string   `long:"discovery" env:"JUUS_DISCOVERY" choice:"disabled" choice:"relay" description:"Discovery mode, overrides the configuration."`
	Relay      []string `long:"relay" env:"JUUS_RELAY" env-delim:"," description:"Relay endpoint for relay discovery, may be repeated."`
	Protocol   string   `long:"protocol" env:"JUUS_PROTOCOL" description:"Protocol identifier peers must speak."`
	LogLevel   string   `long:"log-level" env:"JUUS_LOG_LEVEL" default:"info" description:"Log level: debug, info, warn, error."`
	LogFormat  string   `long:"log-format" env:"JUUS_LOG_FORMAT" default:"console" choice:"console" choice:"json" description:"Log encoding."`

	Init         InitCmd         `command:"init" description:"Create the juus directory and identity"`
	Pubkey       PubkeyCmd       `command:"pubkey" description:"Print the public key of the identity"`
	Publish      PublishCmd      `command:"publish" description:"Publish the public key under a name in the registry"`
	Resolve      ResolveCmd      `command:"resolve" description:"Print the public key published under a name"`
	Peer         PeerCmd         `command:"peer" description:"Add a peer address to the address book"`
	Listen       ListenCmd       `command:"listen" description:"Accept connections, connecting them to stdio or a command"`
	Dial         DialCmd         `command:"dial" description:"Connect to a peer by name or public key"`
	RemoteStatic RemoteStaticCmd `command:"remotestatic" description:"Print the public key of the node at an address"`

	runtime *runtime
}

type runtime struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	log    *zap.Logger
}

type runOptions struct {
	args   []string
	stdin  io.Reader
	stdout io.Writer
}

// RunOption configures Run.
type RunOption func(*runOptions)

func WithOSArgs() RunOption         { return func(o *runOptions) { o.args = os.Args[1:] } }
func WithArgs(a []string) RunOption { return func(o *runOptions) { o.args = append([]string{}, a...) } }

// WithIO replaces stdin and stdout, for connections and printed results.
func WithIO(stdin io.Reader, stdout io.Writer) RunOption {
	return func(o *runOptions) { o.stdin, o.stdout = stdin, stdout }
}

// Run parses the arguments and executes the selected subcommand.
func Run(ctx context.Context, opts ...RunOption) error {
	ro := runOptions{stdin: os.Stdin, stdout: os.Stdout}
	for _, opt := range opts {
		opt(&ro)
	}

	cfg := &Config{runtime: &runtime{ctx: ctx, stdin: ro.stdin, stdout: ro.stdout}}
	cfg.Init.cfg = cfg
	cfg.Pubkey.cfg = cfg
	cfg.Publish.cfg = cfg
	cfg.Resolve.cfg = cfg
	cfg.Peer.cfg = cfg
	cfg.Listen.cfg = cfg
	cfg.Dial.cfg = cfg
	cfg.RemoteStatic.cfg = cfg

	p := flags.NewParser(cfg, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		if command == nil {
			return errors.New("specify a subcommand, or -h for the list")
		}
		log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer log.Sync()
		cfg.runtime.log = log
		return command.Execute(args)
	}
	var err error
	if len(ro.args) > 0 {
		_, err = p.ParseArgs(ro.args)
	} else {
		_, err = p.Parse()
	}
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

// juusDir returns the juus directory: --dir, or the nearest .juus directory.
// With create, a missing directory is made in the working directory.
func (c *Config) juusDir(create bool) (string, error) {
	if c.Dir != "" {
		if create {
			return c.Dir, os.MkdirAll(c.Dir, 0700)
		}
		return c.Dir, nil
	}
	dir, err := juus.NearestDir()
	if errors.Is(err, juus.ErrNoJuusDir) && create {
		return juus.DirName, os.Mkdir(juus.DirName, 0700)
	} else if errors.Is(err, juus.ErrNoJuusDir) {
		return "", fmt.Errorf("%w, run \"juus init\" first", err)
	}
	return dir, err
}

// nodeConfig loads the node configuration and applies the flags over it.
func (c *Config) nodeConfig() (node.Config, error) {
	dir, err := c.juusDir(false)
	if err != nil {
		return node.Config{}, err
	}
	path := c.ConfigFile
	if path == "" {
		path = filepath.Join(dir, ConfigFile)
	}
	cfg, err := node.LoadConfig(path, dir)
	if errors.Is(err, fs.ErrNotExist) && c.ConfigFile == "" {
		cfg, err = node.DefaultConfig(dir), nil
	}
	if err != nil {
		return cfg, err
	}

	if c.Registry != "" {
		cfg.Registry = c.Registry
	}
	if c.Discovery != "" {
		cfg.Discovery = c.Discovery
	}
	if len(c.Relay) > 0 {
		cfg.Relay.Endpoints = c.Relay
	}
	if c.Protocol != "" {
		cfg.Protocol = c.Protocol
	}
	return cfg, cfg.Validate()
}

func (c *Config) identity() (juus.SecretKey, error) {
	cfg, err := c.nodeConfig()
	if err != nil {
		return juus.SecretKey{}, err
	}
	key, created, err := juus.LoadOrCreateIdentity(cfg.Identity)
	if err == nil && created {
		c.runtime.log.Info("created identity", zap.String("path", cfg.Identity))
	}
	return key, err
}

func (c *Config) registryClient() (*registry.Client, error) {
	cfg, err := c.nodeConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Registry == "" {
		return nil, fmt.Errorf("%w, use --registry or set registry in %s", node.ErrNoRegistry, ConfigFile)
	}
	return registry.NewClient(cfg.Registry)
}

func (c *Config) addressBook() (*discovery.AddressBook, error) {
	cfg, err := c.nodeConfig()
	if err != nil {
		return nil, err
	}
	return discovery.LoadAddressBook(cfg.AddressBook)
}

// printf writes a result line to stdout.
func (c *Config) printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(c.runtime.stdout, format, args...)
	return err
}
