package juusapp

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"github.com/juusnet/juus/node"
	"go.uber.org/zap"
)

// InitCmd creates the juus directory, the identity and an empty address book.
type InitCmd struct{ cfg *Config }

func (c *InitCmd) Execute(args []string) error {
	dir, err := c.cfg.juusDir(true)
	if err != nil {
		return err
	}
	log := c.cfg.runtime.log

	path := filepath.Join(dir, node.IdentityFile)
	key, created, err := juus.LoadOrCreateIdentity(path)
	if err != nil {
		return err
	}
	if created {
		log.Info("created identity", zap.String("path", path))
	} else {
		log.Info("identity exists", zap.String("path", path))
	}

	peers := filepath.Join(dir, discovery.AddressBookFile)
	f, err := os.OpenFile(peers, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err == nil {
		err = f.Close()
		log.Info("created address book", zap.String("path", peers))
	} else if errors.Is(err, fs.ErrExist) {
		err = nil
	}
	if err != nil {
		return err
	}
	return c.cfg.printf("%s\n", key.Public())
}

// PubkeyCmd prints the node's public key, creating the identity if needed.
type PubkeyCmd struct{ cfg *Config }

func (c *PubkeyCmd) Execute(args []string) error {
	key, err := c.cfg.identity()
	if err != nil {
		return err
	}
	return c.cfg.printf("%s\n", key.Public())
}

// PublishCmd publishes the node's public key under a name.
type PublishCmd struct {
	cfg  *Config
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *PublishCmd) Execute(args []string) error {
	key, err := c.cfg.identity()
	if err != nil {
		return err
	}
	client, err := c.cfg.registryClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.cfg.resolveContext()
	defer cancel()
	if err := client.Set(ctx, c.Args.Name, key.Public()); err != nil {
		return err
	}
	c.cfg.runtime.log.Info("published", zap.String("name", c.Args.Name), zap.Stringer("pubkey", key.Public()))
	return nil
}

// ResolveCmd prints the public key published under a name.
type ResolveCmd struct {
	cfg  *Config
	Args struct {
		Name string `positional-arg-name:"name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *ResolveCmd) Execute(args []string) error {
	client, err := c.cfg.registryClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.cfg.resolveContext()
	defer cancel()
	key, err := client.Get(ctx, c.Args.Name)
	if err != nil {
		return err
	}
	return c.cfg.printf("%s\n", key)
}

// PeerCmd adds "pubkey@host:port[,host:port]" to the address book.
type PeerCmd struct {
	cfg  *Config
	Args struct {
		Addr string `positional-arg-name:"pubkey@host:port"`
	} `positional-args:"yes" required:"yes"`
}

func (c *PeerCmd) Execute(args []string) error {
	na, err := juus.ParseNodeAddr(c.Args.Addr)
	if err != nil {
		return err
	}
	if len(na.Addrs) == 0 {
		return juus.ErrBadAddress
	}
	book, err := c.cfg.addressBook()
	if err != nil {
		return err
	}
	for _, addr := range na.Addrs {
		if err := book.Add(na.Key, addr); err != nil {
			return err
		}
	}
	c.cfg.runtime.log.Info("added peer", zap.Stringer("pubkey", na.Key), zap.Strings("addrs", na.Addrs), zap.String("path", book.Path()))
	return nil
}

func (c *Config) resolveContext() (context.Context, context.CancelFunc) {
	cfg, err := c.nodeConfig()
	if err != nil || cfg.ResolveTimeout <= 0 {
		return context.WithCancel(c.runtime.ctx)
	}
	return context.WithTimeout(c.runtime.ctx, cfg.ResolveTimeout)
}
