// Package node ties identity, discovery, transport and the name registry
// together into the operations an application drives: publish a name, resolve
// one, connect to a peer, and handle inbound connections.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"github.com/juusnet/juus/endpoint"
	"github.com/juusnet/juus/internal/logging"
	"github.com/juusnet/juus/registry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoRegistry is returned by Publish and Resolve when no registry is
// configured.
var ErrNoRegistry = errors.New("no registry configured")

// Node is a running juus node.
type Node struct {
	cfg      Config
	log      *zap.Logger
	public   juus.PublicKey
	created  bool
	book     *discovery.AddressBook
	relay    io.Closer
	endpoint *endpoint.Endpoint
	registry *registry.Client

	mu      sync.Mutex
	handler endpoint.Handler
}

// New loads or creates the identity, sets up discovery and binds the endpoint.
// Errors are fatal for the node: without identity or listener it cannot run.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (_ *Node, rerr error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.OrNop(logger)

	secret, created, err := juus.LoadOrCreateIdentity(cfg.Identity)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		log:     log.Named("node"),
		public:  secret.Public(),
		created: created,
	}
	if created {
		n.log.Info("generated new identity, names published for an earlier identity are stale",
			zap.String("path", cfg.Identity), zap.Stringer("pubkey", n.public))
	}

	if cfg.AddressBook != "" {
		n.book, err = discovery.LoadAddressBook(cfg.AddressBook)
		if err != nil {
			return nil, err
		}
	} else {
		n.book = discovery.NewAddressBook()
	}

	mode, err := discovery.ParseMode(cfg.Discovery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", juus.ErrBadConfig, err)
	}
	opts := discovery.Options{
		Book:     n.book,
		RelayTTL: cfg.Relay.TTL,
		Logger:   log,
	}
	if mode == discovery.RelayAssisted {
		client, err := discovery.NewRelayClient(cfg.Relay.Endpoints, cfg.Relay.DialTimeout, log.Named("relay"))
		if err != nil {
			return nil, fmt.Errorf("connecting to relay: %w", err)
		}
		n.relay = client
		opts.Relay = client
		defer func() {
			if rerr != nil {
				client.Close()
			}
		}()
	}
	strategy, err := discovery.Build(mode, opts)
	if err != nil {
		return nil, err
	}

	if cfg.Registry != "" {
		n.registry, err = registry.NewClient(cfg.Registry)
		if err != nil {
			strategy.Close()
			return nil, err
		}
	}

	n.endpoint, err = endpoint.Bind(ctx, endpoint.Config{
		SecretKey:        secret,
		Protocol:         []byte(cfg.Protocol),
		ListenAddr:       cfg.Listen,
		AdvertiseAddr:    cfg.Advertise,
		Passive:          cfg.Passive,
		Discovery:        strategy,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           log,
	})
	if err != nil {
		strategy.Close()
		return nil, err
	}
	n.log.Info("node started",
		zap.Stringer("pubkey", n.public),
		zap.Stringer("addr", n.endpoint.Addr()),
		zap.Stringer("discovery", mode),
	)
	return n, nil
}

// PublicKey returns the node's identity.
func (n *Node) PublicKey() juus.PublicKey {
	return n.public
}

// IdentityCreated tells whether New generated a fresh identity.
func (n *Node) IdentityCreated() bool {
	return n.created
}

// Addr returns the address the node listens on.
func (n *Node) Addr() net.Addr {
	return n.endpoint.Addr()
}

// AddPeer records addr for key in the address book.
func (n *Node) AddPeer(key juus.PublicKey, addr string) error {
	return n.book.Add(key, addr)
}

// Publish registers the node's public key under name. Publishing again, by
// this or another node, replaces the key.
func (n *Node) Publish(ctx context.Context, name string) error {
	if n.registry == nil {
		return ErrNoRegistry
	}
	ctx, cancel := n.resolveContext(ctx)
	defer cancel()
	if err := n.registry.Set(ctx, name, n.public); err != nil {
		return fmt.Errorf("publishing %q: %w", name, err)
	}
	n.log.Info("published name", zap.String("name", name), zap.Stringer("pubkey", n.public))
	return nil
}

// Resolve returns the public key currently published under name. A name never
// published gives an error matching registry.ErrNotFound.
func (n *Node) Resolve(ctx context.Context, name string) (juus.PublicKey, error) {
	if n.registry == nil {
		return juus.PublicKey{}, ErrNoRegistry
	}
	ctx, cancel := n.resolveContext(ctx)
	defer cancel()
	return n.registry.Get(ctx, name)
}

func (n *Node) resolveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.cfg.ResolveTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.cfg.ResolveTimeout)
}

// Connect dials the peer holding key. The connection is open when returned.
func (n *Node) Connect(ctx context.Context, key juus.PublicKey) (*endpoint.Connection, error) {
	return n.endpoint.Dial(ctx, key)
}

// ConnectName resolves name and connects to its key. The key may come from the
// resolve cache; when dialing it fails, the name is looked up again and a
// republished key is dialed instead.
func (n *Node) ConnectName(ctx context.Context, name string) (*endpoint.Connection, error) {
	if n.registry == nil {
		return nil, ErrNoRegistry
	}
	rctx, cancel := n.resolveContext(ctx)
	key, err := n.registry.Resolve(rctx, name)
	cancel()
	if err != nil {
		return nil, err
	}
	c, err := n.Connect(ctx, key)
	if err == nil {
		return c, nil
	}
	fresh, rerr := n.Resolve(ctx, name)
	if rerr != nil || fresh == key {
		return nil, err
	}
	n.log.Info("name republished, dialing new key",
		zap.String("name", name), zap.Stringer("old", key), zap.Stringer("pubkey", fresh))
	return n.Connect(ctx, fresh)
}

// OnInboundConnection sets the handler for inbound connections accepted by
// Run. Without one, inbound connections are closed once open.
func (n *Node) OnInboundConnection(h endpoint.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *Node) dispatch(ctx context.Context, c *endpoint.Connection) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		n.log.Debug("no inbound handler, closing connection", zap.Stringer("peer", c.RemotePublicKey()))
		return
	}
	h(ctx, c)
}

// Run accepts inbound connections until ctx is canceled or the node is
// closed.
func (n *Node) Run(ctx context.Context) error {
	return n.endpoint.Serve(ctx, n.dispatch)
}

// Close stops the node, giving running connections the shutdown grace period
// to finish within ctx.
func (n *Node) Close(ctx context.Context) error {
	if n.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.ShutdownGrace)
		defer cancel()
	}
	err := n.endpoint.Shutdown(ctx)
	if n.relay != nil {
		err = multierr.Append(err, n.relay.Close())
	}
	n.log.Info("node stopped", zap.Error(err))
	return err
}
