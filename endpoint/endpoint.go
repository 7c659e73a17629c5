// Package endpoint binds a node identity to the network. It dials peers by
// public key, accepts inbound connections, and runs each connection in its
// own goroutine.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"github.com/juusnet/juus/internal/logging"
	"github.com/juusnet/juus/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	maxAcceptBackoff = time.Second
)

var (
	// ErrEndpointClosed ends the acceptance sequence.
	ErrEndpointClosed = errors.New("endpoint closed")

	// ErrNoAddress is returned when dialing a key without known addresses.
	ErrNoAddress = errors.New("no address for peer")
)

// Config configures Bind.
type Config struct {
	SecretKey juus.SecretKey

	// Protocol is the identifier peers must present. Empty means
	// juus.DefaultProtocol.
	Protocol []byte

	// ListenAddr is the TCP address to listen on, ":0" if empty.
	ListenAddr string

	// AdvertiseAddr is published through discovery. Empty means the address
	// the listener got.
	AdvertiseAddr string

	// Passive endpoints only dial, they do not advertise their address.
	Passive bool

	// Discovery resolves keys when dialing. Nil means discovery disabled with
	// an empty address book.
	Discovery discovery.Strategy

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

// Handler runs an open inbound connection. The connection is closed when the
// handler returns. ctx is canceled when the endpoint's shutdown grace period
// runs out.
type Handler func(ctx context.Context, conn *Connection)

// Endpoint is a node's bound network identity.
type Endpoint struct {
	cfg       Config
	public    juus.PublicKey
	listener  *juus.Listener
	discovery discovery.Strategy
	log       *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// tasksMu orders tasks.Add against the Wait in Shutdown.
	tasksMu    sync.Mutex
	draining   bool
	tasks      sync.WaitGroup
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

// Bind listens on cfg.ListenAddr and advertises the endpoint through the
// discovery strategy. Failing to listen is fatal; failing to advertise is
// logged.
func Bind(ctx context.Context, cfg Config) (*Endpoint, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	strategy := cfg.Discovery
	if strategy == nil {
		var err error
		strategy, err = discovery.Build(discovery.Disabled, discovery.Options{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
	}

	log := logging.OrNop(cfg.Logger).Named("endpoint")
	listener, err := juus.Listen("tcp", cfg.ListenAddr, transportConfig(&cfg, nil))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.ListenAddr, err)
	}

	taskCtx, taskCancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:        cfg,
		public:     cfg.SecretKey.Public(),
		listener:   listener,
		discovery:  strategy,
		log:        log,
		closed:     make(chan struct{}),
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
	}

	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = listener.Addr().String()
	}
	if !cfg.Passive {
		if err := strategy.Advertise(ctx, e.public, addr); err != nil {
			log.Warn("advertising endpoint failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	log.Info("endpoint bound",
		zap.Stringer("pubkey", e.public),
		zap.Stringer("addr", listener.Addr()),
		zap.ByteString("protocol", e.protocol()),
	)
	return e, nil
}

func transportConfig(cfg *Config, remote *juus.PublicKey) *juus.Config {
	key := cfg.SecretKey
	return &juus.Config{
		SecretKey:    &key,
		Protocol:     cfg.Protocol,
		RemoteStatic: remote,
	}
}

func (e *Endpoint) protocol() []byte {
	if len(e.cfg.Protocol) == 0 {
		return []byte(juus.DefaultProtocol)
	}
	return e.cfg.Protocol
}

// PublicKey returns the endpoint's identity.
func (e *Endpoint) PublicKey() juus.PublicKey {
	return e.public
}

// Addr returns the listening address.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

func (e *Endpoint) yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(e.log.Named("yamux"))
	return cfg
}

// Dial connects to the peer holding key. Addresses come from discovery and are
// tried in order. The returned connection is open: the peer proved it holds
// the secret key of key, and a stream is ready.
func (e *Endpoint) Dial(ctx context.Context, key juus.PublicKey) (*Connection, error) {
	addrs, err := e.discovery.Resolve(ctx, key)
	if err != nil {
		telemetry.ConnectionsTotal.WithLabelValues(Outbound.String(), "resolve").Inc()
		return nil, fmt.Errorf("%w %s: %v", ErrNoAddress, key, err)
	}

	var errs error
	for _, addr := range addrs {
		c, err := e.DialAddr(ctx, key, addr)
		if err == nil {
			return c, nil
		}
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs
}

// DialAddr connects to key at addr, skipping discovery.
func (e *Endpoint) DialAddr(ctx context.Context, key juus.PublicKey, addr string) (*Connection, error) {
	select {
	case <-e.closed:
		return nil, ErrEndpointClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		telemetry.ConnectionsTotal.WithLabelValues(Outbound.String(), "dial").Inc()
		return nil, fmt.Errorf("dial %s at %s: %w", key, addr, err)
	}
	conn, err := juus.Client(nc, transportConfig(&e.cfg, &key))
	if err != nil {
		nc.Close()
		return nil, err
	}

	c := newConnection(e, conn, Outbound)
	log := e.log.With(zap.Stringer("conn", c.id), zap.Stringer("peer", key), zap.String("addr", addr))
	hctx, hcancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer hcancel()
	if err := c.establishOutbound(hctx); err != nil {
		log.Debug("outbound connection failed", zap.Error(err))
		return nil, fmt.Errorf("connect %s at %s: %w", key, addr, err)
	}
	log.Info("outbound connection open")
	return c, nil
}

// Accept returns the next inbound connection, not yet authenticated. After
// Close it returns ErrEndpointClosed. Accept errors of the listener are logged
// and retried with backoff.
func (e *Endpoint) Accept() (*Connection, error) {
	var backoff time.Duration
	for {
		conn, err := e.listener.AcceptConn()
		if err == nil {
			return newConnection(e, conn, Inbound), nil
		}
		select {
		case <-e.closed:
			return nil, ErrEndpointClosed
		default:
		}

		telemetry.AcceptErrors.Inc()
		if backoff == 0 {
			backoff = 5 * time.Millisecond
		} else {
			backoff *= 2
		}
		if backoff > maxAcceptBackoff {
			backoff = maxAcceptBackoff
		}
		e.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-e.closed:
			return nil, ErrEndpointClosed
		case <-time.After(backoff):
		}
	}
}

// Serve accepts inbound connections until ctx is canceled or the endpoint is
// closed. Each connection is established and handed to h in its own
// goroutine; its failure is logged and does not affect other connections.
// Serve returns nil after a regular stop, use Shutdown to wait for the running
// connections.
func (e *Endpoint) Serve(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-stop:
		}
	}()

	for {
		c, err := e.Accept()
		if errors.Is(err, ErrEndpointClosed) {
			return nil
		} else if err != nil {
			return err
		}
		if !e.track() {
			c.Close()
			return nil
		}
		go e.handle(c, h)
	}
}

// track registers a connection task, false once Shutdown is draining.
func (e *Endpoint) track() bool {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	if e.draining {
		return false
	}
	e.tasks.Add(1)
	return true
}

func (e *Endpoint) handle(c *Connection, h Handler) {
	defer e.tasks.Done()
	log := e.log.With(zap.Stringer("conn", c.id), zap.Stringer("addr", c.RemoteAddr()))

	ctx, cancel := context.WithTimeout(e.taskCtx, e.cfg.HandshakeTimeout)
	err := c.Establish(ctx)
	cancel()
	if err != nil {
		log.Warn("inbound connection failed", zap.Error(err))
		return
	}
	log = log.With(zap.Stringer("peer", c.RemotePublicKey()))
	log.Info("inbound connection open")

	defer func() {
		if x := recover(); x != nil {
			log.Error("connection handler panic", zap.Any("panic", x), zap.ByteString("stack", debug.Stack()))
		}
		if err := c.Close(); err != nil {
			log.Debug("closing connection", zap.Error(err))
		}
		log.Info("inbound connection closed")
	}()
	h(e.taskCtx, c)
}

// Close stops accepting and withdraws the advertised address. Running
// connections are left alone.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeErr = multierr.Combine(e.listener.Close(), e.discovery.Close())
		e.log.Info("endpoint closed")
	})
	return e.closeErr
}

// Shutdown closes the endpoint and waits for running connections to finish.
// When ctx is done first, the handlers' context is canceled and ctx.Err() is
// returned.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	err := e.Close()
	e.tasksMu.Lock()
	e.draining = true
	e.tasksMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.taskCancel()
		return err
	case <-ctx.Done():
		e.taskCancel()
		e.log.Warn("shutdown grace period over, canceling connections")
		return multierr.Append(err, ctx.Err())
	}
}
