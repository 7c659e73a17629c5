package endpoint

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newSecret(t *testing.T) juus.SecretKey {
	t.Helper()
	k, err := juus.GenerateSecretKey(rand.Reader)
	require.NoError(t, err)
	return k
}

// bind returns an endpoint on a random loopback port that resolves through
// book.
func bind(t *testing.T, book *discovery.AddressBook, protocol string) *Endpoint {
	t.Helper()
	return bindLog(t, book, protocol, zap.NewNop())
}

func bindLog(t *testing.T, book *discovery.AddressBook, protocol string, log *zap.Logger) *Endpoint {
	t.Helper()
	strategy, err := discovery.Build(discovery.Disabled, discovery.Options{Book: book, Logger: log})
	require.NoError(t, err)
	cfg := Config{
		SecretKey:        newSecret(t),
		ListenAddr:       "127.0.0.1:0",
		Discovery:        strategy,
		HandshakeTimeout: 2 * time.Second,
		DialTimeout:      2 * time.Second,
		Logger:           log,
	}
	if protocol != "" {
		cfg.Protocol = []byte(protocol)
	}
	e, err := Bind(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// serve runs e with h until the test ends.
func serve(t *testing.T, e *Endpoint, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- e.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		e.Shutdown(sctx)
	})
}

func echo(peers chan<- juus.PublicKey) Handler {
	return func(ctx context.Context, c *Connection) {
		if peers != nil {
			peers <- c.RemotePublicKey()
		}
		io.Copy(c.Stream(), c.Stream())
	}
}

func TestDialAccept(t *testing.T) {
	book := discovery.NewAddressBook()
	server := bind(t, nil, "")
	client := bind(t, book, "")
	require.NoError(t, book.Add(server.PublicKey(), server.Addr().String()))

	peers := make(chan juus.PublicKey, 1)
	serve(t, server, echo(peers))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, server.PublicKey())
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, StateOpen, c.State())
	require.Equal(t, Outbound, c.Direction())
	require.Equal(t, server.PublicKey(), c.RemotePublicKey())
	require.Equal(t, client.PublicKey(), <-peers)

	stream := c.Stream()
	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Close())
}

func TestDialUnknownKey(t *testing.T) {
	client := bind(t, discovery.NewAddressBook(), "")
	_, err := client.Dial(context.Background(), newSecret(t).Public())
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestDialTriesAllAddresses(t *testing.T) {
	book := discovery.NewAddressBook()
	server := bind(t, nil, "")
	client := bind(t, book, "")
	serve(t, server, echo(nil))

	// Nothing listens on a closed listener's port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := l.Addr().String()
	l.Close()

	require.NoError(t, book.Add(server.PublicKey(), dead))
	require.NoError(t, book.Add(server.PublicKey(), server.Addr().String()))

	c, err := client.Dial(context.Background(), server.PublicKey())
	require.NoError(t, err)
	c.Close()
}

func TestDialWrongKey(t *testing.T) {
	server := bind(t, nil, "")
	client := bind(t, nil, "")
	serve(t, server, echo(nil))

	other := newSecret(t).Public()
	_, err := client.DialAddr(context.Background(), other, server.Addr().String())
	require.ErrorIs(t, err, juus.ErrRemoteUntrusted)
}

func TestProtocolMismatch(t *testing.T) {
	server := bind(t, nil, "")
	client := bind(t, nil, "other-protocol")
	serve(t, server, echo(nil))

	_, err := client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.ErrorIs(t, err, juus.ErrProtocolMismatch)
}

func TestAcceptSurvivesBadPeers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	server := bindLog(t, nil, "", zap.New(core))
	client := bind(t, nil, "")
	serve(t, server, echo(nil))

	// A peer speaking garbage, and one hanging up immediately.
	nc, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	nc.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	nc.Close()
	nc, err = net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	nc.Close()

	c, err := client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Stream().Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(c.Stream(), buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("inbound connection failed").Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAcceptAfterClose(t *testing.T) {
	e := bind(t, nil, "")
	require.NoError(t, e.Close())
	_, err := e.Accept()
	require.ErrorIs(t, err, ErrEndpointClosed)

	_, err = e.DialAddr(context.Background(), newSecret(t).Public(), "127.0.0.1:1")
	require.ErrorIs(t, err, ErrEndpointClosed)
}

func TestHandlerPanic(t *testing.T) {
	server := bind(t, nil, "")
	client := bind(t, nil, "")
	var calls atomic.Int32
	serve(t, server, func(ctx context.Context, c *Connection) {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		io.Copy(c.Stream(), c.Stream())
	})

	c, err := client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.NoError(t, err)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection of panicking handler not closed")
	}
	c.Close()

	c, err = client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Stream().Write([]byte("x"))
	require.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	server := bind(t, nil, "")
	client := bind(t, nil, "")

	running := make(chan struct{})
	canceled := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, func(ctx context.Context, c *Connection) {
			close(running)
			<-ctx.Done()
			close(canceled)
		})
	}()

	c, err := client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	<-running

	cancel()
	require.NoError(t, <-served)

	sctx, scancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer scancel()
	err = server.Shutdown(sctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context not canceled")
	}
	sctx, scancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, server.Shutdown(sctx))
}

func TestShutdownWaitsForHandlers(t *testing.T) {
	server := bind(t, nil, "")
	client := bind(t, nil, "")

	finished := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx, func(ctx context.Context, c *Connection) {
		buf := make([]byte, 1)
		io.ReadFull(c.Stream(), buf)
		time.Sleep(20 * time.Millisecond)
		close(finished)
	})

	c, err := client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Stream().Write([]byte("x"))
	require.NoError(t, err)

	// The handshake completed, so the connection is tracked.
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	require.NoError(t, server.Shutdown(sctx))
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before handler finished")
	}
}

func TestNoTasksAfterShutdown(t *testing.T) {
	e := bind(t, nil, "")
	require.True(t, e.track())
	e.tasks.Done()

	require.NoError(t, e.Shutdown(context.Background()))
	require.False(t, e.track())
}

func TestDoneBeforeOpen(t *testing.T) {
	e := bind(t, nil, "")
	nc, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	c, err := e.Accept()
	require.NoError(t, err)

	done := c.Done()
	nc.Close()
	require.Error(t, c.Establish(context.Background()))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("done not closed for failed connection")
	}
	require.Equal(t, StateClosed, c.State())
	require.Error(t, c.Err())
}

func TestDoneOnPeerClose(t *testing.T) {
	server := bind(t, nil, "")
	client := bind(t, nil, "")
	serve(t, server, func(ctx context.Context, c *Connection) {})

	c, err := client.DialAddr(context.Background(), server.PublicKey(), server.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("done not closed after peer hung up")
	}
}
