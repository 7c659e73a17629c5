package juus

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	mathrand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/xerrors"
)

const (
	// authSize authenticator bytes are appended to encrypted data by ChaCha20-Poly1305.
	authSize = 16

	// maxDataSize is the maximum size of the data message, including padding.
	maxDataSize = noise.MaxMsgLen - authSize

	minMsgSize       = 16
	maxRandomPadding = 16

	// MaxProtocolLen is the maximum length of a protocol identifier.
	MaxProtocolLen = 255

	// Juus0 is the wire version sent in the hello, ahead of the protocol identifier.
	Juus0 = "juus0"

	// DefaultProtocol is the protocol identifier used when Config.Protocol is empty.
	DefaultProtocol = "juus-p2p-v0"
)

var (
	// ErrProtocolMismatch is returned when the remote speaks another wire version
	// or advertised a different protocol identifier.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrNoSecretKey indicates the config has no secret key.
	ErrNoSecretKey = errors.New("no secret key")

	// ErrBadKey indicates a key is not valid. Possibly invalid
	// base64-raw-url-encoded data, or not 32 bytes.
	ErrBadKey = errors.New("bad key")

	// ErrBadAddress is returned when a node address is malformed.
	ErrBadAddress = errors.New("malformed node address")

	// ErrBadConfig is returned for unusable configurations.
	ErrBadConfig = errors.New("invalid configuration")

	// ErrHandshakeAborted is returned when the initiator disconnects after seeing
	// the responder's static key. This may indicate the initiator dialed another
	// key than ours, or that it is probing for our static key.
	ErrHandshakeAborted = errors.New("handshake aborted by initiator")

	// ErrRemoteUntrusted is returned when the remote static public key was not
	// the expected one, or was refused by Config.CheckPublicKey.
	ErrRemoteUntrusted = errors.New("remote untrusted")

	// ErrProtocol is returned for protocol-level errors, like malformed messages.
	ErrProtocol = errors.New("protocol error")

	// ErrNoHandshake is returned for operations before having completed the handshake.
	ErrNoHandshake = errors.New("handshake not completed yet")

	// ErrConnClosed is returned when calling functions on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoJuusDir indicates no .juus directory was found.
	ErrNoJuusDir = errors.New("no .juus directory found")

	errHandshakeDone = errors.New("handshake already completed")
	errDataTooBig    = prefixError(ErrProtocol, "data too big")
	errNoConfig      = errors.New("nil config passed to function")
)

// Config holds the credentials and trust policy for connections.
type Config struct {
	// Rand is used as source of cryptographic randomness. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader

	// SecretKey is the local static key. Required.
	SecretKey *SecretKey

	// Protocol is the opaque application protocol identifier. Both sides must
	// use the same identifier. Empty means DefaultProtocol.
	Protocol []byte

	// RemoteStatic, if set, is the only remote static key accepted. Dialing a
	// node by its public key sets it.
	RemoteStatic *PublicKey

	// CheckPublicKey is called, if set and RemoteStatic is nil, to verify the
	// remote static key. A nil CheckPublicKey accepts any remote that completes
	// the handshake.
	CheckPublicKey func(pubKey PublicKey, conn *Conn) error
}

// LocalStaticPublic returns the local public static key.
//
// If no secret key has been configured, LocalStaticPublic calls panic.
func (c *Config) LocalStaticPublic() PublicKey {
	if c.SecretKey == nil {
		panic("SecretKey not set")
	}
	return c.SecretKey.Public()
}

func (c *Config) protocol() []byte {
	if len(c.Protocol) == 0 {
		return []byte(DefaultProtocol)
	}
	return c.Protocol
}

// Conn is an authenticated, encrypted connection.
type Conn struct {
	conn        net.Conn
	noiseConfig noise.Config
	config      *Config

	handshake struct {
		sync.Mutex
		completed bool
		err       error
	}

	// Fields below only valid after completed handshake.

	state *noise.HandshakeState
	enc   *noise.CipherState
	dec   *noise.CipherState

	reader struct {
		sync.Mutex
		scratch [maxDataSize + authSize]byte // Either holds unread bytes, or used for scratch space while decrypting.
		buf     []byte                       // Slice into reader.scratch of decrypted bytes not yet read.
		err     error                        // Set to io.EOF when remote sent zero-sized buffer.
	}

	writer struct {
		writing uint32 // Whether currently writing; Write, CloseWrite and Close interact with sync/atomic.

		sync.Mutex
		out  *bufio.Writer
		prng *mathrand.Rand
		err  error // Set to ErrConnClosed after CloseWrite().
	}
}

// LocalAddr returns the local network address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline calls the SetDeadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline calls the SetReadDeadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline calls the SetWriteDeadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Dial connects to address and completes the handshake.
func Dial(network, address string, config *Config) (*Conn, error) {
	return DialContext(context.Background(), network, address, config)
}

// DialContext connects to address and completes the handshake before ctx
// expires.
func DialContext(ctx context.Context, network, address string, config *Config) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c, err := Client(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, xerrors.Errorf("handshake: %w", err)
	}
	return c, nil
}

// Client turns an existing connection into an initiating Conn. The handshake
// is done by HandshakeContext, or on first Read or Write.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, true)
}

// Server turns an existing connection into a responding Conn. The handshake
// is done by HandshakeContext, or on first Read or Write.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, false)
}

// Listener accepts connections whose handshake has not yet been done.
type Listener struct {
	net.Listener
	config *Config
}

// Listen creates a new listener for incoming connections.
func Listen(network, address string, config *Config) (*Listener, error) {
	if config == nil {
		return nil, errNoConfig
	}
	if err := checkConfig(config); err != nil {
		return nil, err
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &Listener{l, config}, nil
}

// Accept implements net.Listener, returning a *Conn.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptConn()
}

// AcceptConn accepts an incoming connection. The returned connection has not
// completed a handshake, so no bytes from remote have been checked yet.
func (l *Listener) AcceptConn() (*Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	c, err := newConn(conn, l.config, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func checkConfig(config *Config) error {
	if config.SecretKey == nil {
		return ErrNoSecretKey
	}
	if len(config.Protocol) > MaxProtocolLen {
		return prefixError(ErrBadConfig, "protocol identifier is %d bytes, max %d", len(config.Protocol), MaxProtocolLen)
	}
	return nil
}

func newConn(conn net.Conn, config *Config, isInitiator bool) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}
	if err := checkConfig(config); err != nil {
		return nil, err
	}

	random := config.Rand
	if random == nil {
		random = rand.Reader
	}
	c := &Conn{
		conn:   conn,
		config: config,
		noiseConfig: noise.Config{
			Random:        random,
			CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
			Pattern:       noise.HandshakeXX,
			Initiator:     isInitiator,
			StaticKeypair: config.SecretKey.dhKey(),
		},
	}
	c.writer.out = bufio.NewWriter(conn)
	c.writer.prng = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	return c, nil
}

// RemoteStatic returns the remote's authenticated static public key.
// RemoteStatic ensures a handshake has been completed.
func (c *Conn) RemoteStatic() (PublicKey, error) {
	var k PublicKey
	if err := c.ensureHandshake(); err != nil {
		return k, xerrors.Errorf("handshake: %w", err)
	}
	copy(k[:], c.state.PeerStatic())
	return k, nil
}

// ensureHandshake performs the handshake if it has not already been completed.
func (c *Conn) ensureHandshake() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if !c.handshake.completed && c.handshake.err == nil {
		return c.shakehands()
	}
	return c.handshake.err
}

// Handshake performs the protocol handshake: first the hello exchange, then the
// noise handshake. Read, Write or RemoteStatic on a new connection ensures a
// handshake is done.
//
// Handshake returns an error if a handshake has already completed or failed.
func (c *Conn) Handshake() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if c.handshake.err != nil {
		return c.handshake.err
	}
	if c.handshake.completed {
		return errHandshakeDone
	}
	return c.shakehands()
}

// HandshakeContext is like Handshake, but gives up when ctx is done. The
// deadline of ctx, if any, applies to the underlying connection during the
// handshake. On cancellation the underlying connection is closed.
func (c *Conn) HandshakeContext(ctx context.Context) (rerr error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	done := make(chan struct{})
	interrupted := make(chan error, 1)
	defer func() {
		close(done)
		if err := <-interrupted; err != nil {
			rerr = err
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
			interrupted <- ctx.Err()
		case <-done:
			interrupted <- nil
		}
	}()

	return c.Handshake()
}

func encodeHello(version string, protocol []byte) []byte {
	n := 1 + len(version) + len(protocol)
	buf := make([]byte, 2, 2+n)
	buf[0] = uint8(n >> 8)
	buf[1] = uint8(n)
	buf = append(buf, uint8(len(version)))
	buf = append(buf, version...)
	return append(buf, protocol...)
}

// readHello returns the raw hello for the prologue, and the version and protocol
// it holds. A malformed hello yields an empty version.
func readHello(r io.Reader) (raw []byte, version string, protocol []byte, err error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, "", nil, err
	}
	n := int(size[0])<<8 | int(size[1])
	raw = make([]byte, 2+n)
	copy(raw, size[:])
	if _, err := io.ReadFull(r, raw[2:]); err != nil {
		return nil, "", nil, err
	}
	payload := raw[2:]
	if len(payload) == 0 || 1+int(payload[0]) > len(payload) {
		return raw, "", nil, nil
	}
	vn := int(payload[0])
	return raw, string(payload[1 : 1+vn]), payload[1+vn:], nil
}

// Must be called with lock held.
func (c *Conn) shakehands() (rerr error) {
	defer func() {
		if rerr != nil {
			c.handshake.err = rerr
		}
	}()
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
	})
	defer handle()

	local := encodeHello(Juus0, c.config.protocol())
	matches := func(version string, protocol []byte) bool {
		return version == Juus0 && bytes.Equal(protocol, c.config.protocol())
	}

	var err error
	var helloInitiator, helloResponder []byte
	if c.noiseConfig.Initiator {
		_, err = c.conn.Write(local)
		lcheck(err, "writing hello")
		helloInitiator = local

		var version string
		var protocol []byte
		helloResponder, version, protocol, err = readHello(c.conn)
		lcheck(err, "reading hello")
		if !matches(version, protocol) {
			return prefixError(ErrProtocolMismatch, "offered %s %q, remote speaks %q %q", Juus0, c.config.protocol(), version, protocol)
		}
	} else {
		var version string
		var protocol []byte
		helloInitiator, version, protocol, err = readHello(c.conn)
		lcheck(err, "reading hello")

		_, err = c.conn.Write(local)
		lcheck(err, "writing hello")
		helloResponder = local

		if !matches(version, protocol) {
			return prefixError(ErrProtocolMismatch, "remote offered %q %q, we serve %s %q", version, protocol, Juus0, c.config.protocol())
		}
	}

	c.noiseConfig.Prologue = append(append([]byte{}, helloInitiator...), helloResponder...)
	c.state, err = noise.NewHandshakeState(c.noiseConfig)
	lcheck(err, "noise.NewHandshakeState")

	write := func() (*noise.CipherState, *noise.CipherState) {
		buf, i2r, r2i, err := c.state.WriteMessage(nil, nil)
		lcheck(err, "making noise handshake message")
		_, err = c.conn.Write(buf)
		lcheck(err, "writing noise handshake")
		return i2r, r2i
	}

	read := func(n int, checkHandshakeEOF bool) (*noise.CipherState, *noise.CipherState) {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.conn, buf)
		if checkHandshakeEOF && err == io.EOF {
			lcheck(ErrHandshakeAborted, "reading initiator final handshake message")
		}
		lcheck(err, "reading message")
		_, i2r, r2i, err := c.state.ReadMessage(nil, buf)
		lcheck(err, "parsing noise handshake message")
		return i2r, r2i
	}

	var remote PublicKey
	if c.noiseConfig.Initiator {
		write()
		read(96, false)

		copy(remote[:], c.state.PeerStatic())
		if err := c.verifyRemote(remote); err != nil {
			return err
		}

		c.enc, c.dec = write()
	} else {
		read(32, false)
		write()
		i2r, r2i := read(64, true)
		c.enc, c.dec = r2i, i2r

		copy(remote[:], c.state.PeerStatic())
		if err := c.verifyRemote(remote); err != nil {
			return err
		}
	}
	c.handshake.completed = true
	return nil
}

func (c *Conn) verifyRemote(pubKey PublicKey) error {
	if c.config.RemoteStatic != nil {
		if *c.config.RemoteStatic == pubKey {
			return nil
		}
		return prefixError(ErrRemoteUntrusted, "got static public key %s, expected %s", pubKey, *c.config.RemoteStatic)
	}
	if c.config.CheckPublicKey != nil {
		if err := c.config.CheckPublicKey(pubKey, c); err != nil {
			return &wrapErr{ErrRemoteUntrusted, err}
		}
	}
	return nil
}

// Read reads data from remote. Read returns io.EOF after an explicit close message
// from remote. Early hangups of the underlying connection result in an error other
// than io.EOF.
func (c *Conn) Read(buf []byte) (read int, rerr error) {
	// The handler runs after the deferred Unlock below.
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
		c.reader.Lock()
		if c.reader.err == nil {
			c.reader.err = xerr
		}
		c.reader.Unlock()
	})
	defer handle()

	err := c.ensureHandshake()
	lcheck(err, "ensuring handshake")

	c.reader.Lock()
	defer c.reader.Unlock()

	if c.reader.err != nil && len(c.reader.buf) == 0 {
		return 0, c.reader.err
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if len(c.reader.buf) == 0 {
		var xsize [4 + authSize]byte
		_, err = io.ReadFull(c.conn, xsize[:])
		if err == io.EOF {
			// Closing the underlying connection is not an authenticated EOF.
			err = io.ErrUnexpectedEOF
		}
		lcheck(err, "reading size message")
		size, err := c.dec.Decrypt(nil, nil, xsize[:])
		lcheck(err, "decrypting size message")

		cn := int(size[0])<<8 | int(size[1])
		padn := int(size[2])<<8 | int(size[3])
		if cn+padn > maxDataSize {
			return 0, errDataTooBig
		}

		xn := cn + padn + authSize
		_, err = io.ReadFull(c.conn, c.reader.scratch[:xn])
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		lcheck(err, "reading data message")

		c.reader.buf, err = c.dec.Decrypt(c.reader.scratch[:0], nil, c.reader.scratch[:xn])
		lcheck(err, "decrypting data message")
		c.reader.buf = c.reader.buf[:cn]

		if cn == 0 {
			c.reader.err = io.EOF
			return 0, io.EOF
		}
	}

	n := copy(buf, c.reader.buf)
	c.reader.buf = c.reader.buf[n:]
	return n, nil
}

// Write writes data to remote.
func (c *Conn) Write(buf []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}

	c.writer.Lock()
	defer c.writer.Unlock()
	if c.writer.err != nil {
		return 0, c.writer.err
	}

	// A zero-sized message means EOF to remote.
	if len(buf) == 0 {
		return 0, nil
	}
	return c.write(buf)
}

// Must be called with writer lock held.
func (c *Conn) write(buf []byte) (written int, rerr error) {
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
		if c.writer.err == nil {
			c.writer.err = xerr
		}
	})
	defer handle()

	atomic.StoreUint32(&c.writer.writing, 1)
	defer atomic.StoreUint32(&c.writer.writing, 0)

	seal := func(plain []byte) {
		sealed, err := c.enc.Encrypt(nil, nil, plain)
		lcheck(err, "encrypting")
		_, err = c.writer.out.Write(sealed)
		lcheck(err, "writing")
	}

	var size [4]byte
	for first := true; len(buf) > 0 || first; first = false {
		cn := len(buf)
		if cn > maxDataSize {
			cn = maxDataSize
		}
		padn := 0
		if cn < minMsgSize {
			padn = minMsgSize - cn
		}
		if cn+padn+maxRandomPadding <= maxDataSize {
			padn += int(c.writer.prng.Int31n(maxRandomPadding))
		}

		size[0] = uint8(cn >> 8)
		size[1] = uint8(cn)
		size[2] = uint8(padn >> 8)
		size[3] = uint8(padn)
		seal(size[:])

		msg := make([]byte, cn+padn)
		copy(msg, buf[:cn])
		seal(msg)

		written += cn
		buf = buf[cn:]
	}

	err := c.writer.out.Flush()
	lcheck(err, "flushing")
	return written, nil
}

// CloseWrite sends an authenticated EOF to remote. Data can still be read from
// remote until its EOF arrives. CloseWrite does not close the underlying
// connection.
func (c *Conn) CloseWrite() error {
	c.handshake.Lock()
	hsErr, hsOK := c.handshake.err, c.handshake.completed
	c.handshake.Unlock()
	if hsErr != nil {
		return hsErr
	}
	if !hsOK {
		return ErrNoHandshake
	}

	c.writer.Lock()
	defer c.writer.Unlock()
	if c.writer.err != nil {
		return c.writer.err
	}
	if _, err := c.write(nil); err != nil {
		return xerrors.Errorf("writing eof message: %w", err)
	}
	c.writer.err = ErrConnClosed
	return nil
}

// Close closes the connection. After a completed handshake and with no write in
// progress, Close first sends an EOF as CloseWrite does. A write in progress is
// assumed to be aborted by Close, so the underlying connection is closed right
// away.
func (c *Conn) Close() error {
	c.handshake.Lock()
	completed, hsErr := c.handshake.completed, c.handshake.err
	c.handshake.Unlock()

	var err error
	writerClosed := false
	if hsErr == nil && completed && atomic.LoadUint32(&c.writer.writing) == 0 {
		c.writer.Lock()
		defer c.writer.Unlock()
		if c.writer.err == nil {
			_, err = c.write(nil)
		}
		c.writer.err = ErrConnClosed
		writerClosed = true
	}

	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}

	c.reader.Lock()
	c.reader.err = ErrConnClosed
	c.reader.buf = nil
	for i := range c.reader.scratch {
		c.reader.scratch[i] = 0
	}
	c.reader.Unlock()

	if !writerClosed {
		c.writer.Lock()
		c.writer.err = ErrConnClosed
		c.writer.Unlock()
	}

	c.handshake.Lock()
	c.handshake.err = ErrConnClosed
	c.handshake.Unlock()

	return err
}
