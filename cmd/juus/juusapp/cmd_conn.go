package juusapp

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/endpoint"
	"github.com/juusnet/juus/node"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ListenCmd accepts connections. Without a command, data of each connection
// goes to stdout and stdin is sent to the connections. With a command, each
// connection gets its own process reading and writing the connection.
type ListenCmd struct {
	cfg  *Config
	Args struct {
		Addr string `positional-arg-name:"addr"`
	} `positional-args:"yes"`
}

func (c *ListenCmd) Execute(argv []string) error {
	ctx, log := c.cfg.runtime.ctx, c.cfg.runtime.log
	ncfg, err := c.cfg.nodeConfig()
	if err != nil {
		return err
	}
	if c.Args.Addr != "" {
		ncfg.Listen = c.Args.Addr
	}
	n, err := node.New(ctx, ncfg, log)
	if err != nil {
		return err
	}
	log.Info("listening", zap.Stringer("addr", n.Addr()), zap.Stringer("pubkey", n.PublicKey()))
	if err := c.cfg.printf("%s\n", n.PublicKey()); err != nil {
		n.Close(context.Background())
		return err
	}

	if len(argv) == 0 {
		input := readInput(c.cfg.runtime.stdin, log)
		n.OnInboundConnection(func(ctx context.Context, conn *endpoint.Connection) {
			stdConn(ctx, conn, input, c.cfg.runtime.stdout, log)
		})
	} else {
		n.OnInboundConnection(func(ctx context.Context, conn *endpoint.Connection) {
			if err := cmdConn(ctx, conn, argv); err != nil {
				log.Info("connection finished", zap.Stringer("peer", conn.RemotePublicKey()), zap.Error(err))
			}
		})
	}

	err = n.Run(ctx)
	return multierr.Append(err, n.Close(context.Background()))
}

// readInput sends chunks read from r. The channel is closed at EOF.
func readInput(r io.Reader, log *zap.Logger) <-chan []byte {
	input := make(chan []byte)
	go func() {
		defer close(input)
		for {
			buf := make([]byte, 1024)
			n, err := r.Read(buf)
			if n > 0 {
				input <- buf[:n]
			}
			if err == io.EOF {
				return
			} else if err != nil {
				log.Error("read from stdin", zap.Error(err))
				return
			}
		}
	}()
	return input
}

func stdConn(ctx context.Context, conn *endpoint.Connection, input <-chan []byte, w io.Writer, log *zap.Logger) {
	log = log.With(zap.Stringer("peer", conn.RemotePublicKey()))
	log.Info("connected")
	stream := conn.Stream()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(w, stream); err != nil {
			log.Info("copy from connection", zap.Error(err))
		} else {
			log.Info("eof from remote")
		}
	}()
	for {
		select {
		case buf, ok := <-input:
			if !ok {
				// Half-close, the remote may still send.
				stream.Close()
				input = nil
				continue
			}
			if _, err := stream.Write(buf); err != nil {
				log.Info("write to connection", zap.Error(err))
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cmdConn runs argv with the connection as stdin and stdout.
func cmdConn(ctx context.Context, conn *endpoint.Connection, argv []string) error {
	stream := conn.Stream()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stream
	cmd.Stdout = stream
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	return multierr.Append(err, stream.Close())
}

// DialCmd connects to a peer. The target is a registered name, a public key,
// or pubkey@host:port. Without a command, stdin is sent and received data is
// written to stdout.
type DialCmd struct {
	cfg  *Config
	Args struct {
		Target string `positional-arg-name:"target"`
	} `positional-args:"yes" required:"yes"`
}

func (c *DialCmd) Execute(argv []string) error {
	ctx, log := c.cfg.runtime.ctx, c.cfg.runtime.log
	ncfg, err := c.cfg.nodeConfig()
	if err != nil {
		return err
	}
	// A listening node may share this identity, keep its port and relay entry.
	ncfg.Listen = "127.0.0.1:0"
	ncfg.Passive = true
	n, err := node.New(ctx, ncfg, log)
	if err != nil {
		return err
	}
	defer n.Close(context.Background())

	conn, err := c.connect(ctx, n)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("connected",
		zap.Stringer("addr", conn.RemoteAddr()),
		zap.Stringer("local", n.PublicKey()),
		zap.Stringer("remote", conn.RemotePublicKey()),
	)

	if len(argv) > 0 {
		return cmdConn(ctx, conn, argv)
	}

	stream := conn.Stream()
	go func() {
		if _, err := io.Copy(stream, c.cfg.runtime.stdin); err != nil {
			log.Info("copy to connection", zap.Error(err))
		}
		stream.Close()
	}()
	_, err = io.Copy(c.cfg.runtime.stdout, stream)
	return err
}

func (c *DialCmd) connect(ctx context.Context, n *node.Node) (*endpoint.Connection, error) {
	target := c.Args.Target
	na, err := juus.ParseNodeAddr(target)
	if errors.Is(err, juus.ErrBadKey) && !strings.Contains(target, "@") {
		return n.ConnectName(ctx, target)
	} else if err != nil {
		return nil, err
	}
	for _, addr := range na.Addrs {
		if err := n.AddPeer(na.Key, addr); err != nil {
			return nil, err
		}
	}
	return n.Connect(ctx, na.Key)
}

// RemoteStaticCmd completes a handshake with the node at an address and prints
// its public key as an address book line.
type RemoteStaticCmd struct {
	cfg  *Config
	Args struct {
		Addr string `positional-arg-name:"host:port"`
	} `positional-args:"yes" required:"yes"`
}

func (c *RemoteStaticCmd) Execute(args []string) error {
	ncfg, err := c.cfg.nodeConfig()
	if err != nil {
		return err
	}
	key, err := c.cfg.identity()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.cfg.runtime.ctx, ncfg.HandshakeTimeout)
	defer cancel()
	conn, err := juus.DialContext(ctx, "tcp", c.Args.Addr, &juus.Config{
		SecretKey: &key,
		Protocol:  []byte(ncfg.Protocol),
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	remote, err := conn.RemoteStatic()
	if err != nil {
		return err
	}
	return c.cfg.printf("%s %s %s\n", juus.Juus0, remote, c.Args.Addr)
}
