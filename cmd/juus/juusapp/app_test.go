package juusapp

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/discovery"
	"github.com/juusnet/juus/endpoint"
	"github.com/juusnet/juus/node"
	"github.com/juusnet/juus/registry"
	"github.com/stretchr/testify/require"
)

// run executes the juus command with dir as juus directory, returning stdout.
func run(t *testing.T, dir string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	args = append([]string{"--dir", dir, "--log-level", "error"}, args...)
	err := Run(context.Background(), WithArgs(args), WithIO(stdin, &out))
	return out.String(), err
}

func initDir(t *testing.T) (string, juus.PublicKey) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".juus")
	out, err := run(t, dir, nil, "init")
	require.NoError(t, err)
	key, err := juus.ParsePublicKey(strings.TrimSpace(out))
	require.NoError(t, err)
	return dir, key
}

func TestInitPubkey(t *testing.T) {
	dir, key := initDir(t)
	require.FileExists(t, filepath.Join(dir, node.IdentityFile))
	require.FileExists(t, filepath.Join(dir, discovery.AddressBookFile))

	out, err := run(t, dir, nil, "pubkey")
	require.NoError(t, err)
	require.Equal(t, key.String()+"\n", out)

	// A second init keeps the identity.
	out, err = run(t, dir, nil, "init")
	require.NoError(t, err)
	require.Equal(t, key.String()+"\n", out)
}

func TestPublishResolve(t *testing.T) {
	store, err := registry.Open("", nil)
	require.NoError(t, err)
	defer store.Close()
	ts := httptest.NewServer(registry.NewServer(store, nil))
	defer ts.Close()

	dir, key := initDir(t)
	_, err = run(t, dir, nil, "--registry", ts.URL, "publish", "alice")
	require.NoError(t, err)

	out, err := run(t, dir, nil, "--registry", ts.URL, "resolve", "alice")
	require.NoError(t, err)
	require.Equal(t, key.String()+"\n", out)

	_, err = run(t, dir, nil, "--registry", ts.URL, "resolve", "bob")
	require.ErrorIs(t, err, registry.ErrNotFound)

	_, err = run(t, dir, nil, "resolve", "alice")
	require.ErrorIs(t, err, node.ErrNoRegistry)
}

func TestPeer(t *testing.T) {
	dir, _ := initDir(t)
	_, other := initDir(t)

	_, err := run(t, dir, nil, "peer", other.String()+"@127.0.0.1:1047,127.0.0.1:1048")
	require.NoError(t, err)
	book, err := discovery.LoadAddressBook(filepath.Join(dir, discovery.AddressBookFile))
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:1047", "127.0.0.1:1048"}, book.Lookup(other))

	_, err = run(t, dir, nil, "peer", other.String())
	require.ErrorIs(t, err, juus.ErrBadAddress)
}

func TestConfigFile(t *testing.T) {
	dir, _ := initDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("discovery: relay\n"), 0600))
	_, err := run(t, dir, nil, "pubkey")
	require.ErrorIs(t, err, juus.ErrBadConfig)
}

// echoNode runs a node answering every connection with what it reads.
func echoNode(t *testing.T) *node.Node {
	t.Helper()
	cfg := node.DefaultConfig(t.TempDir())
	cfg.Listen = "127.0.0.1:0"
	n, err := node.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	n.OnInboundConnection(func(ctx context.Context, c *endpoint.Connection) {
		io.Copy(c.Stream(), c.Stream())
	})
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	t.Cleanup(func() {
		cancel()
		n.Close(context.Background())
	})
	return n
}

func TestDial(t *testing.T) {
	server := echoNode(t)
	dir, _ := initDir(t)

	target := juus.NodeAddr{Key: server.PublicKey(), Addrs: []string{server.Addr().String()}}
	out, err := run(t, dir, strings.NewReader("hello juus\n"), "dial", target.String())
	require.NoError(t, err)
	require.Equal(t, "hello juus\n", out)

	// The address was recorded, the key alone is enough now.
	out, err = run(t, dir, strings.NewReader("again\n"), "dial", server.PublicKey().String())
	require.NoError(t, err)
	require.Equal(t, "again\n", out)
}

func TestRemoteStatic(t *testing.T) {
	server := echoNode(t)
	dir, _ := initDir(t)

	addr := server.Addr().String()
	out, err := run(t, dir, nil, "remotestatic", addr)
	require.NoError(t, err)
	require.Equal(t, juus.Juus0+" "+server.PublicKey().String()+" "+addr+"\n", out)
}
