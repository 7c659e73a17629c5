// Package discovery resolves node public keys to dialable addresses.
//
// Two modes exist. With Disabled, peers must be known out of band and are
// looked up in an AddressBook only. With RelayAssisted, nodes also advertise
// their address to a relay cluster, so a peer that moved can still be found
// by its key.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juusnet/juus"
	"github.com/juusnet/juus/internal/logging"
	"go.uber.org/zap"
)

// Mode selects the discovery strategy.
type Mode int

const (
	// Disabled uses only addresses known out of band.
	Disabled Mode = iota
	// RelayAssisted publishes and resolves addresses through a relay cluster.
	RelayAssisted
)

// DefaultRelayTTL is the lease on an advertised address. A node that stops
// refreshing it disappears from the relay after this long.
const DefaultRelayTTL = 30 * time.Second

// ErrNotFound is returned when no address is known for a public key.
var ErrNotFound = errors.New("no address known for public key")

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case RelayAssisted:
		return "relay"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "disabled" or "relay".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "disabled", "":
		return Disabled, nil
	case "relay":
		return RelayAssisted, nil
	}
	return 0, fmt.Errorf("unknown discovery mode %q, expected disabled or relay", s)
}

// Strategy resolves public keys to addresses and advertises the local node.
type Strategy interface {
	// Resolve returns the addresses key may be reachable at, most preferred
	// first, or ErrNotFound.
	Resolve(ctx context.Context, key juus.PublicKey) ([]string, error)

	// Advertise announces that key is reachable at addr until Close.
	Advertise(ctx context.Context, key juus.PublicKey, addr string) error

	Close() error
}

// Options configure Build.
type Options struct {
	// Book holds peers known out of band. Nil means an empty in-memory book.
	Book *AddressBook

	// Relay is required for RelayAssisted.
	Relay RelayClient

	// RelayTTL defaults to DefaultRelayTTL.
	RelayTTL time.Duration

	Logger *zap.Logger
}

// Build returns the strategy for mode.
func Build(mode Mode, opts Options) (Strategy, error) {
	book := opts.Book
	if book == nil {
		book = NewAddressBook()
	}
	log := logging.OrNop(opts.Logger).Named("discovery")

	switch mode {
	case Disabled:
		return &static{book: book}, nil
	case RelayAssisted:
		if opts.Relay == nil {
			return nil, errors.New("relay-assisted discovery requires a relay client")
		}
		ttl := opts.RelayTTL
		if ttl <= 0 {
			ttl = DefaultRelayTTL
		}
		return newRelay(book, opts.Relay, ttl, log), nil
	}
	return nil, fmt.Errorf("unknown discovery mode %v", mode)
}

type static struct {
	book *AddressBook
}

func (s *static) Resolve(ctx context.Context, key juus.PublicKey) ([]string, error) {
	addrs := s.book.Lookup(key)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return addrs, nil
}

func (s *static) Advertise(ctx context.Context, key juus.PublicKey, addr string) error {
	return nil
}

func (s *static) Close() error {
	return nil
}
