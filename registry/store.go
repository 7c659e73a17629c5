// Package registry maps display names to node public keys: a badger-backed
// store, the HTTP service exposing it, and a client for nodes.
package registry

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/juusnet/juus"
	"github.com/juusnet/juus/internal/logging"
	"go.uber.org/zap"
)

// membersTable prefixes every member key.
const membersTable = "global-members/"

var (
	// ErrNotFound is returned for names that were never published.
	ErrNotFound = errors.New("name not found")

	// ErrInvalidName is returned for empty names.
	ErrInvalidName = errors.New("invalid name")

	// ErrCorrupt is returned when a stored value is not a public key.
	ErrCorrupt = errors.New("corrupt member record")
)

// Backend is what the Server needs from a store.
type Backend interface {
	Get(name string) (juus.PublicKey, error)
	Set(name string, key juus.PublicKey) error
}

// Store is the durable name to public key table.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store in directory path. An empty path keeps the
// store in memory, gone when closed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{logging.OrNop(logger).Named("badger").Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening registry store: %w", err)
	}
	return &Store{db: db}, nil
}

func memberKey(name string) []byte {
	return []byte(membersTable + name)
}

// Get returns the public key published for name, or ErrNotFound.
func (s *Store) Get(name string) (juus.PublicKey, error) {
	var key juus.PublicKey
	if name == "" {
		return key, ErrInvalidName
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memberKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != juus.KeySize {
				return fmt.Errorf("%w: %q holds %d bytes", ErrCorrupt, name, len(v))
			}
			copy(key[:], v)
			return nil
		})
	})
	if err != nil {
		return juus.PublicKey{}, err
	}
	return key, nil
}

// Set publishes key for name, replacing any earlier key. Concurrent sets of one
// name leave the key of the last to commit.
func (s *Store) Set(name string, key juus.PublicKey) error {
	if name == "" {
		return ErrInvalidName
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(name), key[:])
	})
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's logging into zap.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
