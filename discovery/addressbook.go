package discovery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/juusnet/juus"
)

// AddressBookFile is the name of the address book in a ".juus" directory.
const AddressBookFile = "peers"

// ErrBadAddressBook is returned for malformed address book files.
var ErrBadAddressBook = errors.New("malformed address book")

type peerEntry struct {
	Addr       string
	Linenumber int
}

// AddressBook maps public keys to addresses for peers known out of band. On
// disk it is a text file with lines:
//
//	juus0 <public key> <host:port>
//
// Empty lines and lines starting with "#" are ignored. Lines with another
// version are skipped.
type AddressBook struct {
	path string

	mu    sync.RWMutex
	peers map[juus.PublicKey][]peerEntry
}

// NewAddressBook returns an empty address book that is not backed by a file.
func NewAddressBook() *AddressBook {
	return &AddressBook{peers: map[juus.PublicKey][]peerEntry{}}
}

// LoadAddressBook reads the address book at path. A missing file gives an empty
// book; Add creates the file.
func LoadAddressBook(path string) (*AddressBook, error) {
	b := NewAddressBook()
	b.path = path

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return b, nil
	} else if err != nil {
		return nil, fmt.Errorf("opening address book: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	linenumber := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if line == "" && err == io.EOF {
			break
		}
		linenumber++
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t := strings.Fields(line)
		if len(t) != 3 {
			return nil, fmt.Errorf("%w: %s:%d: expect three space-separated words", ErrBadAddressBook, path, linenumber)
		}
		version, keyStr, addr := t[0], t[1], t[2]
		if version != juus.Juus0 {
			continue
		}
		key, err := juus.ParsePublicKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrBadAddressBook, path, linenumber, err)
		}
		b.peers[key] = append(b.peers[key], peerEntry{addr, linenumber})
	}
	return b, nil
}

// Path returns the file backing the book, or "" for an in-memory book.
func (b *AddressBook) Path() string {
	return b.path
}

// Lookup returns the addresses known for key, in file order.
func (b *AddressBook) Lookup(key juus.PublicKey) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var addrs []string
	for _, e := range b.peers[key] {
		addrs = append(addrs, e.Addr)
	}
	return addrs
}

// Len returns the number of peers in the book.
func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Add records addr for key, and appends it to the book's file if it has one.
// Adding a known pair is a no-op.
func (b *AddressBook) Add(key juus.PublicKey, addr string) error {
	if addr == "" || strings.ContainsAny(addr, " \t\n") {
		return fmt.Errorf("%w: invalid address %q", ErrBadAddressBook, addr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.peers[key] {
		if e.Addr == addr {
			return nil
		}
	}

	if b.path != "" {
		if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
			return err
		}
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(f, "%s %s %s\n", juus.Juus0, key, addr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	b.peers[key] = append(b.peers[key], peerEntry{Addr: addr})
	return nil
}
