package juus

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of both secret and public keys. An identity file holds
// exactly KeySize raw bytes.
const KeySize = 32

// SecretKey is the private half of a node identity, a Curve25519 scalar.
type SecretKey [KeySize]byte

// PublicKey is the public half of a node identity. It is the address handle of
// a node.
type PublicKey [KeySize]byte

var errIdentityTruncated = errors.New("identity file truncated")

// GenerateSecretKey reads a new secret key from random, or from crypto/rand if
// random is nil.
func GenerateSecretKey(random io.Reader) (SecretKey, error) {
	if random == nil {
		random = rand.Reader
	}
	var k SecretKey
	_, err := io.ReadFull(random, k[:])
	return k, err
}

// Public derives the public key.
func (k SecretKey) Public() PublicKey {
	pub, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		// Only possible for a low-order point, never for the base point.
		panic(err)
	}
	var p PublicKey
	copy(p[:], pub)
	return p
}

func (k *SecretKey) dhKey() noise.DHKey {
	pub := k.Public()
	return noise.DHKey{
		Private: append([]byte{}, k[:]...),
		Public:  pub[:],
	}
}

// String returns the base64-raw-url-encoded key.
func (k PublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key, which no node has.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParsePublicKey parses a base64-raw-url-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return k, prefixError(ErrBadKey, "bad base64-raw-url for public key: %s", err)
	}
	if len(buf) != KeySize {
		return k, prefixError(ErrBadKey, "got %d bytes, expected %d", len(buf), KeySize)
	}
	copy(k[:], buf)
	return k, nil
}

// LoadOrCreateIdentity reads the secret key stored at path. If path does not
// exist, or holds fewer than KeySize bytes, a new key is generated and written
// to path, replacing what was there, and created is true. A regenerated key
// changes the node's public key.
//
// File system errors are returned as *IdentityError.
func LoadOrCreateIdentity(path string) (key SecretKey, created bool, rerr error) {
	key, err := readIdentity(path)
	switch {
	case err == nil:
		return key, false, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, errIdentityTruncated):
	default:
		return key, false, err
	}

	key, err = GenerateSecretKey(nil)
	if err != nil {
		return key, false, &IdentityError{"create", path, err}
	}
	if err := writeIdentity(path, &key); err != nil {
		return SecretKey{}, false, err
	}
	return key, true, nil
}

func readIdentity(path string) (SecretKey, error) {
	var key SecretKey
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return key, err
		}
		return key, &IdentityError{"open", path, err}
	}
	defer f.Close()

	_, err = io.ReadFull(f, key[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return SecretKey{}, errIdentityTruncated
	} else if err != nil {
		return SecretKey{}, &IdentityError{"read", path, err}
	}
	return key, nil
}

// writeIdentity replaces path atomically, so a crash never leaves a partial key.
func writeIdentity(path string, key *SecretKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &IdentityError{"create", path, err}
	}
	f, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return &IdentityError{"create", path, err}
	}
	tmp := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return &IdentityError{"write", path, err}
	}
	if _, err := f.Write(key[:]); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &IdentityError{"write", path, err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IdentityError{"write", path, err}
	}
	return nil
}
