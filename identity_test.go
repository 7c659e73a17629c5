package juus

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPublicDeterministic(t *testing.T) {
	for i := 0; i < 16; i++ {
		k := newKey(t)
		a, b := k.Public(), k.Public()
		if a != b {
			t.Fatalf("public key derivation not deterministic: %s != %s", a, b)
		}
		if a.IsZero() {
			t.Fatalf("zero public key for %x", k[:])
		}
		dh := k.dhKey()
		if !bytes.Equal(dh.Public, a[:]) || !bytes.Equal(dh.Private, k[:]) {
			t.Fatalf("noise key does not match identity")
		}
	}
}

func TestPublicOfReturnedKey(t *testing.T) {
	k := newKey(t)
	secret := func() SecretKey { return *k }
	if secret().Public() != k.Public() {
		t.Fatalf("public key of copied secret differs")
	}
}

func TestParsePublicKey(t *testing.T) {
	k := newKey(t).Public()
	p, err := ParsePublicKey(k.String())
	check(t, err, nil, "parse")
	if p != k {
		t.Fatalf("parsed %s, expected %s", p, k)
	}

	_, err = ParsePublicKey("!!")
	check(t, err, ErrBadKey, "bad base64")
	_, err = ParsePublicKey("AAAA")
	check(t, err, ErrBadKey, "short key")
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".juus", "identity")

	key, created, err := LoadOrCreateIdentity(path)
	check(t, err, nil, "create")
	if !created {
		t.Fatalf("expected new identity")
	}
	buf, err := os.ReadFile(path)
	check(t, err, nil, "read identity file")
	if !bytes.Equal(buf, key[:]) {
		t.Fatalf("identity file holds %x, expected %x", buf, key[:])
	}

	again, created, err := LoadOrCreateIdentity(path)
	check(t, err, nil, "load")
	if created || again != key {
		t.Fatalf("existing identity not loaded, created %v", created)
	}

	// Trailing bytes are ignored.
	err = os.WriteFile(path, append(key[:], '\n'), 0600)
	check(t, err, nil, "append to identity")
	again, created, err = LoadOrCreateIdentity(path)
	check(t, err, nil, "load with trailing bytes")
	if created || again != key {
		t.Fatalf("identity with trailing bytes not loaded")
	}
}

func TestLoadOrCreateIdentityTruncated(t *testing.T) {
	for _, n := range []int{0, 1, 31} {
		path := filepath.Join(t.TempDir(), "identity")
		err := os.WriteFile(path, bytes.Repeat([]byte{1}, n), 0600)
		check(t, err, nil, "writing truncated identity")

		key, created, err := LoadOrCreateIdentity(path)
		check(t, err, nil, "regenerate")
		if !created {
			t.Fatalf("%d bytes: expected regenerated identity", n)
		}
		buf, err := os.ReadFile(path)
		check(t, err, nil, "read identity file")
		if len(buf) != KeySize || !bytes.Equal(buf, key[:]) {
			t.Fatalf("%d bytes: identity file holds %x, expected %x", n, buf, key[:])
		}
	}
}

func TestLoadOrCreateIdentityUnwritable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permissions not enforced")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatalf("chmod: %s", err)
	}
	defer os.Chmod(dir, 0700)

	_, _, err := LoadOrCreateIdentity(filepath.Join(dir, "identity"))
	var ierr *IdentityError
	if !errors.As(err, &ierr) {
		t.Fatalf("got %v, expected *IdentityError", err)
	}
	if ierr.Op != "create" {
		t.Fatalf("got op %q, expected create", ierr.Op)
	}
}
