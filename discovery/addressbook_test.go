package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juusnet/juus"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, s string) juus.PublicKey {
	t.Helper()
	k, err := juus.ParsePublicKey(s)
	require.NoError(t, err)
	return k
}

func TestAddressBook(t *testing.T) {
	pubKey1 := mustKey(t, "Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c")
	pubKey2 := mustKey(t, "OM2rHhpaiLiuCJ8BJ44G6xhwEkzZ2Gix5fdgXqomYjI")
	pubKeyUnknown := mustKey(t, "M0fS5ygb7LRqn6b7IHZQWB3zbf_St3sWAaHKpNedQlM")

	path := filepath.Join(t.TempDir(), AddressBookFile)
	content := "# peers\n" +
		"juus0 Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c localhost:1047\n" +
		"\n" +
		"juus0 OM2rHhpaiLiuCJ8BJ44G6xhwEkzZ2Gix5fdgXqomYjI localhost:1048\n" +
		"juus0 Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c 10.0.0.1:1047\n" +
		"juus9 M0fS5ygb7LRqn6b7IHZQWB3zbf_St3sWAaHKpNedQlM localhost:1049\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	b, err := LoadAddressBook(path)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	require.Equal(t, []string{"localhost:1047", "10.0.0.1:1047"}, b.Lookup(pubKey1))
	require.Equal(t, []string{"localhost:1048"}, b.Lookup(pubKey2))
	require.Empty(t, b.Lookup(pubKeyUnknown), "other versions are skipped")

	require.NoError(t, b.Add(pubKeyUnknown, "localhost:1050"))
	require.NoError(t, b.Add(pubKeyUnknown, "localhost:1050"))
	require.Error(t, b.Add(pubKeyUnknown, "local host"))

	reread, err := LoadAddressBook(path)
	require.NoError(t, err)
	require.Equal(t, []string{"localhost:1050"}, reread.Lookup(pubKeyUnknown))
	require.Equal(t, 3, reread.Len())
}

func TestAddressBookMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".juus", AddressBookFile)
	b, err := LoadAddressBook(path)
	require.NoError(t, err)
	require.Zero(t, b.Len())

	k := mustKey(t, "Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c")
	require.NoError(t, b.Add(k, "localhost:1047"))
	_, err = os.Stat(path)
	require.NoError(t, err, "Add creates the file")
}

func TestAddressBookMalformed(t *testing.T) {
	for _, line := range []string{
		"juus0 localhost:1047\n",
		"juus0 notakey localhost:1047\n",
		"juus0 a b c\n",
	} {
		path := filepath.Join(t.TempDir(), AddressBookFile)
		require.NoError(t, os.WriteFile(path, []byte(line), 0600))
		_, err := LoadAddressBook(path)
		require.ErrorIs(t, err, ErrBadAddressBook, line)
	}
}
