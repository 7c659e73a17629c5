package juus

import (
	"os"
	"path/filepath"
)

// DirName is the name of the directory holding a node's identity and address
// book.
const DirName = ".juus"

// NearestDir locates the nearest directory named ".juus", starting at the
// current directory, walking up to the root. If no directory was found,
// ErrNoJuusDir is returned.
func NearestDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, filepath.Dir(dir) {
		name := filepath.Join(dir, DirName)
		info, err := os.Stat(name)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		if err == nil && !info.IsDir() {
			return name, prefixError(ErrNoJuusDir, "%s not a directory", name)
		}
		return name, err
	}
	return "", ErrNoJuusDir
}

// NearestFile returns the path of file name in the nearest ".juus" directory.
// The file itself need not exist.
func NearestFile(name string) (string, error) {
	dir, err := NearestDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
