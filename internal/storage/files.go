package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

// digest returns the hex SHA-256 of data.
func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fileDigest hashes an existing file. A missing file yields "" and no error.
func fileDigest(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeFileAtomic persists data at path unless the file already holds the
// same bytes. It reports whether the existing file was left untouched.
func writeFileAtomic(path string, data []byte) (unchanged bool, err error) {
	if info, statErr := os.Stat(path); statErr == nil && info.Mode().IsRegular() && info.Size() == int64(len(data)) {
		existing, err := os.ReadFile(path)
		if err == nil && bytes.Equal(existing, data) {
			return true, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("%w: create directory %s: %v", types.ErrIO, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".mirrorurl-*.tmp")
	if err != nil {
		return false, fmt.Errorf("%w: create temp file in %s: %v", types.ErrIO, dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("%w: write %s: %v", types.ErrIO, path, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("%w: chmod %s: %v", types.ErrIO, path, err)
	}
	if err = tmp.Close(); err != nil {
		return false, fmt.Errorf("%w: close %s: %v", types.ErrIO, path, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return false, fmt.Errorf("%w: rename into %s: %v", types.ErrIO, path, err)
	}
	return false, nil
}
