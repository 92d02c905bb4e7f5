package xorhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashFile returns the hex-encoded digest and size of the named file.
func HashFile(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("xorhash: opening %s: %w", path, err)
	}
	defer f.Close()

	h := New()

	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("xorhash: reading %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashPrefix returns the hex-encoded digest of the first n bytes of the
// named file, alongside the file's total size. Used to verify that the
// bytes already accepted by a resumable upload still match the local file
// before resuming — if the file changed under the prefix, the digest will
// differ and the caller should discard the partial upload and start over.
func HashPrefix(path string, n int64) (prefixSum string, totalSize int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("xorhash: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("xorhash: stat %s: %w", path, err)
	}

	h := New()

	if _, err := io.CopyN(h, f, n); err != nil && err != io.EOF {
		return "", 0, fmt.Errorf("xorhash: reading prefix of %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}
