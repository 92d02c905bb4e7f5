package xorhash

import (
	"bytes"
	"hash"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteIncremental(t *testing.T) {
	full := bytes.Repeat([]byte{0xAB}, 5000)

	oneShot := New()
	_, err := oneShot.Write(full)
	require.NoError(t, err)

	chunked := New()
	for i := 0; i < len(full); i += 333 {
		end := min(i+333, len(full))
		_, err := chunked.Write(full[i:end])
		require.NoError(t, err)
	}

	assert.Equal(t, oneShot.Sum(nil), chunked.Sum(nil))
}

func TestSumNonDestructive(t *testing.T) {
	h := New()
	_, err := h.Write([]byte("partial"))
	require.NoError(t, err)

	first := h.Sum(nil)
	second := h.Sum(nil)
	assert.Equal(t, first, second)

	_, err = h.Write([]byte("more"))
	require.NoError(t, err)
	assert.NotEqual(t, first, h.Sum(nil))
}

func TestResetClearsState(t *testing.T) {
	h := New()
	_, err := h.Write([]byte("some data"))
	require.NoError(t, err)

	h.Reset()
	fresh := New()
	assert.Equal(t, fresh.Sum(nil), h.Sum(nil))
}

func TestInterfaceSatisfied(t *testing.T) {
	var _ hash.Hash = New()
}

func TestHashFileAndPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	content := bytes.Repeat([]byte{0x42}, 10_000)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	fullSum, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	prefixSum, totalSize, err := HashPrefix(path, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), totalSize)
	assert.Equal(t, fullSum, prefixSum)

	shortSum, totalSize2, err := HashPrefix(path, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), totalSize2)
	assert.NotEqual(t, fullSum, shortSum)
}

func TestHashPrefixChangedUnderneath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x01}, 1000), 0o600))

	before, _, err := HashPrefix(path, 500)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x02}, 1000), 0o600))

	after, _, err := HashPrefix(path, 500)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}
