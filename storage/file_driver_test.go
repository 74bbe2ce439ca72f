package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halvorsen/wbf/storage"
)

func TestFileDriverSaveLoadRoundTrip(t *testing.T) {
	d, err := storage.NewFileDriver(storage.Config{Path: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("hello, bloom filter blob")
	require.NoError(t, d.Save(ctx, "events", bytes.NewReader(payload)))

	rc, err := d.Load(ctx, "events")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFileDriverLoadMissingReturnsNotFound(t *testing.T) {
	d, err := storage.NewFileDriver(storage.Config{Path: t.TempDir()})
	require.NoError(t, err)

	_, err = d.Load(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestFileDriverCompressionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := storage.NewFileDriver(storage.Config{Path: dir, EnableCompression: true})
	require.NoError(t, err)

	ctx := context.Background()
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	require.NoError(t, d.Save(ctx, "big", bytes.NewReader(payload)))

	rc, err := d.Load(ctx, "big")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	raw, err := os.ReadFile(filepath.Join(dir, "big.wbf"))
	require.NoError(t, err)
	require.Less(t, len(raw), len(payload))
}

func TestFileDriverSaveOverwritesAtomically(t *testing.T) {
	d, err := storage.NewFileDriver(storage.Config{Path: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Save(ctx, "k", bytes.NewReader([]byte("first"))))
	require.NoError(t, d.Save(ctx, "k", bytes.NewReader([]byte("second-value"))))

	rc, err := d.Load(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second-value", string(got))
}

func TestFileDriverDeleteIsIdempotent(t *testing.T) {
	d, err := storage.NewFileDriver(storage.Config{Path: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Save(ctx, "k", bytes.NewReader([]byte("v"))))
	require.NoError(t, d.Delete(ctx, "k"))
	require.NoError(t, d.Delete(ctx, "k"))

	_, err = d.Load(ctx, "k")
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestFileDriverIgnoreErrorsLoadOfMissingBlobIsStillNotFound(t *testing.T) {
	// IgnoreErrors only governs Save/Delete failures; Load's ErrNotFound
	// is the normal empty-filter case and must never be swallowed
	// regardless of this flag.
	d, err := storage.NewFileDriver(storage.Config{Path: t.TempDir(), IgnoreErrors: true})
	require.NoError(t, err)

	_, err = d.Load(context.Background(), "nope")
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestFileDriverConcurrentSavesAreSerialized(t *testing.T) {
	d, err := storage.NewFileDriver(storage.Config{Path: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		go func() {
			done <- d.Save(ctx, "shared", bytes.NewReader(bytes.Repeat([]byte{byte('a' + i)}, 64)))
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	rc, err := d.Load(ctx, "shared")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Len(t, got, 64)
}
