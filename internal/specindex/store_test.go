package specindex

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "store.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStorePutGet(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(ProductsKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ProductsKey, []byte(`["workers"]`)))

	data, err := s.Get(ProductsKey)
	require.NoError(t, err)
	assert.JSONEq(t, `["workers"]`, string(data))
}

func TestStoreSpecMissingNamesIngestJob(t *testing.T) {
	s := testStore(t)

	_, err := s.Spec()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest")
}

func TestStorePutSpecRefreshesSnapshot(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(SpecKey, []byte(`{"openapi":"3.0.0","paths":{}}`)))

	spec, err := s.Spec()
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", spec["openapi"])
}

func TestStorePutSpecRejectsMalformedJSON(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(SpecKey, []byte(`{"openapi":"3.0.0"}`)))
	require.Error(t, s.Put(SpecKey, []byte(`{not json`)))

	// The previous snapshot stays live.
	spec, err := s.Spec()
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", spec["openapi"])
}

func TestStoreSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, s.Put(SpecKey, []byte(`{"openapi":"3.1.0"}`)))
	require.NoError(t, s.Close())

	s, err = Open(path, logger)
	require.NoError(t, err)
	defer s.Close()

	spec, err := s.Spec()
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", spec["openapi"])
}

func TestStoreIngestDir(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, SpecKey), []byte(`{"openapi":"3.0.0"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("ignored"), 0o600))

	require.NoError(t, s.IngestDir(dir))

	_, err := s.Spec()
	assert.NoError(t, err)

	_, err = s.Get("unrelated.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreWatchIngestsDrop(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx, dir)
	}()

	// Give the watcher a moment to register before dropping the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SpecKey), []byte(`{"openapi":"3.0.0"}`), 0o600))

	assert.Eventually(t, func() bool {
		_, err := s.Spec()
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
