package vector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeqa/internal/apperr"
)

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	ix := NewIndex("talks", MetricCosine)
	require.NoError(t, ix.Add(context.Background(), chunk("v1", 0, "hello", 1, 0)))
	require.NoError(t, store.Save(ix))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"talks"}, ids)

	loaded, err := store.Open("talks")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())

	_, err = store.Open("missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+snapshotSuffix), []byte("garbage"), 0o600))
	_, err = store.Open("broken")
	assert.ErrorIs(t, err, apperr.ErrIndexCorruption)
}
