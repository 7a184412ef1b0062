package nameservice

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.local.json")
	r, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, r.All())
}

func TestPutThenReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.local.json")
	r, err := Open(path)
	require.NoError(t, err)

	id := uuid.New()
	entry := Entry{ID: id, Name: "edge-01", Type: KindProxy, Address: "tcp://10.0.0.1:443"}
	require.NoError(t, r.Put(entry))

	r2, err := Open(path)
	require.NoError(t, err)
	got, ok := r2.ByID(id)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.local.json")
	r, err := Open(path)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, r.Put(Entry{ID: id, Name: "edge-01", Type: KindProxy}))

	got, ok := r.ByName("edge-01")
	require.True(t, ok)
	assert.Equal(t, id, got.ID)

	_, ok = r.ByName("nonexistent")
	assert.False(t, ok)
}

func TestRemoveMissingIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.local.json")
	r, err := Open(path)
	require.NoError(t, err)

	err = r.Remove(uuid.New())
	assert.Error(t, err)
}

func TestRemoveThenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.local.json")
	r, err := Open(path)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, r.Put(Entry{ID: id, Name: "edge-01"}))
	require.NoError(t, r.Remove(id))

	r2, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, r2.All())
}

func TestOpenStoreInstallUninstall(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)

	id, err := store.Install("edge-01", "HostName=hub.example;SharedAccessKey=abc")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	_, ok := store.Local.ByID(id)
	assert.True(t, ok)
	_, ok = store.Hub.ByID(id)
	assert.True(t, ok)

	require.NoError(t, store.Uninstall("edge-01", "HostName=hub.example;SharedAccessKey=abc"))
	assert.Empty(t, store.Local.All())
	assert.Empty(t, store.Hub.All())
}

func TestOpenStoreUninstallUnknownIsNoop(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Uninstall("nobody", "cs"))
}
