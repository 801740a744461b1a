package envmanager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envcache.db")

	s, err := openStore(path)
	require.NoError(t, err)
	e := &entry{TemplateName: "py", FsRoot: "/var/sandrun/py/build-1", Ready: true, BuiltAt: time.Now(), LastUsed: time.Now(), UseCount: 3}
	require.NoError(t, s.publish(e))
	require.NoError(t, s.Close())

	reopened, err := openStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, ok := reopened.get("py")
	require.True(t, ok)
	require.Equal(t, "/var/sandrun/py/build-1", got.FsRoot)
	require.EqualValues(t, 3, got.UseCount)
}

func TestStoreRemoveDropsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envcache.db")
	s, err := openStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.publish(&entry{TemplateName: "py", Ready: true}))
	s.remove("py")

	_, ok := s.get("py")
	require.False(t, ok)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	s, err := openStore("")
	require.NoError(t, err)
	require.NoError(t, s.publish(&entry{TemplateName: "py"}))
	_, ok := s.get("py")
	require.True(t, ok, "in-memory lookup works even when persistence is disabled")
	require.NoError(t, s.Close())
}
