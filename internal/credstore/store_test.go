package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSavePurge(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	m, err := s.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, m.Fresh())
	assert.Equal(t, filepath.Join(root, "auth_s1"), m.Dir)
	assert.DirExists(t, m.Dir)
	assert.False(t, s.Exists("s1"))

	require.NoError(t, s.Save("s1", []byte(`{"me":"123@s.whatsapp.net"}`)))
	assert.True(t, s.Exists("s1"))

	m, err = s.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, m.Fresh())
	assert.JSONEq(t, `{"me":"123@s.whatsapp.net"}`, string(m.Blob))

	// adapter-owned files are removed too
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir, "store.db"), []byte("x"), 0o600))
	require.NoError(t, s.Purge("s1"))
	assert.NoDirExists(t, m.Dir)

	require.NoError(t, s.Purge("s1"), "purging twice is fine")
}
