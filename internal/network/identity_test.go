package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentity_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_identity.json")

	priv1, pid1, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	require.NotNil(t, priv1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	priv2, pid2, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, pid1, pid2)
	assert.True(t, priv1.Equals(priv2))
}

func TestLoadOrCreateIdentity_Ephemeral(t *testing.T) {
	_, a, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	_, b, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLoadOrCreateIdentity_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, _, err := LoadOrCreateIdentity(path)
	assert.Error(t, err)
}
