package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nmxmxh/orgmesh/internal/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ crdt.Snapshotter = (*SQLite)(nil)

func newTestSQLite(t *testing.T, actor string, opts ...SQLiteOption) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := NewSQLite(path, actor, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLite_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t, "node-a")

	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.Save(ctx, []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, []byte(`{"v":2}`)))

	data, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestSQLite_Retain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t, "node-a", WithRetain(3))

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Save(ctx, []byte(fmt.Sprintf(`{"v":%d}`, i))))
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"v":6}`, string(data))
}

func TestSQLite_ActorScoped(t *testing.T) {
	ctx := context.Background()
	a, path := newTestSQLite(t, "node-a")
	require.NoError(t, a.Save(ctx, []byte(`{"from":"a"}`)))

	b, err := NewSQLite(path, "node-b")
	require.NoError(t, err)
	defer b.Close()

	data, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	// reopening runs migrations idempotently
	again, err := NewSQLite(path, "node-a")
	require.NoError(t, err)
	defer again.Close()
	data, err = again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"from":"a"}`, string(data))
}

func TestSQLite_InvalidPath(t *testing.T) {
	testCases := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"query", "/tmp/x.db?mode=ro"},
		{"fragment", "/tmp/x.db#frag"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSQLite(tc.path, "node-a")
			assert.Error(t, err)
		})
	}
}
