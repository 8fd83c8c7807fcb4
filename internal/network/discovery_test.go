package network

import (
	"errors"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return addr
}

func TestBroker_ReplaysHistory(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.Announce("node-1", mustAddr(t, "/ip4/127.0.0.1/tcp/4001")))
	require.NoError(t, b.Announce("node-2", mustAddr(t, "/ip4/127.0.0.1/tcp/4002")))

	ch, cancel := b.Subscribe()
	defer cancel()

	assert.Equal(t, "node-1|/ip4/127.0.0.1/tcp/4001", <-ch)
	assert.Equal(t, "node-2|/ip4/127.0.0.1/tcp/4002", <-ch)

	require.NoError(t, b.Announce("node-3", mustAddr(t, "/ip4/127.0.0.1/tcp/4003")))
	assert.Equal(t, "node-3|/ip4/127.0.0.1/tcp/4003", <-ch)
}

func TestBroker_RejectsPortZero(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	err := b.Announce("node-1", mustAddr(t, "/ip4/127.0.0.1/tcp/0"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidAddr))
	assert.Empty(t, b.Announcements())

	select {
	case ann := <-ch:
		t.Fatalf("unexpected announcement %q", ann)
	default:
	}
}

func TestBroker_DeduplicatesHistory(t *testing.T) {
	b := NewBroker(nil)
	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/4001")

	require.NoError(t, b.Announce("node-1", addr))
	require.NoError(t, b.Announce("node-1", addr))

	assert.Len(t, b.Announcements(), 1)
}

func TestBroker_Cancel(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)

	// announcing after cancel must not panic on the closed channel
	assert.NoError(t, b.Announce("node-1", mustAddr(t, "/ip4/127.0.0.1/tcp/4001")))
}
