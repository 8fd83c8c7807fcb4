package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPair(t *testing.T, provider StateProvider) (*Libp2pTransport, *Libp2pTransport) {
	t.Helper()
	ctx := context.Background()

	mn := mocknet.New()
	t.Cleanup(func() { mn.Close() })

	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)

	cfg1 := DefaultLibp2pConfig()
	cfg1.Host = h1
	cfg1.EnableDHT = false
	cfg1.StateProvider = provider
	t1, err := NewLibp2pTransport(ctx, cfg1)
	require.NoError(t, err)
	t.Cleanup(func() { t1.Close() })

	cfg2 := DefaultLibp2pConfig()
	cfg2.Host = h2
	cfg2.EnableDHT = false
	t2, err := NewLibp2pTransport(ctx, cfg2)
	require.NoError(t, err)
	t.Cleanup(func() { t2.Close() })

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	return t1, t2
}

func TestLibp2p_PublishAndReceive(t *testing.T) {
	t1, t2 := newMockPair(t, nil)

	msg := gossip.HashGossipMessage{EntityID: gossip.GlobalEntity, StateHash: "deadbeef", Timestamp: time.Now().Unix(), PeerID: "node2"}
	payload, err := msg.Marshal()
	require.NoError(t, err)

	var got gossip.HashReceived
	require.Eventually(t, func() bool {
		if err := t2.Publish(payload); err != nil {
			return false
		}
		for {
			select {
			case u := <-t1.Events():
				if h, ok := u.(gossip.HashReceived); ok {
					got = h
					return true
				}
			case <-time.After(50 * time.Millisecond):
				return false
			}
		}
	}, 10*time.Second, 100*time.Millisecond)

	// the libp2p source peer identifies the sender, not the claimed id
	assert.Equal(t, t2.ID(), got.PeerID)
	assert.Equal(t, gossip.GlobalEntity, got.EntityID)
	assert.Equal(t, "deadbeef", got.Hash)
}

func TestLibp2p_FetchState(t *testing.T) {
	state := []byte(`{"org-1":{"id":"org-1","name":"Acme","member_count":3}}`)
	t1, t2 := newMockPair(t, func() ([]byte, error) { return state, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := t2.FetchState(ctx, t1.ID())
	require.NoError(t, err)
	assert.Equal(t, state, data)

	// t2 has no provider installed
	_, err = t1.FetchState(ctx, t2.ID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	t2.SetStateProvider(func() ([]byte, error) { return []byte("{}"), nil })
	data, err = t1.FetchState(ctx, t2.ID())
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestLibp2p_DialValidation(t *testing.T) {
	t1, _ := newMockPair(t, nil)

	testCases := []struct {
		name string
		addr string
	}{
		{"port zero", "/ip4/127.0.0.1/tcp/0"},
		{"missing peer id", "/ip4/127.0.0.1/tcp/4001"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := t1.Dial(mustAddr(t, tc.addr))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidAddr))
		})
	}

	err := t1.AddPeer("not-a-peer-id")
	assert.True(t, errors.Is(err, core.ErrInvalidAddr))

	// adding self is a no-op
	assert.NoError(t, t1.AddPeer(t1.ID()))
}

func TestLibp2p_Close(t *testing.T) {
	t1, _ := newMockPair(t, nil)

	require.NoError(t, t1.Close())
	require.NoError(t, t1.Close())

	err := t1.Publish([]byte("x"))
	assert.True(t, errors.Is(err, core.ErrClosedResource))

	for range t1.Events() {
	}
}

func TestLibp2p_MDNSPeerFound(t *testing.T) {
	mn := mocknet.New()
	t.Cleanup(func() { mn.Close() })

	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)
	h3, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	cfg := DefaultLibp2pConfig()
	cfg.Host = h1
	cfg.EnableDHT = false
	tr, err := NewLibp2pTransport(context.Background(), cfg)
	require.NoError(t, err)
	notifee := &mdnsNotifee{t: tr}

	notifee.HandlePeerFound(peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()})
	require.Eventually(t, func() bool {
		return len(h1.Network().ConnsToPeer(h2.ID())) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())

	// announcements after close never dial, even though the host is still up
	assert.NotPanics(t, func() {
		notifee.HandlePeerFound(peer.AddrInfo{ID: h3.ID(), Addrs: h3.Addrs()})
	})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h1.Network().ConnsToPeer(h3.ID()))
}
