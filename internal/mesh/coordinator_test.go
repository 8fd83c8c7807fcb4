package mesh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/crdt"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/nmxmxh/orgmesh/internal/network"
	"github.com/nmxmxh/orgmesh/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeTransport is a Transport and StateFetcher driven by the test
type fakeTransport struct {
	id     string
	events chan gossip.Update
	state  []byte

	mu        sync.Mutex
	published [][]byte
	fetches   atomic.Int32
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, events: make(chan gossip.Update, 16)}
}

func (f *fakeTransport) Publish(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeTransport) Published() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published...)
}

func (f *fakeTransport) Dial(ma.Multiaddr) error      { return nil }
func (f *fakeTransport) AddPeer(string) error         { return nil }
func (f *fakeTransport) ID() string                   { return f.id }
func (f *fakeTransport) ListenAddrs() []ma.Multiaddr  { return nil }
func (f *fakeTransport) Events() <-chan gossip.Update { return f.events }
func (f *fakeTransport) Close() error                 { return nil }

func (f *fakeTransport) FetchState(ctx context.Context, peerID string) ([]byte, error) {
	f.fetches.Add(1)
	return f.state, nil
}

type countingAuthority struct {
	calls atomic.Int32
	err   error
}

func (a *countingAuthority) ReportHealth(ctx context.Context, nodeID string) error {
	a.calls.Add(1)
	return a.err
}

func waitFor(t *testing.T, ch <-chan gossip.Update, match func(gossip.Update) bool) gossip.Update {
	t.Helper()
	deadline := time.After(testTimeout)
	var seen []gossip.Update
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("update stream closed; seen %v", seen)
			}
			seen = append(seen, u)
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out; seen %v", seen)
			return nil
		}
	}
}

func slowConfig() Config {
	cfg := DefaultConfig()
	cfg.BroadcastInterval = time.Hour
	cfg.HealthInterval = time.Hour
	return cfg
}

func TestCoordinator_InProcessMerge(t *testing.T) {
	ctx := context.Background()

	stateA := crdt.NewStateManager("node-a")
	nodeA, updatesA := gossip.NewLocalNode("node-a")
	coordA, err := NewCoordinator("node-a", stateA, WithGossipNode(nodeA, updatesA))
	require.NoError(t, err)

	stateB := crdt.NewStateManager("node-b")
	nodeB, updatesB := gossip.NewLocalNode("node-b")
	coordB, err := NewCoordinator("node-b", stateB, WithGossipNode(nodeB, updatesB))
	require.NoError(t, err)

	require.NoError(t, stateA.UpdateOrg(ctx, "org-1", crdt.FieldName, "Acme"))

	msgA, err := coordA.BroadcastOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, gossip.GlobalEntity, msgA.EntityID)
	assert.Equal(t, "node-a", msgA.PeerID)

	self := <-coordA.Updates()
	assert.Equal(t, gossip.HashReceived{PeerID: "node-a", EntityID: gossip.GlobalEntity, Hash: msgA.StateHash}, self)

	msgB, err := coordB.BroadcastOnce(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, msgA.StateHash, msgB.StateHash)

	assert.True(t, nodeB.HandleMessage(msgA))
	mismatch := waitFor(t, coordB.Updates(), func(u gossip.Update) bool {
		_, ok := u.(gossip.MismatchDetected)
		return ok
	})
	assert.Equal(t, gossip.MismatchDetected{
		EntityID:  gossip.GlobalEntity,
		LocalHash: msgB.StateHash,
		PeerHash:  msgA.StateHash,
		PeerID:    "node-a",
	}, mismatch)

	// the hash carries no data; B pulls A's export
	payload, err := stateA.GenerateSyncMessage("node-b")
	require.NoError(t, err)
	require.NoError(t, coordB.SyncFrom(ctx, "node-a", payload))

	org, err := stateB.GetOrg("org-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.Name)

	converged, err := coordB.BroadcastOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, msgA.StateHash, converged.StateHash)
}

func TestCoordinator_NoBackend(t *testing.T) {
	coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"))
	require.NoError(t, err)

	_, err = coord.BroadcastOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoBackend))

	err = coord.Start(context.Background())
	assert.True(t, errors.Is(err, core.ErrNoBackend))
	assert.Nil(t, coord.Updates())

	// Stop on a never-started coordinator is a no-op
	coord.Stop()
}

func TestNewCoordinator_BothBackends(t *testing.T) {
	node, updates := gossip.NewLocalNode("node-a")
	_, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
		WithGossipNode(node, updates),
		WithTransport(newFakeTransport("node-a")),
	)
	assert.Error(t, err)
}

func TestCoordinator_ConfigDefaults(t *testing.T) {
	node, updates := gossip.NewLocalNode("node-a")
	coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
		WithGossipNode(node, updates),
		WithConfig(Config{}),
	)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), coord.config)
}

func TestCoordinator_TransportBroadcast(t *testing.T) {
	ctx := context.Background()
	metrics := telemetry.NewMetrics(nil)
	tr := newFakeTransport("peer-self")

	state := crdt.NewStateManager("peer-self")
	require.NoError(t, state.UpdateOrg(ctx, "org-1", crdt.FieldMemberCount, 3))

	coord, err := NewCoordinator("peer-self", state, WithTransport(tr), WithMetrics(metrics))
	require.NoError(t, err)
	require.NotNil(t, coord.Node())

	msg, err := coord.BroadcastOnce(ctx)
	require.NoError(t, err)

	published := tr.Published()
	require.Len(t, published, 1)
	decoded, err := gossip.UnmarshalMessage(published[0])
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
	assert.Equal(t, "peer-self", decoded.PeerID)

	export, err := state.ExportState()
	require.NoError(t, err)
	assert.Equal(t, gossip.HashState(export), decoded.StateHash)

	local, ok := coord.Node().LocalHash(gossip.GlobalEntity)
	require.True(t, ok)
	assert.Equal(t, decoded.StateHash, local)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Broadcasts.WithLabelValues("transport", "ok")))
}

func TestCoordinator_TransportMismatchAndReconcile(t *testing.T) {
	ctx := context.Background()

	peerState := crdt.NewStateManager("peer-b")
	require.NoError(t, peerState.UpdateOrg(ctx, "org-1", crdt.FieldName, "Acme"))
	require.NoError(t, peerState.UpdateOrg(ctx, "org-1", crdt.FieldMemberCount, 5))
	peerExport, err := peerState.ExportState()
	require.NoError(t, err)

	tr := newFakeTransport("peer-a")
	tr.state = peerExport

	cfg := slowConfig()
	cfg.AutoReconcile = true
	state := crdt.NewStateManager("peer-a")
	coord, err := NewCoordinator("peer-a", state, WithTransport(tr), WithConfig(cfg))
	require.NoError(t, err)

	require.NoError(t, coord.Start(ctx))

	tr.events <- gossip.PeerConnected{PeerID: "peer-b"}
	tr.events <- gossip.HashReceived{PeerID: "peer-b", EntityID: gossip.GlobalEntity, Hash: gossip.HashState(peerExport)}

	connected := waitFor(t, coord.Updates(), func(u gossip.Update) bool {
		_, ok := u.(gossip.PeerConnected)
		return ok
	})
	assert.Equal(t, gossip.PeerConnected{PeerID: "peer-b"}, connected)

	mismatch := waitFor(t, coord.Updates(), func(u gossip.Update) bool {
		_, ok := u.(gossip.MismatchDetected)
		return ok
	}).(gossip.MismatchDetected)
	assert.Equal(t, "peer-b", mismatch.PeerID)
	assert.Equal(t, gossip.HashState([]byte("{}")), mismatch.LocalHash)

	require.Eventually(t, func() bool {
		org, err := state.GetOrg("org-1")
		return err == nil && org.Name == "Acme" && org.MemberCount == 5
	}, testTimeout, 10*time.Millisecond)
	assert.GreaterOrEqual(t, tr.fetches.Load(), int32(1))

	coord.Stop()
	for range coord.Updates() {
	}
	// second stop is a no-op
	coord.Stop()
}

func TestCoordinator_MatchingHashNoMismatch(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport("peer-a")
	state := crdt.NewStateManager("peer-a")
	coord, err := NewCoordinator("peer-a", state, WithTransport(tr), WithConfig(slowConfig()))
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop()

	export, err := state.ExportState()
	require.NoError(t, err)
	tr.events <- gossip.HashReceived{PeerID: "peer-b", EntityID: gossip.GlobalEntity, Hash: gossip.HashState(export)}
	tr.events <- gossip.PeerDisconnected{PeerID: "peer-b"}

	var seen []gossip.Update
	waitFor(t, coord.Updates(), func(u gossip.Update) bool {
		seen = append(seen, u)
		_, ok := u.(gossip.PeerDisconnected)
		return ok
	})
	for _, u := range seen {
		_, isMismatch := u.(gossip.MismatchDetected)
		assert.False(t, isMismatch)
	}
}

func TestCoordinator_StubTransport(t *testing.T) {
	ctx := context.Background()
	broker := network.NewBroker(nil)

	newStub := func(id string) *network.StubTransport {
		cfg := network.DefaultStubConfig()
		cfg.Discovery = broker
		tr, err := network.NewStubTransport(id, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
		return tr
	}
	trA := newStub("node-a")
	trB := newStub("node-b")
	require.Eventually(t, func() bool {
		return len(trA.ConnectedPeers()) > 0 && len(trB.ConnectedPeers()) > 0
	}, testTimeout, 10*time.Millisecond)

	stateA := crdt.NewStateManager("node-a")
	require.NoError(t, stateA.UpdateOrg(ctx, "org-1", crdt.FieldName, "Acme"))
	coordA, err := NewCoordinator("node-a", stateA, WithTransport(trA), WithConfig(slowConfig()))
	require.NoError(t, err)

	cfgB := slowConfig()
	cfgB.BroadcastInterval = 20 * time.Millisecond
	coordB, err := NewCoordinator("node-b", crdt.NewStateManager("node-b"), WithTransport(trB), WithConfig(cfgB))
	require.NoError(t, err)

	require.NoError(t, coordA.Start(ctx))
	defer coordA.Stop()
	require.NoError(t, coordB.Start(ctx))
	defer coordB.Stop()

	mismatch := waitFor(t, coordA.Updates(), func(u gossip.Update) bool {
		_, ok := u.(gossip.MismatchDetected)
		return ok
	}).(gossip.MismatchDetected)
	assert.Equal(t, "node-b", mismatch.PeerID)
	assert.Equal(t, gossip.HashState([]byte("{}")), mismatch.PeerHash)
}

func TestCoordinator_HealthLoop(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"healthy master", nil},
		{"failing master", errors.New("unreachable")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			authority := &countingAuthority{err: tc.err}
			metrics := telemetry.NewMetrics(nil)

			cfg := slowConfig()
			cfg.HealthInterval = 20 * time.Millisecond
			node, updates := gossip.NewLocalNode("node-a")
			coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
				WithGossipNode(node, updates),
				WithAuthority(authority),
				WithConfig(cfg),
				WithMetrics(metrics),
			)
			require.NoError(t, err)

			require.NoError(t, coord.Start(context.Background()))
			require.Eventually(t, func() bool {
				return authority.calls.Load() >= 3
			}, testTimeout, 10*time.Millisecond)
			coord.Stop()

			label := "ok"
			if tc.err != nil {
				label = "error"
			}
			assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.HealthReports.WithLabelValues(label)), 3.0)
		})
	}
}

func TestCoordinator_PruneLoop(t *testing.T) {
	cfg := slowConfig()
	cfg.PeerHashTTL = 40 * time.Millisecond

	node, updates := gossip.NewLocalNode("node-a")
	coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
		WithGossipNode(node, updates),
		WithConfig(cfg),
	)
	require.NoError(t, err)

	node.HandleMessage(gossip.HashGossipMessage{EntityID: gossip.GlobalEntity, StateHash: "aa", PeerID: "peer-x"})
	require.Equal(t, []string{"peer-x"}, node.Peers())

	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop()

	require.Eventually(t, func() bool {
		return len(node.Peers()) == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestCoordinator_PruneLoopTinyTTL(t *testing.T) {
	cfg := slowConfig()
	cfg.PeerHashTTL = time.Nanosecond

	node, updates := gossip.NewLocalNode("node-a")
	coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
		WithGossipNode(node, updates),
		WithConfig(cfg),
	)
	require.NoError(t, err)

	node.HandleMessage(gossip.HashGossipMessage{EntityID: gossip.GlobalEntity, StateHash: "aa", PeerID: "peer-x"})

	require.NotPanics(t, func() {
		require.NoError(t, coord.Start(context.Background()))
	})
	defer coord.Stop()

	require.Eventually(t, func() bool {
		return len(node.Peers()) == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestCoordinator_StartAfterStop(t *testing.T) {
	testCases := []struct {
		name string
		opt  func() Option
	}{
		{"in-process node", func() Option {
			node, updates := gossip.NewLocalNode("node-a")
			return WithGossipNode(node, updates)
		}},
		{"transport", func() Option {
			return WithTransport(newFakeTransport("node-a"))
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
				tc.opt(),
				WithConfig(slowConfig()),
			)
			require.NoError(t, err)

			require.NoError(t, coord.Start(context.Background()))
			coord.Stop()

			err = coord.Start(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrClosedResource))
		})
	}
}

func TestCoordinator_PeriodicBroadcast(t *testing.T) {
	cfg := slowConfig()
	cfg.BroadcastInterval = 10 * time.Millisecond

	node, updates := gossip.NewLocalNode("node-a")
	coord, err := NewCoordinator("node-a", crdt.NewStateManager("node-a"),
		WithGossipNode(node, updates),
		WithConfig(cfg),
	)
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	// starting twice is a no-op
	require.NoError(t, coord.Start(context.Background()))

	for i := 0; i < 3; i++ {
		u := waitFor(t, coord.Updates(), func(gossip.Update) bool { return true })
		assert.Equal(t, "node-a", u.(gossip.HashReceived).PeerID)
	}
	coord.Stop()
}
