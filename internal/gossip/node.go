package gossip

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/orgmesh/internal/telemetry"
)

const defaultEventBuffer = 1024

// Node tracks the hashes this peer broadcast and the hashes it heard,
// and turns incoming messages into Updates.
type Node struct {
	peerID      string
	selfDeliver bool

	// Last hash this node computed per entity
	localHashes map[string]string
	localMu     sync.RWMutex

	// peer -> entity -> last heard hash
	peerHashes map[string]map[string]peerHash
	peerMu     sync.RWMutex

	// Event stream; sends never block
	events  chan Update
	closed  bool
	closeMu sync.RWMutex

	now     func() time.Time
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

type peerHash struct {
	hash     string
	lastSeen time.Time
}

type nodeOptions struct {
	selfDeliver bool
	bufferSize  int
	now         func() time.Time
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// Option configures a Node
type Option func(*nodeOptions)

// WithSelfDelivery controls whether Broadcast feeds the message back
// through HandleMessage.
func WithSelfDelivery(enabled bool) Option {
	return func(o *nodeOptions) { o.selfDeliver = enabled }
}

// WithBufferSize sets the event channel capacity
func WithBufferSize(n int) Option {
	return func(o *nodeOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *nodeOptions) { o.now = now }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *nodeOptions) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *nodeOptions) { o.logger = logger }
}

// NewLocalNode creates an in-process node that delivers its own broadcasts.
func NewLocalNode(peerID string, opts ...Option) (*Node, <-chan Update) {
	return NewNode(peerID, append([]Option{WithSelfDelivery(true)}, opts...)...)
}

// NewNode creates a node. Self-delivery is off unless requested, which is
// what a transport-backed coordinator wants.
func NewNode(peerID string, opts ...Option) (*Node, <-chan Update) {
	o := nodeOptions{
		bufferSize: defaultEventBuffer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	n := &Node{
		peerID:      peerID,
		selfDeliver: o.selfDeliver,
		localHashes: make(map[string]string),
		peerHashes:  make(map[string]map[string]peerHash),
		events:      make(chan Update, o.bufferSize),
		now:         o.now,
		metrics:     o.metrics,
		logger:      o.logger.With("component", "gossip", "peer_id", peerID),
	}
	return n, n.events
}

// PeerID returns this node's identifier
func (n *Node) PeerID() string {
	return n.peerID
}

// Broadcast hashes state, records it as the local hash for entityID and
// returns the message to send. With self-delivery the message is also
// handled locally.
func (n *Node) Broadcast(entityID string, state []byte) HashGossipMessage {
	hash := HashState(state)
	n.RecordLocal(entityID, hash)

	msg := HashGossipMessage{
		EntityID:  entityID,
		StateHash: hash,
		Timestamp: n.now().Unix(),
		PeerID:    n.peerID,
	}

	if n.selfDeliver {
		n.HandleMessage(msg)
	}
	return msg
}

// RecordLocal sets this node's hash for entityID.
func (n *Node) RecordLocal(entityID, hash string) {
	n.localMu.Lock()
	n.localHashes[entityID] = hash
	n.localMu.Unlock()
}

// LocalHash returns this node's last hash for entityID.
func (n *Node) LocalHash(entityID string) (string, bool) {
	n.localMu.RLock()
	defer n.localMu.RUnlock()
	h, ok := n.localHashes[entityID]
	return h, ok
}

// HandleMessage records the peer's hash (last write wins, no ordering
// check), emits HashReceived and, when a differing local hash exists,
// MismatchDetected. It reports whether a mismatch was found.
func (n *Node) HandleMessage(msg HashGossipMessage) bool {
	n.peerMu.Lock()
	entities, ok := n.peerHashes[msg.PeerID]
	if !ok {
		entities = make(map[string]peerHash)
		n.peerHashes[msg.PeerID] = entities
	}
	entities[msg.EntityID] = peerHash{hash: msg.StateHash, lastSeen: n.now()}
	n.peerMu.Unlock()

	n.metrics.HashReceived(msg.PeerID == n.peerID)
	n.emit(HashReceived{PeerID: msg.PeerID, EntityID: msg.EntityID, Hash: msg.StateHash})

	local, ok := n.LocalHash(msg.EntityID)
	if !ok || local == msg.StateHash {
		return false
	}

	n.metrics.Mismatch()
	n.logger.Debug("hash mismatch",
		"entity_id", msg.EntityID,
		"from", msg.PeerID,
		"local_hash", local,
		"peer_hash", msg.StateHash,
	)
	n.emit(MismatchDetected{
		EntityID:  msg.EntityID,
		LocalHash: local,
		PeerHash:  msg.StateHash,
		PeerID:    msg.PeerID,
	})
	return true
}

// PeerHash returns the last hash heard from peerID for entityID.
func (n *Node) PeerHash(peerID, entityID string) (string, bool) {
	n.peerMu.RLock()
	defer n.peerMu.RUnlock()
	h, ok := n.peerHashes[peerID][entityID]
	return h.hash, ok
}

// Peers returns the IDs of every peer a hash was heard from, sorted.
func (n *Node) Peers() []string {
	n.peerMu.RLock()
	peers := make([]string, 0, len(n.peerHashes))
	for id := range n.peerHashes {
		peers = append(peers, id)
	}
	n.peerMu.RUnlock()

	sort.Strings(peers)
	return peers
}

// PruneStale drops peer hashes not refreshed within maxAge and returns
// how many entries were removed.
func (n *Node) PruneStale(maxAge time.Duration) int {
	cutoff := n.now().Add(-maxAge)
	removed := 0

	n.peerMu.Lock()
	for peerID, entities := range n.peerHashes {
		for entityID, h := range entities {
			if h.lastSeen.Before(cutoff) {
				delete(entities, entityID)
				removed++
			}
		}
		if len(entities) == 0 {
			delete(n.peerHashes, peerID)
		}
	}
	n.peerMu.Unlock()

	if removed > 0 {
		n.logger.Debug("pruned stale peer hashes", "removed", removed)
	}
	return removed
}

// Notify forwards a transport-level event onto the node's stream.
func (n *Node) Notify(u Update) bool {
	return n.emit(u)
}

// Close stops event delivery and closes the stream. Safe to call twice.
func (n *Node) Close() {
	n.closeMu.Lock()
	defer n.closeMu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.events)
}

func (n *Node) emit(u Update) bool {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		return false
	}

	select {
	case n.events <- u:
		return true
	default:
		n.metrics.EventDropped()
		n.logger.Warn("event channel full, dropping update", "update", u)
		return false
	}
}
