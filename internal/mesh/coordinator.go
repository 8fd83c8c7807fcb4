package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/crdt"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/nmxmxh/orgmesh/internal/network"
	"github.com/nmxmxh/orgmesh/internal/telemetry"
)

// Config holds coordinator settings
type Config struct {
	BroadcastInterval time.Duration `json:"broadcast_interval"`
	EntityScope       string        `json:"entity_scope"`
	HealthInterval    time.Duration `json:"health_interval"`
	PeerHashTTL       time.Duration `json:"peer_hash_ttl"` // 0 keeps peer hashes forever
	AutoReconcile     bool          `json:"auto_reconcile"`
	FetchTimeout      time.Duration `json:"fetch_timeout"`
	EventBuffer       int           `json:"event_buffer"`
}

// minPruneInterval bounds how often stale peer hashes are swept
const minPruneInterval = 10 * time.Millisecond

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 10 * time.Second,
		EntityScope:       gossip.GlobalEntity,
		HealthInterval:    30 * time.Second,
		FetchTimeout:      5 * time.Second,
		EventBuffer:       1024,
	}
}

// Coordinator periodically exports the state store, broadcasts its hash
// over either an in-process gossip node or a transport, and turns inbound
// hashes into divergence events.
type Coordinator struct {
	nodeID string
	state  *crdt.StateManager

	// Exactly one backend is set; in transport mode node is internal
	node      *gossip.Node
	updates   <-chan gossip.Update
	transport network.Transport
	ownsNode  bool

	authority AuthorityClient

	// Peers with a reconcile in flight
	reconciling   map[string]struct{}
	reconcilingMu sync.Mutex

	running bool
	stopped bool
	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	config  Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithGossipNode selects the in-process backend. updates is the stream
// returned by gossip.NewLocalNode.
func WithGossipNode(node *gossip.Node, updates <-chan gossip.Update) Option {
	return func(c *Coordinator) {
		c.node = node
		c.updates = updates
	}
}

// WithTransport selects a transport backend
func WithTransport(t network.Transport) Option {
	return func(c *Coordinator) { c.transport = t }
}

// WithAuthority enables periodic health reports
func WithAuthority(a AuthorityClient) Option {
	return func(c *Coordinator) { c.authority = a }
}

// WithConfig overrides DefaultConfig
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.config = cfg }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator wires state to at most one gossip backend. A coordinator
// without a backend is valid but BroadcastOnce and Start report
// BACKEND_MISSING.
func NewCoordinator(nodeID string, state *crdt.StateManager, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		nodeID:      nodeID,
		state:       state,
		reconciling: make(map[string]struct{}),
		config:      DefaultConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	defaults := DefaultConfig()
	if c.config.BroadcastInterval <= 0 {
		c.config.BroadcastInterval = defaults.BroadcastInterval
	}
	if c.config.EntityScope == "" {
		c.config.EntityScope = defaults.EntityScope
	}
	if c.config.HealthInterval <= 0 {
		c.config.HealthInterval = defaults.HealthInterval
	}
	if c.config.FetchTimeout <= 0 {
		c.config.FetchTimeout = defaults.FetchTimeout
	}
	if c.config.EventBuffer <= 0 {
		c.config.EventBuffer = defaults.EventBuffer
	}
	c.logger = c.logger.With("component", "coordinator", "node_id", nodeID)

	if c.node != nil && c.transport != nil {
		return nil, errors.New("coordinator: configure either a gossip node or a transport, not both")
	}

	if c.transport != nil {
		c.node, c.updates = gossip.NewNode(c.transport.ID(),
			gossip.WithBufferSize(c.config.EventBuffer),
			gossip.WithMetrics(c.metrics),
			gossip.WithLogger(c.logger),
		)
		c.ownsNode = true
	}
	return c, nil
}

// NodeID returns the identifier reported to the authority
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// State returns the owned state store
func (c *Coordinator) State() *crdt.StateManager {
	return c.state
}

// Node returns the gossip node (internal in transport mode), or nil.
func (c *Coordinator) Node() *gossip.Node {
	return c.node
}

// Updates returns the stream of gossip events for the embedding
// application. Nil when no backend is configured.
func (c *Coordinator) Updates() <-chan gossip.Update {
	return c.updates
}

func (c *Coordinator) backend() string {
	switch {
	case c.transport != nil:
		return "transport"
	case c.node != nil:
		return "local"
	default:
		return "none"
	}
}

// BroadcastOnce exports the state and broadcasts its hash for the
// configured scope.
func (c *Coordinator) BroadcastOnce(ctx context.Context) (gossip.HashGossipMessage, error) {
	if c.node == nil && c.transport == nil {
		return gossip.HashGossipMessage{}, core.ErrBackendMissing()
	}
	if err := ctx.Err(); err != nil {
		return gossip.HashGossipMessage{}, err
	}

	data, err := c.state.ExportState()
	if err != nil {
		c.metrics.Broadcast(c.backend(), err)
		return gossip.HashGossipMessage{}, err
	}

	msg := c.node.Broadcast(c.config.EntityScope, data)
	if c.transport != nil {
		payload, err := msg.Marshal()
		if err == nil {
			err = c.transport.Publish(payload)
		}
		c.metrics.Broadcast(c.backend(), err)
		if err != nil {
			return msg, err
		}
	} else {
		c.metrics.Broadcast(c.backend(), nil)
	}

	c.logger.Debug("broadcast", "entity_id", msg.EntityID, "hash", msg.StateHash, "orgs", c.state.Len())
	return msg, nil
}

// SyncFrom merges a full-state payload received from peerID.
func (c *Coordinator) SyncFrom(ctx context.Context, peerID string, data []byte) error {
	err := c.state.ApplySyncMessage(ctx, peerID, data)
	c.metrics.StateSync(err)
	return err
}

// Start launches the broadcast ticker, the transport event pump, and the
// optional health and prune loops. A stopped coordinator cannot be
// restarted.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.node == nil && c.transport == nil {
		return core.ErrBackendMissing()
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return core.ErrClosed("coordinator")
	}
	if c.running {
		return nil
	}
	c.running = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.broadcastLoop(runCtx)

	if c.transport != nil {
		c.wg.Add(1)
		go c.pump(runCtx)
	}
	if c.authority != nil {
		c.wg.Add(1)
		go c.healthLoop(runCtx)
	}
	if c.config.PeerHashTTL > 0 {
		c.wg.Add(1)
		go c.pruneLoop(runCtx)
	}

	c.logger.Info("coordinator started",
		"backend", c.backend(),
		"interval", c.config.BroadcastInterval,
		"scope", c.config.EntityScope,
	)
	return nil
}

// Stop cancels every loop and waits for them. In transport mode the
// Updates stream is closed afterwards. The transport itself is left open.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.stopped = true
	cancel := c.cancel
	c.runMu.Unlock()

	cancel()
	c.wg.Wait()

	if c.ownsNode {
		c.node.Close()
	}
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) broadcastLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.BroadcastOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("broadcast failed", "error", err)
			}
		}
	}
}

// pump feeds transport events into the internal node so that hash events
// are compared against a freshly computed local hash.
func (c *Coordinator) pump(ctx context.Context) {
	defer c.wg.Done()

	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-events:
			if !ok {
				c.logger.Info("transport event stream closed")
				return
			}
			c.handleTransportUpdate(ctx, u)
		}
	}
}

func (c *Coordinator) handleTransportUpdate(ctx context.Context, u gossip.Update) {
	hr, ok := u.(gossip.HashReceived)
	if !ok {
		c.node.Notify(u)
		return
	}

	if hr.EntityID == c.config.EntityScope {
		if data, err := c.state.ExportState(); err == nil {
			c.node.RecordLocal(hr.EntityID, gossip.HashState(data))
		}
	}

	mismatch := c.node.HandleMessage(gossip.HashGossipMessage{
		EntityID:  hr.EntityID,
		StateHash: hr.Hash,
		PeerID:    hr.PeerID,
	})
	if !mismatch {
		return
	}

	c.logger.Info("state divergence detected", "peer_id", hr.PeerID, "entity_id", hr.EntityID)
	if c.config.AutoReconcile {
		c.reconcile(ctx, hr.PeerID)
	}
}

// reconcile pulls and merges peerID's state in the background when the
// transport can fetch it. One reconcile per peer runs at a time.
func (c *Coordinator) reconcile(ctx context.Context, peerID string) {
	fetcher, ok := c.transport.(network.StateFetcher)
	if !ok {
		return
	}

	c.reconcilingMu.Lock()
	if _, busy := c.reconciling[peerID]; busy {
		c.reconcilingMu.Unlock()
		return
	}
	c.reconciling[peerID] = struct{}{}
	c.reconcilingMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.reconcilingMu.Lock()
			delete(c.reconciling, peerID)
			c.reconcilingMu.Unlock()
		}()

		fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()

		data, err := fetcher.FetchState(fetchCtx, peerID)
		if err != nil {
			c.metrics.StateSync(err)
			c.logger.Warn("state fetch failed", "peer_id", peerID, "error", err)
			return
		}
		if err := c.SyncFrom(ctx, peerID, data); err != nil {
			c.logger.Warn("state merge failed", "peer_id", peerID, "error", err)
			return
		}
		c.logger.Info("reconciled with peer", "peer_id", peerID, "orgs", c.state.Len())
	}()
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	c.reportHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportHealth(ctx)
		}
	}
}

func (c *Coordinator) reportHealth(ctx context.Context) {
	err := c.authority.ReportHealth(ctx, c.nodeID)
	c.metrics.HealthReport(err)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("health report failed", "error", err)
	}
}

func (c *Coordinator) pruneLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.config.PeerHashTTL / 2
	if interval < minPruneInterval {
		interval = minPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.node.PruneStale(c.config.PeerHashTTL)
		}
	}
}
