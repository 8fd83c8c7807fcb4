package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/nmxmxh/orgmesh/internal/telemetry"
)

const (
	// DefaultTopic carries hash gossip messages
	DefaultTopic = "scmanager-hash-gossip"

	// StateSyncProtocol serves full exported state on request
	StateSyncProtocol = protocol.ID("/orgmesh/state-sync/1.0.0")

	defaultMDNSService = "orgmesh"
	protectTag         = "orgmesh-gossip"
	maxStateSize       = 16 << 20
)

// Libp2pConfig configures the pub/sub + DHT backend
type Libp2pConfig struct {
	ListenAddrs     []string       `json:"listen_addrs"`
	Topic           string         `json:"topic"`
	BootstrapPeers  []ma.Multiaddr `json:"-"`
	EnableDHT       bool           `json:"enable_dht"`
	EnableMDNS      bool           `json:"enable_mdns"`
	MDNSServiceName string         `json:"mdns_service_name"`
	EventBuffer     int            `json:"event_buffer"`
	DialTimeout     time.Duration  `json:"dial_timeout"`

	// PrivKey is the host identity; a fresh key is generated when nil
	PrivKey crypto.PrivKey `json:"-"`
	// Host, when set, is used instead of building one (e.g. mocknet)
	Host host.Host `json:"-"`
	// Discovery feeds additional "<peer_id>|<addr>" announcements
	Discovery     Discovery          `json:"-"`
	StateProvider StateProvider      `json:"-"`
	Metrics       *telemetry.Metrics `json:"-"`
	Logger        *slog.Logger       `json:"-"`
}

// DefaultLibp2pConfig returns production defaults
func DefaultLibp2pConfig() Libp2pConfig {
	return Libp2pConfig{
		ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/0"},
		Topic:           DefaultTopic,
		EnableDHT:       true,
		EnableMDNS:      false,
		MDNSServiceName: defaultMDNSService,
		EventBuffer:     256,
		DialTimeout:     10 * time.Second,
	}
}

// Libp2pTransport runs hash gossip over a GossipSub topic. Peers are found
// through the Kademlia DHT, mDNS, bootstrap addresses and an optional
// Discovery; every newly connected peer is protected and added to the
// broadcast set.
type Libp2pTransport struct {
	host     host.Host
	ownsHost bool
	kad      *dht.IpfsDHT
	ps       *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	connSub  event.Subscription
	mdns     mdns.Service
	config   Libp2pConfig

	provider   StateProvider
	providerMu sync.RWMutex

	events  chan gossip.Update
	closed  bool
	closeMu sync.RWMutex

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	metrics *telemetry.Metrics
	logger  *slog.Logger
}

var (
	_ Transport    = (*Libp2pTransport)(nil)
	_ StateFetcher = (*Libp2pTransport)(nil)
)

// NewLibp2pTransport builds (or adopts) a host, joins the gossip topic and
// starts the discovery and event loops.
func NewLibp2pTransport(ctx context.Context, config Libp2pConfig) (*Libp2pTransport, error) {
	defaults := DefaultLibp2pConfig()
	if len(config.ListenAddrs) == 0 {
		config.ListenAddrs = defaults.ListenAddrs
	}
	if config.Topic == "" {
		config.Topic = defaults.Topic
	}
	if config.MDNSServiceName == "" {
		config.MDNSServiceName = defaults.MDNSServiceName
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Libp2pTransport{
		config:   config,
		provider: config.StateProvider,
		events:   make(chan gossip.Update, config.EventBuffer),
		ctx:      tctx,
		cancel:   cancel,
		metrics:  config.Metrics,
	}

	if err := t.setupHost(); err != nil {
		cancel()
		return nil, err
	}
	t.logger = logger.With("component", "libp2p-transport", "peer_id", t.host.ID().String())

	if err := t.setupPubSub(); err != nil {
		t.teardown()
		return nil, err
	}

	connSub, err := t.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		t.teardown()
		return nil, core.ErrTransportInitFailed("subscribe to connectedness events", err)
	}
	t.connSub = connSub

	t.host.SetStreamHandler(StateSyncProtocol, t.handleStateRequest)

	t.wg.Add(2)
	go t.readLoop()
	go t.connectednessLoop()

	if config.EnableMDNS {
		t.mdns = mdns.NewMdnsService(t.host, config.MDNSServiceName, &mdnsNotifee{t: t})
		if err := t.mdns.Start(); err != nil {
			t.logger.Warn("mdns discovery unavailable", "error", err)
			t.mdns = nil
		}
	}

	if config.Discovery != nil {
		announcements, unsubscribe := config.Discovery.Subscribe()
		t.unsubscribe = unsubscribe
		t.wg.Add(1)
		go t.discoveryLoop(announcements)
	}

	for _, addr := range t.host.Addrs() {
		if !IsDialable(addr) {
			continue
		}
		t.emit(gossip.LocalListenAddr{Addr: addr.String()})
		if config.Discovery != nil {
			if err := config.Discovery.Announce(t.ID(), addr); err != nil {
				t.logger.Warn("listen address not announced", "addr", addr.String(), "error", err)
			}
		}
	}

	t.bootstrap()

	t.logger.Info("libp2p transport started",
		"topic", config.Topic,
		"addrs", t.host.Addrs(),
		"dht", t.kad != nil,
		"mdns", t.mdns != nil,
	)
	return t, nil
}

func (t *Libp2pTransport) setupHost() error {
	if t.config.Host != nil {
		t.host = t.config.Host
		if t.config.EnableDHT {
			kad, err := dht.New(t.ctx, t.host, dht.Mode(dht.ModeAutoServer))
			if err != nil {
				return core.ErrTransportInitFailed("create dht", err)
			}
			t.kad = kad
		}
		return nil
	}

	cm, err := connmgr.NewConnManager(50, 200, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return core.ErrTransportInitFailed("create connection manager", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(t.config.ListenAddrs...),
		libp2p.ConnectionManager(cm),
	}
	if t.config.PrivKey != nil {
		opts = append(opts, libp2p.Identity(t.config.PrivKey))
	}
	if t.config.EnableDHT {
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			kad, err := dht.New(t.ctx, h, dht.Mode(dht.ModeAutoServer))
			t.kad = kad
			return kad, err
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return core.ErrTransportInitFailed("create libp2p host", err).
			WithContext("listen_addrs", t.config.ListenAddrs)
	}
	t.host = h
	t.ownsHost = true
	return nil
}

func (t *Libp2pTransport) setupPubSub() error {
	opts := []pubsub.Option{pubsub.WithFloodPublish(true)}
	if t.kad != nil {
		opts = append(opts, pubsub.WithDiscovery(drouting.NewRoutingDiscovery(t.kad)))
	}

	ps, err := pubsub.NewGossipSub(t.ctx, t.host, opts...)
	if err != nil {
		return core.ErrTransportInitFailed("create gossipsub", err)
	}
	t.ps = ps

	topic, err := ps.Join(t.config.Topic)
	if err != nil {
		return core.ErrTransportInitFailed("join topic", err).WithContext("topic", t.config.Topic)
	}
	t.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return core.ErrTransportInitFailed("subscribe topic", err).WithContext("topic", t.config.Topic)
	}
	t.sub = sub
	return nil
}

func (t *Libp2pTransport) bootstrap() {
	for _, addr := range t.config.BootstrapPeers {
		addr := addr
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.Dial(addr); err != nil {
				t.logger.Warn("bootstrap dial failed", "addr", addr.String(), "error", err)
			}
		}()
	}

	if t.kad != nil {
		if err := t.kad.Bootstrap(t.ctx); err != nil {
			t.logger.Warn("dht bootstrap failed", "error", err)
		}
	}
}

// Host exposes the underlying libp2p host
func (t *Libp2pTransport) Host() host.Host {
	return t.host
}

// ID returns the libp2p peer ID
func (t *Libp2pTransport) ID() string {
	return t.host.ID().String()
}

// ListenAddrs returns the host's listen addresses
func (t *Libp2pTransport) ListenAddrs() []ma.Multiaddr {
	return t.host.Addrs()
}

// Events returns the inbound update stream
func (t *Libp2pTransport) Events() <-chan gossip.Update {
	return t.events
}

// SetStateProvider installs the callback serving StateSyncProtocol requests.
func (t *Libp2pTransport) SetStateProvider(p StateProvider) {
	t.providerMu.Lock()
	t.provider = p
	t.providerMu.Unlock()
}

// Publish floods payload on the gossip topic.
func (t *Libp2pTransport) Publish(payload []byte) error {
	if t.isClosed() {
		return core.ErrClosed("libp2p transport")
	}
	if err := t.topic.Publish(t.ctx, payload); err != nil {
		return core.ErrPublishFailed(err).WithContext("topic", t.config.Topic)
	}
	return nil
}

// Dial connects to a full /.../p2p/<id> address.
func (t *Libp2pTransport) Dial(addr ma.Multiaddr) error {
	if t.isClosed() {
		return core.ErrClosed("libp2p transport")
	}
	if err := CheckDialable(addr); err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return core.ErrInvalidAddress(addr.String(), err)
	}
	return t.connect(*info)
}

// AddPeer protects peerID in the connection manager and connects to it,
// resolving addresses through the DHT when the peerstore has none.
func (t *Libp2pTransport) AddPeer(peerID string) error {
	if t.isClosed() {
		return core.ErrClosed("libp2p transport")
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return core.ErrInvalidAddress(peerID, err)
	}
	if pid == t.host.ID() {
		return nil
	}

	t.host.ConnManager().Protect(pid, protectTag)
	if t.host.Network().Connectedness(pid) == libp2pnet.Connected {
		return nil
	}

	info := peer.AddrInfo{ID: pid, Addrs: t.host.Peerstore().Addrs(pid)}
	if len(info.Addrs) == 0 && t.kad != nil {
		ctx, cancel := context.WithTimeout(t.ctx, t.config.DialTimeout)
		found, err := t.kad.FindPeer(ctx, pid)
		cancel()
		if err != nil {
			return core.ErrDialFailed(peerID, err)
		}
		info = found
	}
	if len(info.Addrs) == 0 {
		return core.ErrDialFailed(peerID, errors.New("no known addresses"))
	}
	return t.connect(info)
}

// FetchState pulls peerID's exported state over StateSyncProtocol.
func (t *Libp2pTransport) FetchState(ctx context.Context, peerID string) ([]byte, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, core.ErrInvalidAddress(peerID, err)
	}

	stream, err := t.host.NewStream(ctx, pid, StateSyncProtocol)
	if err != nil {
		return nil, core.ErrDialFailed(peerID, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, core.ErrDialFailed(peerID, err)
	}

	data, err := io.ReadAll(io.LimitReader(stream, maxStateSize+1))
	if err != nil {
		return nil, core.ErrDialFailed(peerID, err)
	}
	if len(data) > maxStateSize {
		return nil, core.ErrSerializationFailed("fetch state", fmt.Errorf("state exceeds %d bytes", maxStateSize))
	}
	if len(data) == 0 {
		return nil, core.ErrEntityNotFound("state").WithContext("peer_id", peerID)
	}
	return data, nil
}

func (t *Libp2pTransport) handleStateRequest(s libp2pnet.Stream) {
	defer s.Close()

	t.providerMu.RLock()
	provider := t.provider
	t.providerMu.RUnlock()

	if provider == nil {
		t.logger.Debug("state request without provider", "from", s.Conn().RemotePeer().String())
		return
	}

	data, err := provider()
	if err != nil {
		t.logger.Warn("state provider failed", "error", err)
		return
	}
	if _, err := s.Write(data); err != nil {
		t.logger.Debug("state response write failed", "error", err)
	}
}

// Close tears the transport down. Safe to call twice.
func (t *Libp2pTransport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	err := t.teardown()
	close(t.events)
	t.logger.Info("libp2p transport closed")
	return err
}

func (t *Libp2pTransport) teardown() error {
	t.cancel()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.sub != nil {
		t.sub.Cancel()
	}
	if t.connSub != nil {
		t.connSub.Close()
	}
	if t.mdns != nil {
		t.mdns.Close()
	}
	t.wg.Wait()

	var errs []error
	if t.host != nil {
		t.host.RemoveStreamHandler(StateSyncProtocol)
	}
	if t.kad != nil {
		if err := t.kad.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.ownsHost && t.host != nil {
		if err := t.host.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Libp2pTransport) isClosed() bool {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	return t.closed
}

func (t *Libp2pTransport) connect(info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.config.DialTimeout)
	defer cancel()

	if err := t.host.Connect(ctx, info); err != nil {
		return core.ErrDialFailed(info.ID.String(), err)
	}
	t.host.ConnManager().Protect(info.ID, protectTag)
	return nil
}

func (t *Libp2pTransport) readLoop() {
	defer t.wg.Done()

	self := t.host.ID()
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}

		decoded, err := gossip.UnmarshalMessage(msg.Data)
		if err != nil {
			t.metrics.FrameDropped("decode")
			t.logger.Warn("dropping malformed gossip message", "from", msg.ReceivedFrom.String(), "error", err)
			continue
		}

		from := msg.GetFrom().String()
		t.logger.Debug("gossip received", "from", from, "claimed_peer_id", decoded.PeerID, "entity_id", decoded.EntityID)
		t.emit(gossip.HashReceived{PeerID: from, EntityID: decoded.EntityID, Hash: decoded.StateHash})
	}
}

func (t *Libp2pTransport) connectednessLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case e, ok := <-t.connSub.Out():
			if !ok {
				return
			}
			evt, ok := e.(event.EvtPeerConnectednessChanged)
			if !ok {
				continue
			}

			switch evt.Connectedness {
			case libp2pnet.Connected:
				t.metrics.PeerConnected()
				t.emit(gossip.PeerConnected{PeerID: evt.Peer.String()})
				if err := t.AddPeer(evt.Peer.String()); err != nil && t.ctx.Err() == nil {
					t.logger.Debug("add peer after connect failed", "peer", evt.Peer.String(), "error", err)
				}
			case libp2pnet.NotConnected:
				t.metrics.PeerDisconnected()
				t.emit(gossip.PeerDisconnected{PeerID: evt.Peer.String()})
			}
		}
	}
}

func (t *Libp2pTransport) discoveryLoop(announcements <-chan string) {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case raw, ok := <-announcements:
			if !ok {
				return
			}
			ann, err := ParseAnnouncement(raw)
			if err != nil || ann.PeerID == t.ID() {
				continue
			}
			pid, err := peer.Decode(ann.PeerID)
			if err != nil {
				t.logger.Debug("ignoring non-libp2p announcement", "announcement", raw)
				continue
			}
			addr, err := ann.Multiaddr()
			if err != nil {
				continue
			}

			t.host.Peerstore().AddAddrs(pid, []ma.Multiaddr{addr}, peerstore.TempAddrTTL)
			if err := t.connect(peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{addr}}); err != nil && t.ctx.Err() == nil {
				t.logger.Warn("dial from discovery failed", "peer", ann.PeerID, "error", err)
			}
		}
	}
}

func (t *Libp2pTransport) emit(u gossip.Update) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- u:
	default:
		t.metrics.EventDropped()
		t.logger.Warn("event channel full, dropping update", "update", u)
	}
}

type mdnsNotifee struct {
	t *Libp2pTransport
}

// HandlePeerFound connects to peers announced on the local network.
func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	t := n.t
	if info.ID == t.host.ID() {
		return
	}

	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		return
	}
	t.wg.Add(1)
	t.closeMu.RUnlock()

	go func() {
		defer t.wg.Done()
		if t.isClosed() {
			return
		}
		if err := t.connect(info); err != nil {
			t.logger.Debug("mdns peer dial failed", "peer", info.ID.String(), "error", err)
			return
		}
		t.logger.Info("connected to mdns peer", "peer", info.ID.String())
	}()
}
