package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/nmxmxh/orgmesh/internal/telemetry"
)

// StubConfig configures the length-prefixed TCP backend
type StubConfig struct {
	ListenAddr   string        `json:"listen_addr"`
	MaxFrameSize int           `json:"max_frame_size"`
	SendQueue    int           `json:"send_queue"`   // per-peer outbound frames
	EventBuffer  int           `json:"event_buffer"` // inbound update channel
	DialTimeout  time.Duration `json:"dial_timeout"`

	Discovery Discovery          `json:"-"` // defaults to DefaultBroker
	Metrics   *telemetry.Metrics `json:"-"`
	Logger    *slog.Logger       `json:"-"`
}

// DefaultStubConfig returns loopback defaults with an OS-assigned port
func DefaultStubConfig() StubConfig {
	return StubConfig{
		ListenAddr:   "/ip4/127.0.0.1/tcp/0",
		MaxFrameSize: DefaultMaxFrameSize,
		SendQueue:    64,
		EventBuffer:  256,
		DialTimeout:  5 * time.Second,
	}
}

// StubTransport speaks 4-byte big-endian length-prefixed JSON frames over
// plain TCP. Listen addresses are announced through a Discovery and every
// announcement heard is dialed.
type StubTransport struct {
	peerID   string
	config   StubConfig
	listener manet.Listener
	addr     ma.Multiaddr

	// Live connections keyed by remote address
	peers   map[string]*stubConn
	dialing map[string]struct{}
	peersMu sync.Mutex

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

type stubConn struct {
	label  string // peer ID when known, remote address otherwise
	remote string
	conn   manet.Conn
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *stubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

var _ Transport = (*StubTransport)(nil)

// NewStubTransport binds the listener, subscribes to discovery, then
// announces the resolved listen address. Bind failures are returned as
// TRANSPORT_INIT errors.
func NewStubTransport(peerID string, config StubConfig) (*StubTransport, error) {
	defaults := DefaultStubConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}
	if config.SendQueue <= 0 {
		config.SendQueue = defaults.SendQueue
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.Discovery == nil {
		config.Discovery = DefaultBroker
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bindAddr, err := ParseAddr(config.ListenAddr)
	if err != nil {
		return nil, core.ErrTransportInitFailed("invalid listen address", err)
	}
	listener, err := manet.Listen(bindAddr)
	if err != nil {
		return nil, core.ErrTransportInitFailed("listen failed", err).
			WithContext("addr", config.ListenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &StubTransport{
		peerID:   peerID,
		config:   config,
		listener: listener,
		addr:     listener.Multiaddr(),
		peers:    make(map[string]*stubConn),
		dialing:  make(map[string]struct{}),
		events:   make(chan gossip.Update, config.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  config.Metrics,
		logger:   logger.With("component", "stub-transport", "peer_id", peerID),
	}

	t.logger.Info("listening", "addr", t.addr.String())
	if IsDialable(t.addr) {
		t.emit(gossip.LocalListenAddr{Addr: t.addr.String()})
	}

	t.wg.Add(1)
	go t.acceptLoop()

	announcements, unsubscribe := config.Discovery.Subscribe()
	t.unsubscribe = unsubscribe
	t.wg.Add(1)
	go t.discoveryLoop(announcements)

	if err := config.Discovery.Announce(peerID, t.addr); err != nil {
		t.logger.Warn("listen address not announced", "addr", t.addr.String(), "error", err)
	}

	return t, nil
}

// ID returns the local peer ID
func (t *StubTransport) ID() string {
	return t.peerID
}

// ListenAddrs returns the resolved listen address
func (t *StubTransport) ListenAddrs() []ma.Multiaddr {
	return []ma.Multiaddr{t.addr}
}

// Events returns the inbound update stream
func (t *StubTransport) Events() <-chan gossip.Update {
	return t.events
}

// ConnectedPeers returns labels of live connections, sorted.
func (t *StubTransport) ConnectedPeers() []string {
	t.peersMu.Lock()
	out := make([]string, 0, len(t.peers))
	for _, c := range t.peers {
		out = append(out, c.label)
	}
	t.peersMu.Unlock()
	sort.Strings(out)
	return out
}

// Publish queues payload on every peer's write queue. A full or dead
// queue drops the frame for that peer only.
func (t *StubTransport) Publish(payload []byte) error {
	if t.isClosed() {
		return core.ErrClosed("stub transport")
	}

	t.peersMu.Lock()
	targets := make([]*stubConn, 0, len(t.peers))
	for _, c := range t.peers {
		targets = append(targets, c)
	}
	t.peersMu.Unlock()

	for _, c := range targets {
		select {
		case <-c.done:
			t.metrics.FrameDropped("peer_closed")
		case c.out <- payload:
		default:
			t.metrics.FrameDropped("queue_full")
			t.logger.Warn("peer write queue full, dropping frame", "peer", c.label)
		}
	}
	return nil
}

// Dial connects to addr unless a connection or dial to it already exists.
func (t *StubTransport) Dial(addr ma.Multiaddr) error {
	return t.dial(addr, "")
}

// AddPeer is a no-op: every stub connection is already in the broadcast set.
func (t *StubTransport) AddPeer(peerID string) error {
	t.logger.Debug("add peer ignored by stub transport", "peer", peerID)
	return nil
}

// Close stops the listener and every connection, then closes Events.
func (t *StubTransport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	t.cancel()
	err := t.listener.Close()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}

	t.peersMu.Lock()
	for _, c := range t.peers {
		c.close()
	}
	t.peersMu.Unlock()

	t.wg.Wait()
	close(t.events)
	t.logger.Info("stub transport closed")
	return err
}

func (t *StubTransport) isClosed() bool {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	return t.closed
}

func (t *StubTransport) dial(addr ma.Multiaddr, peerID string) error {
	if t.isClosed() {
		return core.ErrClosed("stub transport")
	}
	if err := CheckDialable(addr); err != nil {
		return err
	}

	key := addr.String()
	if key == t.addr.String() {
		return nil
	}

	t.peersMu.Lock()
	if _, busy := t.dialing[key]; busy {
		t.peersMu.Unlock()
		return nil
	}
	for _, c := range t.peers {
		if c.remote == key {
			t.peersMu.Unlock()
			return nil
		}
	}
	t.dialing[key] = struct{}{}
	t.peersMu.Unlock()

	defer func() {
		t.peersMu.Lock()
		delete(t.dialing, key)
		t.peersMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(t.ctx, t.config.DialTimeout)
	defer cancel()

	var d manet.Dialer
	conn, err := d.DialContext(ctx, addr)
	if err != nil {
		return core.ErrDialFailed(key, err)
	}

	label := peerID
	if label == "" {
		label = key
	}
	t.logger.Info("dialed peer", "peer", label, "addr", key)
	t.addConn(conn, label, key)
	return nil
}

func (t *StubTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}

		remote := conn.RemoteMultiaddr().String()
		t.logger.Info("accepted peer", "addr", remote)
		t.addConn(conn, remote, remote)
	}
}

func (t *StubTransport) discoveryLoop(announcements <-chan string) {
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
			if err != nil {
				t.logger.Debug("ignoring announcement", "announcement", raw, "error", err)
				continue
			}
			if ann.PeerID == t.peerID {
				continue
			}
			addr, err := ann.Multiaddr()
			if err != nil {
				t.logger.Debug("ignoring undialable announcement", "announcement", raw, "error", err)
				continue
			}

			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				if err := t.dial(addr, ann.PeerID); err != nil && t.ctx.Err() == nil {
					t.logger.Warn("dial from discovery failed", "peer", ann.PeerID, "error", err)
				}
			}()
		}
	}
}

func (t *StubTransport) addConn(conn manet.Conn, label, remote string) {
	c := &stubConn{
		label:  label,
		remote: remote,
		conn:   conn,
		out:    make(chan []byte, t.config.SendQueue),
		done:   make(chan struct{}),
	}

	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		conn.Close()
		return
	}
	t.peersMu.Lock()
	t.peers[remote] = c
	t.peersMu.Unlock()
	t.wg.Add(2)
	t.closeMu.RUnlock()

	t.metrics.PeerConnected()
	t.emit(gossip.PeerConnected{PeerID: label})

	go t.writeLoop(c)
	go t.readLoop(c)
}

func (t *StubTransport) removeConn(c *stubConn) {
	c.close()

	t.peersMu.Lock()
	current, ok := t.peers[c.remote]
	if ok && current == c {
		delete(t.peers, c.remote)
	}
	t.peersMu.Unlock()

	if ok && current == c {
		t.metrics.PeerDisconnected()
		t.emit(gossip.PeerDisconnected{PeerID: c.label})
		t.logger.Info("peer disconnected", "peer", c.label)
	}
}

func (t *StubTransport) writeLoop(c *stubConn) {
	defer t.wg.Done()
	defer t.removeConn(c)

	w := bufio.NewWriter(c.conn)
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			if err := WriteFrame(w, payload); err != nil {
				t.logger.Debug("write failed", "peer", c.label, "error", err)
				return
			}
			if err := w.Flush(); err != nil {
				t.logger.Debug("flush failed", "peer", c.label, "error", err)
				return
			}
		}
	}
}

func (t *StubTransport) readLoop(c *stubConn) {
	defer t.wg.Done()
	defer t.removeConn(c)

	r := bufio.NewReader(c.conn)
	for {
		frame, err := ReadFrame(r, t.config.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				t.metrics.FrameDropped("oversized")
				t.logger.Warn("oversized frame, closing connection", "peer", c.label, "error", err)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.logger.Debug("read failed", "peer", c.label, "error", err)
			}
			return
		}

		msg, err := gossip.UnmarshalMessage(frame)
		if err != nil {
			t.metrics.FrameDropped("decode")
			t.logger.Warn("dropping malformed frame", "peer", c.label, "error", err)
			continue
		}

		t.logger.Debug("frame received", "from", msg.PeerID, "entity_id", msg.EntityID)
		t.emit(gossip.HashReceived{PeerID: msg.PeerID, EntityID: msg.EntityID, Hash: msg.StateHash})
	}
}

func (t *StubTransport) emit(u gossip.Update) {
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
