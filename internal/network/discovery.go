package network

import (
	"log/slog"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
)

const defaultSubscriberBuffer = 256

// Discovery distributes "<peer_id>|<address>" announcements.
type Discovery interface {
	// Announce publishes a resolved listen address for peerID.
	Announce(peerID string, addr ma.Multiaddr) error
	// Subscribe returns every past announcement followed by new ones.
	// The cancel func unregisters and closes the channel.
	Subscribe() (<-chan string, func())
}

// Broker is an in-process Discovery. Several nodes in one process share
// a broker the way real nodes share a network.
type Broker struct {
	mu      sync.Mutex
	history []string
	seen    map[string]struct{}
	subs    map[int]chan string
	nextSub int

	logger *slog.Logger
}

// DefaultBroker is the process-wide broker used when none is injected.
var DefaultBroker = NewBroker(nil)

// NewBroker creates an empty broker
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		seen:   make(map[string]struct{}),
		subs:   make(map[int]chan string),
		logger: logger.With("component", "discovery"),
	}
}

// Announce records the announcement and pushes it to live subscribers.
// Addresses with port 0 are rejected.
func (b *Broker) Announce(peerID string, addr ma.Multiaddr) error {
	if err := CheckDialable(addr); err != nil {
		return err
	}
	ann := Announcement{PeerID: peerID, Addr: addr.String()}.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[ann]; !dup {
		b.seen[ann] = struct{}{}
		b.history = append(b.history, ann)
	}

	for id, ch := range b.subs {
		select {
		case ch <- ann:
		default:
			b.logger.Warn("subscriber backlog full, dropping announcement", "subscriber", id, "announcement", ann)
		}
	}

	b.logger.Debug("announced", "announcement", ann, "subscribers", len(b.subs))
	return nil
}

// Subscribe registers a subscriber and replays history into it first.
func (b *Broker) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, len(b.history)+defaultSubscriberBuffer)
	for _, ann := range b.history {
		ch <- ann
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Announcements returns a copy of the history
func (b *Broker) Announcements() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}

// Subscribers returns the number of live subscribers
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
