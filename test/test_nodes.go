// Command test_nodes runs a soak test: N in-process mesh nodes mutate
// random orgs, gossip state hashes and reconcile until every node holds
// the same state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/nmxmxh/orgmesh/internal/crdt"
	"github.com/nmxmxh/orgmesh/internal/gossip"
	"github.com/nmxmxh/orgmesh/internal/logging"
	"github.com/nmxmxh/orgmesh/internal/mesh"
	"github.com/nmxmxh/orgmesh/internal/network"
)

var (
	numNodes = flag.Int("nodes", 4, "number of nodes")
	numOrgs  = flag.Int("orgs", 16, "distinct org ids to mutate")
	rounds   = flag.Int("rounds", 200, "mutations to apply")
	interval = flag.Duration("interval", 50*time.Millisecond, "broadcast interval")
	backend  = flag.String("backend", "stub", "stub or libp2p (mocknet)")
	timeout  = flag.Duration("timeout", 30*time.Second, "convergence deadline")
	logLevel = flag.String("log-level", "warn", "log level")
	randSeed = flag.Int64("seed", time.Now().UnixNano(), "mutation seed")
)

type soakNode struct {
	id    string
	state *crdt.StateManager
	coord *mesh.Coordinator
	close func() error
}

func main() {
	flag.Parse()

	log, err := logging.New(logging.Options{Level: *logLevel, Format: logging.FormatConsole})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()
	logger := log.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var nodes []*soakNode
	switch *backend {
	case "stub":
		nodes, err = startStubNodes(ctx, logger)
	case "libp2p":
		nodes, err = startMockNodes(ctx, logger)
	default:
		err = fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
	defer func() {
		for _, n := range nodes {
			n.coord.Stop()
			n.close()
		}
	}()

	byID := make(map[string]*soakNode, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}

	for _, n := range nodes {
		go consume(ctx, n, byID, logger)
	}

	fmt.Printf("[INFO] %d %s nodes up, applying %d mutations (seed %d)\n", len(nodes), *backend, *rounds, *randSeed)
	mutate(ctx, nodes)

	start := time.Now()
	deadline := time.After(*timeout)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			fmt.Println("[FAIL] nodes did not converge")
			report(nodes)
			os.Exit(1)
		case <-ticker.C:
			if converged(nodes) {
				fmt.Printf("[PASS] converged in %s\n", time.Since(start).Round(time.Millisecond))
				report(nodes)
				return
			}
		}
	}
}

func startStubNodes(ctx context.Context, logger *slog.Logger) ([]*soakNode, error) {
	broker := network.NewBroker(logger)
	var nodes []*soakNode
	for i := 0; i < *numNodes; i++ {
		id := fmt.Sprintf("node-%d", i)
		cfg := network.DefaultStubConfig()
		cfg.Discovery = broker
		cfg.Logger = logger
		t, err := network.NewStubTransport(id, cfg)
		if err != nil {
			return nodes, err
		}
		n, err := startNode(ctx, id, t, false, logger)
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// startMockNodes runs the libp2p backend over mocknet; reconciliation
// goes through the state-sync stream protocol.
func startMockNodes(ctx context.Context, logger *slog.Logger) ([]*soakNode, error) {
	mn := mocknet.New()
	var nodes []*soakNode
	for i := 0; i < *numNodes; i++ {
		h, err := mn.GenPeer()
		if err != nil {
			return nodes, err
		}
		cfg := network.DefaultLibp2pConfig()
		cfg.Host = h
		cfg.EnableDHT = false
		cfg.Logger = logger
		t, err := network.NewLibp2pTransport(ctx, cfg)
		if err != nil {
			return nodes, err
		}
		n, err := startNode(ctx, t.ID(), t, true, logger)
		if err != nil {
			return nodes, err
		}
		t.SetStateProvider(n.state.ExportState)
		nodes = append(nodes, n)
	}
	if err := mn.LinkAll(); err != nil {
		return nodes, err
	}
	if err := mn.ConnectAllButSelf(); err != nil {
		return nodes, err
	}
	return nodes, nil
}

func startNode(ctx context.Context, id string, t network.Transport, autoReconcile bool, logger *slog.Logger) (*soakNode, error) {
	cfg := mesh.DefaultConfig()
	cfg.BroadcastInterval = *interval
	cfg.AutoReconcile = autoReconcile

	state := crdt.NewStateManager(id, crdt.WithLogger(logger))
	coord, err := mesh.NewCoordinator(id, state,
		mesh.WithTransport(t),
		mesh.WithConfig(cfg),
		mesh.WithLogger(logger),
	)
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := coord.Start(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return &soakNode{id: id, state: state, coord: coord, close: t.Close}, nil
}

// consume pulls the disagreeing peer's export directly when the transport
// cannot fetch state itself.
func consume(ctx context.Context, n *soakNode, byID map[string]*soakNode, logger *slog.Logger) {
	for u := range n.coord.Updates() {
		mm, ok := u.(gossip.MismatchDetected)
		if !ok || *backend != "stub" {
			continue
		}
		peer, ok := byID[mm.PeerID]
		if !ok {
			continue
		}
		data, err := peer.state.GenerateSyncMessage(n.id)
		if err != nil {
			logger.Warn("export failed", "peer_id", mm.PeerID, "error", err)
			continue
		}
		if err := n.coord.SyncFrom(ctx, mm.PeerID, data); err != nil {
			logger.Warn("merge failed", "peer_id", mm.PeerID, "error", err)
		}
	}
}

// mutate raises member counts and sets a per-org name so that every
// write has a single convergent outcome.
func mutate(ctx context.Context, nodes []*soakNode) {
	rng := rand.New(rand.NewSource(*randSeed))
	for i := 0; i < *rounds; i++ {
		n := nodes[rng.Intn(len(nodes))]
		orgID := fmt.Sprintf("org-%d", rng.Intn(*numOrgs))

		var count uint32
		if org, err := n.state.GetOrg(orgID); err == nil {
			count = org.MemberCount
		}
		_ = n.state.UpdateOrg(ctx, orgID, crdt.FieldMemberCount, count+uint32(rng.Intn(5)+1))
		if rng.Intn(4) == 0 {
			_ = n.state.UpdateOrg(ctx, orgID, crdt.FieldName, "Org "+orgID)
		}

		if i%10 == 0 {
			time.Sleep(*interval / 5)
		}
	}
}

func converged(nodes []*soakNode) bool {
	var first string
	for i, n := range nodes {
		data, err := n.state.ExportState()
		if err != nil {
			return false
		}
		h := gossip.HashState(data)
		if i == 0 {
			first = h
		} else if h != first {
			return false
		}
	}
	return true
}

func report(nodes []*soakNode) {
	for _, n := range nodes {
		data, _ := n.state.ExportState()
		fmt.Printf("[NODE %s] orgs=%d hash=%s peers=%d\n", n.id, n.state.Len(), gossip.HashState(data)[:12], len(n.coord.Node().Peers()))
	}
}
