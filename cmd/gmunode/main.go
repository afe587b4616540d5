// Command gmunode runs one node of the GMU transactional core: it loads a
// cluster configuration, wires the commit log, sorted transaction queue,
// commit manager, and entry-wrapping protocol together, exposes the
// resulting protocol to peers over grpc, attaches a Coordinator so
// transactions this node originates relay to its remote write-owners
// (spec §4.H), and serves until signaled (spec §4.K), in tinySQL's
// cmd/server/main.go flag-driven style.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/gmucore/gmukv/internal/cluster"
	"github.com/gmucore/gmukv/internal/commitlog"
	"github.com/gmucore/gmukv/internal/commitmgr"
	"github.com/gmucore/gmukv/internal/config"
	"github.com/gmucore/gmukv/internal/container"
	"github.com/gmucore/gmukv/internal/diagnostics"
	"github.com/gmucore/gmukv/internal/gmutxn"
	"github.com/gmucore/gmukv/internal/transport"
	"github.com/gmucore/gmukv/internal/txqueue"
	"github.com/gmucore/gmukv/internal/vclock"
)

var flagConfig = flag.String("config", "gmunode.yaml", "path to the node's YAML configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("gmunode: %v", err)
	}

	self := vclock.NodeID(cfg.Self)
	nodes := make([]vclock.NodeID, 0, len(cfg.Nodes))
	addresses := make(map[vclock.NodeID]string, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		id := vclock.NodeID(n.ID)
		nodes = append(nodes, id)
		addresses[id] = n.Address
	}
	snapshot := vclock.NewClusterSnapshot(nodes)
	gen := vclock.NewGenerator(snapshot, self)

	dist := cluster.NewConsistentHashDistribution(self, addresses, 64)

	commitLog := commitlog.NewCommitLog(gen)
	queue := txqueue.NewQueueWithClock(cluster.NewMonotonicClock())
	mgr := commitmgr.NewManager(queue, commitLog)
	data := container.NewMemoryContainer(self)

	proto := gmutxn.NewProtocol(
		self, gen, commitLog, mgr, data, dist,
		cfg.SnapshotWaitTimeout(), cfg.CommitWaitTimeout(),
	)

	transport.RegisterJSONCodec()
	node := transport.NewNode(proto, gen)

	selfAddr := cfg.SelfAddress()
	lis, err := net.Listen("tcp", selfAddr)
	if err != nil {
		log.Fatalf("gmunode: listen on %s: %v", selfAddr, err)
	}

	gs := grpc.NewServer()
	transport.RegisterPeerServer(gs, node)

	go func() {
		log.Printf("gmunode: node %d serving on %s", self, selfAddr)
		if err := gs.Serve(lis); err != nil {
			log.Printf("gmunode: grpc serve error: %v", err)
		}
	}()

	peers := dialPeers(cfg.PeerAddresses())
	defer closePeers(peers)
	log.Printf("gmunode: dialed %d peers", len(peers))
	node.SetCoordinator(transport.NewCoordinator(self, dist, peers))

	var diag *diagnostics.Scheduler
	if cfg.Diagnostics.Enabled {
		diag, err = diagnostics.NewScheduler(commitLog, cfg.Diagnostics.Path, cfg.Diagnostics.Schedule)
		if err != nil {
			log.Fatalf("gmunode: %v", err)
		}
		diag.Start(context.Background())
		defer diag.Stop()
	}

	waitForSignal()
	log.Printf("gmunode: shutting down")
	gs.GracefulStop()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func dialPeers(addrs map[int]string) map[string]*transport.PeerClient {
	clients := make(map[string]*transport.PeerClient, len(addrs))
	for _, addr := range addrs {
		c, err := transport.Dial(addr)
		if err != nil {
			log.Printf("gmunode: dial peer %s: %v", addr, err)
			continue
		}
		clients[addr] = c
	}
	return clients
}

func closePeers(clients map[string]*transport.PeerClient) {
	for _, c := range clients {
		_ = c.Close()
	}
}
