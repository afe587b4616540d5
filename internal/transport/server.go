package transport

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/gmucore/gmukv/internal/gmutxn"
	"github.com/gmucore/gmukv/internal/vclock"
)

// PeerServer is the RPC surface one node exposes to its peers: relay a
// transaction's prepare/commit/rollback onto this node (spec §4.H).
type PeerServer interface {
	Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error)
	Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error)
	Rollback(ctx context.Context, req *RollbackRequest) (*RollbackResponse, error)
}

// RegisterPeerServer attaches srv to s under a hand-rolled service
// descriptor, exactly tinySQL's registerTinySQLServer.
func RegisterPeerServer(s *grpc.Server, srv PeerServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "gmukv.Peer",
		HandlerType: (*PeerServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Prepare", Handler: _Peer_Prepare_Handler},
			{MethodName: "Commit", Handler: _Peer_Commit_Handler},
			{MethodName: "Rollback", Handler: _Peer_Rollback_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "gmukv",
	}, srv)
}

func _Peer_Prepare_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PrepareRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Prepare(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gmukv.Peer/Prepare"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Prepare(ctx, req.(*PrepareRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_Commit_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Commit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gmukv.Peer/Commit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Commit(ctx, req.(*CommitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_Rollback_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RollbackRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Rollback(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gmukv.Peer/Rollback"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Rollback(ctx, req.(*RollbackRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Node implements PeerServer over a local GMU protocol instance, tracking
// each relayed transaction's Transaction handle across the separate
// Prepare/Commit/Rollback RPCs that reference it by tx_id.
type Node struct {
	proto *gmutxn.Protocol
	gen   *vclock.Generator
	coord *Coordinator

	mu  sync.Mutex
	txs map[string]*gmutxn.Transaction
}

// NewNode wraps proto as a PeerServer.
func NewNode(proto *gmutxn.Protocol, gen *vclock.Generator) *Node {
	return &Node{proto: proto, gen: gen, txs: make(map[string]*gmutxn.Transaction)}
}

// SetCoordinator attaches coord to n, so that transactions n originates
// (via Origin) relay their prepare/commit/rollback decisions to coord's
// remote write-owners. A Node with no coordinator attached can still serve
// PeerServer (apply transactions relayed to it by some other origin).
func (n *Node) SetCoordinator(coord *Coordinator) { n.coord = coord }

// Origin returns an Origin wrapping n's protocol and attached Coordinator,
// for starting a transaction that this node originates and that relays its
// prepare/commit/rollback decisions to every remote write-owner (spec
// §4.H). Panics if SetCoordinator was never called.
func (n *Node) Origin() *Origin {
	if n.coord == nil {
		panic("transport: Origin called on a Node with no Coordinator attached")
	}
	return NewOrigin(n.proto, n.coord)
}

func (n *Node) transactionFor(txID string) *gmutxn.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tx, ok := n.txs[txID]; ok {
		return tx
	}
	tx := n.proto.Begin(txID)
	n.txs[txID] = tx
	return tx
}

func (n *Node) forget(txID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.txs, txID)
}

// Prepare stages every write in req onto this node, under the origin's
// inherited prepare-version; writes are not filtered to the keys this node
// owns.
func (n *Node) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	tx := n.transactionFor(req.TxID)

	for k, v := range req.Writes {
		tx.Write(k, v)
	}
	if req.ClearAll {
		tx.Clear()
	}
	for k, vw := range req.ReadSet {
		tx.RecordRemoteRead(k, FromWire(n.gen, vw))
	}

	prepareVersion := FromWire(n.gen, req.PrepareVersion)
	if err := tx.PrepareReplica(ctx, prepareVersion); err != nil {
		return &PrepareResponse{Error: err.Error()}, nil
	}
	return &PrepareResponse{}, nil
}

// Commit applies the origin-decided commit version to this node's local
// write-set for TxID.
func (n *Node) Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error) {
	tx := n.transactionFor(req.TxID)
	defer n.forget(req.TxID)

	tx.SetCommitVersion(FromWire(n.gen, req.CommitVersion))
	if err := tx.Commit(ctx); err != nil {
		return &CommitResponse{Error: err.Error()}, nil
	}
	return &CommitResponse{}, nil
}

// Rollback releases this node's local state for TxID, if any was staged.
func (n *Node) Rollback(ctx context.Context, req *RollbackRequest) (*RollbackResponse, error) {
	n.mu.Lock()
	tx, ok := n.txs[req.TxID]
	delete(n.txs, req.TxID)
	n.mu.Unlock()

	if ok {
		tx.Rollback()
	}
	return &RollbackResponse{}, nil
}
