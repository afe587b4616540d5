package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// RegisterJSONCodec registers the JSON codec with grpc's global encoding
// registry. Call once at process start, before dialing or serving (tinySQL's
// encoding.RegisterCodec(jsonCodec{}) in cmd/server/main.go).
func RegisterJSONCodec() {
	encoding.RegisterCodec(jsonCodec{})
}

// PeerClient dials a single peer node and issues Prepare/Commit/Rollback
// RPCs against it.
type PeerClient struct {
	addr string
	conn *grpc.ClientConn
}

// Dial opens a connection to a peer at addr. The connection is lazy and
// unauthenticated (insecure transport credentials), matching tinySQL's
// federation client — wire security is out of scope (spec §1 Non-goals).
func Dial(addr string) (*PeerClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &PeerClient{addr: addr, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *PeerClient) Close() error { return c.conn.Close() }

// Prepare invokes Prepare on the peer.
func (c *PeerClient) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	var resp PrepareResponse
	if err := c.conn.Invoke(ctx, "/gmukv.Peer/Prepare", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

// Commit invokes Commit on the peer.
func (c *PeerClient) Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error) {
	var resp CommitResponse
	if err := c.conn.Invoke(ctx, "/gmukv.Peer/Commit", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

// Rollback invokes Rollback on the peer. Rollback is best-effort: transport
// failures are returned but callers are expected to log and continue, never
// block a local rollback on a remote acknowledgement (spec §4.E Rollback).
func (c *PeerClient) Rollback(ctx context.Context, req *RollbackRequest) (*RollbackResponse, error) {
	var resp RollbackResponse
	if err := c.conn.Invoke(ctx, "/gmukv.Peer/Rollback", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BroadcastResult is one peer's outcome from a Broadcast call.
type BroadcastResult struct {
	Addr string
	Err  error
}

// Broadcast calls fn against every client in clients concurrently and
// returns every peer's outcome; it never short-circuits on the first
// error, since a transaction spanning several owners must know which
// specific peers failed (spec §4.H "duplicates must be idempotent", so a
// caller can safely retry only the failed subset).
func Broadcast(ctx context.Context, clients map[string]*PeerClient, fn func(context.Context, *PeerClient) error) []BroadcastResult {
	results := make([]BroadcastResult, len(clients))
	var wg sync.WaitGroup
	i := 0
	for addr, c := range clients {
		wg.Add(1)
		go func(i int, addr string, c *PeerClient) {
			defer wg.Done()
			results[i] = BroadcastResult{Addr: addr, Err: fn(ctx, c)}
		}(i, addr, c)
		i++
	}
	wg.Wait()
	return results
}
