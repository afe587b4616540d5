// Package transport - Peer RPC (spec §4.H)
//
// What: Prepare/commit/rollback RPCs between nodes, plus a broadcast
// helper, so a transaction whose write-set spans more than one owner can
// relay its prepare/commit decisions to the owners that are not the
// coordinator. At-most-once delivery is not assumed (spec §6); duplicate
// RPCs are harmless because internal/gmutxn and internal/commitmgr are
// already idempotent by tx_id.
// How: Manual grpc.ServiceDesc plus a JSON codec, exactly tinySQL's
// cmd/server/main.go pattern (registerTinySQLServer/_TinySQL_*_Handler/
// jsonCodec) with no protobuf generation step. The wire frame format is
// explicitly out of scope (spec §1 Non-goals) — JSON-over-grpc is an
// implementation convenience, not a specified format.
// Why: tinySQL already shows the idiomatic way to run a typed RPC surface
// over grpc without a .proto toolchain; that shape generalizes directly
// from "Exec/Query" to "Prepare/Commit/Rollback".
package transport

import (
	"encoding/json"

	"github.com/gmucore/gmukv/internal/vclock"
)

// VectorWire is the wire representation of a vclock.Version: one entry per
// defined coordinate, keyed by node id. NonExisting coordinates are simply
// absent rather than encoded.
type VectorWire map[vclock.NodeID]int64

// ToWire flattens v into its wire representation.
func ToWire(v vclock.Version) VectorWire {
	w := make(VectorWire, len(v.Snapshot().Nodes()))
	for _, n := range v.Snapshot().Nodes() {
		if c := v.Get(n); c != vclock.NonExisting {
			w[n] = c
		}
	}
	return w
}

// FromWire rebuilds a Version from its wire representation, projected onto
// gen's cluster snapshot.
func FromWire(gen *vclock.Generator, w VectorWire) vclock.Version {
	v := gen.GenerateNew()
	for n, c := range w {
		v = v.WithCoord(n, c)
	}
	return v
}

// PrepareRequest relays one transaction's write-set (or ClearCommand) and
// the read-set it needs validated against this node's owned keys, plus the
// prepare-version the origin minted (spec §4.E Prepare "inherited
// prepare-version (replica)").
type PrepareRequest struct {
	TxID           string                `json:"tx_id"`
	Writes         map[string]any        `json:"writes,omitempty"`
	ClearAll       bool                  `json:"clear_all,omitempty"`
	ReadSet        map[string]VectorWire `json:"read_set,omitempty"`
	PrepareVersion VectorWire            `json:"prepare_version"`
}

// PrepareResponse reports whether prepare succeeded on this node. Error is
// the empty string on success; a non-empty Error always means the caller
// must treat the whole transaction as failed at prepare.
type PrepareResponse struct {
	Error string `json:"error,omitempty"`
}

// CommitRequest relays the commit version the origin computed; replicas
// never compute their own (spec §4.E Prepare step 4, origin-local only).
type CommitRequest struct {
	TxID          string     `json:"tx_id"`
	CommitVersion VectorWire `json:"commit_version"`
}

// CommitResponse reports whether commit succeeded on this node.
type CommitResponse struct {
	Error string `json:"error,omitempty"`
}

// RollbackRequest asks a node to release any write intents and queue state
// it is holding for TxID.
type RollbackRequest struct {
	TxID string `json:"tx_id"`
}

// RollbackResponse is always empty: Rollback has no failure mode a caller
// can act on (spec §4.E Rollback "best-effort, never blocks").
type RollbackResponse struct{}

// jsonCodec is a grpc.Codec implementation using encoding/json instead of
// protobuf, registered once at process start (tinySQL's jsonCodec).
type jsonCodec struct{}

func (jsonCodec) Name() string                     { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
