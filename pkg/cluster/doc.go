// Package cluster documents the Raft wiring used by C1/C2.
//
// A Node bootstraps or joins a Raft group backed by raft-boltdb log
// and stable stores and a file snapshot store, all rooted under its
// data directory:
//
//	<data-dir>/raft-log.db
//	<data-dir>/raft-stable.db
//	<data-dir>/snapshots/
//
// Joining a running cluster is a two-step handshake: the new node
// starts its own Raft instance with no peers, then calls the leader's
// internal Join RPC, which invokes AddVoter on the leader's side. Raft
// itself then replicates the log (or installs a snapshot) to the new
// member; Join never transfers state directly.
//
// Every write to Raft — ConfigSet, NamingSet for durable instances,
// CacheSet, and so on — flows through Node.Apply, the only path into
// the replicated log. pkg/router is the only caller that should use it
// directly; other packages submit commands through the router so that
// non-leader nodes forward rather than silently no-op.
package cluster
