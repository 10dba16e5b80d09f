/*
Package storage provides bbolt-backed persistence for Meridian's durable
cluster state: configuration entries, non-ephemeral services and
instances, cache/session entries, namespaces, users, and named
sequences. All values are JSON-encoded and stored one bucket per entity
type, keyed by a composite byte-string built from the entity's natural
key (tenant/group/dataId for config, namespace/group/name(/cluster/ip/
port) for services and instances).

# Write path

Store is only ever mutated from the Raft FSM's Apply method (or during
snapshot restore / log replay). Request handlers never call a Store
setter directly — they submit a command through the router, and the FSM
applies it identically on every node, so every replica's BoltStore
converges on the same state. Reads that don't need linearizability (get,
list) may be served directly from a given engine's in-memory state
without touching BoltDB at all; BoltDB exists for durability across
restarts, not as the primary read path.

# Ephemeral instances

Ephemeral service instances (registered with Instance.Ephemeral = true)
are never written to the Store — they live only in the naming engine's
in-memory maps and are rebuilt from client heartbeats after a restart.
Only durable instances round-trip through PutInstance/ListInstances.
*/
package storage
