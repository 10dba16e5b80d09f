/*
Package types defines the core data structures shared across Meridian's
engines: configuration entries, service/instance registrations, cache
entries, and the namespaces, users, and sequences that scope them.

# Core Types

Configuration:
  - ConfigKey: (DataID, Group, Tenant) address of a config entry
  - ConfigEntry: durable content plus its MD5 for change detection
  - ConfigListener: a long-poll waiter pinned to last-seen MD5s

Naming:
  - ServiceKey: (Name, Group, Namespace) address of a service
  - Service: protection threshold, metadata, named clusters
  - InstanceKey / Instance: a single registered endpoint
  - Subscriber: a connection registered for push notifications

Cache/session:
  - CacheKey / CacheType / CacheEntry: TTL-bounded key-value entries,
    including login sessions

Scoping:
  - Namespace, User, Sequence

# Errors

Error is the structured error every engine returns, tagged with an
ErrorKind so callers can map failures to the right external-interface
status without string matching: ErrNotLeader, ErrNoLeader,
ErrInvalidArgument, ErrNotFound, ErrConflict, ErrUnavailable, ErrFatal.

# Thread Safety

Types in this package carry no synchronization of their own. The engine
that owns a given value (config, naming, or cache) serializes all
mutation through its own inbox; storage handles durability.
*/
package types
