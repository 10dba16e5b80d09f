// Package fsm implements the state-machine applier (C3): the single
// consumer of committed Raft log entries, dispatching each tagged
// command to the owning engine and recording durable state in
// pkg/storage where the entry represents durable data.
package fsm

import (
	"encoding/json"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/storage"
	"github.com/meridian-io/meridian/pkg/types"
)

// Command operation tags. These are the variants named in the
// applier's dispatch table.
const (
	OpConfigSet        = "ConfigSet"
	OpConfigDel        = "ConfigDel"
	OpNamingSet        = "NamingSet"
	OpNamingDel        = "NamingDel"
	OpServiceSet       = "ServiceSet"
	OpCacheSet         = "CacheSet"
	OpCacheDel         = "CacheDel"
	OpNamespaceOp      = "NamespaceOp"
	OpUserOp           = "UserOp"
	OpSequenceAlloc    = "SequenceAlloc"
	OpMembershipChange = "MembershipChange"
)

// Command is a single Raft log entry: a tagged operation plus its
// JSON-encoded payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Payload shapes, one per Op.
type ConfigSetPayload struct {
	Key         types.ConfigKey `json:"key"`
	Content     string          `json:"content"`
	ContentType string          `json:"content_type"`
	AppName     string          `json:"app_name"`
}

type ConfigDelPayload struct {
	Key types.ConfigKey `json:"key"`
}

type NamingSetPayload struct {
	Instance *types.Instance `json:"instance"`
}

type NamingDelPayload struct {
	Key types.InstanceKey `json:"key"`
}

// ServiceSetPayload carries a service-level attribute update (protect
// threshold, metadata, clusters) — the only way a service's
// ProtectThreshold can become non-zero. It never touches the
// service's registered instances.
type ServiceSetPayload struct {
	Service *types.Service `json:"service"`
}

type CacheSetPayload struct {
	Key    types.CacheKey    `json:"key"`
	Raw    []byte            `json:"raw"`
	Fields map[string]string `json:"fields"`
	TTL    time.Duration     `json:"ttl"`
}

type CacheDelPayload struct {
	Key types.CacheKey `json:"key"`
}

type NamespaceOpPayload struct {
	Delete    bool             `json:"delete"`
	Namespace *types.Namespace `json:"namespace,omitempty"`
	ID        string           `json:"id,omitempty"`
}

type UserOpPayload struct {
	Delete   bool        `json:"delete"`
	User     *types.User `json:"user,omitempty"`
	Username string      `json:"username,omitempty"`
}

type SequenceAllocPayload struct {
	Name string `json:"name"`
}

// MembershipChangePayload describes a membership-change event.
// Raft's own membership changes go through AddVoter/AddNonvoter/
// RemoveServer directly; Apply accepts this command as a no-op: it
// neither alters cluster membership nor records the event in
// pkg/storage.
type MembershipChangePayload struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
	Action string `json:"action"` // "add_voter", "add_learner", "remove"
}

// ApplyResult is returned from Apply via raft.ApplyFuture.Response().
type ApplyResult struct {
	SequenceValue uint64 `json:"sequence_value,omitempty"`
}

// StateMachine implements raft.FSM. It owns no lock: hashicorp/raft
// only ever invokes Apply from its own single FSM goroutine, so the
// engines it dispatches into are reached exactly the way a single-
// threaded applier is specified to reach them.
type StateMachine struct {
	store  storage.Store
	config *config.Engine
	naming *naming.Engine
	cache  *cache.Engine

	// onFatal is invoked for a malformed entry or an invariant
	// violation; the caller (cluster.Node) halts the raft transport
	// and exits. Apply itself still returns so raft's own call stack
	// unwinds cleanly.
	onFatal func(err error)
}

// New creates a StateMachine wired to the given engines and store.
// onFatal may be nil and set later via SetOnFatal — the owning
// cluster.Node is often constructed after the StateMachine since Node
// itself takes the StateMachine as a raft.FSM constructor argument.
func New(store storage.Store, cfg *config.Engine, nm *naming.Engine, ch *cache.Engine, onFatal func(error)) *StateMachine {
	return &StateMachine{store: store, config: cfg, naming: nm, cache: ch, onFatal: onFatal}
}

// SetOnFatal installs the fatal-error callback.
func (f *StateMachine) SetOnFatal(fn func(error)) {
	f.onFatal = fn
}

func (f *StateMachine) fatal(err error) interface{} {
	log.Logger.Error().Err(err).Msg("fatal error applying raft log entry, halting node")
	if f.onFatal != nil {
		f.onFatal(err)
	}
	return err
}

// Apply applies a single committed Raft log entry.
func (f *StateMachine) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return f.fatal(types.NewError(types.ErrFatal, "malformed log entry: "+err.Error()))
	}

	now := time.Now()

	switch cmd.Op {
	case OpConfigSet:
		var p ConfigSetPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		entry := &types.ConfigEntry{Key: p.Key, Content: p.Content, Type: p.ContentType, AppName: p.AppName, UpdatedAt: now}
		if err := f.store.PutConfig(entry); err != nil {
			return f.fatal(err)
		}
		f.config.Set(p.Key, p.Content, p.ContentType, p.AppName, now)
		return nil

	case OpConfigDel:
		var p ConfigDelPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if err := f.store.DeleteConfig(p.Key); err != nil {
			return f.fatal(err)
		}
		f.config.Delete(p.Key)
		return nil

	case OpNamingSet:
		var p NamingSetPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if !p.Instance.Ephemeral {
			if err := f.store.PutInstance(p.Instance); err != nil {
				return f.fatal(err)
			}
		}
		f.naming.RegisterInstance(p.Instance, now)
		return nil

	case OpNamingDel:
		var p NamingDelPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if err := f.store.DeleteInstance(p.Key); err != nil && !isNotFound(err) {
			return f.fatal(err)
		}
		f.naming.DeregisterInstance(p.Key)
		return nil

	case OpServiceSet:
		var p ServiceSetPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if err := f.store.PutService(p.Service); err != nil {
			return f.fatal(err)
		}
		f.naming.SetService(p.Service, now)
		return nil

	case OpCacheSet:
		var p CacheSetPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		entry := &types.CacheEntry{Key: p.Key, Raw: p.Raw, Fields: p.Fields, TTL: p.TTL, ExpiresAt: now.Add(p.TTL)}
		if err := f.store.PutCacheEntry(entry); err != nil {
			return f.fatal(err)
		}
		f.cache.Set(p.Key, p.Raw, p.Fields, p.TTL, now)
		return nil

	case OpCacheDel:
		var p CacheDelPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if err := f.store.DeleteCacheEntry(p.Key); err != nil && !isNotFound(err) {
			return f.fatal(err)
		}
		f.cache.Delete(p.Key)
		return nil

	case OpNamespaceOp:
		var p NamespaceOpPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if p.Delete {
			if err := f.store.DeleteNamespace(p.ID); err != nil {
				return f.fatal(err)
			}
			return nil
		}
		if err := f.store.PutNamespace(p.Namespace); err != nil {
			return f.fatal(err)
		}
		return nil

	case OpUserOp:
		var p UserOpPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		if p.Delete {
			if err := f.store.DeleteUser(p.Username); err != nil {
				return f.fatal(err)
			}
			return nil
		}
		if err := f.store.PutUser(p.User); err != nil {
			return f.fatal(err)
		}
		return nil

	case OpSequenceAlloc:
		var p SequenceAllocPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return f.fatal(err)
		}
		next, err := f.store.NextSequence(p.Name)
		if err != nil {
			return f.fatal(err)
		}
		return &ApplyResult{SequenceValue: next}

	case OpMembershipChange:
		// No-op; membership itself moves via AddVoter/AddNonvoter/
		// RemoveServer, and nothing is stored for this entry.
		return nil

	default:
		return f.fatal(types.NewError(types.ErrFatal, "unknown command op: "+cmd.Op))
	}
}

func isNotFound(err error) bool {
	merr, ok := err.(*types.Error)
	return ok && merr.Kind == types.ErrNotFound
}

// Snapshot captures durable state for Raft's log-compaction snapshot.
// Ephemeral naming state is not included: ephemeral instances are
// rebuilt from client heartbeats after a restart, never from a
// snapshot. Of the cache entries persisted in the store, only those of
// type UserSession are included.
func (f *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	configs, err := f.store.ListConfigs("")
	if err != nil {
		return nil, err
	}
	namespaces, err := f.store.ListNamespaces()
	if err != nil {
		return nil, err
	}
	users, err := f.store.ListUsers()
	if err != nil {
		return nil, err
	}

	var services []*types.Service
	var instances []*types.Instance
	for _, ns := range namespaces {
		svcs, err := f.store.ListServices(ns.ID)
		if err != nil {
			return nil, err
		}
		services = append(services, svcs...)
		for _, svc := range svcs {
			insts, err := f.store.ListInstances(svc.Key)
			if err != nil {
				return nil, err
			}
			instances = append(instances, insts...)
		}
	}

	cacheEntries, err := f.store.ListCacheEntries(types.CacheTypeUserSession)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Configs:      configs,
		Namespaces:   namespaces,
		Users:        users,
		Services:     services,
		Instances:    instances,
		CacheEntries: cacheEntries,
	}, nil
}

// Restore replays a Snapshot into both the durable store and the
// in-memory engines.
func (f *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}

	now := time.Now()
	for _, entry := range snap.Configs {
		if err := f.store.PutConfig(entry); err != nil {
			return err
		}
		f.config.Set(entry.Key, entry.Content, entry.Type, entry.AppName, now)
	}
	for _, ns := range snap.Namespaces {
		if err := f.store.PutNamespace(ns); err != nil {
			return err
		}
	}
	for _, user := range snap.Users {
		if err := f.store.PutUser(user); err != nil {
			return err
		}
	}
	for _, svc := range snap.Services {
		if err := f.store.PutService(svc); err != nil {
			return err
		}
		f.naming.SetService(svc, now)
	}
	for _, inst := range snap.Instances {
		if err := f.store.PutInstance(inst); err != nil {
			return err
		}
		f.naming.RegisterInstance(inst, now)
	}
	for _, entry := range snap.CacheEntries {
		if err := f.store.PutCacheEntry(entry); err != nil {
			return err
		}
		f.cache.Set(entry.Key, entry.Raw, entry.Fields, entry.TTL, now)
	}

	return nil
}

// Snapshot is the JSON-serialized point-in-time durable state captured
// by StateMachine.Snapshot and replayed by StateMachine.Restore.
type Snapshot struct {
	Configs      []*types.ConfigEntry `json:"configs"`
	Namespaces   []*types.Namespace   `json:"namespaces"`
	Users        []*types.User        `json:"users"`
	Services     []*types.Service     `json:"services"`
	Instances    []*types.Instance    `json:"instances"`
	CacheEntries []*types.CacheEntry  `json:"cache_entries"`
}

// Persist writes the snapshot to sink as JSON.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources. Snapshot holds none.
func (s *Snapshot) Release() {}
