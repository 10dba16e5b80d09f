package storage

import (
	"github.com/meridian-io/meridian/pkg/types"
)

// Store defines the interface for durable cluster state. It is applied
// only from the Raft FSM's Apply path (or on restore from snapshot/log
// replay), never directly from request handlers, so every node's store
// converges on the same state regardless of which node is leader.
type Store interface {
	// Config entries
	PutConfig(entry *types.ConfigEntry) error
	GetConfig(key types.ConfigKey) (*types.ConfigEntry, error)
	DeleteConfig(key types.ConfigKey) error
	ListConfigs(tenant string) ([]*types.ConfigEntry, error)

	// Services and instances (durable, non-ephemeral only; ephemeral
	// instances live purely in the naming engine's in-memory state)
	PutService(svc *types.Service) error
	GetService(key types.ServiceKey) (*types.Service, error)
	DeleteService(key types.ServiceKey) error
	ListServices(namespace string) ([]*types.Service, error)

	PutInstance(inst *types.Instance) error
	GetInstance(key types.InstanceKey) (*types.Instance, error)
	DeleteInstance(key types.InstanceKey) error
	ListInstances(svc types.ServiceKey) ([]*types.Instance, error)

	// Cache entries (persisted so a cache node that restarts recovers
	// sessions rather than forcing every client to re-authenticate)
	PutCacheEntry(entry *types.CacheEntry) error
	GetCacheEntry(key types.CacheKey) (*types.CacheEntry, error)
	DeleteCacheEntry(key types.CacheKey) error
	ListCacheEntries(cacheType types.CacheType) ([]*types.CacheEntry, error)

	// Namespaces
	PutNamespace(ns *types.Namespace) error
	GetNamespace(id string) (*types.Namespace, error)
	DeleteNamespace(id string) error
	ListNamespaces() ([]*types.Namespace, error)

	// Users
	PutUser(user *types.User) error
	GetUser(username string) (*types.User, error)
	DeleteUser(username string) error
	ListUsers() ([]*types.User, error)

	// Sequences
	NextSequence(name string) (uint64, error)

	Close() error
}
