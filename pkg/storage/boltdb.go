package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/meridian-io/meridian/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfigs    = []byte("configs")
	bucketServices   = []byte("services")
	bucketInstances  = []byte("instances")
	bucketCache      = []byte("cache")
	bucketNamespaces = []byte("namespaces")
	bucketUsers      = []byte("users")
	bucketSequences  = []byte("sequences")
)

// BoltStore implements Store using bbolt, following a bucket-per-entity
// layout with JSON-encoded values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the bbolt database at
// dataDir/meridian.db and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "meridian.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConfigs,
			bucketServices,
			bucketInstances,
			bucketCache,
			bucketNamespaces,
			bucketUsers,
			bucketSequences,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func configKeyBytes(k types.ConfigKey) []byte {
	return []byte(k.Tenant + "\x00" + k.Group + "\x00" + k.DataID)
}

func serviceKeyBytes(k types.ServiceKey) []byte {
	return []byte(k.Namespace + "\x00" + k.Group + "\x00" + k.Name)
}

func instanceKeyBytes(k types.InstanceKey) []byte {
	return append(serviceKeyBytes(k.Service), []byte(fmt.Sprintf("\x00%s\x00%s\x00%d", k.Cluster, k.IP, k.Port))...)
}

func cacheKeyBytes(k types.CacheKey) []byte {
	return []byte(string(k.Type) + "\x00" + k.Key)
}

// --- Config entries ---

func (s *BoltStore) PutConfig(entry *types.ConfigEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfigs).Put(configKeyBytes(entry.Key), data)
	})
}

func (s *BoltStore) GetConfig(key types.ConfigKey) (*types.ConfigEntry, error) {
	var entry types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfigs).Get(configKeyBytes(key))
		if data == nil {
			return types.NewError(types.ErrNotFound, "config not found")
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) DeleteConfig(key types.ConfigKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).Delete(configKeyBytes(key))
	})
}

func (s *BoltStore) ListConfigs(tenant string) ([]*types.ConfigEntry, error) {
	var entries []*types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).ForEach(func(k, v []byte) error {
			var entry types.ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if tenant == "" || entry.Key.Tenant == tenant {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

// --- Services ---

func (s *BoltStore) PutService(svc *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put(serviceKeyBytes(svc.Key), data)
	})
}

func (s *BoltStore) GetService(key types.ServiceKey) (*types.Service, error) {
	var svc types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get(serviceKeyBytes(key))
		if data == nil {
			return types.NewError(types.ErrNotFound, "service not found")
		}
		return json.Unmarshal(data, &svc)
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *BoltStore) DeleteService(key types.ServiceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete(serviceKeyBytes(key))
	})
}

func (s *BoltStore) ListServices(namespace string) ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc types.Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			if namespace == "" || svc.Key.Namespace == namespace {
				services = append(services, &svc)
			}
			return nil
		})
	})
	return services, err
}

// --- Instances ---

func (s *BoltStore) PutInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstances).Put(instanceKeyBytes(inst.Key), data)
	})
}

func (s *BoltStore) GetInstance(key types.InstanceKey) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get(instanceKeyBytes(key))
		if data == nil {
			return types.NewError(types.ErrNotFound, "instance not found")
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) DeleteInstance(key types.InstanceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(instanceKeyBytes(key))
	})
}

func (s *BoltStore) ListInstances(svc types.ServiceKey) ([]*types.Instance, error) {
	prefix := serviceKeyBytes(svc)
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInstances).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
		}
		return nil
	})
	return instances, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Cache entries ---

func (s *BoltStore) PutCacheEntry(entry *types.CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCache).Put(cacheKeyBytes(entry.Key), data)
	})
}

func (s *BoltStore) GetCacheEntry(key types.CacheKey) (*types.CacheEntry, error) {
	var entry types.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCache).Get(cacheKeyBytes(key))
		if data == nil {
			return types.NewError(types.ErrNotFound, "cache entry not found")
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) DeleteCacheEntry(key types.CacheKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete(cacheKeyBytes(key))
	})
}

func (s *BoltStore) ListCacheEntries(cacheType types.CacheType) ([]*types.CacheEntry, error) {
	prefix := []byte(string(cacheType) + "\x00")
	var entries []*types.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCache).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// --- Namespaces ---

func (s *BoltStore) PutNamespace(ns *types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNamespaces).Put([]byte(ns.ID), data)
	})
}

func (s *BoltStore) GetNamespace(id string) (*types.Namespace, error) {
	var ns types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, "namespace not found")
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) DeleteNamespace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).Delete([]byte(id))
	})
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	return namespaces, err
}

// --- Users ---

func (s *BoltStore) PutUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user.Username), data)
	})
}

func (s *BoltStore) GetUser(username string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(username))
		if data == nil {
			return types.NewError(types.ErrNotFound, "user not found")
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

// --- Sequences ---

// NextSequence atomically increments and returns the named sequence.
// Applied only through the FSM, so the increment is itself replicated
// and every node ends up with the same next value.
func (s *BoltStore) NextSequence(name string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		key := []byte(name)
		data := b.Get(key)
		var cur uint64
		if data != nil {
			cur = binary.BigEndian.Uint64(data)
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(key, buf)
	})
	return next, err
}
