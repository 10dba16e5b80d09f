package types

import "time"

// ConfigKey identifies a single configuration entry within a namespace.
// DataID and Group together form the Nacos-compatible addressing scheme;
// Tenant is the namespace ID ("" is the default namespace).
type ConfigKey struct {
	DataID string
	Group  string
	Tenant string
}

// ConfigEntry is a durable configuration entry tracked by the config engine.
type ConfigEntry struct {
	Key       ConfigKey
	Content   string
	MD5       string // hex md5 of Content, recomputed on every Set
	Type      string // "text", "json", "yaml", "properties" — informational only
	AppName   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConfigListener is a single long-poll waiter registered against a set of
// config keys, each pinned to the MD5 the client last observed.
type ConfigListener struct {
	ConnID     string
	Keys       []ConfigKey
	ClientMD5s map[ConfigKey]string
	Registered time.Time
}

// ServiceKey identifies a service within a namespace and group.
type ServiceKey struct {
	Name      string
	Group     string
	Namespace string
}

// Service is a named, grouped collection of instances plus cluster metadata.
type Service struct {
	Key               ServiceKey
	ProtectThreshold  float64 // ratio [0,1]; at or below this, all enabled instances are returned as healthy
	Metadata          map[string]string
	Clusters          map[string]*Cluster
	CreatedAt         time.Time
}

// Cluster is a named partition of instances within a service (e.g. by
// availability zone), mirroring Nacos's service/cluster/instance hierarchy.
type Cluster struct {
	Name     string
	Metadata map[string]string
}

// InstanceKey identifies one instance of a service.
type InstanceKey struct {
	Service ServiceKey
	Cluster string
	IP      string
	Port    int
}

// Instance is a single registered service endpoint.
type Instance struct {
	Key          InstanceKey
	Weight       float64
	Healthy      bool
	Enabled      bool
	Ephemeral    bool // true: removed by heartbeat timeout; false: removed only by explicit deregister
	Metadata     map[string]string
	LastBeat     time.Time // time of registration or last heartbeat
	RegisteredAt time.Time

	// HealthCheckType selects the active probe pkg/healthcheck runs for
	// a non-ephemeral (durable) instance: "none", "tcp", or "http".
	// Ignored for ephemeral instances, which are governed purely by
	// heartbeat timeout.
	HealthCheckType string
	// HealthCheckTarget is the address (tcp) or URL (http) the active
	// probe checks. Defaults to the instance's own IP:Port when empty.
	HealthCheckTarget string

	// HeartbeatTimeout is how long an ephemeral instance may go without
	// a heartbeat before it's marked unhealthy. Zero means the naming
	// engine's default (15s) applies.
	HeartbeatTimeout time.Duration
	// RemoveTimeout is how long an ephemeral instance may stay
	// unhealthy before it's removed outright. Zero means the naming
	// engine's default (30s) applies.
	RemoveTimeout time.Duration
}

// Subscriber is a connection subscribed to push notifications for a service.
type Subscriber struct {
	ConnID    string
	Service   ServiceKey
	Cluster   string // "" subscribes to all clusters
	Addr      string // remote address, for legacy UDP push
	Subscribed time.Time
}

// CacheType distinguishes the payload shape stored under a CacheKey.
type CacheType string

const (
	CacheTypeString      CacheType = "string"
	CacheTypeMap         CacheType = "map"
	CacheTypeUserSession CacheType = "user_session"
)

// CacheKey addresses a single entry in the cache/session engine.
type CacheKey struct {
	Type CacheType
	Key  string
}

// CacheEntry is a single TTL-bounded entry held by the cache engine.
// TTL restarts from the moment of the most recent Set, per Nacos session
// semantics: re-setting a key with the same value still pushes the
// expiry out rather than leaving the original deadline in place.
type CacheEntry struct {
	Key       CacheKey
	Raw       []byte            // raw bytes for CacheTypeString
	Fields    map[string]string // decoded fields for CacheTypeMap / CacheTypeUserSession
	TTL       time.Duration
	ExpiresAt time.Time
}

// Namespace is a top-level partition for configs, services, and users.
type Namespace struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// User is a login principal for the Nacos-compatible auth endpoints.
type User struct {
	Username     string
	PasswordHash string // bcrypt
	Roles        []string
	CreatedAt    time.Time
}

// Sequence is a durable monotonic counter, used to mint IDs that must
// survive leadership changes (e.g. connection generation numbers).
type Sequence struct {
	Name string
	Next uint64
}

// ErrorKind classifies an operation failure so callers and the external
// interfaces can map it to the right wire-level status without string
// matching.
type ErrorKind string

const (
	ErrNotLeader      ErrorKind = "not_leader"
	ErrNoLeader       ErrorKind = "no_leader"
	ErrInvalidArgument ErrorKind = "invalid_argument"
	ErrNotFound       ErrorKind = "not_found"
	ErrConflict       ErrorKind = "conflict"
	ErrUnavailable    ErrorKind = "unavailable"
	ErrFatal          ErrorKind = "fatal"
)

// Error is the structured error type returned by every engine and routed
// operation. Hint carries operator-facing detail (e.g. the current leader
// address for ErrNotLeader) that callers may choose to surface.
type Error struct {
	Kind    ErrorKind
	Message string
	Hint    string
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return e.Message + " (" + e.Hint + ")"
	}
	return e.Message
}

// NewError constructs an *Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithHint returns a copy of e with Hint set.
func (e *Error) WithHint(hint string) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Hint: hint}
}
