// Package httpapi implements the Nacos-compatible HTTP surface (spec
// §6.1): login, config CRUD plus the pipe-delimited long-poll listener
// format, and the naming (instance) endpoints. It is a plain
// net/http.ServeMux, matching the teacher's own HTTP idiom in
// pkg/api/health.go rather than pulling in a third-party router.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/router"
	"github.com/meridian-io/meridian/pkg/storage"
	"github.com/meridian-io/meridian/pkg/types"
)

const (
	tokenTTL            = 18000 * time.Second // Nacos's default tokenValidityInSeconds
	defaultListenTimeout = 30 * time.Second

	configFieldSep = '\x02'
	configLineSep  = '\x01'
)

// Server serves the Nacos-compatible HTTP/1.1 endpoints over
// net/http.ServeMux.
type Server struct {
	router *router.Router
	config *config.Engine
	naming *naming.Engine
	cache  *cache.Engine
	store  storage.Store

	mux *http.ServeMux
	srv *http.Server
}

// NewServer wires a Server to the engines and router it dispatches
// into.
func NewServer(r *router.Router, cfg *config.Engine, nm *naming.Engine, ch *cache.Engine, store storage.Store) *Server {
	s := &Server{router: r, config: cfg, naming: nm, cache: ch, store: store, mux: http.NewServeMux()}

	s.mux.HandleFunc("/nacos/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/nacos/v1/cs/configs", s.handleConfigs)
	s.mux.HandleFunc("/nacos/v1/cs/configs/listener", s.handleConfigListener)
	s.mux.HandleFunc("/nacos/v1/ns/instance", s.handleInstance)
	s.mux.HandleFunc("/nacos/v1/ns/instance/list", s.handleInstanceList)
	s.mux.HandleFunc("/nacos/v1/ns/service", s.handleService)

	return s
}

// Start listens on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: defaultListenTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info(fmt.Sprintf("http api listening on %s", addr))
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Auth ---

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	TokenTTL    int64  `json:"tokenTtl"`
	GlobalAdmin bool   `json:"globalAdmin"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, err := s.store.GetUser(username)
	if err != nil {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	token := uuid.NewString()
	fields := map[string]string{"username": username}
	s.cache.Set(types.CacheKey{Type: types.CacheTypeUserSession, Key: token}, nil, fields, tokenTTL, time.Now())

	globalAdmin := false
	for _, role := range user.Roles {
		if role == "ROLE_ADMIN" {
			globalAdmin = true
		}
	}

	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenTTL: int64(tokenTTL.Seconds()), GlobalAdmin: globalAdmin})
}

// --- Config CRUD ---

func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getConfig(w, r)
	case http.MethodPost, http.MethodPut:
		s.publishConfig(w, r)
	case http.MethodDelete:
		s.removeConfig(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func configKeyFromQuery(q url.Values) types.ConfigKey {
	return types.ConfigKey{DataID: q.Get("dataId"), Group: q.Get("group"), Tenant: q.Get("tenant")}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	key := configKeyFromQuery(r.URL.Query())
	entry, err := s.config.Get(key)
	if err != nil {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writeText(w, http.StatusOK, entry.Content)
}

func (s *Server) publishConfig(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	key := types.ConfigKey{DataID: r.FormValue("dataId"), Group: r.FormValue("group"), Tenant: r.FormValue("tenant")}
	if key.DataID == "" || key.Group == "" {
		writeText(w, http.StatusBadRequest, "false")
		return
	}

	data, _ := json.Marshal(fsm.ConfigSetPayload{
		Key:         key,
		Content:     r.FormValue("content"),
		ContentType: r.FormValue("type"),
		AppName:     r.FormValue("appName"),
	})
	cmd := fsm.Command{Op: fsm.OpConfigSet, Data: data}

	if _, err := s.router.Do(r.Context(), cmd); err != nil {
		metrics.ConfigPublishTotal.WithLabelValues("error").Inc()
		writeText(w, http.StatusInternalServerError, "false")
		return
	}
	metrics.ConfigPublishTotal.WithLabelValues("ok").Inc()
	writeText(w, http.StatusOK, "true")
}

func (s *Server) removeConfig(w http.ResponseWriter, r *http.Request) {
	key := configKeyFromQuery(r.URL.Query())
	if key.DataID == "" || key.Group == "" {
		writeText(w, http.StatusBadRequest, "false")
		return
	}

	data, _ := json.Marshal(fsm.ConfigDelPayload{Key: key})
	cmd := fsm.Command{Op: fsm.OpConfigDel, Data: data}

	if _, err := s.router.Do(r.Context(), cmd); err != nil {
		writeText(w, http.StatusInternalServerError, "false")
		return
	}
	writeText(w, http.StatusOK, "true")
}

// --- Config long-poll listener ---

// handleConfigListener implements Nacos's pipe-delimited long-poll wire
// format: the client POSTs a "Listening-Configs" form field containing
// %02-delimited fields within each entry and %01-delimited entries
// (dataId, group, md5[, tenant]); the server parks the request until a
// watched key's MD5 changes, or Long-Pulling-Timeout elapses, then
// responds with the changed keys in the same pipe-delimited shape.
func (s *Server) handleConfigListener(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	raw := r.FormValue("Listening-Configs")
	keys, md5s, err := parseListeningConfigs(raw)
	if err != nil {
		http.Error(w, "bad Listening-Configs", http.StatusBadRequest)
		return
	}

	timeout := defaultListenTimeout
	if hdr := r.Header.Get("Long-Pulling-Timeout"); hdr != "" {
		if ms, err := strconv.Atoi(hdr); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	changed, err := s.config.LongPoll(keys, md5s, timeout)
	if err != nil {
		http.Error(w, "long poll failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writeText(w, http.StatusOK, encodeChangedConfigs(changed))
}

func parseListeningConfigs(raw string) ([]types.ConfigKey, map[types.ConfigKey]string, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return nil, nil, err
	}

	var keys []types.ConfigKey
	md5s := make(map[types.ConfigKey]string)

	for _, line := range strings.Split(decoded, string(configLineSep)) {
		if line == "" {
			continue
		}
		fields := strings.Split(line, string(configFieldSep))
		if len(fields) < 3 {
			return nil, nil, fmt.Errorf("malformed listening-configs entry: %q", line)
		}
		key := types.ConfigKey{DataID: fields[0], Group: fields[1]}
		md5 := fields[2]
		if len(fields) >= 4 {
			key.Tenant = fields[3]
		}
		keys = append(keys, key)
		md5s[key] = md5
	}
	return keys, md5s, nil
}

func encodeChangedConfigs(keys []types.ConfigKey) string {
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key.DataID)
		b.WriteByte(configFieldSep)
		b.WriteString(key.Group)
		if key.Tenant != "" {
			b.WriteByte(configFieldSep)
			b.WriteString(key.Tenant)
		}
		b.WriteByte(configLineSep)
	}
	return b.String()
}

// --- Naming (instance) ---

func instanceKeyFromValues(q url.Values) types.InstanceKey {
	port, _ := strconv.Atoi(q.Get("port"))
	return types.InstanceKey{
		Service: types.ServiceKey{Name: q.Get("serviceName"), Group: q.Get("groupName"), Namespace: q.Get("namespace")},
		Cluster: firstNonEmpty(q.Get("clusterName"), "DEFAULT"),
		IP:      q.Get("ip"),
		Port:    port,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	q := r.Form

	switch r.Method {
	case http.MethodPost:
		s.registerInstance(w, r, q)
	case http.MethodDelete:
		s.deregisterInstance(w, r, q)
	case http.MethodPut:
		s.heartbeatInstance(w, q)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) registerInstance(w http.ResponseWriter, r *http.Request, q url.Values) {
	key := instanceKeyFromValues(q)
	if key.Service.Name == "" || key.IP == "" || key.Port == 0 {
		writeText(w, http.StatusBadRequest, "false")
		return
	}

	weight := 1.0
	if wv := q.Get("weight"); wv != "" {
		if parsed, err := strconv.ParseFloat(wv, 64); err == nil {
			weight = parsed
		}
	}
	ephemeral := true
	if ev := q.Get("ephemeral"); ev != "" {
		ephemeral = ev == "true"
	}

	inst := &types.Instance{
		Key:              key,
		Weight:           weight,
		Healthy:          true,
		Enabled:          true,
		Ephemeral:        ephemeral,
		Metadata:         parseMetadata(q.Get("metadata")),
		HeartbeatTimeout: secondsParam(q, "heartbeatTimeout"),
		RemoveTimeout:    secondsParam(q, "removeTimeout"),
	}

	if ephemeral {
		s.naming.RegisterInstance(inst, time.Now())
		metrics.InstanceHeartbeatsTotal.WithLabelValues("ok").Inc()
		writeText(w, http.StatusOK, "ok")
		return
	}

	data, _ := json.Marshal(fsm.NamingSetPayload{Instance: inst})
	cmd := fsm.Command{Op: fsm.OpNamingSet, Data: data}
	if _, err := s.router.Do(r.Context(), cmd); err != nil {
		writeText(w, http.StatusInternalServerError, "false")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) deregisterInstance(w http.ResponseWriter, r *http.Request, q url.Values) {
	key := instanceKeyFromValues(q)
	ephemeral := true
	if ev := q.Get("ephemeral"); ev != "" {
		ephemeral = ev == "true"
	}

	if ephemeral {
		s.naming.DeregisterInstance(key)
		writeText(w, http.StatusOK, "ok")
		return
	}

	data, _ := json.Marshal(fsm.NamingDelPayload{Key: key})
	cmd := fsm.Command{Op: fsm.OpNamingDel, Data: data}
	if _, err := s.router.Do(r.Context(), cmd); err != nil {
		writeText(w, http.StatusInternalServerError, "false")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) heartbeatInstance(w http.ResponseWriter, q url.Values) {
	key := instanceKeyFromValues(q)
	if err := s.naming.Heartbeat(key, time.Now()); err != nil {
		metrics.InstanceHeartbeatsTotal.WithLabelValues("error").Inc()
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clientBeatInterval": 5000})
}

// secondsParam parses a query parameter given in seconds (fractions
// allowed) into a
// time.Duration, returning 0 (the engine-default sentinel) when absent
// or malformed.
func secondsParam(q url.Values, name string) time.Duration {
	v := q.Get(name)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func parseMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

type instanceView struct {
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	Healthy     bool              `json:"healthy"`
	Enabled     bool              `json:"enabled"`
	Ephemeral   bool              `json:"ephemeral"`
	ClusterName string            `json:"clusterName"`
	ServiceName string            `json:"serviceName"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type instanceListResponse struct {
	Name                     string         `json:"name"`
	Hosts                    []instanceView `json:"hosts"`
	ReachProtectionThreshold bool           `json:"reachProtectionThreshold"`
}

func (s *Server) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	svcKey := types.ServiceKey{Name: q.Get("serviceName"), Group: q.Get("groupName"), Namespace: q.Get("namespace")}
	healthyOnly := q.Get("healthyOnly") == "true"

	result, err := s.naming.Query(svcKey, q.Get("clusters"), healthyOnly)
	if err != nil {
		writeJSON(w, http.StatusOK, instanceListResponse{Name: svcKey.Name, Hosts: nil})
		return
	}

	hosts := make([]instanceView, 0, len(result.Instances))
	for _, inst := range result.Instances {
		hosts = append(hosts, instanceView{
			IP: inst.Key.IP, Port: inst.Key.Port, Weight: inst.Weight,
			Healthy: inst.Healthy, Enabled: inst.Enabled, Ephemeral: inst.Ephemeral,
			ClusterName: inst.Key.Cluster, ServiceName: svcKey.Name, Metadata: inst.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, instanceListResponse{
		Name: svcKey.Name, Hosts: hosts, ReachProtectionThreshold: result.ReachProtectionThreshold,
	})
}

// handleService manages service-level attributes (as opposed to
// instance registration): the protect threshold and the service
// metadata, which real Nacos also only exposes through this HTTP
// endpoint rather than the gRPC instance-registration stream.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	q := r.Form

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		s.setService(w, r, q)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) setService(w http.ResponseWriter, r *http.Request, q url.Values) {
	svcKey := types.ServiceKey{Name: q.Get("serviceName"), Group: q.Get("groupName"), Namespace: q.Get("namespace")}
	if svcKey.Name == "" {
		writeText(w, http.StatusBadRequest, "false")
		return
	}

	threshold := 0.0
	if tv := q.Get("protectThreshold"); tv != "" {
		if parsed, err := strconv.ParseFloat(tv, 64); err == nil {
			threshold = parsed
		}
	}

	svc := &types.Service{
		Key:              svcKey,
		ProtectThreshold: threshold,
		Metadata:         parseMetadata(q.Get("metadata")),
	}

	data, _ := json.Marshal(fsm.ServiceSetPayload{Service: svc})
	cmd := fsm.Command{Op: fsm.OpServiceSet, Data: data}
	if _, err := s.router.Do(r.Context(), cmd); err != nil {
		writeText(w, http.StatusInternalServerError, "false")
		return
	}
	writeText(w, http.StatusOK, "ok")
}
