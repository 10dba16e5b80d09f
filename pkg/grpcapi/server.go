package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/push"
	"github.com/meridian-io/meridian/pkg/router"
	"github.com/meridian-io/meridian/pkg/types"
)

// Server implements the Nacos-compatible bidi-stream RPC surface.
type Server struct {
	router *router.Router
	config *config.Engine
	naming *naming.Engine
	cache  *cache.Engine
	push   *push.Registry

	grpc *grpc.Server
}

// NewServer wires a Server to the engines and router it dispatches
// into.
func NewServer(r *router.Router, cfg *config.Engine, nm *naming.Engine, ch *cache.Engine, pr *push.Registry) *Server {
	return &Server{router: r, config: cfg, naming: nm, cache: ch, push: pr}
}

// Start listens on addr and serves the bidi stream until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.grpc = grpc.NewServer()
	RegisterServer(s.grpc, s)

	log.Info(fmt.Sprintf("grpc api listening on %s", addr))
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight streams.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// grpcSender implements push.Sender over a single bidi stream.
type grpcSender struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (g *grpcSender) Transport() string { return "grpc" }

func (g *grpcSender) Send(msg *push.Message) error {
	var payload *Payload
	switch msg.Kind {
	case "config_changed":
		payload = &Payload{Type: TypeConfigChangeNotifyRequest, Body: encodeBody(map[string]string{
			"dataId": msg.ConfigKey.DataID,
			"group":  msg.ConfigKey.Group,
			"tenant": msg.ConfigKey.Tenant,
		})}
	default:
		payload = &Payload{Type: TypeNotifySubscriberRequest, Body: encodeBody(map[string]interface{}{
			"serviceName": msg.ServiceKey.Name,
			"groupName":   msg.ServiceKey.Group,
			"namespace":   msg.ServiceKey.Namespace,
			"clusters":    msg.Cluster,
		})}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream.SendMsg(payload)
}

func (g *grpcSender) sendPayload(p *Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream.SendMsg(p)
}

// handleStream drains one client's bidi stream, dispatching each
// Payload to the matching handler and replying on the same stream.
// ConfigBatchListenRequest starts a background long-poll loop that
// pushes ConfigChangeNotifyRequest asynchronously, independent of the
// request/response loop below.
func (s *Server) handleStream(stream grpc.ServerStream) error {
	connID := uuid.NewString()
	sender := &grpcSender{stream: stream}
	s.push.Register(sender, connID)
	defer s.push.Unregister(connID, "grpc")

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	logger := log.WithConnID(connID)
	logger.Debug().Msg("grpc stream accepted")

	for {
		var req Payload
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}

		metrics.APIRequestsTotal.WithLabelValues("grpc", req.Type, "received").Inc()
		resp := s.dispatch(ctx, connID, &req)
		if resp == nil {
			continue
		}
		if err := sender.sendPayload(resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, connID string, req *Payload) *Payload {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "grpc", req.Type)

	switch req.Type {
	case TypeConfigPublishRequest:
		return s.handleConfigPublish(ctx, req)
	case TypeConfigQueryRequest:
		return s.handleConfigQuery(req)
	case TypeConfigRemoveRequest:
		return s.handleConfigRemove(ctx, req)
	case TypeConfigBatchListenRequest:
		return s.handleConfigBatchListen(ctx, connID, req)
	case TypeInstanceRequest:
		return s.handleInstance(ctx, req)
	case TypeBatchInstanceRequest:
		return s.handleBatchInstance(ctx, req)
	case TypeSubscribeServiceRequest:
		return s.handleSubscribe(connID, req)
	case TypeServiceQueryRequest:
		return s.handleServiceQuery(req)
	case TypeServiceListRequest:
		return s.handleServiceList(req)
	case TypeHealthCheckRequest:
		return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
	default:
		return &Payload{Type: TypeErrorResponse, Body: encodeBody(fail(400, "unknown request type: "+req.Type))}
	}
}

// --- Config ---

type configPublishBody struct {
	DataID      string `json:"dataId"`
	Group       string `json:"group"`
	Tenant      string `json:"tenant"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	AppName     string `json:"appName"`
}

func (s *Server) handleConfigPublish(ctx context.Context, req *Payload) *Payload {
	var body configPublishBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	key := types.ConfigKey{DataID: body.DataID, Group: body.Group, Tenant: body.Tenant}
	data, _ := json.Marshal(fsm.ConfigSetPayload{Key: key, Content: body.Content, ContentType: body.Type, AppName: body.AppName})
	cmd := fsm.Command{Op: fsm.OpConfigSet, Data: data}

	if _, err := s.router.Do(ctx, cmd); err != nil {
		return errorPayload(500, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
}

type configQueryBody struct {
	DataID string `json:"dataId"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

func (s *Server) handleConfigQuery(req *Payload) *Payload {
	var body configQueryBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	key := types.ConfigKey{DataID: body.DataID, Group: body.Group, Tenant: body.Tenant}
	entry, err := s.config.Get(key)
	if err != nil {
		if merr, ok := err.(*types.Error); ok && merr.Kind == types.ErrNotFound {
			return &Payload{Type: TypeErrorResponse, Body: encodeBody(fail(404, "config not found"))}
		}
		return errorPayload(500, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(map[string]interface{}{
		"content": entry.Content,
		"md5":     entry.MD5,
		"type":    entry.Type,
		"success": true,
	})}
}

type configRemoveBody struct {
	DataID string `json:"dataId"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

func (s *Server) handleConfigRemove(ctx context.Context, req *Payload) *Payload {
	var body configRemoveBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	key := types.ConfigKey{DataID: body.DataID, Group: body.Group, Tenant: body.Tenant}
	data, _ := json.Marshal(fsm.ConfigDelPayload{Key: key})
	cmd := fsm.Command{Op: fsm.OpConfigDel, Data: data}

	if _, err := s.router.Do(ctx, cmd); err != nil {
		return errorPayload(500, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
}

type configListenItem struct {
	DataID string `json:"dataId"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
	MD5    string `json:"md5"`
}

type configBatchListenBody struct {
	Listen bool               `json:"listen"`
	Items  []configListenItem `json:"configListenContexts"`
}

// handleConfigBatchListen starts a background long-poll loop for
// connID's watch set (each call starts a new loop; earlier loops keep
// running until the stream ends) and replies with a plain success
// acknowledgement; the client learns about changes via asynchronous
// ConfigChangeNotifyRequest pushes sent on the same stream.
func (s *Server) handleConfigBatchListen(ctx context.Context, connID string, req *Payload) *Payload {
	var body configBatchListenBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	if !body.Listen {
		return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
	}

	keys := make([]types.ConfigKey, 0, len(body.Items))
	md5s := make(map[types.ConfigKey]string, len(body.Items))
	for _, item := range body.Items {
		key := types.ConfigKey{DataID: item.DataID, Group: item.Group, Tenant: item.Tenant}
		keys = append(keys, key)
		md5s[key] = item.MD5
	}

	go s.watchConfigs(ctx, connID, keys, md5s)
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
}

func (s *Server) watchConfigs(ctx context.Context, connID string, keys []types.ConfigKey, md5s map[types.ConfigKey]string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		changed, err := s.config.LongPoll(keys, md5s, 30*time.Second)
		if err != nil {
			return
		}
		if len(changed) == 0 {
			continue
		}
		for _, key := range changed {
			entry, err := s.config.Get(key)
			if err == nil {
				md5s[key] = entry.MD5
			}
			s.push.NotifyConfig(connID, key)
		}
	}
}

// --- Naming ---

type instanceBody struct {
	Register         bool              `json:"register"`
	ServiceName      string            `json:"serviceName"`
	GroupName        string            `json:"groupName"`
	Namespace        string            `json:"namespace"`
	Cluster          string            `json:"cluster"`
	IP               string            `json:"ip"`
	Port             int               `json:"port"`
	Weight           float64           `json:"weight"`
	Healthy          bool              `json:"healthy"`
	Enabled          bool              `json:"enabled"`
	Ephemeral        bool              `json:"ephemeral"`
	Metadata         map[string]string `json:"metadata"`
	HeartbeatTimeout float64           `json:"heartbeatTimeout"` // seconds; 0 = engine default
	RemoveTimeout    float64           `json:"removeTimeout"`    // seconds; 0 = engine default
}

func (b instanceBody) toInstance() *types.Instance {
	return &types.Instance{
		Key: types.InstanceKey{
			Service: types.ServiceKey{Name: b.ServiceName, Group: b.GroupName, Namespace: b.Namespace},
			Cluster: b.Cluster,
			IP:      b.IP,
			Port:    b.Port,
		},
		Weight:           b.Weight,
		Healthy:          true,
		Enabled:          true,
		Ephemeral:        b.Ephemeral,
		Metadata:         b.Metadata,
		HeartbeatTimeout: time.Duration(b.HeartbeatTimeout * float64(time.Second)),
		RemoveTimeout:    time.Duration(b.RemoveTimeout * float64(time.Second)),
	}
}

func (s *Server) handleInstance(ctx context.Context, req *Payload) *Payload {
	var body instanceBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	inst := body.toInstance()
	key := inst.Key

	if !body.Register {
		return s.deregisterInstance(ctx, key, inst.Ephemeral)
	}

	if inst.Ephemeral {
		// Local, non-replicated: ephemeral instances are owned by their
		// originating connection on this node only.
		s.naming.RegisterInstance(inst, time.Now())
		metrics.InstanceHeartbeatsTotal.WithLabelValues("ok").Inc()
		return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
	}

	data, _ := json.Marshal(fsm.NamingSetPayload{Instance: inst})
	cmd := fsm.Command{Op: fsm.OpNamingSet, Data: data}
	if _, err := s.router.Do(ctx, cmd); err != nil {
		return errorPayload(500, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
}

func (s *Server) deregisterInstance(ctx context.Context, key types.InstanceKey, ephemeral bool) *Payload {
	if ephemeral {
		s.naming.DeregisterInstance(key)
		return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
	}

	data, _ := json.Marshal(fsm.NamingDelPayload{Key: key})
	cmd := fsm.Command{Op: fsm.OpNamingDel, Data: data}
	if _, err := s.router.Do(ctx, cmd); err != nil {
		return errorPayload(500, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
}

type batchInstanceBody struct {
	Register  bool           `json:"register"`
	Instances []instanceBody `json:"instances"`
}

func (s *Server) handleBatchInstance(ctx context.Context, req *Payload) *Payload {
	var body batchInstanceBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	for _, ib := range body.Instances {
		ib.Register = body.Register
		if resp := s.handleInstance(ctx, &Payload{Body: mustMarshal(ib)}); resp.Type == TypeErrorResponse {
			return resp
		}
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(ok())}
}

type subscribeBody struct {
	Subscribe   bool   `json:"subscribe"`
	ServiceName string `json:"serviceName"`
	GroupName   string `json:"groupName"`
	Namespace   string `json:"namespace"`
	Cluster     string `json:"cluster"`
}

func (s *Server) handleSubscribe(connID string, req *Payload) *Payload {
	var body subscribeBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	svcKey := types.ServiceKey{Name: body.ServiceName, Group: body.GroupName, Namespace: body.Namespace}
	if body.Subscribe {
		s.naming.Subscribe(svcKey, connID)
	} else {
		s.naming.Unsubscribe(connID)
	}

	result, err := s.naming.Query(svcKey, body.Cluster, true)
	if err != nil {
		if merr, ok := err.(*types.Error); ok && merr.Kind == types.ErrNotFound {
			return &Payload{Type: TypeGenericResponse, Body: encodeBody(map[string]interface{}{"success": true, "hosts": []interface{}{}})}
		}
		return errorPayload(500, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(map[string]interface{}{
		"success": true, "hosts": result.Instances, "reachProtectionThreshold": result.ReachProtectionThreshold,
	})}
}

type serviceQueryBody struct {
	ServiceName string `json:"serviceName"`
	GroupName   string `json:"groupName"`
	Namespace   string `json:"namespace"`
	Cluster     string `json:"cluster"`
	HealthyOnly bool   `json:"healthyOnly"`
}

func (s *Server) handleServiceQuery(req *Payload) *Payload {
	var body serviceQueryBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	svcKey := types.ServiceKey{Name: body.ServiceName, Group: body.GroupName, Namespace: body.Namespace}
	result, err := s.naming.Query(svcKey, body.Cluster, body.HealthyOnly)
	if err != nil {
		return errorPayload(404, err)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(map[string]interface{}{
		"success": true, "hosts": result.Instances, "reachProtectionThreshold": result.ReachProtectionThreshold,
	})}
}

type serviceListBody struct {
	Namespace string `json:"namespace"`
	GroupName string `json:"groupName"`
}

func (s *Server) handleServiceList(req *Payload) *Payload {
	var body serviceListBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorPayload(400, err)
	}

	keys, err := s.naming.ListServiceNames(body.Namespace, body.GroupName)
	if err != nil {
		return errorPayload(500, err)
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key.Name)
	}
	return &Payload{Type: TypeGenericResponse, Body: encodeBody(map[string]interface{}{
		"count":        len(names),
		"serviceNames": names,
	})}
}

func errorPayload(code int, err error) *Payload {
	return &Payload{Type: TypeErrorResponse, Body: encodeBody(fail(code, err.Error()))}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
