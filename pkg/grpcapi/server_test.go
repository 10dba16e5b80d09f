package grpcapi

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/cluster"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/push"
	"github.com/meridian-io/meridian/pkg/router"
	"github.com/meridian-io/meridian/pkg/storage"
	"github.com/meridian-io/meridian/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.New()
	t.Cleanup(cfg.Close)

	var pushRegistry *push.Registry
	nm := naming.New(notifierFunc(func(svc types.ServiceKey, cluster string) {
		pushRegistry.NotifyService(svc, cluster)
	}))
	t.Cleanup(nm.Close)
	pushRegistry = push.NewRegistry(nm)

	ch := cache.New()
	t.Cleanup(ch.Close)

	machine := fsm.New(store, cfg, nm, ch, nil)
	node := cluster.New(&cluster.Config{NodeID: "127.0.0.1:0", BindAddr: freeAddr(t), DataDir: t.TempDir()}, store, machine)
	require.NoError(t, node.Bootstrap())
	t.Cleanup(func() { node.Shutdown() })
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	r := router.New(node, noopResolver{})
	return NewServer(r, cfg, nm, ch, pushRegistry)
}

type notifierFunc func(svc types.ServiceKey, cluster string)

func (f notifierFunc) NotifyService(svc types.ServiceKey, cluster string) { f(svc, cluster) }

type noopResolver struct{}

func (noopResolver) InternalAddr(string) (string, bool) { return "", false }

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestConfigPublishAndQueryRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	publishBody, _ := json.Marshal(configPublishBody{DataID: "app.yaml", Group: "DEFAULT_GROUP", Content: "k: v"})
	resp := s.dispatch(ctx, "conn-1", &Payload{Type: TypeConfigPublishRequest, Body: publishBody})
	require.Equal(t, TypeGenericResponse, resp.Type)

	queryBody, _ := json.Marshal(configQueryBody{DataID: "app.yaml", Group: "DEFAULT_GROUP"})
	resp = s.dispatch(ctx, "conn-1", &Payload{Type: TypeConfigQueryRequest, Body: queryBody})
	require.Equal(t, TypeGenericResponse, resp.Type)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Equal(t, "k: v", out["content"])
}

func TestConfigQueryMissingReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	queryBody, _ := json.Marshal(configQueryBody{DataID: "missing.yaml", Group: "DEFAULT_GROUP"})
	resp := s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeConfigQueryRequest, Body: queryBody})
	require.Equal(t, TypeErrorResponse, resp.Type)
}

func TestEphemeralInstanceRegisterIsLocalOnly(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(instanceBody{
		Register: true, ServiceName: "order-service", GroupName: "DEFAULT_GROUP",
		Namespace: "public", Cluster: "DEFAULT", IP: "10.0.0.5", Port: 8080, Ephemeral: true,
	})
	resp := s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeInstanceRequest, Body: body})
	require.Equal(t, TypeGenericResponse, resp.Type)

	result, err := s.naming.Query(
		types.ServiceKey{Name: "order-service", Group: "DEFAULT_GROUP", Namespace: "public"}, "DEFAULT", false)
	require.NoError(t, err)
	require.Len(t, result.Instances, 1)
}

func TestDurableInstanceRegisterGoesThroughRouter(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(instanceBody{
		Register: true, ServiceName: "billing-service", GroupName: "DEFAULT_GROUP",
		Namespace: "public", Cluster: "DEFAULT", IP: "10.0.0.9", Port: 9090, Ephemeral: false,
	})
	resp := s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeInstanceRequest, Body: body})
	require.Equal(t, TypeGenericResponse, resp.Type)

	result, err := s.naming.Query(
		types.ServiceKey{Name: "billing-service", Group: "DEFAULT_GROUP", Namespace: "public"}, "DEFAULT", false)
	require.NoError(t, err)
	require.Len(t, result.Instances, 1)
}

func TestServiceListReturnsRegisteredNames(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(instanceBody{
		Register: true, ServiceName: "cart-service", GroupName: "DEFAULT_GROUP",
		Namespace: "public", Cluster: "DEFAULT", IP: "10.0.0.7", Port: 8081, Ephemeral: true,
	})
	s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeInstanceRequest, Body: body})

	listBody, _ := json.Marshal(serviceListBody{Namespace: "public"})
	resp := s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeServiceListRequest, Body: listBody})
	require.Equal(t, TypeGenericResponse, resp.Type)

	var out struct {
		ServiceNames []string `json:"serviceNames"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Contains(t, out.ServiceNames, "cart-service")
}

func TestSubscribeServiceReturnsCurrentHosts(t *testing.T) {
	s := newTestServer(t)

	registerBody, _ := json.Marshal(instanceBody{
		Register: true, ServiceName: "order-service", GroupName: "DEFAULT_GROUP",
		Namespace: "public", Cluster: "DEFAULT", IP: "10.0.0.5", Port: 8080, Ephemeral: true,
	})
	s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeInstanceRequest, Body: registerBody})

	subBody, _ := json.Marshal(subscribeBody{
		Subscribe: true, ServiceName: "order-service", GroupName: "DEFAULT_GROUP", Namespace: "public",
	})
	resp := s.dispatch(context.Background(), "conn-2", &Payload{Type: TypeSubscribeServiceRequest, Body: subBody})
	require.Equal(t, TypeGenericResponse, resp.Type)

	var out struct {
		Hosts []map[string]interface{} `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Len(t, out.Hosts, 1)
}

func TestHealthCheckRequestAcks(t *testing.T) {
	s := newTestServer(t)
	resp := s.dispatch(context.Background(), "conn-1", &Payload{Type: TypeHealthCheckRequest})
	require.Equal(t, TypeGenericResponse, resp.Type)
}

func TestUnknownRequestTypeReturnsError(t *testing.T) {
	s := newTestServer(t)
	resp := s.dispatch(context.Background(), "conn-1", &Payload{Type: "BogusRequest"})
	require.Equal(t, TypeErrorResponse, resp.Type)
}
