package naming

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-io/meridian/pkg/types"
)

func TestProberMarksTCPInstanceHealthy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)

	e := New(nil)
	defer e.Close()

	key := types.InstanceKey{
		Service: types.ServiceKey{Name: "probed-service", Group: "DEFAULT_GROUP"},
		Cluster: "DEFAULT",
		IP:      addr.IP.String(),
		Port:    addr.Port,
	}
	e.RegisterInstance(&types.Instance{
		Key:             key,
		Enabled:         true,
		Ephemeral:       false,
		HealthCheckType: "tcp",
	}, time.Now())

	p := NewProber(e, 10*time.Millisecond)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		res, err := e.Query(key.Service, "", false)
		if err != nil || len(res.Instances) == 0 {
			return false
		}
		return res.Instances[0].Healthy
	}, time.Second, 10*time.Millisecond)
}

func TestDurableInstancesSkipsEphemeralAndNoneType(t *testing.T) {
	e := New(nil)
	defer e.Close()

	durableKey := types.InstanceKey{Service: types.ServiceKey{Name: "svc"}, Cluster: "DEFAULT", IP: "10.0.0.1", Port: 8080}
	e.RegisterInstance(&types.Instance{Key: durableKey, Enabled: true, Ephemeral: false, HealthCheckType: "tcp"}, time.Now())

	ephemeralKey := types.InstanceKey{Service: types.ServiceKey{Name: "svc"}, Cluster: "DEFAULT", IP: "10.0.0.2", Port: 8080}
	e.RegisterInstance(&types.Instance{Key: ephemeralKey, Enabled: true, Ephemeral: true, HealthCheckType: "tcp"}, time.Now())

	noneKey := types.InstanceKey{Service: types.ServiceKey{Name: "svc"}, Cluster: "DEFAULT", IP: "10.0.0.3", Port: 8080}
	e.RegisterInstance(&types.Instance{Key: noneKey, Enabled: true, Ephemeral: false, HealthCheckType: "none"}, time.Now())

	instances := e.DurableInstances()
	require.Len(t, instances, 1)
	require.Equal(t, durableKey, instances[0].Key)
}
