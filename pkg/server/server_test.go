package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/calico"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/driver"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/metrics"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopLinks pretends every link operation succeeds
type nopLinks struct{}

func (nopLinks) CreateVethPair(ctx context.Context, hostName, tempName string, mtu int) error {
	return nil
}
func (nopLinks) SetMAC(ctx context.Context, name, mac string) error { return nil }
func (nopLinks) SetUp(ctx context.Context, name string) error       { return nil }
func (nopLinks) Delete(ctx context.Context, name string) error      { return nil }
func (nopLinks) LinkLocalV6(ctx context.Context, name string) (net.IP, error) {
	return net.ParseIP("fe80::1"), nil
}

type testServer struct {
	url     string
	backend *calico.Client
	metrics *metrics.Metrics
}

func startServer(t *testing.T, withIPAM bool) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	backend := calico.NewClient(store.NewMemoryStore())
	cfg := driver.Config{
		Hostname:        "host1",
		InterfacePrefix: "cali",
		RequestTimeout:  5 * time.Second,
	}
	m := metrics.New()

	nd := driver.New(cfg, backend, nopLinks{}, nil, logger)
	var srv *Server
	if withIPAM {
		srv = New(nd, driver.NewIPAM(cfg, backend, logger), m, logger)
	} else {
		srv = New(nd, nil, m, logger)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { l.Close() })

	return &testServer{url: "http://" + l.Addr().String(), backend: backend, metrics: m}
}

func (ts *testServer) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Post(ts.url+path, "text/plain", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	if resp.StatusCode != http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestActivate(t *testing.T) {
	ts := startServer(t, true)
	code, body := ts.post(t, "/Plugin.Activate", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"NetworkDriver", "IpamDriver"}, body["Implements"])

	ts = startServer(t, false)
	code, body = ts.post(t, "/Plugin.Activate", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"NetworkDriver"}, body["Implements"])

	resp, err := http.Post(ts.url+"/IpamDriver.RequestPool", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCapabilities(t *testing.T) {
	ts := startServer(t, true)

	code, body := ts.post(t, "/NetworkDriver.GetCapabilities", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "global", body["Scope"])

	code, body = ts.post(t, "/IpamDriver.GetCapabilities", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["RequiresMACAddress"])

	code, body = ts.post(t, "/IpamDriver.GetDefaultAddressSpaces", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CalicoLocalAddressSpace", body["LocalDefaultAddressSpace"])
	assert.Equal(t, "CalicoGlobalAddressSpace", body["GlobalDefaultAddressSpace"])
}

func TestMalformedRequest(t *testing.T) {
	ts := startServer(t, true)

	code, _ := ts.post(t, "/NetworkDriver.CreateNetwork", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RequestCounter("NetworkDriver.CreateNetwork", http.StatusBadRequest)))
}

func TestUnknownRoute(t *testing.T) {
	ts := startServer(t, true)

	resp, err := http.Post(ts.url+"/NetworkDriver.Nope", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorEnvelope(t *testing.T) {
	ts := startServer(t, true)

	code, body := ts.post(t, "/NetworkDriver.DeleteNetwork", `{"NetworkID":"missing"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Network missing does not exist", body["Err"])

	code, body = ts.post(t, "/IpamDriver.RequestPool", `{"Pool":"","SubPool":"10.0.0.0/24"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["Err"], "sub pool")
}

// An IPAM-assigned IPv4 container from pool creation to teardown
func TestContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, true)
	require.NoError(t, ts.backend.AddPool(ctx, calico.Pool{CIDR: "192.168.0.0/16", IPAM: true}))

	code, body := ts.post(t, "/IpamDriver.RequestPool", `{"AddressSpace":"CalicoGlobalAddressSpace","Pool":"","SubPool":"","V6":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CalicoPoolIPv4", body["PoolID"])
	assert.Equal(t, "0.0.0.0/0", body["Pool"])
	assert.Equal(t, map[string]interface{}{"com.docker.network.gateway": "0.0.0.0/0"}, body["Data"])

	code, _ = ts.post(t, "/NetworkDriver.CreateNetwork", `{
		"NetworkID": "net1",
		"Options": {"com.docker.network.enable_ipv6": false, "com.docker.network.generic": {}},
		"IPv4Data": [{"AddressSpace": "CalicoGlobalAddressSpace", "Gateway": "0.0.0.0/0", "Pool": "0.0.0.0/0"}],
		"IPv6Data": []
	}`)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.post(t, "/IpamDriver.RequestAddress", `{"PoolID":"CalicoPoolIPv4","Address":""}`)
	require.Equal(t, http.StatusOK, code)
	address := body["Address"].(string)
	assert.True(t, strings.HasSuffix(address, "/32"))

	code, body = ts.post(t, "/NetworkDriver.CreateEndpoint",
		`{"NetworkID":"net1","EndpointID":"0123456789abcdef","Interface":{"Address":"`+address+`"}}`)
	require.Equal(t, http.StatusOK, code)
	iface := body["Interface"].(map[string]interface{})
	assert.Equal(t, "EE:EE:EE:EE:EE:EE", iface["MacAddress"])

	code, body = ts.post(t, "/NetworkDriver.Join", `{"NetworkID":"net1","EndpointID":"0123456789abcdef","SandboxKey":"/var/run/docker/netns/x"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "169.254.1.1", body["Gateway"])
	ifname := body["InterfaceName"].(map[string]interface{})
	assert.Equal(t, "tmp0123456789a", ifname["SrcName"])
	assert.Equal(t, "cali", ifname["DstPrefix"])
	routes := body["StaticRoutes"].([]interface{})
	require.Len(t, routes, 1)
	route := routes[0].(map[string]interface{})
	assert.Equal(t, "169.254.1.1/32", route["Destination"])
	assert.Equal(t, 1.0, route["RouteType"])

	code, body = ts.post(t, "/NetworkDriver.EndpointOperInfo", `{"NetworkID":"net1","EndpointID":"0123456789abcdef"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{}, body["Value"])

	for _, step := range []struct{ path, body string }{
		{"/NetworkDriver.Leave", `{"NetworkID":"net1","EndpointID":"0123456789abcdef"}`},
		{"/NetworkDriver.DeleteEndpoint", `{"NetworkID":"net1","EndpointID":"0123456789abcdef"}`},
		{"/IpamDriver.ReleaseAddress", `{"PoolID":"CalicoPoolIPv4","Address":"` + address + `"}`},
		{"/NetworkDriver.DeleteNetwork", `{"NetworkID":"net1"}`},
		{"/IpamDriver.ReleasePool", `{"PoolID":"CalicoPoolIPv4"}`},
	} {
		code, body := ts.post(t, step.path, step.body)
		assert.Equal(t, http.StatusOK, code, step.path)
		assert.Empty(t, body, step.path)
	}

	_, err := ts.backend.GetNetwork(ctx, "net1")
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RequestCounter("NetworkDriver.Join", http.StatusOK)))
}

// A network whose addresses come from another IPAM driver
func TestDelegatedNetworkLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, true)

	code, _ := ts.post(t, "/NetworkDriver.CreateNetwork", `{
		"NetworkID": "net2",
		"Options": {"com.docker.network.generic": {"ipip": "true"}},
		"IPv4Data": [{"AddressSpace": "LocalDefault", "Gateway": "10.20.0.1/24", "Pool": "10.20.0.0/24"}]
	}`)
	require.Equal(t, http.StatusOK, code)

	pool, err := ts.backend.GetPool(ctx, mustCIDR(t, "10.20.0.0/24"))
	require.NoError(t, err)
	assert.True(t, pool.IPIP)
	assert.False(t, pool.IPAM)

	code, body := ts.post(t, "/NetworkDriver.Join", `{"NetworkID":"net2","EndpointID":"ep2"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["Gateway"])

	code, _ = ts.post(t, "/NetworkDriver.DeleteNetwork", `{"NetworkID":"net2"}`)
	require.Equal(t, http.StatusOK, code)

	_, err = ts.backend.GetPool(ctx, mustCIDR(t, "10.20.0.0/24"))
	assert.Error(t, err)
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	n, err := calico.Canonical(s)
	require.NoError(t, err)
	return n
}
