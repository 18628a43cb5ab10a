package driver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/docker/go-plugins-helpers/network"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/calico"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const testHost = "host1"

var testConfig = Config{
	Hostname:        testHost,
	InterfacePrefix: "cali",
	VethMTU:         1500,
	RequestTimeout:  5 * time.Second,
}

// fakeLinks is an in-memory link table
type fakeLinks struct {
	mu        sync.Mutex
	links     map[string]string
	peers     map[string]string
	up        map[string]bool
	mtu       map[string]int
	linkLocal net.IP

	createErr error
	setMACErr error
	setUpErr  error
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		links: make(map[string]string),
		peers: make(map[string]string),
		up:    make(map[string]bool),
		mtu:   make(map[string]int),
	}
}

func (f *fakeLinks) CreateVethPair(ctx context.Context, hostName, tempName string, mtu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.links[hostName]; ok {
		return fmt.Errorf("link %s exists", hostName)
	}
	f.links[hostName] = ""
	f.links[tempName] = ""
	f.peers[hostName] = tempName
	f.peers[tempName] = hostName
	f.mtu[hostName] = mtu
	return nil
}

func (f *fakeLinks) SetMAC(ctx context.Context, name, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setMACErr != nil {
		return f.setMACErr
	}
	if _, ok := f.links[name]; !ok {
		return fmt.Errorf("link %s not found", name)
	}
	f.links[name] = mac
	return nil
}

func (f *fakeLinks) SetUp(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setUpErr != nil {
		return f.setUpErr
	}
	f.up[name] = true
	return nil
}

func (f *fakeLinks) LinkLocalV6(ctx context.Context, name string) (net.IP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.up[name] {
		return nil, nil
	}
	return f.linkLocal, nil
}

func (f *fakeLinks) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.links[name]; !ok {
		return nil
	}
	peer := f.peers[name]
	for _, n := range []string{name, peer} {
		delete(f.links, n)
		delete(f.peers, n)
		delete(f.up, n)
	}
	return nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeLinks) mac(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mac, ok := f.links[name]
	return mac, ok
}

// failingBackend fails selected writes
type failingBackend struct {
	*calico.Client
	writeNetworkErr error
	addPoolErr      error
	setEndpointErr  error
}

func (b *failingBackend) WriteNetwork(ctx context.Context, req *network.CreateNetworkRequest) error {
	if b.writeNetworkErr != nil {
		return b.writeNetworkErr
	}
	return b.Client.WriteNetwork(ctx, req)
}

func (b *failingBackend) AddPool(ctx context.Context, pool calico.Pool) error {
	if b.addPoolErr != nil {
		return b.addPoolErr
	}
	return b.Client.AddPool(ctx, pool)
}

func (b *failingBackend) SetEndpoint(ctx context.Context, ep *calico.Endpoint) error {
	if b.setEndpointErr != nil {
		return b.setEndpointErr
	}
	return b.Client.SetEndpoint(ctx, ep)
}

var errBackend = errors.New("datastore unavailable")

// fakeLabeler records Populate calls
type fakeLabeler struct {
	calls chan [2]string
}

func (f *fakeLabeler) Populate(ctx context.Context, networkID, endpointID string) {
	f.calls <- [2]string{networkID, endpointID}
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func newTestBackend() *calico.Client {
	return calico.NewClient(store.NewMemoryStore())
}

func newTestDriver() (*Driver, *calico.Client, *fakeLinks) {
	backend := newTestBackend()
	links := newFakeLinks()
	return New(testConfig, backend, links, nil, newTestLogger()), backend, links
}

func mustCIDR(s string) *net.IPNet {
	n, err := calico.Canonical(s)
	if err != nil {
		panic(err)
	}
	return n
}

func sentinelNetwork(id string) *network.CreateNetworkRequest {
	return &network.CreateNetworkRequest{
		NetworkID: id,
		Options:   map[string]interface{}{"com.docker.network.enable_ipv6": false},
		IPv4Data: []*network.IPAMData{{
			AddressSpace: "CalicoGlobalAddressSpace",
			Pool:         "0.0.0.0/0",
			Gateway:      "0.0.0.0/0",
		}},
	}
}

// deadlineBackend behaves like a remote datastore: calls fail once their
// context is done, and the selected writes hang until it is.
type deadlineBackend struct {
	*calico.Client
	mu                  sync.Mutex
	blockNetworkWrites  bool
	blockEndpointWrites bool
}

func (b *deadlineBackend) blocking(endpoint bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if endpoint {
		return b.blockEndpointWrites
	}
	return b.blockNetworkWrites
}

func (b *deadlineBackend) WriteNetwork(ctx context.Context, req *network.CreateNetworkRequest) error {
	if b.blocking(false) {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.Client.WriteNetwork(ctx, req)
}

func (b *deadlineBackend) SetEndpoint(ctx context.Context, ep *calico.Endpoint) error {
	if b.blocking(true) {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.Client.SetEndpoint(ctx, ep)
}

func (b *deadlineBackend) RemoveProfile(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Client.RemoveProfile(ctx, name)
}

func (b *deadlineBackend) RemovePool(ctx context.Context, cidr *net.IPNet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Client.RemovePool(ctx, cidr)
}

// deadlineLinks refuses to delete links on an expired context
type deadlineLinks struct {
	*fakeLinks
}

func (l deadlineLinks) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.fakeLinks.Delete(ctx, name)
}
