package calico

import (
	"context"
	"math/big"
	"net"
	"testing"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoAssignFromHostBlock(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "192.168.0.0/16", IPAM: true}))

	first, err := c.AutoAssign(ctx, 4, 1, "host1", nil)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "192.168.0.0", first[0].String())

	second, err := c.AutoAssign(ctx, 4, 1, "host1", nil)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "192.168.0.1", second[0].String())

	// A second host claims its own block
	other, err := c.AutoAssign(ctx, 4, 1, "host2", nil)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "192.168.0.64", other[0].String())
}

func TestAutoAssignSkipsNonIPAMPools(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/24"}))
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.1.0.0/24", IPAM: true, Disabled: true}))

	ips, err := c.AutoAssign(ctx, 4, 1, "host1", nil)
	require.NoError(t, err)
	assert.Empty(t, ips)
}

func TestAutoAssignExhaustsSmallPool(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/30", IPAM: true}))

	ips, err := c.AutoAssign(ctx, 4, 10, "host1", nil)
	require.NoError(t, err)
	assert.Len(t, ips, 4)

	ips, err = c.AutoAssign(ctx, 4, 1, "host1", nil)
	require.NoError(t, err)
	assert.Empty(t, ips)
}

func TestAutoAssignBorrowsFromOtherHosts(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/30", IPAM: true}))

	ips, err := c.AutoAssign(ctx, 4, 1, "host1", nil)
	require.NoError(t, err)
	require.Len(t, ips, 1)

	// The only block belongs to host1, host2 borrows from it
	ips, err = c.AutoAssign(ctx, 4, 1, "host2", nil)
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "10.0.0.1", ips[0].String())
}

func TestAutoAssignWithPoolHint(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/24", IPAM: true}))
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.1.0.0/24", IPAM: true}))

	ips, err := c.AutoAssign(ctx, 4, 1, "host1", mustCIDR(t, "10.1.0.0/24"))
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "10.1.0.0", ips[0].String())

	_, err = c.AutoAssign(ctx, 4, 1, "host1", mustCIDR(t, "10.2.0.0/24"))
	assert.True(t, errors.Is(err, ErrPoolNotFound))
}

func TestAutoAssignIPv6(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "fd80:24e2:f998:72d6::/64", IPAM: true}))

	ips, err := c.AutoAssign(ctx, 6, 2, "host1", nil)
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, "fd80:24e2:f998:72d6::", ips[0].String())
	assert.Equal(t, "fd80:24e2:f998:72d6::1", ips[1].String())
}

func TestAssignIP(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/24", IPAM: true}))

	ip := net.ParseIP("10.0.0.20")
	require.NoError(t, c.AssignIP(ctx, ip, "host1"))

	err := c.AssignIP(ctx, ip, "host1")
	assert.True(t, errors.Is(err, ErrAlreadyAssigned))

	err = c.AssignIP(ctx, net.ParseIP("172.16.0.1"), "host1")
	assert.True(t, errors.Is(err, ErrPoolNotFound))

	assigned, err := c.IsAssigned(ctx, ip)
	require.NoError(t, err)
	assert.True(t, assigned)
}

func TestReleaseIPs(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/24", IPAM: true}))

	ip := net.ParseIP("10.0.0.5")
	require.NoError(t, c.AssignIP(ctx, ip, "host1"))
	require.NoError(t, c.ReleaseIPs(ctx, []net.IP{ip}))
	require.NoError(t, c.ReleaseIPs(ctx, []net.IP{ip}))

	assigned, err := c.IsAssigned(ctx, ip)
	require.NoError(t, err)
	assert.False(t, assigned)

	// Released addresses can be assigned again
	assert.NoError(t, c.AssignIP(ctx, ip, "host2"))
}

func TestBlockIteration(t *testing.T) {
	pool := &net.IPNet{IP: net.ParseIP("10.0.0.0").To4(), Mask: net.CIDRMask(25, 32)}

	b := firstBlock(pool)
	assert.Equal(t, "10.0.0.0/26", b.String())
	b = nextBlock(pool, b)
	require.NotNil(t, b)
	assert.Equal(t, "10.0.0.64/26", b.String())
	assert.Nil(t, nextBlock(pool, b))

	small := &net.IPNet{IP: net.ParseIP("10.0.0.0").To4(), Mask: net.CIDRMask(30, 32)}
	assert.Equal(t, "10.0.0.0/30", firstBlock(small).String())
}

func TestAssignmentKey(t *testing.T) {
	assert.Equal(t, "/calico/ipam/v2/assignment/ipv4/10.0.0.64-26/10.0.0.70",
		assignmentKey(net.ParseIP("10.0.0.70")))
	assert.Equal(t, "/calico/ipam/v2/assignment/ipv6/fd80::40-122/fd80::41",
		assignmentKey(net.ParseIP("fd80::41")))
}

func TestAssignmentStoredUnderBlock(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	c := NewClient(kv)
	require.NoError(t, c.AddPool(ctx, Pool{CIDR: "10.0.0.0/24", IPAM: true}))
	require.NoError(t, c.AssignIP(ctx, net.ParseIP("10.0.0.130"), "host1"))

	kvs, err := kv.List(ctx, "/calico/ipam/v2/assignment/ipv4/10.0.0.128-26/")
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, "/calico/ipam/v2/assignment/ipv4/10.0.0.128-26/10.0.0.130", kvs[0].Key)
}

func TestAddToIPOverflow(t *testing.T) {
	assert.Nil(t, addToIP(net.ParseIP("255.255.255.255"), big.NewInt(1)))
	assert.Equal(t, "10.0.1.0", addToIP(net.ParseIP("10.0.0.255"), big.NewInt(1)).String())
}
