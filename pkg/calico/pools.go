package calico

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Pool is an IP pool. Pools with IPAM set are the ones Calico IPAM hands
// addresses out of; the plugin also records pools for networks whose
// addresses are managed by another IPAM driver so routing can see them.
type Pool struct {
	CIDR       string `json:"cidr"`
	IPIP       bool   `json:"ipip,omitempty"`
	Masquerade bool   `json:"masquerade"`
	IPAM       bool   `json:"ipam"`
	Disabled   bool   `json:"disabled"`
}

// Network parses the pool CIDR
func (p Pool) Network() (*net.IPNet, error) {
	return Canonical(p.CIDR)
}

func poolPrefix(version int) string {
	return fmt.Sprintf("/calico/v1/ipam/v%d/pool/", version)
}

func poolKey(cidr *net.IPNet) string {
	return poolPrefix(IPVersion(cidr.IP)) + cidrKey(cidr)
}

// AddPool creates or replaces a pool. The stored CIDR is canonical.
func (c *Client) AddPool(ctx context.Context, pool Pool) error {
	cidr, err := pool.Network()
	if err != nil {
		return err
	}
	pool.CIDR = cidr.String()
	return c.putJSON(ctx, poolKey(cidr), pool)
}

// GetPool returns the pool with exactly this CIDR, or ErrNotFound
func (c *Client) GetPool(ctx context.Context, cidr *net.IPNet) (*Pool, error) {
	var pool Pool
	if err := c.getJSON(ctx, poolKey(cidr), &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// GetPools returns every pool of the given IP version
func (c *Client) GetPools(ctx context.Context, version int) ([]Pool, error) {
	prefix := poolPrefix(version)
	kvs, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	pools := make([]Pool, 0, len(kvs))
	for _, kv := range kvs {
		// Skip anything nested below a pool key
		if strings.Contains(strings.TrimPrefix(kv.Key, prefix), "/") {
			continue
		}
		var pool Pool
		if err := decode(kv, &pool); err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// RemovePool deletes the pool with exactly this CIDR, or returns ErrNotFound
func (c *Client) RemovePool(ctx context.Context, cidr *net.IPNet) error {
	return c.store.Delete(ctx, poolKey(cidr))
}

// ipamPools returns the pools addresses may be auto-assigned from. With a
// hint only that pool is considered, and it must exist.
func (c *Client) ipamPools(ctx context.Context, version int, hint *net.IPNet) ([]*net.IPNet, error) {
	if hint != nil {
		if _, err := c.GetPool(ctx, hint); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errors.Wrap(ErrPoolNotFound, hint.String())
			}
			return nil, err
		}
		return []*net.IPNet{hint}, nil
	}

	pools, err := c.GetPools(ctx, version)
	if err != nil {
		return nil, err
	}
	nets := make([]*net.IPNet, 0, len(pools))
	for _, pool := range pools {
		if !pool.IPAM || pool.Disabled {
			continue
		}
		n, err := pool.Network()
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// poolContaining returns the IPAM pool that contains ip
func (c *Client) poolContaining(ctx context.Context, ip net.IP) (*net.IPNet, error) {
	nets, err := c.ipamPools(ctx, IPVersion(ip), nil)
	if err != nil {
		return nil, err
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return n, nil
		}
	}
	return nil, errors.Wrap(ErrPoolNotFound, ip.String())
}
