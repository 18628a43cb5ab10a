package calico

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/pkg/errors"
)

const (
	blockPrefixV4 = 26
	blockPrefixV6 = 122

	// maxBlockScan bounds how many blocks of one pool are tried when
	// claiming a new block for a host.
	maxBlockScan = 4096
)

type assignment struct {
	Host string `json:"host"`
}

type affinity struct {
	Host string `json:"host"`
}

// blockAffinity is a block claimed by a host
type blockAffinity struct {
	Block *net.IPNet
	Host  string
}

// assignmentKey files an address under the aligned block holding it:
// /calico/ipam/v2/assignment/ipv<v>/<block>/<ip>
func assignmentKey(ip net.IP) string {
	return fmt.Sprintf("/calico/ipam/v2/assignment/ipv%d/%s/%s", IPVersion(ip), cidrKey(blockOf(ip)), ip.String())
}

// blockOf returns the aligned block containing ip
func blockOf(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	mask := net.CIDRMask(blockPrefix(ip), len(ip)*8)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

func affinityPrefix(version int) string {
	return fmt.Sprintf("/calico/ipam/v2/block/ipv%d/", version)
}

func affinityKey(block *net.IPNet) string {
	return affinityPrefix(IPVersion(block.IP)) + cidrKey(block)
}

// AssignIP claims a specific address for host. The address must be inside
// an IPAM pool (ErrPoolNotFound) and not yet assigned (ErrAlreadyAssigned).
func (c *Client) AssignIP(ctx context.Context, ip net.IP, host string) error {
	if _, err := c.poolContaining(ctx, ip); err != nil {
		return err
	}

	err := c.createJSON(ctx, assignmentKey(ip), assignment{Host: host})
	if errors.Is(err, store.ErrExists) {
		return errors.Wrap(ErrAlreadyAssigned, ip.String())
	}
	return err
}

// AutoAssign assigns up to num addresses of the given version to host and
// returns the ones it got. Addresses come from blocks the host already owns,
// then from newly claimed blocks, then from blocks owned by other hosts.
// With a pool hint only that pool is used and it must exist. Fewer than num
// addresses (possibly none) is not an error.
func (c *Client) AutoAssign(ctx context.Context, version, num int, host string, hint *net.IPNet) ([]net.IP, error) {
	pools, err := c.ipamPools(ctx, version, hint)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 || num <= 0 {
		return nil, nil
	}

	affinities, err := c.affinities(ctx, version)
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, 0, num)

	for _, aff := range affinities {
		if aff.Host != host || !inPools(aff.Block, pools) {
			continue
		}
		if ips, err = c.assignFromBlock(ctx, aff.Block, host, num, ips); err != nil {
			return nil, err
		}
		if len(ips) == num {
			return ips, nil
		}
	}

	for _, pool := range pools {
		var scanned int
		for block := firstBlock(pool); block != nil && scanned < maxBlockScan; block = nextBlock(pool, block) {
			scanned++
			err := c.createJSON(ctx, affinityKey(block), affinity{Host: host})
			if errors.Is(err, store.ErrExists) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ips, err = c.assignFromBlock(ctx, block, host, num, ips); err != nil {
				return nil, err
			}
			if len(ips) == num {
				return ips, nil
			}
		}
	}

	for _, aff := range affinities {
		if aff.Host == host || !inPools(aff.Block, pools) {
			continue
		}
		if ips, err = c.assignFromBlock(ctx, aff.Block, host, num, ips); err != nil {
			return nil, err
		}
		if len(ips) == num {
			return ips, nil
		}
	}

	return ips, nil
}

// ReleaseIPs frees the given addresses. Addresses that are not assigned are
// ignored.
func (c *Client) ReleaseIPs(ctx context.Context, ips []net.IP) error {
	for _, ip := range ips {
		if err := c.store.Delete(ctx, assignmentKey(ip)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(err, "failed to release %s", ip)
		}
	}
	return nil
}

// IsAssigned reports whether ip is currently assigned
func (c *Client) IsAssigned(ctx context.Context, ip net.IP) (bool, error) {
	_, err := c.store.Get(ctx, assignmentKey(ip))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) affinities(ctx context.Context, version int) ([]blockAffinity, error) {
	prefix := affinityPrefix(version)
	kvs, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	affs := make([]blockAffinity, 0, len(kvs))
	for _, kv := range kvs {
		block, err := parseCIDRKey(strings.TrimPrefix(kv.Key, prefix))
		if err != nil {
			return nil, errors.Wrapf(err, "bad block key %s", kv.Key)
		}
		var aff affinity
		if err := decode(kv, &aff); err != nil {
			return nil, err
		}
		affs = append(affs, blockAffinity{Block: block, Host: aff.Host})
	}
	return affs, nil
}

// assignFromBlock appends free addresses of block to ips until it holds num
func (c *Client) assignFromBlock(ctx context.Context, block *net.IPNet, host string, num int, ips []net.IP) ([]net.IP, error) {
	for ip := block.IP; block.Contains(ip) && len(ips) < num; ip = addToIP(ip, big.NewInt(1)) {
		err := c.createJSON(ctx, assignmentKey(ip), assignment{Host: host})
		if errors.Is(err, store.ErrExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func inPools(block *net.IPNet, pools []*net.IPNet) bool {
	for _, pool := range pools {
		if pool.Contains(block.IP) {
			return true
		}
	}
	return false
}

func blockPrefix(ip net.IP) int {
	if IPVersion(ip) == 4 {
		return blockPrefixV4
	}
	return blockPrefixV6
}

// firstBlock returns the first block of pool. Pools smaller than a block
// are a single block.
func firstBlock(pool *net.IPNet) *net.IPNet {
	ones, bits := pool.Mask.Size()
	size := blockPrefix(pool.IP)
	if ones > size {
		size = ones
	}
	return &net.IPNet{IP: pool.IP, Mask: net.CIDRMask(size, bits)}
}

// nextBlock returns the block after block, or nil past the end of pool
func nextBlock(pool, block *net.IPNet) *net.IPNet {
	ones, bits := block.Mask.Size()
	step := new(big.Int).Lsh(big.NewInt(1), uint(bits-ones))
	ip := addToIP(block.IP, step)
	if ip == nil || !pool.Contains(ip) {
		return nil
	}
	return &net.IPNet{IP: ip, Mask: block.Mask}
}

// addToIP returns ip+n, or nil on overflow. The result has the same length
// as ip's natural form (4 bytes for IPv4).
func addToIP(ip net.IP, n *big.Int) net.IP {
	b := ip.To4()
	if b == nil {
		b = ip.To16()
	}
	sum := new(big.Int).Add(new(big.Int).SetBytes(b), n)
	out := sum.Bytes()
	if len(out) > len(b) {
		return nil
	}
	res := make(net.IP, len(b))
	copy(res[len(b)-len(out):], out)
	return res
}
