// Package calico implements the Calico backend operations the plugin needs
// (profiles, pools, workload endpoints, network records and IP assignment)
// on top of a key/value store.
package calico

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/pkg/errors"
)

const (
	// OrchestratorID identifies endpoints created through libnetwork
	OrchestratorID = "libnetwork"
	// WorkloadID is the workload every libnetwork endpoint is filed under
	WorkloadID = "libnetwork"
)

var (
	// ErrNotFound is returned when the requested object does not exist
	ErrNotFound = store.ErrNotFound
	// ErrProfileInUse is returned when removing a profile an endpoint still references
	ErrProfileInUse = errors.New("profile is referenced by an endpoint")
	// ErrPoolNotFound is returned when an address or pool hint is outside every configured pool
	ErrPoolNotFound = errors.New("no matching IP pool")
	// ErrAlreadyAssigned is returned when a specific address is already taken
	ErrAlreadyAssigned = errors.New("address is already assigned")
)

// Client is the Calico backend. It holds no state besides the store and is
// safe for concurrent use.
type Client struct {
	store store.Store
}

// NewClient creates a backend client over s
func NewClient(s store.Store) *Client {
	return &Client{store: s}
}

func (c *Client) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return decode(store.KV{Key: key, Value: data}, v)
}

func decode(kv store.KV, v interface{}) error {
	if err := json.Unmarshal(kv.Value, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s", kv.Key)
	}
	return nil
}

func (c *Client) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}
	return c.store.Put(ctx, key, data)
}

func (c *Client) createJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}
	return c.store.Create(ctx, key, data)
}

// IPVersion returns 4 or 6
func IPVersion(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 6
}

// cidrKey renders a CIDR the way it appears in key paths: 10.0.0.0/24 -> 10.0.0.0-24
func cidrKey(n *net.IPNet) string {
	return strings.Replace(n.String(), "/", "-", 1)
}

func parseCIDRKey(s string) (*net.IPNet, error) {
	i := strings.LastIndex(s, "-")
	if i < 0 {
		return nil, errors.Errorf("invalid CIDR key %q", s)
	}
	_, n, err := net.ParseCIDR(s[:i] + "/" + s[i+1:])
	return n, err
}

// Canonical parses cidr and returns it with host bits cleared
func Canonical(cidr string) (*net.IPNet, error) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid CIDR %q", cidr)
	}
	return n, nil
}
