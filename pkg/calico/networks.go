package calico

import (
	"context"

	"github.com/docker/go-plugins-helpers/network"
)

const networkPrefix = "/calico/libnetwork/v1/"

func networkKey(networkID string) string {
	return networkPrefix + networkID
}

// WriteNetwork stores the CreateNetwork request for later handlers
func (c *Client) WriteNetwork(ctx context.Context, req *network.CreateNetworkRequest) error {
	return c.putJSON(ctx, networkKey(req.NetworkID), req)
}

// GetNetwork returns the stored CreateNetwork request, or ErrNotFound
func (c *Client) GetNetwork(ctx context.Context, networkID string) (*network.CreateNetworkRequest, error) {
	var req network.CreateNetworkRequest
	if err := c.getJSON(ctx, networkKey(networkID), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// RemoveNetwork deletes the stored request, or returns ErrNotFound
func (c *Client) RemoveNetwork(ctx context.Context, networkID string) error {
	return c.store.Delete(ctx, networkKey(networkID))
}
