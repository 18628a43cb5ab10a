package calico

import (
	"context"
	"fmt"
	"strings"
)

const hostPrefix = "/calico/v1/host/"

// Endpoint is a workload endpoint: the record of one container interface
// on one host.
type Endpoint struct {
	Hostname   string `json:"-"`
	EndpointID string `json:"-"`

	State       string            `json:"state"`
	Name        string            `json:"name"`
	MAC         string            `json:"mac"`
	ProfileIDs  []string          `json:"profile_ids"`
	IPv4Nets    []string          `json:"ipv4_nets"`
	IPv6Nets    []string          `json:"ipv6_nets"`
	IPv4Gateway string            `json:"ipv4_gateway,omitempty"`
	IPv6Gateway string            `json:"ipv6_gateway,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

func endpointKey(host, endpointID string) string {
	return fmt.Sprintf("%s%s/workload/%s/%s/endpoint/%s", hostPrefix, host, OrchestratorID, WorkloadID, endpointID)
}

// SetEndpoint creates or replaces an endpoint
func (c *Client) SetEndpoint(ctx context.Context, ep *Endpoint) error {
	if ep.ProfileIDs == nil {
		ep.ProfileIDs = []string{}
	}
	if ep.IPv4Nets == nil {
		ep.IPv4Nets = []string{}
	}
	if ep.IPv6Nets == nil {
		ep.IPv6Nets = []string{}
	}
	return c.putJSON(ctx, endpointKey(ep.Hostname, ep.EndpointID), ep)
}

// GetEndpoint returns the endpoint with this id on host, or ErrNotFound
func (c *Client) GetEndpoint(ctx context.Context, host, endpointID string) (*Endpoint, error) {
	var ep Endpoint
	if err := c.getJSON(ctx, endpointKey(host, endpointID), &ep); err != nil {
		return nil, err
	}
	ep.Hostname = host
	ep.EndpointID = endpointID
	return &ep, nil
}

// RemoveEndpoint deletes the endpoint with this id on host, or returns ErrNotFound
func (c *Client) RemoveEndpoint(ctx context.Context, host, endpointID string) error {
	return c.store.Delete(ctx, endpointKey(host, endpointID))
}

// listEndpoints returns the endpoints of every host
func (c *Client) listEndpoints(ctx context.Context) ([]*Endpoint, error) {
	kvs, err := c.store.List(ctx, hostPrefix)
	if err != nil {
		return nil, err
	}

	endpoints := make([]*Endpoint, 0, len(kvs))
	for _, kv := range kvs {
		// <host>/workload/<orchestrator>/<workload>/endpoint/<id>
		parts := strings.Split(strings.TrimPrefix(kv.Key, hostPrefix), "/")
		if len(parts) != 6 || parts[1] != "workload" || parts[4] != "endpoint" {
			continue
		}
		var ep Endpoint
		if err := decode(kv, &ep); err != nil {
			return nil, err
		}
		ep.Hostname = parts[0]
		ep.EndpointID = parts[5]
		endpoints = append(endpoints, &ep)
	}
	return endpoints, nil
}
