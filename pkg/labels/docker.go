package labels

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
)

// DockerInspector implements Inspector with the Docker engine API
type DockerInspector struct {
	client *client.Client
}

// NewDockerInspector connects using the DOCKER_* environment
func NewDockerInspector() (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}
	return &DockerInspector{client: cli}, nil
}

// ContainerForEndpoint finds the container attached to endpointID
func (d *DockerInspector) ContainerForEndpoint(ctx context.Context, networkID, endpointID string) (string, error) {
	nw, err := d.client.NetworkInspect(ctx, networkID, network.InspectOptions{})
	if err != nil {
		return "", err
	}
	for id, c := range nw.Containers {
		// Some Docker versions list the endpoint itself as "ep-<id>"
		if c.EndpointID == endpointID && !strings.HasPrefix(id, "ep-") {
			return id, nil
		}
	}
	return "", nil
}

// ContainerLabels returns the labels of a container
func (d *DockerInspector) ContainerLabels(ctx context.Context, containerID string) (map[string]string, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if info.Config == nil {
		return nil, nil
	}
	return info.Config.Labels, nil
}

// Close releases the client
func (d *DockerInspector) Close() error {
	return d.client.Close()
}
