// Package labels copies Docker container labels onto Calico workload
// endpoints. Docker only links an endpoint to its container after
// CreateEndpoint returns, so the lookup is polled until a deadline.
package labels

import (
	"context"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v3"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/calico"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/metrics"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultInterval = 100 * time.Millisecond

// Inspector looks containers up in Docker
type Inspector interface {
	// ContainerForEndpoint returns the id of the container attached to
	// endpointID, or "" when Docker has not attached one yet.
	ContainerForEndpoint(ctx context.Context, networkID, endpointID string) (string, error)
	ContainerLabels(ctx context.Context, containerID string) (map[string]string, error)
}

// EndpointStore reads and writes workload endpoints
type EndpointStore interface {
	GetEndpoint(ctx context.Context, host, endpointID string) (*calico.Endpoint, error)
	SetEndpoint(ctx context.Context, ep *calico.Endpoint) error
}

// Populator adds the org.projectcalico.label.* labels of a container to its
// endpoint.
type Populator struct {
	inspector Inspector
	endpoints EndpointStore
	hostname  string
	timeout   time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewPopulator creates a populator that gives up after timeout. m may be nil.
func NewPopulator(inspector Inspector, endpoints EndpointStore, hostname string, timeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) *Populator {
	return &Populator{
		inspector: inspector,
		endpoints: endpoints,
		hostname:  hostname,
		timeout:   timeout,
		interval:  defaultInterval,
		metrics:   m,
		logger:    logger,
	}
}

// Populate looks up the container behind endpointID and merges its Calico
// labels into the endpoint. Failures are logged, never returned.
func (p *Populator) Populate(ctx context.Context, networkID, endpointID string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	log := p.logger.WithFields(logrus.Fields{
		"network_id":  networkID,
		"endpoint_id": endpointID,
	})

	var containerID string
	err := retry.Do(func() error {
		id, err := p.inspector.ContainerForEndpoint(ctx, networkID, endpointID)
		if err != nil {
			return errors.Wrapf(err, "failed to inspect network %s", networkID)
		}
		if id == "" {
			return errors.New("container not yet attached to network")
		}
		containerID = id
		return nil
	}, p.retryOptions(ctx, log)...)
	if err != nil {
		log.WithError(err).Errorf("Getting labels for endpoint timed out in network inspect loop. Took %s", time.Since(start))
		p.metrics.ObserveLabels("timeout")
		return
	}

	var containerLabels map[string]string
	err = retry.Do(func() error {
		var err error
		containerLabels, err = p.inspector.ContainerLabels(ctx, containerID)
		return errors.Wrapf(err, "failed to inspect container %s", containerID)
	}, p.retryOptions(ctx, log)...)
	if err != nil {
		log.WithError(err).Errorf("Getting labels for endpoint timed out in container inspect loop. Took %s", time.Since(start))
		p.metrics.ObserveLabels("timeout")
		return
	}

	found := Filter(containerLabels)
	if len(found) == 0 {
		log.Debugf("No labels found for container %s (T=%s)", containerID, time.Since(start))
		p.metrics.ObserveLabels("none")
		return
	}

	ep, err := p.endpoints.GetEndpoint(ctx, p.hostname, endpointID)
	if err != nil {
		log.WithError(err).Error("Unable to read endpoint for labelling")
		p.metrics.ObserveLabels("error")
		return
	}
	if ep.Labels == nil {
		ep.Labels = make(map[string]string, len(found))
	}
	for k, v := range found {
		ep.Labels[k] = v
	}
	if err := p.endpoints.SetEndpoint(ctx, ep); err != nil {
		log.WithError(err).Error("Unable to update endpoint with labels")
		p.metrics.ObserveLabels("error")
		return
	}

	log.Infof("Endpoint updated with labels %v (T=%s)", ep.Labels, time.Since(start))
	p.metrics.ObserveLabels("updated")
}

func (p *Populator) retryOptions(ctx context.Context, log *logrus.Entry) []retry.Option {
	attempts := uint(p.timeout/p.interval) + 1
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("Retrying label lookup (attempt %d)", n+1)
		}),
	}
}

// Filter returns the labels carrying the Calico prefix, with the prefix removed
func Filter(containerLabels map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range containerLabels {
		if strings.HasPrefix(k, types.LabelPrefix) {
			out[strings.TrimPrefix(k, types.LabelPrefix)] = v
		}
	}
	return out
}
