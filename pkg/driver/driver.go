package driver

import (
	"context"
	"net"
	"time"

	"github.com/docker/go-plugins-helpers/network"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/calico"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/errdefs"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/netif"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Backend is the Calico state the drivers read and write
type Backend interface {
	CreateProfile(ctx context.Context, name string) error
	RemoveProfile(ctx context.Context, name string) error

	AddPool(ctx context.Context, pool calico.Pool) error
	GetPool(ctx context.Context, cidr *net.IPNet) (*calico.Pool, error)
	RemovePool(ctx context.Context, cidr *net.IPNet) error

	SetEndpoint(ctx context.Context, ep *calico.Endpoint) error
	GetEndpoint(ctx context.Context, host, endpointID string) (*calico.Endpoint, error)
	RemoveEndpoint(ctx context.Context, host, endpointID string) error

	WriteNetwork(ctx context.Context, req *network.CreateNetworkRequest) error
	GetNetwork(ctx context.Context, networkID string) (*network.CreateNetworkRequest, error)
	RemoveNetwork(ctx context.Context, networkID string) error

	AutoAssign(ctx context.Context, version, num int, host string, hint *net.IPNet) ([]net.IP, error)
	AssignIP(ctx context.Context, ip net.IP, host string) error
	ReleaseIPs(ctx context.Context, ips []net.IP) error
}

// Links creates and removes host interfaces
type Links interface {
	CreateVethPair(ctx context.Context, hostName, tempName string, mtu int) error
	SetMAC(ctx context.Context, name, mac string) error
	SetUp(ctx context.Context, name string) error
	LinkLocalV6(ctx context.Context, name string) (net.IP, error)
	Delete(ctx context.Context, name string) error
}

// Labeler copies container labels onto an endpoint once Docker has
// attached the container. Populate runs in its own goroutine.
type Labeler interface {
	Populate(ctx context.Context, networkID, endpointID string)
}

// Config holds the settings both drivers share. It is fixed at startup.
type Config struct {
	Hostname        string
	InterfacePrefix string
	VethMTU         int
	RequestTimeout  time.Duration
	// DisableProfiles stops the driver from creating a profile per network
	DisableProfiles bool
}

const defaultCleanupTimeout = 10 * time.Second

func (c Config) context() (context.Context, context.CancelFunc) {
	if c.RequestTimeout > 0 {
		return context.WithTimeout(context.Background(), c.RequestTimeout)
	}
	return context.WithCancel(context.Background())
}

// cleanupContext bounds rollback work. It is independent of the request
// context, which may already have expired when the rollback starts.
func (c Config) cleanupContext() (context.Context, context.CancelFunc) {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Driver implements the libnetwork remote network driver. It keeps no
// state of its own: everything lives in the backend.
type Driver struct {
	config  Config
	backend Backend
	links   Links
	labeler Labeler
	logger  *logrus.Logger
}

var _ network.Driver = (*Driver)(nil)

// New creates the network driver. labeler may be nil.
func New(config Config, backend Backend, links Links, labeler Labeler, logger *logrus.Logger) *Driver {
	if config.DisableProfiles {
		logger.Info("Feature disabled: no Calico profiles will be created per network")
	}
	return &Driver{
		config:  config,
		backend: backend,
		links:   links,
		labeler: labeler,
		logger:  logger,
	}
}

// GetCapabilities returns the driver capabilities
func (d *Driver) GetCapabilities() (*network.CapabilitiesResponse, error) {
	d.logger.Debug("GetCapabilities called")
	return &network.CapabilitiesResponse{
		Scope:             network.GlobalScope,
		ConnectivityScope: network.GlobalScope,
	}, nil
}

// CreateNetwork creates the network profile, mirrors pools owned by another
// IPAM driver into Calico and stores the request for later calls. Nothing is
// left behind when it fails.
func (d *Driver) CreateNetwork(req *network.CreateNetworkRequest) error {
	d.logger.WithFields(logrus.Fields{
		"network_id": req.NetworkID,
		"options":    req.Options,
		"ipv4_data":  req.IPv4Data,
		"ipv6_data":  req.IPv6Data,
	}).Info("CreateNetwork called")

	ctx, cancel := d.config.context()
	defer cancel()

	opts, err := parseNetworkOptions(req.Options)
	if err != nil {
		return err
	}

	families, err := types.Families(req)
	if err != nil {
		return errdefs.Input(err)
	}

	pools := make([]*net.IPNet, 0, len(families))
	for _, f := range families {
		if !f.Delegated() {
			continue
		}
		cidr, err := calico.Canonical(f.Data.Pool)
		if err != nil {
			return errdefs.Input(err)
		}
		pools = append(pools, cidr)
	}

	if !d.config.DisableProfiles {
		if err := d.backend.CreateProfile(ctx, req.NetworkID); err != nil {
			return errdefs.Internal(errors.Wrapf(err, "failed to create profile %s", req.NetworkID))
		}
	}

	var added []*net.IPNet
	rollback := func() {
		rctx, cancel := d.config.cleanupContext()
		defer cancel()

		for _, cidr := range added {
			if err := d.backend.RemovePool(rctx, cidr); err != nil {
				d.logger.WithError(err).Warnf("Failed to roll back pool %s", cidr)
			}
		}
		if d.config.DisableProfiles {
			return
		}
		if err := d.backend.RemoveProfile(rctx, req.NetworkID); err != nil {
			d.logger.WithError(err).Warnf("Failed to roll back profile %s", req.NetworkID)
		}
	}

	for _, cidr := range pools {
		pool := calico.Pool{
			CIDR:       cidr.String(),
			IPIP:       opts.IPIP,
			Masquerade: opts.Masquerade,
			IPAM:       false,
		}
		if err := d.backend.AddPool(ctx, pool); err != nil {
			rollback()
			return errdefs.Internal(errors.Wrapf(err, "failed to add pool %s", cidr))
		}
		added = append(added, cidr)
	}

	if err := d.backend.WriteNetwork(ctx, req); err != nil {
		rollback()
		return errdefs.Internal(errors.Wrapf(err, "failed to store network %s", req.NetworkID))
	}

	d.logger.Infof("Network %s created", req.NetworkID)
	return nil
}

// AllocateNetwork is not used by local plugins
func (d *Driver) AllocateNetwork(req *network.AllocateNetworkRequest) (*network.AllocateNetworkResponse, error) {
	d.logger.WithField("network_id", req.NetworkID).Debug("AllocateNetwork called")
	return &network.AllocateNetworkResponse{}, nil
}

// DeleteNetwork removes the profile, the pools CreateNetwork added and the
// stored request.
func (d *Driver) DeleteNetwork(req *network.DeleteNetworkRequest) error {
	d.logger.WithField("network_id", req.NetworkID).Info("DeleteNetwork called")

	ctx, cancel := d.config.context()
	defer cancel()

	if !d.config.DisableProfiles {
		if err := d.backend.RemoveProfile(ctx, req.NetworkID); err != nil {
			if !errors.Is(err, calico.ErrNotFound) && !errors.Is(err, calico.ErrProfileInUse) {
				return errdefs.Internal(errors.Wrapf(err, "failed to remove profile %s", req.NetworkID))
			}
			d.logger.WithError(err).Warnf("Profile %s not removed", req.NetworkID)
		}
	}

	nw, err := d.getNetwork(ctx, req.NetworkID)
	if err != nil {
		return err
	}

	families, err := types.Families(nw)
	if err != nil {
		return errdefs.Internal(err)
	}

	for _, f := range families {
		if !f.Delegated() {
			continue
		}
		cidr, err := calico.Canonical(f.Data.Pool)
		if err != nil {
			d.logger.WithError(err).Warnf("Stored pool %s of network %s is invalid", f.Data.Pool, req.NetworkID)
			continue
		}
		if err := d.backend.RemovePool(ctx, cidr); err != nil {
			if !errors.Is(err, calico.ErrNotFound) {
				return errdefs.Internal(errors.Wrapf(err, "failed to remove pool %s", cidr))
			}
			d.logger.Warnf("Pool %s already removed", cidr)
		}
	}

	if err := d.backend.RemoveNetwork(ctx, req.NetworkID); err != nil {
		if !errors.Is(err, calico.ErrNotFound) {
			return errdefs.Internal(errors.Wrapf(err, "failed to remove network %s", req.NetworkID))
		}
		d.logger.Warnf("Network %s already removed", req.NetworkID)
	}

	d.logger.Infof("Network %s deleted", req.NetworkID)
	return nil
}

// FreeNetwork is not used by local plugins
func (d *Driver) FreeNetwork(req *network.FreeNetworkRequest) error {
	d.logger.WithField("network_id", req.NetworkID).Debug("FreeNetwork called")
	return nil
}

// CreateEndpoint records the workload endpoint. Gateways of networks using
// Calico IPAM are filled in by Join.
func (d *Driver) CreateEndpoint(req *network.CreateEndpointRequest) (*network.CreateEndpointResponse, error) {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
		"interface":   req.Interface,
		"options":     req.Options,
	}).Info("CreateEndpoint called")

	ctx, cancel := d.config.context()
	defer cancel()

	nw, err := d.getNetwork(ctx, req.NetworkID)
	if err != nil {
		return nil, err
	}

	if req.Interface == nil || (req.Interface.Address == "" && req.Interface.AddressIPv6 == "") {
		return nil, errdefs.Inputf("No address assigned for endpoint")
	}

	families, err := types.Families(nw)
	if err != nil {
		return nil, errdefs.Internal(err)
	}

	ep := &calico.Endpoint{
		Hostname:   d.config.Hostname,
		EndpointID: req.EndpointID,
		State:      "active",
		Name:       netif.HostName(d.config.InterfacePrefix, req.EndpointID),
		MAC:        types.FixedMAC,
		ProfileIDs: []string{},
	}
	if !d.config.DisableProfiles {
		ep.ProfileIDs = []string{req.NetworkID}
	}

	if req.Interface.Address != "" {
		ip, err := parseAddress(req.Interface.Address)
		if err != nil {
			return nil, err
		}
		ep.IPv4Nets = []string{types.HostNet(ip)}
	}
	if req.Interface.AddressIPv6 != "" {
		ip, err := parseAddress(req.Interface.AddressIPv6)
		if err != nil {
			return nil, err
		}
		ep.IPv6Nets = []string{types.HostNet(ip)}
	}

	for _, f := range families {
		if !f.Delegated() {
			continue
		}
		if f.Version == 4 {
			ep.IPv4Gateway = f.GatewayIP()
		} else {
			ep.IPv6Gateway = f.GatewayIP()
		}
	}

	if err := d.backend.SetEndpoint(ctx, ep); err != nil {
		return nil, errdefs.Internal(errors.Wrapf(err, "failed to store endpoint %s", req.EndpointID))
	}

	if d.labeler != nil {
		go d.labeler.Populate(context.Background(), req.NetworkID, req.EndpointID)
	}

	d.logger.Infof("Endpoint %s created for network %s", req.EndpointID, req.NetworkID)

	return &network.CreateEndpointResponse{
		Interface: &network.EndpointInterface{
			MacAddress: types.FixedMAC,
		},
	}, nil
}

// DeleteEndpoint removes the workload endpoint
func (d *Driver) DeleteEndpoint(req *network.DeleteEndpointRequest) error {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
	}).Info("DeleteEndpoint called")

	ctx, cancel := d.config.context()
	defer cancel()

	if err := d.backend.RemoveEndpoint(ctx, d.config.Hostname, req.EndpointID); err != nil {
		if !errors.Is(err, calico.ErrNotFound) {
			return errdefs.Internal(errors.Wrapf(err, "failed to remove endpoint %s", req.EndpointID))
		}
		d.logger.Warnf("Endpoint %s not found", req.EndpointID)
	}

	d.logger.Infof("Endpoint %s deleted", req.EndpointID)
	return nil
}

// EndpointInfo returns nothing; Docker already knows everything the driver does
func (d *Driver) EndpointInfo(req *network.InfoRequest) (*network.InfoResponse, error) {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
	}).Debug("EndpointInfo called")

	return &network.InfoResponse{
		Value: map[string]string{},
	}, nil
}

// Join creates the veth pair for the container and tells Docker which
// gateway and routes to install. The pair is removed again if anything
// after its creation fails.
func (d *Driver) Join(req *network.JoinRequest) (*network.JoinResponse, error) {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
		"sandbox_key": req.SandboxKey,
		"options":     req.Options,
	}).Info("Join called")

	ctx, cancel := d.config.context()
	defer cancel()

	nw, err := d.getNetwork(ctx, req.NetworkID)
	if err != nil {
		return nil, err
	}

	families, err := types.Families(nw)
	if err != nil {
		return nil, errdefs.Internal(err)
	}

	var ep *calico.Endpoint
	for _, f := range families {
		if f.BackendManaged() {
			if ep, err = d.getEndpoint(ctx, req.EndpointID); err != nil {
				return nil, err
			}
			break
		}
	}

	hostName := netif.HostName(d.config.InterfacePrefix, req.EndpointID)
	tempName := netif.TempName(d.config.InterfacePrefix, req.EndpointID)

	if err := d.links.CreateVethPair(ctx, hostName, tempName, d.config.VethMTU); err != nil {
		d.removeLink(hostName)
		return nil, errdefs.Provisioning(errors.Wrapf(err, "failed to create interface for endpoint %s", req.EndpointID))
	}

	if err := d.links.SetMAC(ctx, tempName, types.FixedMAC); err != nil {
		d.removeLink(hostName)
		return nil, errdefs.Provisioning(errors.Wrapf(err, "failed to set MAC on %s", tempName))
	}

	resp := &network.JoinResponse{
		InterfaceName: network.InterfaceName{
			SrcName:   tempName,
			DstPrefix: d.config.InterfacePrefix,
		},
	}

	for _, f := range families {
		if !f.BackendManaged() {
			continue
		}

		if f.Version == 4 {
			resp.Gateway = types.DefaultGatewayV4
			resp.StaticRoutes = append(resp.StaticRoutes, &network.StaticRoute{
				Destination: types.DefaultGatewayV4 + "/32",
				RouteType:   types.RouteConnected,
			})
			ep.IPv4Gateway = types.DefaultGatewayV4
			continue
		}

		// The host side only gets a link-local address once it is up
		if err := d.links.SetUp(ctx, hostName); err != nil {
			d.removeLink(hostName)
			return nil, errdefs.Provisioning(errors.Wrapf(err, "failed to bring up %s", hostName))
		}
		ll, err := d.links.LinkLocalV6(ctx, hostName)
		if err != nil {
			d.removeLink(hostName)
			return nil, errdefs.Provisioning(errors.Wrapf(err, "failed to read link-local address of %s", hostName))
		}
		if ll == nil {
			d.logger.Warnf("No IPv6 link local address for %s", hostName)
			continue
		}
		resp.GatewayIPv6 = ll.String()
		resp.StaticRoutes = append(resp.StaticRoutes, &network.StaticRoute{
			Destination: ll.String() + "/128",
			RouteType:   types.RouteConnected,
		})
		ep.IPv6Gateway = ll.String()
	}

	if ep != nil {
		if err := d.backend.SetEndpoint(ctx, ep); err != nil {
			d.removeLink(hostName)
			return nil, errdefs.Internal(errors.Wrapf(err, "failed to update endpoint %s", req.EndpointID))
		}
	}

	d.logger.WithFields(logrus.Fields{
		"src_name":     resp.InterfaceName.SrcName,
		"gateway":      resp.Gateway,
		"gateway_ipv6": resp.GatewayIPv6,
	}).Debug("Join response")

	return resp, nil
}

// Leave removes the host side of the veth pair. It never fails.
func (d *Driver) Leave(req *network.LeaveRequest) error {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
	}).Info("Leave called")

	d.removeLink(netif.HostName(d.config.InterfacePrefix, req.EndpointID))
	return nil
}

// DiscoverNew handles discovery notifications
func (d *Driver) DiscoverNew(req *network.DiscoveryNotification) error {
	d.logger.WithField("type", req.DiscoveryType).Debug("DiscoverNew called")
	return nil
}

// DiscoverDelete handles discovery delete notifications
func (d *Driver) DiscoverDelete(req *network.DiscoveryNotification) error {
	d.logger.WithField("type", req.DiscoveryType).Debug("DiscoverDelete called")
	return nil
}

// ProgramExternalConnectivity is a no-op; outbound NAT is a pool setting
func (d *Driver) ProgramExternalConnectivity(req *network.ProgramExternalConnectivityRequest) error {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
	}).Debug("ProgramExternalConnectivity called")
	return nil
}

// RevokeExternalConnectivity is a no-op
func (d *Driver) RevokeExternalConnectivity(req *network.RevokeExternalConnectivityRequest) error {
	d.logger.WithFields(logrus.Fields{
		"network_id":  req.NetworkID,
		"endpoint_id": req.EndpointID,
	}).Debug("RevokeExternalConnectivity called")
	return nil
}

func (d *Driver) getNetwork(ctx context.Context, networkID string) (*network.CreateNetworkRequest, error) {
	nw, err := d.backend.GetNetwork(ctx, networkID)
	if err != nil {
		if errors.Is(err, calico.ErrNotFound) {
			return nil, errdefs.NotFoundf("Network %s does not exist", networkID)
		}
		return nil, errdefs.Internal(errors.Wrapf(err, "failed to read network %s", networkID))
	}
	return nw, nil
}

func (d *Driver) getEndpoint(ctx context.Context, endpointID string) (*calico.Endpoint, error) {
	ep, err := d.backend.GetEndpoint(ctx, d.config.Hostname, endpointID)
	if err != nil {
		if errors.Is(err, calico.ErrNotFound) {
			return nil, errdefs.NotFoundf("Endpoint %s does not exist", endpointID)
		}
		return nil, errdefs.Internal(errors.Wrapf(err, "failed to read endpoint %s", endpointID))
	}
	return ep, nil
}

// removeLink deletes an interface, logging instead of failing. It runs on
// its own context so it also works after the request has timed out.
func (d *Driver) removeLink(name string) {
	ctx, cancel := d.config.cleanupContext()
	defer cancel()

	if err := d.links.Delete(ctx, name); err != nil {
		d.logger.WithError(err).Warnf("Failed to remove interface %s", name)
	}
}

// parseAddress accepts an address with or without a prefix length
func parseAddress(s string) (net.IP, error) {
	ip := net.ParseIP(types.StripPrefix(s))
	if ip == nil {
		return nil, errdefs.Inputf("Invalid address %s", s)
	}
	return ip, nil
}
