package driver

import (
	"net"

	"github.com/docker/go-plugins-helpers/ipam"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/calico"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/errdefs"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	errSubPool       = "Calico IPAM does not support sub pool configuration on 'docker create network'. Calico IP Pools should be configured first and IP assignment is from those pre-configured pools."
	errPoolMismatch  = "The requested subnet must match the CIDR of a configured Calico IP Pool."
	errPoolOptions   = "Arbitrary options are not supported"
	errGateway       = "Calico IPAM does not support specifying a gateway."
	errPoolDeleted   = "The network references a Calico pool which has been deleted. Please re-instate the Calico pool before using the network."
	errNoAddresses   = "There are no available IP addresses in the configured Calico IP pools"
	errAssignedCount = "Unexpected number of assigned IP addresses"
)

// IPAMDriver implements the libnetwork remote IPAM driver on Calico pools
type IPAMDriver struct {
	config  Config
	backend Backend
	logger  *logrus.Logger
}

var _ ipam.Ipam = (*IPAMDriver)(nil)

// NewIPAM creates the IPAM driver
func NewIPAM(config Config, backend Backend, logger *logrus.Logger) *IPAMDriver {
	return &IPAMDriver{
		config:  config,
		backend: backend,
		logger:  logger,
	}
}

// GetCapabilities returns the IPAM capabilities
func (i *IPAMDriver) GetCapabilities() (*ipam.CapabilitiesResponse, error) {
	i.logger.Debug("IPAM GetCapabilities called")
	return &ipam.CapabilitiesResponse{RequiresMACAddress: false}, nil
}

// GetDefaultAddressSpaces returns the Calico address space names
func (i *IPAMDriver) GetDefaultAddressSpaces() (*ipam.AddressSpacesResponse, error) {
	i.logger.Debug("GetDefaultAddressSpaces called")
	return &ipam.AddressSpacesResponse{
		LocalDefaultAddressSpace:  types.LocalAddressSpace,
		GlobalDefaultAddressSpace: types.GlobalAddressSpace,
	}, nil
}

// RequestPool hands Docker either the "any Calico pool" sentinel or, when a
// subnet was given, the matching Calico pool. The gateway is always the
// sentinel so the network driver can tell Calico IPAM networks apart.
func (i *IPAMDriver) RequestPool(req *ipam.RequestPoolRequest) (*ipam.RequestPoolResponse, error) {
	i.logger.WithFields(logrus.Fields{
		"address_space": req.AddressSpace,
		"pool":          req.Pool,
		"sub_pool":      req.SubPool,
		"options":       req.Options,
		"v6":            req.V6,
	}).Info("RequestPool called")

	if req.SubPool != "" {
		return nil, errdefs.Inputf(errSubPool)
	}
	if len(req.Options) != 0 {
		return nil, errdefs.Inputf(errPoolOptions)
	}

	version := 4
	if req.V6 {
		version = 6
	}
	sentinel := types.Sentinel(version)
	data := map[string]string{types.GatewayKey: sentinel}

	if req.Pool == "" {
		return &ipam.RequestPoolResponse{
			PoolID: types.PoolID(version),
			Pool:   sentinel,
			Data:   data,
		}, nil
	}

	ctx, cancel := i.config.context()
	defer cancel()

	cidr, err := calico.Canonical(req.Pool)
	if err != nil || calico.IPVersion(cidr.IP) != version {
		return nil, errdefs.Inputf(errPoolMismatch)
	}

	pool, err := i.backend.GetPool(ctx, cidr)
	if err != nil {
		if errors.Is(err, calico.ErrNotFound) {
			return nil, errdefs.Inputf(errPoolMismatch)
		}
		return nil, errdefs.Internal(errors.Wrapf(err, "failed to read pool %s", cidr))
	}
	if !pool.IPAM || pool.Disabled {
		return nil, errdefs.Inputf(errPoolMismatch)
	}

	return &ipam.RequestPoolResponse{
		PoolID: cidr.String(),
		Pool:   cidr.String(),
		Data:   data,
	}, nil
}

// ReleasePool is a no-op; Calico pools outlive Docker networks
func (i *IPAMDriver) ReleasePool(req *ipam.ReleasePoolRequest) error {
	i.logger.WithField("pool_id", req.PoolID).Info("ReleasePool called")
	return nil
}

// RequestAddress assigns either the requested address or the next free one
// from the pool behind the pool id.
func (i *IPAMDriver) RequestAddress(req *ipam.RequestAddressRequest) (*ipam.RequestAddressResponse, error) {
	i.logger.WithFields(logrus.Fields{
		"pool_id": req.PoolID,
		"address": req.Address,
		"options": req.Options,
	}).Info("RequestAddress called")

	if req.Options[types.RequestAddressTypeKey] == types.GatewayKey {
		return nil, errdefs.Inputf(errGateway)
	}

	ctx, cancel := i.config.context()
	defer cancel()

	var (
		version int
		hint    *net.IPNet
	)
	switch req.PoolID {
	case types.PoolIDV4:
		version = 4
	case types.PoolIDV6:
		version = 6
	default:
		cidr, err := calico.Canonical(req.PoolID)
		if err != nil {
			return nil, errdefs.Inputf("Invalid pool id %s", req.PoolID)
		}
		version = calico.IPVersion(cidr.IP)
		hint = cidr
	}

	var ip net.IP
	if req.Address == "" {
		if hint != nil {
			if _, err := i.backend.GetPool(ctx, hint); err != nil {
				if errors.Is(err, calico.ErrNotFound) {
					return nil, errdefs.Conflictf(errPoolDeleted)
				}
				return nil, errdefs.Internal(errors.Wrapf(err, "failed to read pool %s", hint))
			}
		}

		ips, err := i.backend.AutoAssign(ctx, version, 1, i.config.Hostname, hint)
		if err != nil {
			if errors.Is(err, calico.ErrPoolNotFound) {
				return nil, errdefs.Conflictf(errPoolDeleted)
			}
			return nil, errdefs.Internal(errors.Wrap(err, "failed to assign address"))
		}
		switch len(ips) {
		case 0:
			return nil, errdefs.Internalf(errNoAddresses)
		case 1:
			ip = ips[0]
		default:
			return nil, errdefs.Internalf(errAssignedCount)
		}
	} else {
		var err error
		if ip, err = parseAddress(req.Address); err != nil {
			return nil, err
		}
		if calico.IPVersion(ip) != version || (hint != nil && !hint.Contains(ip)) {
			return nil, errdefs.Conflictf("The address %s is not in one of the configured Calico IP pools", ip)
		}

		if err := i.backend.AssignIP(ctx, ip, i.config.Hostname); err != nil {
			switch {
			case errors.Is(err, calico.ErrAlreadyAssigned):
				return nil, errdefs.Conflictf("The address %s is already in use", ip)
			case errors.Is(err, calico.ErrPoolNotFound):
				return nil, errdefs.Conflictf("The address %s is not in one of the configured Calico IP pools", ip)
			default:
				return nil, errdefs.Internal(errors.Wrapf(err, "failed to assign %s", ip))
			}
		}
	}

	i.logger.Infof("Assigned address %s", ip)
	return &ipam.RequestAddressResponse{
		Address: types.HostNet(ip),
		Data:    map[string]string{},
	}, nil
}

// ReleaseAddress frees an address. Releasing a free address succeeds.
func (i *IPAMDriver) ReleaseAddress(req *ipam.ReleaseAddressRequest) error {
	i.logger.WithFields(logrus.Fields{
		"pool_id": req.PoolID,
		"address": req.Address,
	}).Info("ReleaseAddress called")

	ip, err := parseAddress(req.Address)
	if err != nil {
		return err
	}

	ctx, cancel := i.config.context()
	defer cancel()

	if err := i.backend.ReleaseIPs(ctx, []net.IP{ip}); err != nil {
		return errdefs.Internal(errors.Wrapf(err, "failed to release %s", ip))
	}
	return nil
}
