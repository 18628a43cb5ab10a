// Package types holds the protocol constants shared by the network and IPAM
// drivers and helpers for reading stored network records.
package types

import (
	"net"
	"strings"

	"github.com/docker/go-plugins-helpers/network"
	"github.com/pkg/errors"
)

const (
	// FixedMAC is the MAC address of every container interface
	FixedMAC = "EE:EE:EE:EE:EE:EE"

	// PoolIDV4 and PoolIDV6 identify the "any Calico pool" IPAM pools
	PoolIDV4 = "CalicoPoolIPv4"
	PoolIDV6 = "CalicoPoolIPv6"

	// SentinelV4 and SentinelV6 mark a network whose addresses Calico IPAM manages
	SentinelV4 = "0.0.0.0/0"
	SentinelV6 = "::/0"

	LocalAddressSpace  = "CalicoLocalAddressSpace"
	GlobalAddressSpace = "CalicoGlobalAddressSpace"

	// GatewayKey is the IPAM data key carrying the pool gateway
	GatewayKey = "com.docker.network.gateway"
	// RequestAddressTypeKey is the RequestAddress option set when Docker asks for a gateway
	RequestAddressTypeKey = "RequestAddressType"

	// GenericOptionsKey holds the --opt values of docker network create
	GenericOptionsKey = "com.docker.network.generic"
	// EnableIPv6Key is set by --ipv6
	EnableIPv6Key = "com.docker.network.enable_ipv6"
	// EnableIPv4Key is sent by Docker 28 and later, normally true
	EnableIPv4Key = "com.docker.network.enable_ipv4"

	// Generic options understood by the driver
	OptionIPIP        = "ipip"
	OptionNATOutgoing = "nat-outgoing"

	// DefaultGatewayV4 is the next hop installed in IPv4 containers of
	// Calico IPAM networks; the host answers for it with proxy ARP
	DefaultGatewayV4 = "169.254.1.1"

	// RouteConnected is the libnetwork route type for a directly connected destination
	RouteConnected = 1

	LabelPrefix = "org.projectcalico.label."
)

// Sentinel returns the sentinel CIDR of an IP version
func Sentinel(version int) string {
	if version == 6 {
		return SentinelV6
	}
	return SentinelV4
}

// PoolID returns the fixed pool id of an IP version
func PoolID(version int) string {
	if version == 6 {
		return PoolIDV6
	}
	return PoolIDV4
}

// Family is the IPAM data of one IP version of a network record
type Family struct {
	Version int
	Data    *network.IPAMData
}

// Families extracts the IPv4 and IPv6 data of a network. More than one
// entry for a version is rejected.
func Families(req *network.CreateNetworkRequest) ([]Family, error) {
	families := make([]Family, 0, 2)
	for _, f := range []struct {
		version int
		data    []*network.IPAMData
	}{
		{4, req.IPv4Data},
		{6, req.IPv6Data},
	} {
		if len(f.data) > 1 {
			return nil, errors.Errorf("Unsupported: multiple Gateways defined for IPv%d", f.version)
		}
		var data *network.IPAMData
		if len(f.data) == 1 {
			data = f.data[0]
		}
		families = append(families, Family{Version: f.version, Data: data})
	}
	return families, nil
}

// HasGatewayPool reports whether the family carries both a gateway and a pool
func (f Family) HasGatewayPool() bool {
	return f.Data != nil && f.Data.Gateway != "" && f.Data.Pool != ""
}

// BackendManaged reports whether Calico IPAM assigns this family's addresses
func (f Family) BackendManaged() bool {
	return f.Data != nil && f.Data.Gateway == Sentinel(f.Version)
}

// Delegated reports whether another IPAM driver owns this family's pool and
// gateway, in which case the driver mirrors the pool into Calico.
func (f Family) Delegated() bool {
	return f.HasGatewayPool() && !f.BackendManaged()
}

// GatewayIP returns the gateway address without its prefix length
func (f Family) GatewayIP() string {
	if f.Data == nil {
		return ""
	}
	return StripPrefix(f.Data.Gateway)
}

// StripPrefix returns the address part of a CIDR, or s unchanged if it has none
func StripPrefix(s string) string {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// HostNet renders an address as a host prefix: /32 for IPv4, /128 for IPv6
func HostNet(ip net.IP) string {
	if ip.To4() != nil {
		return ip.String() + "/32"
	}
	return ip.String() + "/128"
}
