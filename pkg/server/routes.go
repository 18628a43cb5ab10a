package server

import (
	"github.com/docker/go-plugins-helpers/ipam"
	"github.com/docker/go-plugins-helpers/network"
)

func (s *Server) registerNetwork(d network.Driver) {
	s.handle("NetworkDriver.GetCapabilities", nil, func(interface{}) (interface{}, error) {
		return d.GetCapabilities()
	})
	s.handle("NetworkDriver.CreateNetwork", func() interface{} { return &network.CreateNetworkRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.CreateNetwork(req.(*network.CreateNetworkRequest))
		})
	s.handle("NetworkDriver.AllocateNetwork", func() interface{} { return &network.AllocateNetworkRequest{} },
		func(req interface{}) (interface{}, error) {
			return d.AllocateNetwork(req.(*network.AllocateNetworkRequest))
		})
	s.handle("NetworkDriver.DeleteNetwork", func() interface{} { return &network.DeleteNetworkRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.DeleteNetwork(req.(*network.DeleteNetworkRequest))
		})
	s.handle("NetworkDriver.FreeNetwork", func() interface{} { return &network.FreeNetworkRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.FreeNetwork(req.(*network.FreeNetworkRequest))
		})
	s.handle("NetworkDriver.CreateEndpoint", func() interface{} { return &network.CreateEndpointRequest{} },
		func(req interface{}) (interface{}, error) {
			return d.CreateEndpoint(req.(*network.CreateEndpointRequest))
		})
	s.handle("NetworkDriver.DeleteEndpoint", func() interface{} { return &network.DeleteEndpointRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.DeleteEndpoint(req.(*network.DeleteEndpointRequest))
		})
	s.handle("NetworkDriver.EndpointOperInfo", func() interface{} { return &network.InfoRequest{} },
		func(req interface{}) (interface{}, error) {
			return d.EndpointInfo(req.(*network.InfoRequest))
		})
	s.handle("NetworkDriver.Join", func() interface{} { return &network.JoinRequest{} },
		func(req interface{}) (interface{}, error) {
			return d.Join(req.(*network.JoinRequest))
		})
	s.handle("NetworkDriver.Leave", func() interface{} { return &network.LeaveRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.Leave(req.(*network.LeaveRequest))
		})
	s.handle("NetworkDriver.DiscoverNew", func() interface{} { return &network.DiscoveryNotification{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.DiscoverNew(req.(*network.DiscoveryNotification))
		})
	s.handle("NetworkDriver.DiscoverDelete", func() interface{} { return &network.DiscoveryNotification{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.DiscoverDelete(req.(*network.DiscoveryNotification))
		})
	s.handle("NetworkDriver.ProgramExternalConnectivity", func() interface{} { return &network.ProgramExternalConnectivityRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.ProgramExternalConnectivity(req.(*network.ProgramExternalConnectivityRequest))
		})
	s.handle("NetworkDriver.RevokeExternalConnectivity", func() interface{} { return &network.RevokeExternalConnectivityRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, d.RevokeExternalConnectivity(req.(*network.RevokeExternalConnectivityRequest))
		})
}

func (s *Server) registerIPAM(i ipam.Ipam) {
	s.handle("IpamDriver.GetCapabilities", nil, func(interface{}) (interface{}, error) {
		return i.GetCapabilities()
	})
	s.handle("IpamDriver.GetDefaultAddressSpaces", nil, func(interface{}) (interface{}, error) {
		return i.GetDefaultAddressSpaces()
	})
	s.handle("IpamDriver.RequestPool", func() interface{} { return &ipam.RequestPoolRequest{} },
		func(req interface{}) (interface{}, error) {
			return i.RequestPool(req.(*ipam.RequestPoolRequest))
		})
	s.handle("IpamDriver.ReleasePool", func() interface{} { return &ipam.ReleasePoolRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, i.ReleasePool(req.(*ipam.ReleasePoolRequest))
		})
	s.handle("IpamDriver.RequestAddress", func() interface{} { return &ipam.RequestAddressRequest{} },
		func(req interface{}) (interface{}, error) {
			return i.RequestAddress(req.(*ipam.RequestAddressRequest))
		})
	s.handle("IpamDriver.ReleaseAddress", func() interface{} { return &ipam.ReleaseAddressRequest{} },
		func(req interface{}) (interface{}, error) {
			return nil, i.ReleaseAddress(req.(*ipam.ReleaseAddressRequest))
		})
}
