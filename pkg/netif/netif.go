// Package netif creates and removes the veth pairs that connect a container
// to the host.
package netif

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const (
	// TempPrefix is the prefix of the container side before Docker renames it
	TempPrefix = "tmp"
	// MaxNameLen is the kernel limit on interface names
	MaxNameLen = 15

	endpointIDLen = 11
)

// HostName returns the host side name for an endpoint: prefix followed by
// as much of the endpoint id as fits.
func HostName(prefix, endpointID string) string {
	return prefix + truncate(endpointID, MaxNameLen-len(prefix))
}

// TempName returns the container side name for an endpoint
func TempName(prefix, endpointID string) string {
	return TempPrefix + truncate(endpointID, MaxNameLen-len(prefix))
}

func truncate(id string, room int) string {
	n := endpointIDLen
	if room < n {
		n = room
	}
	if n < 0 {
		n = 0
	}
	if len(id) < n {
		n = len(id)
	}
	return id[:n]
}

// Client manipulates host links through netlink. Every call is bounded by
// the client timeout.
type Client struct {
	logger  *logrus.Logger
	timeout time.Duration
}

// NewClient creates a link client
func NewClient(logger *logrus.Logger, timeout time.Duration) *Client {
	return &Client{
		logger:  logger,
		timeout: timeout,
	}
}

// run executes fn, giving up once the timeout or ctx expires. fn keeps
// running in the background after a timeout; netlink calls cannot be
// interrupted.
func (c *Client) run(ctx context.Context, op string, fn func() error) error {
	return c.runWithUndo(ctx, op, fn, nil)
}

// runWithUndo is run, except that undo is called if fn still succeeds after
// the caller was told it timed out. The caller has already cleaned up by
// then and would otherwise leak what fn created.
func (c *Client) runWithUndo(ctx context.Context, op string, fn func() error, undo func()) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if undo != nil {
			go func() {
				if err := <-done; err == nil {
					c.logger.Warnf("%s finished after timing out, undoing it", op)
					undo()
				}
			}()
		}
		return errors.Wrapf(ctx.Err(), "%s timed out", op)
	}
}

// CreateVethPair creates a veth pair and brings both ends up. mtu 0 keeps
// the kernel default.
func (c *Client) CreateVethPair(ctx context.Context, hostName, tempName string, mtu int) error {
	return c.runWithUndo(ctx, "create veth", func() error {
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{
				Name: hostName,
				MTU:  mtu,
			},
			PeerName: tempName,
		}

		if err := netlink.LinkAdd(veth); err != nil {
			return errors.Wrapf(err, "failed to create veth pair %s <-> %s", hostName, tempName)
		}

		for _, name := range []string{tempName, hostName} {
			link, err := netlink.LinkByName(name)
			if err != nil {
				return errors.Wrapf(err, "failed to find %s", name)
			}
			if err := netlink.LinkSetUp(link); err != nil {
				return errors.Wrapf(err, "failed to bring up %s", name)
			}
		}

		c.logger.Infof("Created veth pair %s <-> %s", hostName, tempName)
		return nil
	}, func() {
		if err := c.deleteLink(hostName); err != nil {
			c.logger.WithError(err).Warnf("Failed to remove late veth %s", hostName)
		}
	})
}

// SetMAC sets the hardware address of a link
func (c *Client) SetMAC(ctx context.Context, name, mac string) error {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return errors.Wrapf(err, "invalid MAC %s", mac)
	}

	return c.run(ctx, "set mac", func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return errors.Wrapf(err, "failed to find %s", name)
		}
		if err := netlink.LinkSetHardwareAddr(link, hw); err != nil {
			return errors.Wrapf(err, "failed to set MAC on %s", name)
		}
		return nil
	})
}

// SetUp brings a link up
func (c *Client) SetUp(ctx context.Context, name string) error {
	return c.run(ctx, "link up", func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return errors.Wrapf(err, "failed to find %s", name)
		}
		return errors.Wrapf(netlink.LinkSetUp(link), "failed to bring up %s", name)
	})
}

// LinkLocalV6 returns the IPv6 link-local address of a link, or nil when it
// has none yet.
func (c *Client) LinkLocalV6(ctx context.Context, name string) (net.IP, error) {
	var ip net.IP
	err := c.run(ctx, "list addresses", func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return errors.Wrapf(err, "failed to find %s", name)
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
		if err != nil {
			return errors.Wrapf(err, "failed to list addresses of %s", name)
		}
		for _, addr := range addrs {
			if addr.Scope == int(netlink.SCOPE_LINK) {
				ip = addr.IP
				return nil
			}
		}
		return nil
	})
	return ip, err
}

// Exists reports whether a link called name is present
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := c.run(ctx, "list links", func() error {
		var err error
		found, err = exists(name)
		return err
	})
	return found, err
}

// Delete removes a link. Deleting one end of a veth pair removes both; a
// missing link is not an error.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.run(ctx, "delete link", func() error {
		return c.deleteLink(name)
	})
}

func (c *Client) deleteLink(name string) error {
	ok, err := exists(name)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debugf("Link %s already gone", name)
		return nil
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to find %s", name)
	}
	if err := netlink.LinkDel(link); err != nil {
		return errors.Wrapf(err, "failed to delete %s", name)
	}

	c.logger.Infof("Deleted link %s", name)
	return nil
}

func exists(name string) (bool, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return false, errors.Wrap(err, "failed to list links")
	}
	for _, link := range links {
		if link.Attrs().Name == name {
			return true, nil
		}
	}
	return false, nil
}
