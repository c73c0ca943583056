// Package data holds the records that are passed between the resolver, its
// collaborators and the responder.
package data

import (
	"errors"
	"fmt"
	"net"

	"github.com/jacobweinstock/netroot/rootpath"
	"inet.af/netaddr"
)

// MaxRootPathLen bounds the root path, matching the fixed buffer loaders
// have always reserved for it.
const MaxRootPathLen = 128

var ErrRootPathTooLong = errors.New("root path too long")

// BootConfig is everything learned about the network boot of one interface.
// A zero field means unknown.
type BootConfig struct {
	HardwareAddr MACAddr           // link layer address of the boot interface.
	MyIP         netaddr.IP        // local address. BOOTP yiaddr or RARP.
	Netmask      net.IPMask        // BOOTP option 1, or the natural mask of MyIP.
	Gateway      netaddr.IP        // BOOTP option 3, or bootparam "gateway".
	RootServer   netaddr.IP        // BOOTP siaddr, bootparam "root" or the root path.
	RootPath     string            // BOOTP option 17 or bootparam "root".
	Protocol     rootpath.Protocol // selected by parsing RootPath.
	Hostname     string            // BOOTP option 12 or bootparam whoami.
	Domain       string            // BOOTP option 15 or bootparam whoami.
	MTU          uint32            // BOOTP option 26.
}

// SetRootPath stores p unless it exceeds MaxRootPathLen.
func (c *BootConfig) SetRootPath(p string) error {
	if len(p) > MaxRootPathLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrRootPathTooLong, len(p), MaxRootPathLen)
	}
	c.RootPath = p
	return nil
}

// Reset zeroes every field.
func (c *BootConfig) Reset() {
	*c = BootConfig{}
}

// NetmaskString renders Netmask as a dotted quad, "0.0.0.0" when unknown.
func (c BootConfig) NetmaskString() string {
	if len(c.Netmask) == 0 {
		return net.IPv4zero.String()
	}
	return net.IP(c.Netmask).String()
}
