// Package netroot resolves where a diskless machine's root filesystem lives.
//
// A Resolver walks the classic fallback chain: BOOTP/DHCP first, then RARP
// for the local address and Sun bootparam RPCs for the hostname, gateway and
// root server. The resulting root path is parsed with package rootpath to
// select TFTP or NFS and to pick up a server address embedded in the path.
//
// NetDevice wraps the resolver in the open/close/cleanup lifecycle of a boot
// loader "net" device and publishes the result as boot.* environment values.
package netroot

import (
	"context"
	"net"

	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot/data"
	"inet.af/netaddr"
)

// Handle is an open network interface.
type Handle interface {
	Name() string
	HardwareAddr() net.HardwareAddr
	MTU() int
	Close() error
}

// Netif opens network interfaces by name.
type Netif interface {
	Open(ctx context.Context, name string) (Handle, error)
	// Interfaces lists the names of the interfaces that can be opened.
	Interfaces() ([]string, error)
}

// BOOTP negotiates an address over BOOTP/DHCP. An implementation fills in
// whatever the server offered and leaves the rest of cfg untouched; a
// returned config with a zero MyIP means negotiation did not succeed.
type BOOTP interface {
	Negotiate(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error)
}

// RARP asks for the address belonging to the handle's hardware address.
type RARP interface {
	GetIP(ctx context.Context, h Handle) (netaddr.IP, error)
}

// Bootparam is a client of the Sun bootparam RPC service.
type Bootparam interface {
	Whoami(ctx context.Context, h Handle, ip netaddr.IP) (Whoami, error)
	GetFile(ctx context.Context, h Handle, hostname, key string) (File, error)
}

// Whoami is the answer to a bootparam whoami call.
type Whoami struct {
	Hostname string
	Domain   string
	Router   netaddr.IP
}

// File is the answer to a bootparam getfile call.
type File struct {
	ServerName string
	Server     netaddr.IP
	Path       string
}

func orDiscard(l logr.Logger) logr.Logger {
	if l.GetSink() == nil {
		return logr.Discard()
	}
	return l
}
