// Package bootp gets boot parameters from a BOOTP/DHCP server.
package bootp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/jacobweinstock/netroot"
	"github.com/jacobweinstock/netroot/data"
	"inet.af/netaddr"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
	// DefaultClassIdentifier is sent as DHCP option 60.
	DefaultClassIdentifier = "netroot"
)

// requestedOptions is DHCP option 55.
var requestedOptions = []dhcpv4.OptionCode{
	dhcpv4.OptionSubnetMask,
	dhcpv4.OptionRouter,
	dhcpv4.OptionHostName,
	dhcpv4.OptionDomainName,
	dhcpv4.OptionRootPath,
	dhcpv4.OptionInterfaceMTU,
}

type requester interface {
	Request(ctx context.Context, modifiers ...dhcpv4.Modifier) (*nclient4.Lease, error)
	Close() error
}

// Client runs a DHCP exchange on a handle's interface. Retries and timeouts
// are the client's own; a failed exchange is reported, never retried by the caller.
type Client struct {
	Log             logr.Logger
	Timeout         time.Duration
	Retries         int
	ClassIdentifier string

	// dial is nclient4.New unless a test replaces it.
	dial func(iface string, hw net.HardwareAddr, timeout time.Duration, retries int) (requester, error)
}

var _ netroot.BOOTP = (*Client)(nil)

func dialNclient4(iface string, hw net.HardwareAddr, timeout time.Duration, retries int) (requester, error) {
	return nclient4.New(iface,
		nclient4.WithHWAddr(hw),
		nclient4.WithTimeout(timeout),
		nclient4.WithRetry(retries),
	)
}

// Negotiate performs DISCOVER/OFFER/REQUEST/ACK and folds the ACK into cfg.
func (c *Client) Negotiate(ctx context.Context, h netroot.Handle, cfg data.BootConfig) (data.BootConfig, error) {
	log := c.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	dial := c.dial
	if dial == nil {
		dial = dialNclient4
	}
	timeout, retries, class := c.Timeout, c.Retries, c.ClassIdentifier
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries <= 0 {
		retries = defaultRetries
	}
	if class == "" {
		class = DefaultClassIdentifier
	}

	cl, err := dial(h.Name(), h.HardwareAddr(), timeout, retries)
	if err != nil {
		return cfg, fmt.Errorf("failed to create DHCP client on %s: %w", h.Name(), err)
	}
	defer cl.Close()

	lease, err := cl.Request(ctx,
		dhcpv4.WithRequestedOptions(requestedOptions...),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier(class)),
	)
	if err != nil {
		return cfg, fmt.Errorf("DHCP exchange on %s failed: %w", h.Name(), err)
	}
	if lease == nil || lease.ACK == nil {
		return cfg, fmt.Errorf("DHCP exchange on %s returned no ACK", h.Name())
	}
	log.V(1).Info("received DHCP ACK", "summary", lease.ACK.Summary())

	return FromACK(log, lease.ACK, cfg), nil
}

// FromACK copies what ack carries into cfg. Fields the server left out keep
// their previous value.
func FromACK(log logr.Logger, ack *dhcpv4.DHCPv4, cfg data.BootConfig) data.BootConfig {
	if ip, ok := usable(ack.YourIPAddr); ok {
		cfg.MyIP = ip
	}
	if mask := ack.SubnetMask(); len(mask) != 0 {
		cfg.Netmask = mask
	}
	for _, r := range ack.Router() {
		if ip, ok := usable(r); ok {
			cfg.Gateway = ip
			break
		}
	}
	if ip, ok := usable(ack.ServerIPAddr); ok {
		cfg.RootServer = ip
	}
	if rp := ack.Options.Get(dhcpv4.OptionRootPath); len(rp) != 0 {
		if err := cfg.SetRootPath(string(rp)); err != nil {
			log.Info("ignoring DHCP root path", "warning", err.Error())
		}
	}
	if hn := ack.HostName(); hn != "" {
		cfg.Hostname = hn
	}
	if dn := ack.DomainName(); dn != "" {
		cfg.Domain = dn
	}
	if mtu := ack.Options.Get(dhcpv4.OptionInterfaceMTU); len(mtu) == 2 {
		cfg.MTU = uint32(binary.BigEndian.Uint16(mtu))
	}

	return cfg
}

func usable(ip net.IP) (netaddr.IP, bool) {
	a, ok := netaddr.FromStdIP(ip)
	if !ok || !a.Is4() || a.IsUnspecified() {
		return netaddr.IP{}, false
	}
	return a, true
}
