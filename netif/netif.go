// Package netif opens network interfaces for booting with netlink.
package netif

import (
	"context"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot"
	"github.com/jacobweinstock/netroot/data"
	"github.com/vishvananda/netlink"
)

// Netif opens physical interfaces, bringing them up when needed.
type Netif struct {
	Log logr.Logger
}

var _ netroot.Netif = (*Netif)(nil)

type handle struct {
	log   logr.Logger
	link  netlink.Link
	wasUp bool
}

func (h *handle) Name() string {
	return h.link.Attrs().Name
}

func (h *handle) HardwareAddr() net.HardwareAddr {
	return h.link.Attrs().HardwareAddr
}

func (h *handle) MTU() int {
	return h.link.Attrs().MTU
}

// Close puts the link back down if Open brought it up.
func (h *handle) Close() error {
	if h.wasUp {
		return nil
	}
	h.log.V(1).Info("setting link down", "interface", h.Name())
	return netlink.LinkSetDown(h.link)
}

func (n *Netif) logger() logr.Logger {
	if n.Log.GetSink() == nil {
		return logr.Discard()
	}
	return n.Log
}

func (n *Netif) Open(_ context.Context, name string) (netroot.Handle, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %q: %w", name, err)
	}
	h := &handle{log: n.logger(), link: link, wasUp: link.Attrs().Flags&net.FlagUp != 0}
	if !h.wasUp {
		n.logger().V(1).Info("setting link up", "interface", name)
		if err := netlink.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("failed to set %q up: %w", name, err)
		}
	}

	return h, nil
}

// Interfaces lists physical, non loopback interfaces in kernel order.
func (n *Netif) Interfaces() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return physical(links), nil
}

func physical(links []netlink.Link) []string {
	var names []string
	for _, l := range links {
		if l.Type() != "device" || l.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, l.Attrs().Name)
	}
	return names
}

// Apply configures interface name with cfg's address, netmask, default
// route and MTU.
func (n *Netif) Apply(name string, cfg data.BootConfig) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", name, err)
	}
	addr, err := address(cfg)
	if err != nil {
		return err
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("failed to set address %s on %q: %w", addr.IPNet, name, err)
	}
	if gw := defaultRoute(link.Attrs().Index, cfg); gw != nil {
		if err := netlink.RouteReplace(gw); err != nil {
			return fmt.Errorf("failed to set default route via %s: %w", gw.Gw, err)
		}
	}
	if cfg.MTU != 0 && int(cfg.MTU) != link.Attrs().MTU {
		if err := netlink.LinkSetMTU(link, int(cfg.MTU)); err != nil {
			return fmt.Errorf("failed to set mtu %d on %q: %w", cfg.MTU, name, err)
		}
	}
	n.logger().Info("interface configured", "interface", name, "address", addr.IPNet.String())

	return nil
}

func address(cfg data.BootConfig) (*netlink.Addr, error) {
	if cfg.MyIP.IsZero() || !cfg.MyIP.Is4() {
		return nil, fmt.Errorf("no IPv4 address to apply")
	}
	ip := cfg.MyIP.IPAddr().IP.To4()
	mask := cfg.Netmask
	if len(mask) == 0 {
		mask = ip.DefaultMask()
	}
	return &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}, nil
}

func defaultRoute(index int, cfg data.BootConfig) *netlink.Route {
	if cfg.Gateway.IsZero() || cfg.Gateway.IsUnspecified() {
		return nil
	}
	return &netlink.Route{LinkIndex: index, Gw: cfg.Gateway.IPAddr().IP.To4()}
}
