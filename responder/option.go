package responder

import (
	"context"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/jacobweinstock/netroot/data"
	"go.opentelemetry.io/otel/trace"
)

// ClassIdentifier is the option 60 value netroot clients send. It is echoed back.
const ClassIdentifier = "netroot"

// traceparentSubOption carries the traceparent inside option 43.
const traceparentSubOption = 69

// setDHCPOpts takes a client dhcp packet and data (typically from a backend) and creates a slice of DHCP packet modifiers.
// Options with no value in d are left out of the reply.
func (s *Server) setDHCPOpts(_ context.Context, clientPkt *dhcpv4.DHCPv4, d *data.Dhcp) []dhcpv4.Modifier {
	s.Log.V(1).Info("requested options", "option 55", clientPkt.ParameterRequestList().String())

	mods := []dhcpv4.Modifier{
		dhcpv4.WithYourIP(d.IPAddress.IPAddr().IP),
	}
	if len(d.SubnetMask) != 0 {
		mods = append(mods, dhcpv4.WithNetmask(d.SubnetMask))
	}
	if !d.DefaultGateway.IsZero() {
		mods = append(mods, dhcpv4.WithRouter(d.DefaultGateway.IPAddr().IP))
	}
	if len(d.NameServers) > 0 {
		mods = append(mods, dhcpv4.WithDNS(d.NameServers...))
	}
	if d.Hostname != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(d.Hostname)))
	}
	if d.DomainName != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptDomainName(d.DomainName)))
	}
	if d.MTU != 0 {
		mods = append(mods, dhcpv4.WithGeneric(dhcpv4.OptionInterfaceMTU, dhcpv4.Uint16(d.MTU).ToBytes()))
	}
	if !d.BroadcastAddress.IsZero() {
		mods = append(mods, dhcpv4.WithGeneric(dhcpv4.OptionBroadcastAddress, d.BroadcastAddress.IPAddr().IP.To4()))
	}
	if len(d.NTPServers) > 0 {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptNTPServers(d.NTPServers...)))
	}
	if d.LeaseTime != 0 {
		mods = append(mods, dhcpv4.WithLeaseTime(d.LeaseTime))
	}
	if len(d.DomainSearch) > 0 {
		mods = append(mods, dhcpv4.WithDomainSearchList(d.DomainSearch...))
	}

	return mods
}

// setNetworkBootOpts sets the 'siaddr' DHCP header and option 17 (Root Path,
// https://www.rfc-editor.org/rfc/rfc2132.html#section-3.19) when n allows netbooting.
// Option 60 is echoed back if the client identifies as a netroot client.
func (s *Server) setNetworkBootOpts(ctx context.Context, m *dhcpv4.DHCPv4, n *data.Netboot) dhcpv4.Modifier {
	// m is the received DHCPv4 packet.
	// d is the reply packet we are building.
	return func(d *dhcpv4.DHCPv4) {
		d.ServerIPAddr = net.IPv4(0, 0, 0, 0)

		if strings.HasPrefix(m.ClassIdentifier(), ClassIdentifier) {
			d.UpdateOption(dhcpv4.OptClassIdentifier(ClassIdentifier))
		}
		if n == nil || !n.AllowNetboot {
			return
		}
		if !n.NextServer.IsZero() {
			d.ServerIPAddr = n.NextServer.IPAddr().IP
		}
		if n.RootPath != "" {
			d.UpdateOption(dhcpv4.OptRootPath(n.RootPath))
		}
		if s.OTELEnabled {
			vendor := dhcpv4.Options{
				traceparentSubOption: binaryTpFromContext(ctx),
			}
			d.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionVendorSpecificInformation, vendor.ToBytes()))
		}
	}
}

// binaryTpFromContext extracts the binary trace id, span id, and trace flags
// from the running span in ctx and returns a 26 byte []byte with the traceparent
// encoded and ready to pass in opt43.
func binaryTpFromContext(ctx context.Context) []byte {
	sc := trace.SpanContextFromContext(ctx)
	tpBytes := make([]byte, 0, 26)

	tid := [16]byte(sc.TraceID())
	sid := [8]byte(sc.SpanID())

	tpBytes = append(tpBytes, 0x00)      // traceparent version
	tpBytes = append(tpBytes, tid[:]...) // trace id
	tpBytes = append(tpBytes, sid[:]...) // span id
	if sc.IsSampled() {
		tpBytes = append(tpBytes, 0x01) // trace flags
	} else {
		tpBytes = append(tpBytes, 0x00)
	}

	return tpBytes
}

// arch returns the client's architecture from option 93, iana.Arch(255) when unknown.
func arch(d *dhcpv4.DHCPv4) iana.Arch {
	for _, a := range d.ClientArch() {
		if !strings.Contains(a.String(), "unknown") {
			return a
		}
	}
	return iana.Arch(255)
}
