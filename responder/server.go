// Package responder is a DHCP server that hands clients the addresses and
// root path a netroot resolver consumes. Records come from a BackendReader
// keyed by MAC address.
package responder

import (
	"context"
	"errors"
	"net"

	"github.com/coredhcp/coredhcp/handler"
	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/jacobweinstock/netroot/data"
	"github.com/jacobweinstock/netroot/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"inet.af/netaddr"
)

const tracerName = "github.com/jacobweinstock/netroot/responder"

var errNoBackend = errors.New("no backend configured")

type BackendReader interface {
	// Read from a backend and return DHCP headers and options based on the mac address.
	Read(context.Context, net.HardwareAddr) (*data.Dhcp, *data.Netboot, error)
}

type Server struct {
	Log        logr.Logger
	ListenAddr netaddr.IPPort
	Backend    BackendReader
	// Plugins run in order on every reply before it is sent.
	// A plugin returning true stops the chain.
	Plugins []handler.Handler4
	// OTELEnabled sends the traceparent of the reply's span in option 43.
	OTELEnabled bool
}

// ListenAndServe serves DHCP on ListenAddr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Backend == nil {
		return errNoBackend
	}
	if s.Log.GetSink() == nil {
		s.Log = logr.Discard()
	}
	// for broadcast traffic we need to listen on all IPs
	conn := &net.UDPAddr{
		IP:   net.ParseIP("0.0.0.0"),
		Port: s.ListenAddr.UDPAddr().Port,
	}

	// server4.NewServer() will isolate listening to the specific interface.
	srv, err := server4.NewServer(getInterfaceByIP(s.ListenAddr.IP().String()), conn, s.handler(ctx))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve()
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handler(ctx context.Context) server4.Handler {
	return func(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
		reply := s.handle(ctx, m)
		if reply == nil {
			return
		}
		if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
			s.Log.Error(err, "failed to send DHCP", "peer", peer.String())
			return
		}
		metrics.RepliesTotal.WithLabelValues(reply.MessageType().String()).Inc()
	}
}

// handle returns the reply for m, or nil when nothing should be sent.
func (s *Server) handle(ctx context.Context, m *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DHCP Packet Received")
	defer span.End()
	span.SetAttributes(
		attribute.String("DHCP.mac", m.ClientHWAddr.String()),
		attribute.String("DHCP.messageType", m.MessageType().String()),
		attribute.String("DHCP.arch", arch(m).String()),
	)

	var reply *dhcpv4.DHCPv4
	switch mt := m.MessageType(); mt {
	case dhcpv4.MessageTypeDiscover:
		s.Log.Info("received discover, sending offer", "mac", m.ClientHWAddr.String())
		reply = s.reply(ctx, m, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		s.Log.Info("received request, sending ack", "mac", m.ClientHWAddr.String())
		reply = s.reply(ctx, m, dhcpv4.MessageTypeAck)
	case dhcpv4.MessageTypeRelease:
		s.Log.Info("received release, no response required", "mac", m.ClientHWAddr.String())
		return nil
	default:
		s.Log.Info("received unknown message type", "type", mt.String())
		return nil
	}
	if reply == nil {
		span.SetStatus(codes.Error, "no reply")
		return nil
	}
	s.Log.V(1).Info("sending reply", "summary", reply.Summary())
	span.SetStatus(codes.Ok, "")
	return reply
}

func (s *Server) reply(ctx context.Context, m *dhcpv4.DHCPv4, mt dhcpv4.MessageType) *dhcpv4.DHCPv4 {
	d, n, err := s.Backend.Read(ctx, m.ClientHWAddr)
	if err != nil {
		s.Log.Info("no record for client", "mac", m.ClientHWAddr.String(), "error", err.Error())
		metrics.NoRecordTotal.Inc()
		return nil
	}
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(s.ListenAddr.IP().IPAddr().IP)),
	}
	mods = append(mods, s.setDHCPOpts(ctx, m, d)...)
	mods = append(mods, s.setNetworkBootOpts(ctx, m, n))
	reply, err := dhcpv4.NewReplyFromRequest(m, mods...)
	if err != nil {
		s.Log.Error(err, "failed to build reply", "mac", m.ClientHWAddr.String())
		return nil
	}
	for _, p := range s.Plugins {
		var stop bool
		reply, stop = p(m, reply)
		if stop || reply == nil {
			break
		}
	}
	return reply
}

// getInterfaceByIP returns the interface with the given IP address or an empty string.
func getInterfaceByIP(ip string) string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.String() == ip {
					return iface.Name
				}
			}
		}
	}
	return ""
}
