// Package rarp asks the local network for this host's IPv4 address with the
// Reverse Address Resolution Protocol (RFC 903).
package rarp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jacobweinstock/netroot"
	"github.com/mdlayher/packet"
	"inet.af/netaddr"
)

// EtherType is the ethernet protocol number of RARP frames.
const EtherType = 0x8035

// RARP operation codes.
const (
	OpRequest uint16 = 3
	OpReply   uint16 = 4
)

const (
	defaultTimeout  = 2 * time.Second
	defaultMaxTries = 5
)

var (
	errNoReply  = errors.New("no RARP reply")
	broadcastHW = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// Conn is a link layer connection carrying RARP payloads.
type Conn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Client broadcasts RARP requests until a server answers, the tries run out
// or the context ends.
type Client struct {
	Log logr.Logger
	// Timeout is how long one request waits for its reply.
	Timeout  time.Duration
	MaxTries uint
	// Backoff spaces the requests. Nil means exponential.
	Backoff backoff.BackOff

	// listen opens a datagram packet socket unless a test replaces it.
	listen func(h netroot.Handle) (Conn, net.Addr, error)
}

var _ netroot.RARP = (*Client)(nil)

func listenPacket(h netroot.Handle) (Conn, net.Addr, error) {
	ifi, err := net.InterfaceByName(h.Name())
	if err != nil {
		return nil, nil, err
	}
	c, err := packet.Listen(ifi, packet.Datagram, EtherType, nil)
	if err != nil {
		return nil, nil, err
	}
	return c, &packet.Addr{HardwareAddr: broadcastHW}, nil
}

// GetIP returns the address a RARP server assigns to h's hardware address.
func (c *Client) GetIP(ctx context.Context, h netroot.Handle) (netaddr.IP, error) {
	log := c.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	mac := h.HardwareAddr()
	if len(mac) != 6 {
		return netaddr.IP{}, fmt.Errorf("RARP needs an ethernet address, %s has %q", h.Name(), mac)
	}
	listen := c.listen
	if listen == nil {
		listen = listenPacket
	}
	conn, to, err := listen(h)
	if err != nil {
		return netaddr.IP{}, fmt.Errorf("failed to open RARP socket on %s: %w", h.Name(), err)
	}
	defer conn.Close()

	req, err := Request(mac)
	if err != nil {
		return netaddr.IP{}, err
	}
	b := c.Backoff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	tries := c.MaxTries
	if tries == 0 {
		tries = defaultMaxTries
	}

	return backoff.Retry(ctx, func() (netaddr.IP, error) {
		log.V(1).Info("sending RARP request", "interface", h.Name(), "mac", mac.String())
		if _, err := conn.WriteTo(req, to); err != nil {
			return netaddr.IP{}, backoff.Permanent(fmt.Errorf("failed to send RARP request: %w", err))
		}
		return c.await(ctx, conn, mac)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}

// await reads until a reply for mac arrives or the attempt times out. Frames
// for other hosts are skipped.
func (c *Client) await(ctx context.Context, conn Conn, mac net.HardwareAddr) (netaddr.IP, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netaddr.IP{}, backoff.Permanent(err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
				return netaddr.IP{}, errNoReply
			}
			return netaddr.IP{}, backoff.Permanent(err)
		}
		if ip, ok := ParseReply(buf[:n], mac); ok {
			return ip, nil
		}
	}
}

// Request builds the RARP request payload asking for mac's address.
func Request(mac net.HardwareAddr) ([]byte, error) {
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         OpRequest,
		SourceHwAddress:   mac,
		SourceProtAddress: net.IPv4zero.To4(),
		DstHwAddress:      mac,
		DstProtAddress:    net.IPv4zero.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, a); err != nil {
		return nil, fmt.Errorf("failed to encode RARP request: %w", err)
	}

	return buf.Bytes(), nil
}

// ParseReply returns the address assigned to mac if b is a RARP reply for it.
func ParseReply(b []byte, mac net.HardwareAddr) (netaddr.IP, bool) {
	var a layers.ARP
	if err := a.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return netaddr.IP{}, false
	}
	if a.Operation != OpReply || a.Protocol != layers.EthernetTypeIPv4 {
		return netaddr.IP{}, false
	}
	if !bytes.Equal(a.DstHwAddress, mac) || len(a.DstProtAddress) != 4 {
		return netaddr.IP{}, false
	}
	var ip4 [4]byte
	copy(ip4[:], a.DstProtAddress)
	ip := netaddr.IPFrom4(ip4)
	if ip.IsUnspecified() {
		return netaddr.IP{}, false
	}

	return ip, true
}
