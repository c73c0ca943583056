// Package bootparam is a client for the Sun bootparam RPC service, the
// pre-BOOTP way for a diskless client to learn its name, gateway and root.
//
// Whoami is broadcast through the portmapper's CALLIT procedure so no server
// needs to be known up front; the server that answers is remembered and
// GetFile goes to it directly.
package bootparam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	xdr "github.com/davecgh/go-xdr/xdr2"
	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot"
	"inet.af/netaddr"
)

// Program numbers and procedures.
const (
	PmapProg      = 100000
	PmapVers      = 2
	PmapPort      = 111
	PmapGetPort   = 3
	PmapCallIt    = 5
	ProtoUDP      = 17
	BootparamProg = 100026
	BootparamVers = 1
	ProcWhoami    = 1
	ProcGetFile   = 2

	// ipAddrType is the only bp_address kind.
	ipAddrType = 1
)

const (
	defaultTimeout  = 2 * time.Second
	defaultMaxTries = 5
)

var (
	errNoServer = errors.New("no bootparam server known, whoami has not succeeded")
	errTimeout  = errors.New("no RPC reply")
)

// bpAddress is a bp_address union of type IP_ADDR_TYPE. Every octet is an
// XDR char, which is sent as a full int.
type bpAddress struct {
	Type   uint32
	Octets [4]uint32
}

func toBPAddress(ip netaddr.IP) bpAddress {
	a := bpAddress{Type: ipAddrType}
	for i, b := range ip.As4() {
		a.Octets[i] = uint32(b)
	}
	return a
}

func (a bpAddress) ip() netaddr.IP {
	if a.Type != ipAddrType {
		return netaddr.IP{}
	}
	var b [4]byte
	for i, o := range a.Octets {
		b[i] = byte(o)
	}
	ip := netaddr.IPFrom4(b)
	if ip.IsUnspecified() {
		return netaddr.IP{}
	}
	return ip
}

type whoamiArgs struct {
	ClientAddress bpAddress
}

type whoamiResult struct {
	ClientName    string
	DomainName    string
	RouterAddress bpAddress
}

type getFileArgs struct {
	ClientName string
	FileID     string
}

type getFileResult struct {
	ServerName    string
	ServerAddress bpAddress
	ServerPath    string
}

type callItArgs struct {
	Prog uint32
	Vers uint32
	Proc uint32
	Args []byte
}

type callItResult struct {
	Port uint32
	Res  []byte
}

type getPortArgs struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

type getPortResult struct {
	Port uint32
}

// Client talks to a bootparam server. Retries and per attempt timeouts are
// owned here. A Client is not safe for concurrent use.
type Client struct {
	Log logr.Logger
	// Server, when set, is asked directly instead of broadcasting.
	Server   netaddr.IP
	Timeout  time.Duration
	MaxTries uint
	// Backoff spaces retransmissions. Nil means exponential.
	Backoff backoff.BackOff

	// pmap is where portmapper calls go; the broadcast address unless Server is set.
	pmap *net.UDPAddr
	// server is the bootparam service that answered whoami.
	server *net.UDPAddr
	listen func() (net.PacketConn, error)
}

var _ netroot.Bootparam = (*Client)(nil)

// Whoami asks which hostname belongs to ip.
func (c *Client) Whoami(ctx context.Context, h netroot.Handle, ip netaddr.IP) (netroot.Whoami, error) {
	var inner bytes.Buffer
	if _, err := xdr.Marshal(&inner, whoamiArgs{ClientAddress: toBPAddress(ip)}); err != nil {
		return netroot.Whoami{}, fmt.Errorf("failed to encode whoami arguments: %w", err)
	}
	args := callItArgs{Prog: BootparamProg, Vers: BootparamVers, Proc: ProcWhoami, Args: inner.Bytes()}

	var res callItResult
	from, err := c.call(ctx, c.pmapAddr(), PmapProg, PmapVers, PmapCallIt, &args, &res)
	if err != nil {
		return netroot.Whoami{}, fmt.Errorf("whoami via %s: %w", h.Name(), err)
	}
	var w whoamiResult
	if _, err := xdr.Unmarshal(bytes.NewReader(res.Res), &w); err != nil {
		return netroot.Whoami{}, fmt.Errorf("failed to decode whoami result: %w", err)
	}
	c.server = &net.UDPAddr{IP: from.IP, Port: int(res.Port)}
	c.logger().V(1).Info("bootparam server", "server", c.server.String(), "client", w.ClientName)

	return netroot.Whoami{
		Hostname: w.ClientName,
		Domain:   w.DomainName,
		Router:   w.RouterAddress.ip(),
	}, nil
}

// GetFile asks the server that answered whoami for the value of key.
func (c *Client) GetFile(ctx context.Context, h netroot.Handle, hostname, key string) (netroot.File, error) {
	if c.server == nil {
		if c.Server.IsZero() {
			return netroot.File{}, errNoServer
		}
		if err := c.lookupPort(ctx); err != nil {
			return netroot.File{}, err
		}
	}
	var res getFileResult
	args := getFileArgs{ClientName: hostname, FileID: key}
	if _, err := c.call(ctx, c.server, BootparamProg, BootparamVers, ProcGetFile, &args, &res); err != nil {
		return netroot.File{}, fmt.Errorf("getfile %q via %s: %w", key, h.Name(), err)
	}

	return netroot.File{
		ServerName: res.ServerName,
		Server:     res.ServerAddress.ip(),
		Path:       res.ServerPath,
	}, nil
}

// lookupPort asks Server's portmapper where bootparam listens.
func (c *Client) lookupPort(ctx context.Context) error {
	var res getPortResult
	args := getPortArgs{Prog: BootparamProg, Vers: BootparamVers, Prot: ProtoUDP}
	from, err := c.call(ctx, c.pmapAddr(), PmapProg, PmapVers, PmapGetPort, &args, &res)
	if err != nil {
		return fmt.Errorf("portmapper getport: %w", err)
	}
	if res.Port == 0 {
		return fmt.Errorf("bootparam is not registered with the portmapper on %s", from.IP)
	}
	c.server = &net.UDPAddr{IP: from.IP, Port: int(res.Port)}

	return nil
}

func (c *Client) pmapAddr() *net.UDPAddr {
	if c.pmap != nil {
		return c.pmap
	}
	if !c.Server.IsZero() {
		return &net.UDPAddr{IP: c.Server.IPAddr().IP, Port: PmapPort}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: PmapPort}
}

func (c *Client) logger() logr.Logger {
	if c.Log.GetSink() == nil {
		return logr.Discard()
	}
	return c.Log
}

// call sends one RPC, retransmitting until a reply with the same transaction
// id arrives, and returns the address that answered.
func (c *Client) call(ctx context.Context, to *net.UDPAddr, prog, vers, proc uint32, args, res interface{}) (*net.UDPAddr, error) {
	listen := c.listen
	if listen == nil {
		listen = func() (net.PacketConn, error) { return net.ListenPacket("udp4", ":0") }
	}
	conn, err := listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	xid := rand.Uint32()
	msg, err := encodeCall(xid, prog, vers, proc, args)
	if err != nil {
		return nil, err
	}
	b := c.Backoff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	tries := c.MaxTries
	if tries == 0 {
		tries = defaultMaxTries
	}

	return backoff.Retry(ctx, func() (*net.UDPAddr, error) {
		c.logger().V(1).Info("sending RPC", "to", to.String(), "prog", prog, "proc", proc, "xid", xid)
		if _, err := conn.WriteTo(msg, to); err != nil {
			return nil, backoff.Permanent(err)
		}
		from, reply, err := c.await(ctx, conn, xid)
		if err != nil {
			return nil, err
		}
		if err := decodeReply(reply, res); err != nil {
			return nil, backoff.Permanent(err)
		}
		return from, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}

func (c *Client) await(ctx context.Context, conn net.PacketConn, xid uint32) (*net.UDPAddr, []byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, backoff.Permanent(err)
	}

	buf := make([]byte, 8192)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
				return nil, nil, errTimeout
			}
			return nil, nil, backoff.Permanent(err)
		}
		got, ok := replyXID(buf[:n])
		if !ok || got != xid {
			continue
		}
		from, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		return from, append([]byte(nil), buf[:n]...), nil
	}
}
