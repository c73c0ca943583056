package rarp

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jacobweinstock/netroot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

var (
	clientMAC = net.HardwareAddr{0x08, 0x00, 0x27, 0x29, 0x4e, 0x67}
	otherMAC  = net.HardwareAddr{0x08, 0x00, 0x27, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
)

type handle struct{}

func (handle) Name() string                   { return "eth0" }
func (handle) HardwareAddr() net.HardwareAddr { return clientMAC }
func (handle) MTU() int                       { return 1500 }
func (handle) Close() error                   { return nil }

// mockConn hands out one read per queued frame, then deadline errors.
type mockConn struct {
	frames [][]byte
	writes [][]byte
	closed bool
}

func (m *mockConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(m.frames) == 0 {
		return 0, nil, os.ErrDeadlineExceeded
	}
	f := m.frames[0]
	m.frames = m.frames[1:]
	if f == nil {
		return 0, nil, os.ErrDeadlineExceeded
	}
	return copy(b, f), nil, nil
}

func (m *mockConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	m.writes = append(m.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (m *mockConn) SetReadDeadline(time.Time) error { return nil }

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func reply(t *testing.T, op uint16, target net.HardwareAddr, ip net.IP) []byte {
	t.Helper()
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   serverMAC,
		SourceProtAddress: net.IPv4(192, 0, 2, 1).To4(),
		DstHwAddress:      target,
		DstProtAddress:    ip.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, a))
	return buf.Bytes()
}

func client(conn *mockConn) *Client {
	return &Client{
		Timeout:  time.Millisecond,
		MaxTries: 3,
		Backoff:  &backoff.ZeroBackOff{},
		listen: func(netroot.Handle) (Conn, net.Addr, error) {
			return conn, nil, nil
		},
	}
}

func TestRequest(t *testing.T) {
	b, err := Request(clientMAC)
	require.NoError(t, err)

	var a layers.ARP
	require.NoError(t, a.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
	assert.Equal(t, OpRequest, a.Operation)
	assert.Equal(t, []byte(clientMAC), a.SourceHwAddress)
	assert.Equal(t, []byte(clientMAC), a.DstHwAddress)
	assert.Equal(t, layers.EthernetTypeIPv4, a.Protocol)
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  netaddr.IP
		ok    bool
	}{
		{
			name:  "reply for us",
			frame: reply(t, OpReply, clientMAC, net.IPv4(192, 0, 2, 50)),
			want:  netaddr.IPv4(192, 0, 2, 50),
			ok:    true,
		},
		{
			name:  "reply for someone else",
			frame: reply(t, OpReply, otherMAC, net.IPv4(192, 0, 2, 51)),
		},
		{
			name:  "request echoed back",
			frame: reply(t, OpRequest, clientMAC, net.IPv4(192, 0, 2, 50)),
		},
		{
			name:  "unspecified address",
			frame: reply(t, OpReply, clientMAC, net.IPv4zero),
		},
		{
			name:  "truncated",
			frame: []byte{0x00, 0x01},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseReply(tt.frame, clientMAC)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetIP(t *testing.T) {
	conn := &mockConn{frames: [][]byte{
		reply(t, OpReply, otherMAC, net.IPv4(192, 0, 2, 51)),
		reply(t, OpReply, clientMAC, net.IPv4(192, 0, 2, 50)),
	}}

	ip, err := client(conn).GetIP(context.Background(), handle{})
	require.NoError(t, err)
	assert.Equal(t, netaddr.IPv4(192, 0, 2, 50), ip)
	assert.Len(t, conn.writes, 1)
	assert.True(t, conn.closed)
}

func TestGetIPRetries(t *testing.T) {
	// the first attempt times out, the second gets an answer.
	conn := &mockConn{frames: [][]byte{
		nil,
		reply(t, OpReply, clientMAC, net.IPv4(192, 0, 2, 50)),
	}}

	ip, err := client(conn).GetIP(context.Background(), handle{})
	require.NoError(t, err)
	assert.Equal(t, netaddr.IPv4(192, 0, 2, 50), ip)
	assert.Len(t, conn.writes, 2)
}

func TestGetIPNoReply(t *testing.T) {
	conn := &mockConn{}

	_, err := client(conn).GetIP(context.Background(), handle{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNoReply))
	assert.Len(t, conn.writes, 3)
}
