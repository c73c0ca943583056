package netroot

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot/data"
	"github.com/jacobweinstock/netroot/rootpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

func sunBootparam() *mockBootparam {
	return &mockBootparam{
		whoami: Whoami{Hostname: "client1", Domain: "example.com", Router: netaddr.IPv4(192, 0, 2, 99)},
		files: map[string]File{
			"gateway": {Server: netaddr.IPv4(192, 0, 2, 1), Path: "255.255.255.0"},
			"root":    {ServerName: "fs", Server: netaddr.IPv4(192, 0, 2, 10), Path: "/export/root/client1"},
		},
	}
}

func TestResolveBOOTPShortCircuits(t *testing.T) {
	b := &mockBOOTP{set: func(c *data.BootConfig) {
		c.MyIP = netaddr.IPv4(192, 0, 2, 50)
		c.Gateway = netaddr.IPv4(192, 0, 2, 1)
		c.RootServer = netaddr.IPv4(192, 0, 2, 10)
		c.RootPath = "tftp:/boot"
	}}
	ra := &mockRARP{}
	bp := sunBootparam()
	r := &Resolver{Log: logr.Discard(), BOOTP: b, RARP: ra, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 0, ra.calls)
	assert.Equal(t, 0, bp.calls())
	assert.Equal(t, netaddr.IPv4(192, 0, 2, 50), got.MyIP)
	assert.Equal(t, netaddr.IPv4(192, 0, 2, 10), got.RootServer)
	assert.Equal(t, rootpath.TFTP, got.Protocol)
	assert.Equal(t, "/boot", got.RootPath)
}

func TestResolveBOOTPPartialReplyAccepted(t *testing.T) {
	b := &mockBOOTP{set: func(c *data.BootConfig) {
		c.MyIP = netaddr.IPv4(192, 0, 2, 50)
	}}
	ra := &mockRARP{}
	bp := sunBootparam()
	r := &Resolver{BOOTP: b, RARP: ra, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, ra.calls)
	assert.Equal(t, 0, bp.calls())
	assert.True(t, got.RootServer.IsZero())
	// no root path at all defaults to TFTP.
	assert.Equal(t, rootpath.TFTP, got.Protocol)
	assert.Equal(t, "/", got.RootPath)
}

func TestResolveRARPAndBootparam(t *testing.T) {
	b := &mockBOOTP{err: errors.New("timeout")}
	ra := &mockRARP{ip: netaddr.IPv4(192, 0, 2, 50)}
	bp := sunBootparam()
	r := &Resolver{BOOTP: b, RARP: ra, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, ra.calls)
	assert.Equal(t, 1, bp.whoamiCalls)
	assert.Equal(t, []string{"gateway", "root"}, bp.keys)

	want := data.BootConfig{
		MyIP:       netaddr.IPv4(192, 0, 2, 50),
		Netmask:    net.IPv4Mask(255, 255, 255, 0),
		Gateway:    netaddr.IPv4(192, 0, 2, 1),
		RootServer: netaddr.IPv4(192, 0, 2, 10),
		RootPath:   "/export/root/client1",
		Protocol:   rootpath.NFS,
		Hostname:   "client1",
		Domain:     "example.com",
	}
	assert.Equal(t, want, got)
}

func TestResolveNaturalNetmaskWithoutGateway(t *testing.T) {
	bp := sunBootparam()
	delete(bp.files, "gateway")
	r := &Resolver{BOOTP: &mockBOOTP{}, RARP: &mockRARP{ip: netaddr.IPv4(10, 1, 2, 3)}, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, net.IPv4Mask(255, 0, 0, 0), got.Netmask)
	assert.True(t, got.Gateway.IsZero())
}

func TestResolveGatewayZeroMaskKeepsNatural(t *testing.T) {
	bp := sunBootparam()
	bp.files["gateway"] = File{Path: "0.0.0.0"}
	r := &Resolver{RARP: &mockRARP{ip: netaddr.IPv4(172, 16, 0, 9)}, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, net.IPv4Mask(255, 255, 0, 0), got.Netmask)
}

func TestResolveEmbeddedAddressOverridesBootparam(t *testing.T) {
	bp := sunBootparam()
	bp.files["root"] = File{Server: netaddr.IPv4(192, 0, 2, 10), Path: "nfs://198.51.100.4/export/root"}
	r := &Resolver{BOOTP: &mockBOOTP{}, RARP: &mockRARP{ip: netaddr.IPv4(192, 0, 2, 50)}, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, netaddr.IPv4(198, 51, 100, 4), got.RootServer)
	assert.Equal(t, "/export/root", got.RootPath)
	assert.Equal(t, rootpath.NFS, got.Protocol)
}

func TestResolveEmbeddedAddressOverridesBOOTP(t *testing.T) {
	b := &mockBOOTP{set: func(c *data.BootConfig) {
		c.MyIP = netaddr.IPv4(192, 0, 2, 50)
		c.RootServer = netaddr.IPv4(192, 0, 2, 10)
		c.RootPath = "192.0.2.77:/export/root"
	}}
	r := &Resolver{BOOTP: b}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, netaddr.IPv4(192, 0, 2, 77), got.RootServer)
	assert.Equal(t, "/export/root", got.RootPath)
}

func TestResolveMalformedAddressKeepsServer(t *testing.T) {
	bp := sunBootparam()
	bp.files["root"] = File{Server: netaddr.IPv4(192, 0, 2, 10), Path: "nfs://not-an-ip/x"}
	r := &Resolver{RARP: &mockRARP{ip: netaddr.IPv4(192, 0, 2, 50)}, Bootparam: bp}

	got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	require.NoError(t, err)
	assert.Equal(t, netaddr.IPv4(192, 0, 2, 10), got.RootServer)
	assert.Equal(t, "/x", got.RootPath)
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name        string
		rarp        *mockRARP
		bootparam   func() *mockBootparam
		want        error
		stage       string
		bootparamNo bool
	}{
		{
			name:        "rarp fails",
			rarp:        &mockRARP{err: errors.New("no reply")},
			bootparam:   sunBootparam,
			want:        ErrAddressDiscoveryFailed,
			stage:       StageRARP,
			bootparamNo: true,
		},
		{
			name:        "rarp yields nothing",
			rarp:        &mockRARP{},
			bootparam:   sunBootparam,
			want:        ErrAddressDiscoveryFailed,
			stage:       StageRARP,
			bootparamNo: true,
		},
		{
			name: "whoami fails",
			rarp: &mockRARP{ip: netaddr.IPv4(192, 0, 2, 50)},
			bootparam: func() *mockBootparam {
				bp := sunBootparam()
				bp.whoamiErr = errors.New("rpc timeout")
				return bp
			},
			want:  ErrBootparamRPCFailed,
			stage: StageWhoami,
		},
		{
			name: "root fails",
			rarp: &mockRARP{ip: netaddr.IPv4(192, 0, 2, 50)},
			bootparam: func() *mockBootparam {
				bp := sunBootparam()
				delete(bp.files, "root")
				return bp
			},
			want:  ErrRootInfoUnavailable,
			stage: StageRoot,
		},
		{
			name: "root path too long",
			rarp: &mockRARP{ip: netaddr.IPv4(192, 0, 2, 50)},
			bootparam: func() *mockBootparam {
				bp := sunBootparam()
				long := make([]byte, data.MaxRootPathLen+1)
				for i := range long {
					long[i] = 'a'
				}
				bp.files["root"] = File{Path: "/" + string(long)}
				return bp
			},
			want:  ErrRootInfoUnavailable,
			stage: StageRoot,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp := tt.bootparam()
			r := &Resolver{BOOTP: &mockBOOTP{}, RARP: tt.rarp, Bootparam: bp}
			in := data.BootConfig{Hostname: "preset"}

			got, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err)
			var se *StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, in, got)
			if tt.bootparamNo {
				assert.Equal(t, 0, bp.calls())
			}
		})
	}
}

func TestResolveWithoutCollaborators(t *testing.T) {
	r := &Resolver{}
	_, err := r.Resolve(context.Background(), &mockHandle{name: "eth0"}, data.BootConfig{})
	assert.True(t, errors.Is(err, ErrAddressDiscoveryFailed))
}

func TestStageErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := &StageError{Stage: StageWhoami, Kind: ErrBootparamRPCFailed, Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrBootparamRPCFailed))
	assert.False(t, errors.Is(err, ErrRootInfoUnavailable))
	assert.Equal(t, "whoami: bootparam/whoami RPC failed: cause", err.Error())
}

func TestParseMask(t *testing.T) {
	assert.Equal(t, net.IPv4Mask(255, 255, 252, 0), parseMask("255.255.252.0"))
	assert.Nil(t, parseMask("0.0.0.0"))
	assert.Nil(t, parseMask("nonsense"))
	assert.Nil(t, parseMask(""))
}
