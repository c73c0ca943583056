package file

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

const records = `
defaults:
  subnetMask: 255.255.255.0
  defaultGateway: 192.168.2.1
  nameServers:
    - 1.1.1.1
  leaseTime: 86400
  netboot:
    allowNetboot: true
    nextServer: 192.168.2.225
    rootPath: nfs://192.168.2.225/export/root
"08:00:27:29:4e:67":
  ipAddress: 192.168.2.152
  hostname: pxe-test
  mtu: 9000
"08:00:27:29:4e:68":
  ipAddress: 10.1.2.3
  leaseTime: 60
  netboot:
    allowNetboot: false
    rootPath: tftp:/boot
"08:00:27:29:4e:69":
  ipAddress: not-an-ip
`

func writeRecords(t *testing.T, content string) string {
	t.Helper()
	f := filepath.Join(t.TempDir(), "records.yaml")
	require.NoError(t, os.WriteFile(f, []byte(content), 0o600))
	return f
}

func TestRead(t *testing.T) {
	tests := map[string]struct {
		mac         string
		wantDhcp    *data.Dhcp
		wantNetboot *data.Netboot
		wantErr     bool
	}{
		"defaults merged": {
			mac: "08:00:27:29:4e:67",
			wantDhcp: &data.Dhcp{
				IPAddress:      netaddr.IPv4(192, 168, 2, 152),
				SubnetMask:     net.IPv4Mask(255, 255, 255, 0),
				DefaultGateway: netaddr.IPv4(192, 168, 2, 1),
				NameServers:    []net.IP{net.ParseIP("1.1.1.1")},
				Hostname:       "pxe-test",
				MTU:            9000,
				LeaseTime:      86400,
			},
			wantNetboot: &data.Netboot{
				AllowNetboot: true,
				NextServer:   netaddr.IPv4(192, 168, 2, 225),
				RootPath:     "nfs://192.168.2.225/export/root",
			},
		},
		"host overrides defaults": {
			mac: "08:00:27:29:4E:68",
			wantDhcp: &data.Dhcp{
				IPAddress:      netaddr.IPv4(10, 1, 2, 3),
				SubnetMask:     net.IPv4Mask(255, 255, 255, 0),
				DefaultGateway: netaddr.IPv4(192, 168, 2, 1),
				NameServers:    []net.IP{net.ParseIP("1.1.1.1")},
				LeaseTime:      60,
			},
			wantNetboot: &data.Netboot{
				AllowNetboot: false,
				NextServer:   netaddr.IPv4(192, 168, 2, 225),
				RootPath:     "tftp:/boot",
			},
		},
		"bad ip":    {mac: "08:00:27:29:4e:69", wantErr: true},
		"no record": {mac: "00:00:00:00:00:01", wantErr: true},
	}
	c, err := NewFile(writeRecords(t, records), logr.Discard())
	require.NoError(t, err)
	defer c.Watcher.Close()

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			mac, err := net.ParseMAC(tt.mac)
			require.NoError(t, err)
			d, n, err := c.Read(context.Background(), mac)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.wantDhcp.MacAddress = mac
			assert.Equal(t, tt.wantDhcp, d)
			assert.Equal(t, tt.wantNetboot, n)
		})
	}
}

func TestReadNaturalMask(t *testing.T) {
	c, err := NewFile(writeRecords(t, "\"08:00:27:29:4e:67\":\n  ipAddress: 10.0.0.9\n"), logr.Discard())
	require.NoError(t, err)
	defer c.Watcher.Close()

	d, n, err := c.Read(context.Background(), net.HardwareAddr{0x08, 0x00, 0x27, 0x29, 0x4e, 0x67})
	require.NoError(t, err)
	assert.Equal(t, net.IPv4Mask(255, 0, 0, 0), d.SubnetMask)
	assert.False(t, n.AllowNetboot)
}

func TestReadRootPathTooLong(t *testing.T) {
	long := make([]byte, data.MaxRootPathLen+1)
	for i := range long {
		long[i] = 'a'
	}
	c, err := NewFile(writeRecords(t, "\"08:00:27:29:4e:67\":\n  ipAddress: 10.0.0.9\n  netboot:\n    rootPath: /"+string(long)+"\n"), logr.Discard())
	require.NoError(t, err)
	defer c.Watcher.Close()

	_, _, err = c.Read(context.Background(), net.HardwareAddr{0x08, 0x00, 0x27, 0x29, 0x4e, 0x67})
	assert.ErrorIs(t, err, data.ErrRootPathTooLong)
}

func TestNewFileMissing(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "missing.yaml"), logr.Discard())
	assert.Error(t, err)
}

func TestStartReloads(t *testing.T) {
	f := writeRecords(t, "\"08:00:27:29:4e:67\":\n  ipAddress: 10.0.0.9\n")
	c, err := NewFile(f, logr.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	require.NoError(t, os.WriteFile(f, []byte("\"08:00:27:29:4e:67\":\n  ipAddress: 10.0.0.10\n"), 0o600))
	mac := net.HardwareAddr{0x08, 0x00, 0x27, 0x29, 0x4e, 0x67}
	assert.Eventually(t, func() bool {
		d, _, err := c.Read(context.Background(), mac)
		return err == nil && d.IPAddress == netaddr.IPv4(10, 0, 0, 10)
	}, 5*time.Second, 10*time.Millisecond)
}
