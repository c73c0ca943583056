package netroot

import (
	"context"
	"errors"
	"net"

	"github.com/jacobweinstock/netroot/data"
	"inet.af/netaddr"
)

type mockHandle struct {
	name   string
	closed int
}

func (m *mockHandle) Name() string { return m.name }

func (m *mockHandle) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr{0x08, 0x00, 0x27, 0x29, 0x4e, 0x67}
}

func (m *mockHandle) MTU() int { return 1500 }

func (m *mockHandle) Close() error {
	m.closed++
	return nil
}

type mockNetif struct {
	opened  []string
	handles []*mockHandle
	err     error
}

func (m *mockNetif) Open(_ context.Context, name string) (Handle, error) {
	m.opened = append(m.opened, name)
	if m.err != nil {
		return nil, m.err
	}
	h := &mockHandle{name: name}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *mockNetif) Interfaces() ([]string, error) {
	return []string{"eth0", "eth1"}, nil
}

type mockBOOTP struct {
	calls int
	set   func(*data.BootConfig)
	err   error
}

func (m *mockBOOTP) Negotiate(_ context.Context, _ Handle, cfg data.BootConfig) (data.BootConfig, error) {
	m.calls++
	if m.err != nil {
		return cfg, m.err
	}
	if m.set != nil {
		m.set(&cfg)
	}
	return cfg, nil
}

type mockRARP struct {
	calls int
	ip    netaddr.IP
	err   error
}

func (m *mockRARP) GetIP(context.Context, Handle) (netaddr.IP, error) {
	m.calls++
	return m.ip, m.err
}

type mockBootparam struct {
	whoamiCalls int
	keys        []string
	whoami      Whoami
	whoamiErr   error
	files       map[string]File
}

var errNoSuchKey = errors.New("no such key")

func (m *mockBootparam) Whoami(context.Context, Handle, netaddr.IP) (Whoami, error) {
	m.whoamiCalls++
	return m.whoami, m.whoamiErr
}

func (m *mockBootparam) GetFile(_ context.Context, _ Handle, _, key string) (File, error) {
	m.keys = append(m.keys, key)
	f, ok := m.files[key]
	if !ok {
		return File{}, errNoSuchKey
	}
	return f, nil
}

func (m *mockBootparam) calls() int {
	return m.whoamiCalls + len(m.keys)
}
