package netroot

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/jacobweinstock/netroot/data"
	"github.com/jacobweinstock/netroot/rootpath"
)

// Names of the environment values published after a successful open. They are
// the minimum a kernel needs to mount its root without asking the network again.
const (
	EnvHardwareAddr = "boot.netif.hwaddr"
	EnvIP           = "boot.netif.ip"
	EnvNetmask      = "boot.netif.netmask"
	EnvGateway      = "boot.netif.gateway"
	EnvServer       = "boot.netif.server"
	EnvMTU          = "boot.netif.mtu"
	EnvTFTPServer   = "boot.tftproot.server"
	EnvTFTPPath     = "boot.tftproot.path"
	EnvNFSServer    = "boot.nfsroot.server"
	EnvNFSPath      = "boot.nfsroot.path"
)

// Environ renders cfg as boot.* environment values.
func Environ(cfg data.BootConfig) map[string]string {
	env := map[string]string{
		EnvHardwareAddr: cfg.HardwareAddr.String(),
		EnvIP:           ipString(cfg.MyIP),
		EnvNetmask:      cfg.NetmaskString(),
		EnvGateway:      ipString(cfg.Gateway),
		EnvServer:       ipString(cfg.RootServer),
	}
	if cfg.Protocol == rootpath.TFTP {
		env[EnvTFTPServer] = ipString(cfg.RootServer)
		env[EnvTFTPPath] = cfg.RootPath
	} else {
		env[EnvNFSServer] = ipString(cfg.RootServer)
		env[EnvNFSPath] = cfg.RootPath
	}
	if cfg.MTU != 0 {
		env[EnvMTU] = strconv.FormatUint(uint64(cfg.MTU), 10)
	}

	return env
}

// Publish hands every value of Environ(cfg) to setenv in name order. A nil
// setenv uses os.Setenv.
func Publish(setenv func(key, value string) error, cfg data.BootConfig) error {
	if setenv == nil {
		setenv = os.Setenv
	}
	env := Environ(cfg)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := setenv(k, env[k]); err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
	}

	return nil
}
