// Package rootpath is a coredhcp plugin that sets DHCP option 17 (Root Path)
// and, optionally, the 'siaddr' header on every reply.
//
// Arguments: <root path> [next server ip]
package rootpath

import (
	"errors"
	"fmt"
	"net"

	"github.com/coredhcp/coredhcp/handler"
	"github.com/coredhcp/coredhcp/logger"
	"github.com/coredhcp/coredhcp/plugins"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/jacobweinstock/netroot/data"
	"github.com/jacobweinstock/netroot/rootpath"
)

const Name = "rootpath"

var log = logger.GetLogger("plugins/" + Name)

// Plugin is registered with coredhcp by the caller.
var Plugin = plugins.Plugin{
	Name:   Name,
	Setup4: Setup4,
}

var errArgs = errors.New("want <root path> [next server ip]")

// Setup4 returns a handler that stamps the root path from args on replies.
func Setup4(args ...string) (handler.Handler4, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("%s: got %d arguments: %w", Name, len(args), errArgs)
	}
	path := args[0]
	if len(path) > data.MaxRootPathLen {
		return nil, fmt.Errorf("%s: %w", Name, data.ErrRootPathTooLong)
	}
	if _, err := rootpath.Parse(path); err != nil {
		log.Warnf("root path %q: %v", path, err)
	}

	var next net.IP
	if len(args) == 2 {
		next = net.ParseIP(args[1]).To4()
		if next == nil {
			return nil, fmt.Errorf("%s: invalid next server ip %q", Name, args[1])
		}
	}
	log.Infof("loaded root path %q", path)

	return func(req, resp *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, bool) {
		if resp == nil {
			return nil, false
		}
		resp.UpdateOption(dhcpv4.OptRootPath(path))
		if next != nil {
			resp.ServerIPAddr = next
		}
		return resp, false
	}, nil
}
