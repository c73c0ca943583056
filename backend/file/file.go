// Package file is a backend of netboot records kept in a YAML file keyed by
// MAC address. A record named "defaults" fills in whatever a host's record
// leaves out. The file is re-read whenever it is written.
package file

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/imdario/mergo"
	"github.com/jacobweinstock/netroot/data"
	"github.com/jacobweinstock/netroot/rootpath"
	"inet.af/netaddr"
)

// DefaultsKey names the record merged into every host record.
const DefaultsKey = "defaults"

type Conn struct {
	DataMu   sync.RWMutex
	Data     []byte
	FilePath string
	Watcher  *fsnotify.Watcher
	Log      logr.Logger
}

// NewFile reads f and starts watching it. Start must run for changes to be seen.
func NewFile(f string, l logr.Logger) (*Conn, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f); err != nil {
		watcher.Close()
		return nil, err
	}

	d, err := readfile(f)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	return &Conn{
		FilePath: f,
		Data:     d,
		Watcher:  watcher,
		Log:      l,
	}, nil
}

// Read returns the records for mac with the defaults merged in.
func (c *Conn) Read(_ context.Context, mac net.HardwareAddr) (*data.Dhcp, *data.Netboot, error) {
	c.DataMu.RLock()
	d := c.Data
	c.DataMu.RUnlock()
	r := make(map[string]dhcp)
	if err := yaml.Unmarshal(d, &r); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	want, err := data.MACFrom(mac)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range r {
		// skips the defaults record along with any key that is not a mac address.
		var got data.MACAddr
		if err := got.UnmarshalText([]byte(k)); err != nil {
			continue
		}
		if got == want {
			// found a record for this mac address
			if def, ok := r[DefaultsKey]; ok {
				// mergo treats an explicit false as unset.
				var allow *bool
				if v.Netboot.AllowNetboot != nil {
					b := *v.Netboot.AllowNetboot
					allow = &b
				}
				if err := mergo.Merge(&v, def); err != nil {
					return nil, nil, fmt.Errorf("failed to merge defaults: %w", err)
				}
				if allow != nil {
					v.Netboot.AllowNetboot = allow
				}
			}
			d, n, err := translate(mac, v)
			if err != nil {
				return nil, nil, err
			}
			if _, err := rootpath.Parse(n.RootPath); err != nil {
				// handed out as is, the client falls back to the server it already knows.
				c.Log.Info("record has a malformed root path", "mac", mac.String(), "error", err.Error())
			}
			return d, n, nil
		}
	}

	return nil, nil, fmt.Errorf("no record found for mac %s", mac.String())
}

func translate(mac net.HardwareAddr, r dhcp) (*data.Dhcp, *data.Netboot, error) {
	d := new(data.Dhcp)
	n := new(data.Netboot)

	d.MacAddress = mac
	// ip address
	ip, err := netaddr.ParseIP(r.IPAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse ip address from record: %w", err)
	}
	d.IPAddress = ip

	// subnet mask
	if r.SubnetMask != "" {
		sm := net.ParseIP(r.SubnetMask).To4()
		if sm == nil {
			return nil, nil, fmt.Errorf("failed to parse subnet mask from record: %q", r.SubnetMask)
		}
		d.SubnetMask = net.IPMask(sm)
	} else {
		d.SubnetMask = ip.IPAddr().IP.DefaultMask()
	}

	// default gateway
	if r.DefaultGateway != "" {
		dg, err := netaddr.ParseIP(r.DefaultGateway)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse default gateway from record: %w", err)
		}
		d.DefaultGateway = dg
	}

	// name servers
	for _, s := range r.NameServers {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, nil, fmt.Errorf("failed to parse name server from record: %q", s)
		}
		d.NameServers = append(d.NameServers, ip)
	}

	d.Hostname = r.Hostname
	d.DomainName = r.DomainName
	d.MTU = r.MTU

	// broadcast address
	if r.BroadcastAddress != "" {
		ba, err := netaddr.ParseIP(r.BroadcastAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse broadcast address from record: %w", err)
		}
		d.BroadcastAddress = ba
	}

	// ntp servers
	for _, s := range r.NTPServers {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, nil, fmt.Errorf("failed to parse ntp server from record: %q", s)
		}
		d.NTPServers = append(d.NTPServers, ip)
	}

	d.LeaseTime = r.LeaseTime
	d.DomainSearch = r.DomainSearch

	if r.Netboot.AllowNetboot != nil {
		n.AllowNetboot = *r.Netboot.AllowNetboot
	}
	if r.Netboot.NextServer != "" {
		ns, err := netaddr.ParseIP(r.Netboot.NextServer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse next server from record: %w", err)
		}
		n.NextServer = ns
	}
	if len(r.Netboot.RootPath) > data.MaxRootPathLen {
		return nil, nil, fmt.Errorf("root path from record: %w", data.ErrRootPathTooLong)
	}
	n.RootPath = r.Netboot.RootPath

	return d, n, nil
}

type netboot struct {
	AllowNetboot *bool  `json:"allowNetboot"` // If true, the client is given a root path and next server.
	NextServer   string `json:"nextServer"`   // siaddr DHCP header.
	RootPath     string `json:"rootPath"`     // DHCP option 17.
}

type dhcp struct {
	IPAddress        string   `json:"ipAddress"`        // yiaddr DHCP header.
	SubnetMask       string   `json:"subnetMask"`       // DHCP option 1.
	DefaultGateway   string   `json:"defaultGateway"`   // DHCP option 3.
	NameServers      []string `json:"nameServers"`      // DHCP option 6.
	Hostname         string   `json:"hostname"`         // DHCP option 12.
	DomainName       string   `json:"domainName"`       // DHCP option 15.
	MTU              uint16   `json:"mtu"`              // DHCP option 26.
	BroadcastAddress string   `json:"broadcastAddress"` // DHCP option 28.
	NTPServers       []string `json:"ntpServers"`       // DHCP option 42.
	LeaseTime        uint32   `json:"leaseTime"`        // DHCP option 51.
	DomainSearch     []string `json:"domainSearch"`     // DHCP option 119.
	Netboot          netboot  `json:"netboot"`
}

func readfile(filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from file: %w", err)
	}
	return d, nil
}

// Start reloads the file on every write until ctx is done.
func (c *Conn) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.Watcher.Close()
			return
		case event, ok := <-c.Watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				c.Log.Info("file changed, updating cache")
				d, err := readfile(c.FilePath)
				if err != nil {
					c.Log.Error(err, "failed to read file", "file", c.FilePath)
					break
				}
				c.DataMu.Lock()
				c.Data = d
				c.DataMu.Unlock()
			}
		case err, ok := <-c.Watcher.Errors:
			if !ok {
				return
			}
			c.Log.Error(err, "error watching file", "file", c.FilePath)
		}
	}
}
