package data

import (
	"net"

	"inet.af/netaddr"
)

// Dhcp is what the responder hands a client in its DHCP headers and options.
type Dhcp struct {
	MacAddress       net.HardwareAddr // chaddr DHCP header.
	IPAddress        netaddr.IP       // yiaddr DHCP header.
	SubnetMask       net.IPMask       // DHCP option 1.
	DefaultGateway   netaddr.IP       // DHCP option 3.
	NameServers      []net.IP         // DHCP option 6.
	Hostname         string           // DHCP option 12.
	DomainName       string           // DHCP option 15.
	MTU              uint16           // DHCP option 26.
	BroadcastAddress netaddr.IP       // DHCP option 28.
	NTPServers       []net.IP         // DHCP option 42.
	LeaseTime        uint32           // DHCP option 51.
	DomainSearch     []string         // DHCP option 119.
}

// Netboot is where a client finds its root filesystem.
type Netboot struct {
	AllowNetboot bool       // If false, no root path or next server is handed out.
	NextServer   netaddr.IP // siaddr DHCP header.
	RootPath     string     // DHCP option 17.
}
