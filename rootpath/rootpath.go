// Package rootpath parses the root path handed to a netbooting client.
//
// A root path names the protocol used to mount the root filesystem, an
// optional server address and the path on that server:
//
//	<scheme>://IPv4/path
//	<scheme>:/path
//
// For compatibility with older configurations it also accepts
//
//	IPv4:/path   (NFS)
//	/path        (NFS)
//	/            (TFTP)
package rootpath

import (
	"errors"
	"fmt"
	"strings"

	"inet.af/netaddr"
)

// Protocol is the transfer protocol used to mount the root filesystem.
type Protocol int

const (
	Unspecified Protocol = iota
	TFTP
	NFS
)

func (p Protocol) String() string {
	switch p {
	case TFTP:
		return "tftp"
	case NFS:
		return "nfs"
	default:
		return "none"
	}
}

// Scheme maps a root path prefix to a Protocol.
type Scheme struct {
	Prefix   string
	Protocol Protocol
}

// schemes is consulted in order, the first matching prefix wins.
var schemes = []Scheme{
	{Prefix: "tftp:/", Protocol: TFTP},
	{Prefix: "nfs:/", Protocol: NFS},
}

// Schemes returns the recognized scheme prefixes in match order.
func Schemes() []Scheme {
	return append([]Scheme(nil), schemes...)
}

// ErrMalformedAddress is matched by every MalformedAddressError.
var ErrMalformedAddress = errors.New("malformed address")

// MalformedAddressError reports an address in a root path that is not a
// dotted-quad IPv4 address. It is a warning: the Spec returned alongside it
// still carries a usable protocol and path.
type MalformedAddressError struct {
	Addr string
	Err  error
}

func (e *MalformedAddressError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad IP address %q: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("bad IP address %q", e.Addr)
}

func (e *MalformedAddressError) Is(target error) bool {
	return target == ErrMalformedAddress
}

func (e *MalformedAddressError) Unwrap() error {
	return e.Err
}

// Spec is a parsed root path.
type Spec struct {
	Protocol Protocol
	// Server is the zero IP when the root path did not carry an address.
	Server netaddr.IP
	Path   string
}

// HasServer reports whether the root path carried a server address.
func (s Spec) HasServer() bool {
	return !s.Server.IsZero()
}

// String renders s in the <scheme>:// form.
func (s Spec) String() string {
	if s.Protocol == Unspecified {
		return s.Path
	}
	if !s.HasServer() {
		return s.Protocol.String() + ":" + s.Path
	}
	return s.Protocol.String() + "://" + s.Server.String() + s.Path
}

// none is INADDR_NONE, which older loaders could not tell apart from a
// failed conversion. An unspecified address names no server either.
var none = netaddr.IPv4(255, 255, 255, 255)

// Parse decodes a root path. The returned Spec is always usable; a non-nil
// error is always a *MalformedAddressError describing an embedded address
// that could not be used.
func Parse(path string) (Spec, error) {
	// no root path at all, default to TFTP.
	if path == "" {
		return Spec{Protocol: TFTP, Path: "/"}, nil
	}
	for _, s := range schemes {
		if strings.HasPrefix(path, s.Prefix) {
			return parseScheme(s, path[len(s.Prefix):])
		}
	}

	return parseLegacy(path)
}

// parseScheme handles everything after a scheme prefix, which ends in the
// first slash.
func parseScheme(s Scheme, rest string) (Spec, error) {
	spec := Spec{Protocol: s.Protocol}
	if !strings.HasPrefix(rest, "/") {
		// <scheme>:/path, the slash of the prefix starts the path.
		spec.Path = "/" + rest
		return spec, nil
	}

	// <scheme>://, an address is expected up to the next slash.
	// TODO(jacobweinstock): ports and bracketed IPv6 hosts once an http scheme exists.
	host, p := rest[1:], "/"
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host, p = host[:i], host[i:]
	}
	spec.Path = p
	ip, err := parseAddr(host)
	if err != nil {
		return spec, err
	}
	spec.Server = ip

	return spec, nil
}

func parseLegacy(path string) (Spec, error) {
	if path == "/" {
		return Spec{Protocol: TFTP, Path: "/"}, nil
	}
	spec := Spec{Protocol: NFS, Path: path}
	host, p, found := strings.Cut(path, ":")
	if !found {
		return spec, nil
	}
	if p == "" {
		p = "/"
	}
	spec.Path = p
	ip, err := parseAddr(host)
	if err != nil {
		return spec, err
	}
	spec.Server = ip

	return spec, nil
}

func parseAddr(s string) (netaddr.IP, error) {
	ip, err := netaddr.ParseIP(s)
	if err != nil {
		return netaddr.IP{}, &MalformedAddressError{Addr: s, Err: err}
	}
	if !ip.Is4() || ip == none || ip.IsUnspecified() {
		return netaddr.IP{}, &MalformedAddressError{Addr: s}
	}

	return ip, nil
}
