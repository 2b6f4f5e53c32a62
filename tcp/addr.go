//go:build linux || darwin

package tcp

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddr resolves an IP literal (or "" for the IPv4 wildcard) and port.
func sockaddr(host string, port uint16) (unix.Sockaddr, int, error) {
	if host == "" {
		return &unix.SockaddrInet4{Port: int(port)}, unix.AF_INET, nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, 0, err
	}
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(port), Addr: addr.Unmap().As4()}, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		ifi, err := net.InterfaceByName(zone)
		if err != nil {
			return nil, 0, err
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	return sa, unix.AF_INET6, nil
}

// addrPort converts a socket address, the zero value if it is not IP.
func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr = addr.WithZone(ifi.Name)
			}
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	}
	return netip.AddrPort{}
}
