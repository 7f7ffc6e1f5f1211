package internal

import (
	"fmt"
	"net"
	"net/netip"
)

// addrToIface resolves the interface that owns addr, the way the public
// egress device is found when the config leaves it unnamed.
func addrToIface(addr netip.Addr) (string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifi := range ifs {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			if ip.Unmap() == addr.Unmap() {
				return ifi.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no interface owns %s", addr)
}
