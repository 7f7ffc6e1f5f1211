//go:build linux

package internal

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// nativeTun is a Linux tun descriptor opened with IFF_TUN|IFF_NO_PI, so
// reads and writes carry bare IP packets (plus the PPI tag on hosts that
// want one, which the shaper handles).
type nativeTun struct {
	f    *os.File
	name string
}

func (t *nativeTun) Read(p []byte) (int, error)  { return t.f.Read(p) }
func (t *nativeTun) Write(p []byte) (int, error) { return t.f.Write(p) }
func (t *nativeTun) Close() error                { return t.f.Close() }
func (t *nativeTun) Fd() int                     { return int(t.f.Fd()) }
func (t *nativeTun) Name() string                { return t.name }

// NewTun opens the tun device named in the config (kernel-assigned when
// empty), assigns the private addresses of every active family, sets the
// MTU to the buffer length and brings the link up.
func NewTun(cfg *Config) (TunDevice, error) {
	tun, err := openTun(cfg.TunIf)
	if err != nil {
		return nil, err
	}

	for _, f := range cfg.Families() {
		addr, err := cfg.PrivateAddr(f)
		if err != nil {
			tun.Close()
			return nil, err
		}
		mask := cfg.PrivateMask4
		if f == FamilyV6 {
			mask = cfg.PrivateMask6
		}
		if err := addTunAddr(tun.name, addr, mask); err != nil {
			tun.Close()
			return nil, err
		}
	}

	if err := tunLinkUp(tun.name, cfg.BufLength); err != nil {
		tun.Close()
		return nil, err
	}
	return tun, nil
}

func openTun(name string) (*nativeTun, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	return &nativeTun{
		f:    os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
	}, nil
}

func addTunAddr(ifname string, addr netip.Addr, mask string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("tun link %s: %w", ifname, err)
	}

	bits, err := maskBits(mask, addr)
	if err != nil {
		return err
	}
	nlAddr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(bits, addr.BitLen()),
		},
	}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("assign %s/%d to %s: %w", addr, bits, ifname, err)
	}
	return nil
}

func tunLinkUp(ifname string, mtu int) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("tun link %s: %w", ifname, err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu on %s: %w", ifname, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up %s: %w", ifname, err)
	}
	return nil
}

// maskBits accepts either a prefix length ("24") or a dotted-quad
// netmask ("255.255.255.0"). An empty mask defaults to the full address.
func maskBits(mask string, addr netip.Addr) (int, error) {
	if mask == "" {
		return addr.BitLen(), nil
	}
	if strings.Contains(mask, ".") {
		ip := net.ParseIP(mask)
		if ip == nil || ip.To4() == nil {
			return 0, fmt.Errorf("bad netmask %q", mask)
		}
		ones, _ := net.IPMask(ip.To4()).Size()
		return ones, nil
	}
	bits, err := strconv.Atoi(mask)
	if err != nil || bits < 0 || bits > addr.BitLen() {
		return 0, fmt.Errorf("bad prefix length %q", mask)
	}
	return bits, nil
}
