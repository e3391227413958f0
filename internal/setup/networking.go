package setup

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ErrNoHostAddress is returned when no interface carries a usable IPv4
// address.
var ErrNoHostAddress = errors.New("no usable host address found")

// HostAddresses lists the IPv4 addresses of all interfaces that are up,
// skipping loopback links.
func HostAddresses() ([]net.IP, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var ips []net.IP
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, unix.AF_INET)
		if err != nil {
			if isLinkNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("list addresses of %s: %w", attrs.Name, err)
		}
		for _, addr := range addrs {
			if addr.IP != nil {
				ips = append(ips, addr.IP)
			}
		}
	}
	return ips, nil
}

// HostAddress picks the address a device on the LAN most likely uses to
// reach this host.
func HostAddress() (string, error) {
	ips, err := HostAddresses()
	if err != nil {
		return "", err
	}
	ip, err := selectAddress(ips)
	if err != nil {
		return "", err
	}
	getLogger().Debug("selected host address", "ip", ip)
	return ip.String(), nil
}

// selectAddress prefers private unicast addresses over public ones and
// ignores link-local and unspecified addresses.
func selectAddress(ips []net.IP) (net.IP, error) {
	var fallback net.IP
	for _, ip := range ips {
		if ip.To4() == nil || !ip.IsGlobalUnicast() {
			continue
		}
		if ip.IsPrivate() {
			return ip, nil
		}
		if fallback == nil {
			fallback = ip
		}
	}
	if fallback == nil {
		return nil, ErrNoHostAddress
	}
	return fallback, nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
