package transport

import (
	"net"
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
)

// _resolvConfPath is the system resolver configuration consulted when no
// explicit servers are given.
const _resolvConfPath = "/etc/resolv.conf"

// _fallbackServer is used when the system configuration cannot be read.
var _fallbackServer = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 53)

// FormatServer renders a resolver endpoint as host:port with IPv6 hosts
// bracketed, the form accepted back by config files and logs.
func FormatServer(ap netip.AddrPort) string {
	return net.JoinHostPort(ap.Addr().String(), strconv.Itoa(int(ap.Port())))
}

// FormatServers renders every endpoint with FormatServer.
func FormatServers(aps []netip.AddrPort) []string {
	out := make([]string, 0, len(aps))
	for _, ap := range aps {
		out = append(out, FormatServer(ap))
	}
	return out
}

// systemServers reads the system resolver list. Unparseable entries are
// skipped; an unreadable or empty configuration falls back to localhost.
func systemServers() []netip.AddrPort {
	cc, err := dns.ClientConfigFromFile(_resolvConfPath)
	if err != nil {
		return []netip.AddrPort{_fallbackServer}
	}

	port := uint16(53)
	if p, err := strconv.ParseUint(cc.Port, 10, 16); err == nil && p != 0 {
		port = uint16(p)
	}

	var servers []netip.AddrPort
	for _, s := range cc.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		servers = append(servers, netip.AddrPortFrom(addr, port))
	}
	if len(servers) == 0 {
		return []netip.AddrPort{_fallbackServer}
	}
	return servers
}
