package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrMalformedReply is returned when reply bytes do not unpack as a DNS
// message.
var ErrMalformedReply = errors.New("malformed DNS reply")

// ParseSRVReply parses raw SRV reply bytes into service record rows.
// Record priority is dropped on purpose: it is reserved for a future
// locality mapping and nothing downstream consumes it yet.
func ParseSRVReply(reply []byte) ([]SRV, error) {
	var msg dns.Msg
	if err := msg.Unpack(reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: rcode %s", ErrMalformedReply, dns.RcodeToString[msg.Rcode])
	}

	var rows []SRV
	for _, rr := range msg.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		rows = append(rows, SRV{
			Target: strings.TrimSuffix(srv.Target, "."),
			Port:   srv.Port,
			TTL:    time.Duration(srv.Hdr.Ttl) * time.Second,
			Weight: srv.Weight,
		})
	}
	return rows, nil
}

// parseNodes extracts address records matching the queried family from a
// response. Extra record types (CNAME chains and the like) are skipped.
func parseNodes(msg *dns.Msg, family Family) []Node {
	var nodes []Node
	for _, rr := range msg.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if family != FamilyV4 {
				continue
			}
			ip := record.A.To4()
			if ip == nil {
				continue
			}
			nodes = append(nodes, Node{
				Addr: netip.AddrFrom4([4]byte(ip)),
				TTL:  time.Duration(record.Hdr.Ttl) * time.Second,
			})
		case *dns.AAAA:
			if family != FamilyV6 {
				continue
			}
			ip := record.AAAA.To16()
			if ip == nil {
				continue
			}
			nodes = append(nodes, Node{
				Addr: netip.AddrFrom16([16]byte(ip)),
				TTL:  time.Duration(record.Hdr.Ttl) * time.Second,
			})
		}
	}
	return nodes
}

// literalNode handles names that are already IP literals: a matching-family
// literal resolves to itself with zero TTL, a mismatched one yields an empty
// answer (so auto-family callers can fall back).
func literalNode(name string, family Family) (Node, bool, bool) {
	addr, err := netip.ParseAddr(strings.TrimSuffix(name, "."))
	if err != nil {
		return Node{}, false, false
	}
	if family == FamilyV4 && addr.Is4() {
		return Node{Addr: addr}, true, true
	}
	if family == FamilyV6 && addr.Is6() && !addr.Is4In6() {
		return Node{Addr: addr}, true, true
	}
	return Node{}, false, true
}
