package resolver

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Status is the terminal outcome of a resolution as surfaced to callers.
// There is no partial-success value: a task is either not yet complete, or
// complete with a status and a possibly empty record list.
type Status int

const (
	// Success means the lookup completed; the record list may be empty.
	Success Status = iota
	// Failure means the underlying lookup failed.
	Failure
)

// String returns a short name for logging.
func (s Status) String() string {
	if s == Success {
		return "success"
	}
	return "failure"
}

// LookupFamily is the address-family policy for a resolution.
type LookupFamily int

const (
	// V4Only resolves IPv4 addresses exclusively.
	V4Only LookupFamily = iota
	// V6Only resolves IPv6 addresses exclusively.
	V6Only
	// Auto resolves IPv6 first, falling back to IPv4 at most once when the
	// IPv6 attempt yields nothing usable.
	Auto
)

// String returns the configuration spelling of the family.
func (f LookupFamily) String() string {
	switch f {
	case V4Only:
		return "v4"
	case V6Only:
		return "v6"
	default:
		return "auto"
	}
}

// ParseLookupFamily parses the configuration spelling of a family.
func ParseLookupFamily(s string) (LookupFamily, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v4", "ipv4", "inet":
		return V4Only, nil
	case "v6", "ipv6", "inet6":
		return V6Only, nil
	case "", "auto":
		return Auto, nil
	default:
		return Auto, fmt.Errorf("unknown lookup family %q", s)
	}
}

// Record is one resolved address with the TTL its DNS record carried.
// The port is never set here; assigning ports belongs to the caller.
type Record struct {
	Addr netip.Addr
	TTL  time.Duration
}

// SrvRecord is one parsed service record. Priority is intentionally not
// modeled; it is reserved for future locality mapping.
type SrvRecord struct {
	Target string
	Port   uint16
	TTL    time.Duration
	Weight uint32
}

// SrvInstance is one resolved service endpoint: a target address tagged
// with the originating SRV record's port and weight.
type SrvInstance struct {
	Addr   netip.AddrPort
	Weight uint32
}

// Callback receives the outcome of an address resolution. It is invoked at
// most once per task, and never for cancelled tasks.
type Callback func(status Status, records []Record)

// SrvCallback receives the aggregated endpoints of an SRV resolution.
type SrvCallback func(instances []SrvInstance)
