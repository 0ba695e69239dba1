// Package transport implements the upstream DNS query machinery the
// resolution engine drives. A Channel owns one nonblocking socket per
// in-flight query, announces socket lifecycle through a state callback, and
// leaves all scheduling to the caller: the owner watches the announced fds,
// calls ProcessFD when one becomes ready (or on a timer tick), and re-reads
// NextTimeout after every round. Channels are not goroutine-safe; all calls
// must come from the owning event-loop goroutine.
package transport

import (
	"net/netip"
	"time"
)

// SocketBad is the fd sentinel passed to ProcessFD for timer-only ticks.
const SocketBad = -1

// Family selects the address family of an address query.
type Family int

const (
	// FamilyV4 queries A records.
	FamilyV4 Family = iota
	// FamilyV6 queries AAAA records.
	FamilyV6
)

// String returns the conventional name of the family.
func (f Family) String() string {
	if f == FamilyV4 {
		return "inet"
	}
	return "inet6"
}

// Status is the terminal condition of one query as seen by the library.
type Status int

const (
	// StatusSuccess means the upstream answered; the record list may still
	// be empty.
	StatusSuccess Status = iota
	// StatusFailure covers malformed names, negative response codes and
	// exhausted attempts without a more specific cause.
	StatusFailure
	// StatusTimeout means every attempt ran out of time.
	StatusTimeout
	// StatusConnRefused means the upstream actively refused the transport
	// connection. Callers treat this as evidence of a corrupted channel.
	StatusConnRefused
	// StatusDestruction is delivered to pending queries when the channel is
	// destroyed out from under them.
	StatusDestruction
)

// String returns a short name for logging.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	case StatusConnRefused:
		return "connection refused"
	case StatusDestruction:
		return "destruction"
	default:
		return "unknown"
	}
}

// Node is one parsed address from an address query, with the record's TTL.
type Node struct {
	Addr netip.Addr
	TTL  time.Duration
}

// SRV is one parsed service record row. Priority is deliberately not
// carried; see ParseSRVReply.
type SRV struct {
	Target string
	Port   uint16
	TTL    time.Duration
	Weight uint16
}

// AddrInfoFunc receives the outcome of an address query. timeouts counts
// per-attempt timeouts that occurred before the query completed.
type AddrInfoFunc func(status Status, timeouts int, nodes []Node)

// RawReplyFunc receives the raw reply bytes of a record query, to be parsed
// by the caller (see ParseSRVReply).
type RawReplyFunc func(status Status, timeouts int, reply []byte)

// SocketStateFunc is invoked whenever a query socket needs (or stops
// needing) readiness notification. readable==writable==false means the fd is
// about to be closed and must be dropped from any watch set.
type SocketStateFunc func(fd int, readable, writable bool)

// Config carries channel construction options.
type Config struct {
	// Servers lists explicit upstream resolver endpoints. Empty means use
	// the system resolver configuration.
	Servers []netip.AddrPort
	// UseTCP forces queries over TCP instead of UDP.
	UseTCP bool
	// Timeout bounds a single attempt against a single server.
	Timeout time.Duration
	// Tries is the number of passes over the server list before a query
	// fails.
	Tries int
	// OnSocketState is required; the channel is useless without fd
	// readiness driven by the owner.
	OnSocketState SocketStateFunc
}

// Channel issues DNS queries and reports their outcomes through callbacks.
// Callbacks may fire synchronously from within GetAddrInfo/QuerySRV (for
// example, IP-literal names) or later from within ProcessFD.
type Channel interface {
	// GetAddrInfo issues an address query for name in the given family.
	GetAddrInfo(name string, family Family, cb AddrInfoFunc)
	// QuerySRV issues an SRV query for name, delivering the raw reply.
	QuerySRV(name string, cb RawReplyFunc)
	// ProcessFD drives I/O for the given ready fds (SocketBad for none)
	// and expires overdue attempts.
	ProcessFD(readFD, writeFD int)
	// NextTimeout returns the time until the nearest attempt deadline, or
	// ok=false when no query is pending.
	NextTimeout() (time.Duration, bool)
	// Destroy tears the channel down, delivering StatusDestruction to
	// every pending query and closing every socket.
	Destroy()
}

// Factory constructs a Channel from a Config. The engine recreates channels
// through the same factory after marking one corrupted.
type Factory func(Config) (Channel, error)
