package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/lc/scry/internal/log"
)

const (
	_defaultTimeout = 5 * time.Second
	_defaultTries   = 3
	// Large enough for any UDP answer we accept and for TCP reassembly
	// chunks.
	_readBufferSize = 64 << 10
)

// ErrNoSocketState is returned when a channel is constructed without the
// socket-state callback; the channel cannot function without it.
var ErrNoSocketState = errors.New("transport: OnSocketState callback is required")

var _ Channel = (*channel)(nil)

type queryKind int

const (
	kindAddr queryKind = iota
	kindRaw
)

// query is one in-flight lookup bound to one socket at a time. A query may
// move across sockets as attempts against successive servers time out or
// fail.
type query struct {
	name   string
	family Family
	kind   queryKind
	addrCB AddrInfoFunc
	rawCB  RawReplyFunc

	msg []byte // packed question
	id  uint16 // transaction id, for matching replies

	fd         int
	attempt    int
	deadline   time.Time
	timeouts   int
	lastStatus Status

	connecting bool   // TCP connect still in progress
	wbuf       []byte // unsent request bytes
	rbuf       []byte // accumulated TCP reply bytes
}

type channel struct {
	servers       []netip.AddrPort
	useTCP        bool
	timeout       time.Duration
	tries         int
	onSocketState SocketStateFunc

	queries   map[int]*query // keyed by fd
	destroyed bool
}

// New creates a channel. Explicit servers take precedence; otherwise the
// system resolver configuration is consulted once, at construction.
func New(cfg Config) (Channel, error) {
	if cfg.OnSocketState == nil {
		return nil, ErrNoSocketState
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = systemServers()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = _defaultTimeout
	}
	tries := cfg.Tries
	if tries <= 0 {
		tries = _defaultTries
	}
	return &channel{
		servers:       servers,
		useTCP:        cfg.UseTCP,
		timeout:       timeout,
		tries:         tries,
		onSocketState: cfg.OnSocketState,
		queries:       make(map[int]*query),
	}, nil
}

func (c *channel) GetAddrInfo(name string, family Family, cb AddrInfoFunc) {
	if c.destroyed {
		cb(StatusDestruction, 0, nil)
		return
	}
	if node, match, literal := literalNode(name, family); literal {
		// IP literals complete synchronously; a mismatched family yields
		// an empty answer rather than an error.
		if match {
			cb(StatusSuccess, 0, []Node{node})
		} else {
			cb(StatusSuccess, 0, nil)
		}
		return
	}

	qtype := dns.TypeA
	if family == FamilyV6 {
		qtype = dns.TypeAAAA
	}
	msg, id, err := packQuestion(name, qtype)
	if err != nil {
		cb(StatusFailure, 0, nil)
		return
	}
	c.start(&query{
		name:       name,
		family:     family,
		kind:       kindAddr,
		addrCB:     cb,
		msg:        msg,
		id:         id,
		fd:         -1,
		lastStatus: StatusFailure,
	})
}

func (c *channel) QuerySRV(name string, cb RawReplyFunc) {
	if c.destroyed {
		cb(StatusDestruction, 0, nil)
		return
	}
	msg, id, err := packQuestion(name, dns.TypeSRV)
	if err != nil {
		cb(StatusFailure, 0, nil)
		return
	}
	c.start(&query{
		name:       name,
		kind:       kindRaw,
		rawCB:      cb,
		msg:        msg,
		id:         id,
		fd:         -1,
		lastStatus: StatusFailure,
	})
}

func (c *channel) ProcessFD(readFD, writeFD int) {
	if c.destroyed {
		return
	}
	if writeFD != SocketBad {
		if q, ok := c.queries[writeFD]; ok {
			c.onWritable(q)
		}
	}
	if readFD != SocketBad {
		if q, ok := c.queries[readFD]; ok {
			c.onReadable(q)
		}
	}
	c.expire(time.Now())
}

func (c *channel) NextTimeout() (time.Duration, bool) {
	if len(c.queries) == 0 {
		return 0, false
	}
	now := time.Now()
	var min time.Duration
	first := true
	for _, q := range c.queries {
		d := q.deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if first || d < min {
			min = d
			first = false
		}
	}
	return min, true
}

func (c *channel) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	for fd, q := range c.queries {
		delete(c.queries, fd)
		c.onSocketState(fd, false, false)
		unix.Close(fd)
		c.complete(q, StatusDestruction, nil, nil)
	}
}

// start issues the first attempt, delivering an immediate failure if no
// server can even be dialed.
func (c *channel) start(q *query) {
	if err := c.launch(q); err != nil {
		log.Debugf("transport: query for %q failed to launch: %v", q.name, err)
		c.complete(q, q.lastStatus, nil, nil)
	}
}

// launch opens a socket for the query's next attempt and registers it for
// readiness. It walks the server list until a socket is created or the
// attempt budget runs out.
func (c *channel) launch(q *query) error {
	var errs error
	for q.attempt < c.tries*len(c.servers) {
		server := c.servers[q.attempt%len(c.servers)]
		q.attempt++

		fd, err := c.open(q, server)
		if err != nil {
			if errors.Is(err, unix.ECONNREFUSED) {
				q.lastStatus = StatusConnRefused
			}
			errs = multierr.Append(errs, err)
			continue
		}

		q.fd = fd
		q.deadline = time.Now().Add(c.timeout)
		c.queries[fd] = q
		c.onSocketState(fd, true, len(q.wbuf) > 0 || q.connecting)
		return nil
	}
	if errs == nil {
		errs = errors.New("no resolver servers configured")
	}
	return errs
}

// open dials one server nonblockingly and primes the query's write buffer.
func (c *channel) open(q *query, server netip.AddrPort) (int, error) {
	var (
		domain int
		sa     unix.Sockaddr
	)
	addr := server.Addr().Unmap()
	if addr.Is4() {
		domain = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: int(server.Port()), Addr: addr.As4()}
	} else {
		domain = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: int(server.Port()), Addr: addr.As16()}
	}

	typ := unix.SOCK_DGRAM
	if c.useTCP {
		typ = unix.SOCK_STREAM
	}
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket for %s: %w", FormatServer(server), err)
	}

	q.connecting = false
	q.rbuf = nil
	if err := unix.Connect(fd, sa); err != nil {
		if c.useTCP && err == unix.EINPROGRESS {
			q.connecting = true
		} else {
			unix.Close(fd)
			return -1, fmt.Errorf("connecting to %s: %w", FormatServer(server), err)
		}
	}

	if c.useTCP {
		// TCP frames the message with a 2-byte length prefix.
		q.wbuf = make([]byte, 2+len(q.msg))
		binary.BigEndian.PutUint16(q.wbuf, uint16(len(q.msg)))
		copy(q.wbuf[2:], q.msg)
	} else {
		q.wbuf = q.msg
	}

	if !q.connecting {
		if err := writeSome(fd, q); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("sending to %s: %w", FormatServer(server), err)
		}
	}
	return fd, nil
}

func (c *channel) onWritable(q *query) {
	if q.connecting {
		soerr, err := unix.GetsockoptInt(q.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || soerr != 0 {
			status := StatusFailure
			if soerr == int(unix.ECONNREFUSED) {
				status = StatusConnRefused
			}
			c.retryOrFail(q, status)
			return
		}
		q.connecting = false
	}
	if err := writeSome(q.fd, q); err != nil {
		c.retryOrFail(q, statusFromErrno(err))
		return
	}
	if len(q.wbuf) == 0 {
		c.onSocketState(q.fd, true, false)
	}
}

func (c *channel) onReadable(q *query) {
	buf := make([]byte, _readBufferSize)
	for {
		n, err := unix.Read(q.fd, buf)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			// On connected UDP sockets an ICMP port-unreachable surfaces
			// here as ECONNREFUSED.
			c.retryOrFail(q, statusFromErrno(err))
			return
		}
		if n == 0 {
			if c.useTCP {
				c.retryOrFail(q, StatusFailure)
			}
			return
		}

		if !c.useTCP {
			c.handleReply(q, append([]byte(nil), buf[:n]...))
			return
		}
		q.rbuf = append(q.rbuf, buf[:n]...)
		if raw, ok := tcpMessage(q.rbuf); ok {
			c.handleReply(q, raw)
			return
		}
	}
}

func (c *channel) handleReply(q *query, raw []byte) {
	var msg dns.Msg
	if err := msg.Unpack(raw); err != nil {
		c.retryOrFail(q, StatusFailure)
		return
	}
	if msg.Id != q.id {
		log.Debugf("transport: dropping reply with mismatched id for %q", q.name)
		return
	}

	c.teardown(q)
	if q.kind == kindRaw {
		q.rawCB(StatusSuccess, q.timeouts, raw)
		return
	}
	if msg.Rcode != dns.RcodeSuccess {
		q.addrCB(StatusFailure, q.timeouts, nil)
		return
	}
	q.addrCB(StatusSuccess, q.timeouts, parseNodes(&msg, q.family))
}

// expire fails or retries every query whose current attempt is overdue.
func (c *channel) expire(now time.Time) {
	var due []*query
	for _, q := range c.queries {
		if !q.deadline.After(now) {
			due = append(due, q)
		}
	}
	for _, q := range due {
		q.timeouts++
		c.retryOrFail(q, StatusTimeout)
	}
}

// retryOrFail abandons the current socket and either launches the next
// attempt or completes the query with the given status.
func (c *channel) retryOrFail(q *query, status Status) {
	q.lastStatus = status
	c.teardown(q)
	if q.attempt < c.tries*len(c.servers) {
		if err := c.launch(q); err == nil {
			return
		}
	}
	c.complete(q, q.lastStatus, nil, nil)
}

// teardown closes the query's socket and tells the owner to stop watching
// it. The state callback fires before the fd closes so the owner can drop
// its registration first.
func (c *channel) teardown(q *query) {
	if q.fd < 0 {
		return
	}
	delete(c.queries, q.fd)
	c.onSocketState(q.fd, false, false)
	unix.Close(q.fd)
	q.fd = -1
	q.wbuf = nil
	q.rbuf = nil
}

func (c *channel) complete(q *query, status Status, nodes []Node, raw []byte) {
	if q.kind == kindAddr {
		q.addrCB(status, q.timeouts, nodes)
		return
	}
	q.rawCB(status, q.timeouts, raw)
}

func packQuestion(name string, qtype uint16) ([]byte, uint16, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	packed, err := m.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("packing question for %q: %w", name, err)
	}
	return packed, m.Id, nil
}

// writeSome pushes as much of the pending request as the socket accepts.
// A short write leaves the remainder for the next writability event.
func writeSome(fd int, q *query) error {
	for len(q.wbuf) > 0 {
		n, err := unix.Write(fd, q.wbuf)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		q.wbuf = q.wbuf[n:]
	}
	return nil
}

// tcpMessage extracts one length-prefixed DNS message if fully buffered.
func tcpMessage(rbuf []byte) ([]byte, bool) {
	if len(rbuf) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(rbuf))
	if len(rbuf) < 2+n {
		return nil, false
	}
	return rbuf[2 : 2+n], true
}

func statusFromErrno(err error) Status {
	if errors.Is(err, unix.ECONNREFUSED) {
		return StatusConnRefused
	}
	return StatusFailure
}
