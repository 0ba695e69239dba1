package resolver

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/suite"

	"github.com/lc/scry/internal/reactor"
	"github.com/lc/scry/internal/transport"
)

// stubQuery is one query captured by the stub channel, fired manually by
// the test.
type stubQuery struct {
	name   string
	family transport.Family
	addrCB transport.AddrInfoFunc
	rawCB  transport.RawReplyFunc
	fired  bool
}

func (q *stubQuery) fireAddr(status transport.Status, nodes []transport.Node) {
	q.fired = true
	q.addrCB(status, 0, nodes)
}

func (q *stubQuery) fireRaw(status transport.Status, reply []byte) {
	q.fired = true
	q.rawCB(status, 0, reply)
}

// stubChannel records queries for the test to complete. When syncAddr is
// set, address queries complete inside GetAddrInfo instead.
type stubChannel struct {
	cfg       transport.Config
	destroyed bool
	addr      []*stubQuery
	srv       []*stubQuery
	syncAddr  func(name string, family transport.Family) (transport.Status, []transport.Node, bool)
}

func (c *stubChannel) GetAddrInfo(name string, family transport.Family, cb transport.AddrInfoFunc) {
	if c.destroyed {
		cb(transport.StatusDestruction, 0, nil)
		return
	}
	if c.syncAddr != nil {
		if status, nodes, ok := c.syncAddr(name, family); ok {
			cb(status, 0, nodes)
			return
		}
	}
	c.addr = append(c.addr, &stubQuery{name: name, family: family, addrCB: cb})
}

func (c *stubChannel) QuerySRV(name string, cb transport.RawReplyFunc) {
	if c.destroyed {
		cb(transport.StatusDestruction, 0, nil)
		return
	}
	c.srv = append(c.srv, &stubQuery{name: name, rawCB: cb})
}

func (c *stubChannel) ProcessFD(readFD, writeFD int) {}

func (c *stubChannel) NextTimeout() (time.Duration, bool) {
	for _, q := range c.addr {
		if !q.fired {
			return time.Second, true
		}
	}
	for _, q := range c.srv {
		if !q.fired {
			return time.Second, true
		}
	}
	return 0, false
}

func (c *stubChannel) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	for _, q := range c.addr {
		if !q.fired {
			q.fireAddr(transport.StatusDestruction, nil)
		}
	}
	for _, q := range c.srv {
		if !q.fired {
			q.fireRaw(transport.StatusDestruction, nil)
		}
	}
}

// stubFactory counts channel constructions so tests can assert on lazy
// recreation. A non-nil err makes construction fail until cleared.
type stubFactory struct {
	channels []*stubChannel
	err      error
}

func (f *stubFactory) new(cfg transport.Config) (transport.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := &stubChannel{cfg: cfg}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *stubFactory) current() *stubChannel {
	return f.channels[len(f.channels)-1]
}

func packSRV(s *suite.Suite, rows []transport.SRV) []byte {
	msg := new(dns.Msg)
	msg.SetQuestion("_svc._tcp.example.com.", dns.TypeSRV)
	msg.Response = true
	for _, r := range rows {
		msg.Answer = append(msg.Answer, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   "_svc._tcp.example.com.",
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    uint32(r.TTL / time.Second),
			},
			Target: dns.Fqdn(r.Target),
			Port:   r.Port,
			Weight: r.Weight,
		})
	}
	packed, err := msg.Pack()
	s.Require().NoError(err)
	return packed
}

type ResolverTestSuite struct {
	suite.Suite

	loop    *reactor.Loop
	factory *stubFactory
	r       *Resolver
	faults  chan any
}

func (s *ResolverTestSuite) SetupTest() {
	loop, err := reactor.NewLoop()
	s.Require().NoError(err)
	s.loop = loop
	s.factory = &stubFactory{}
	s.faults = make(chan any, 8)

	r, err := New(loop,
		WithServers([]netip.AddrPort{netip.MustParseAddrPort("192.0.2.53:53")}),
		WithChannelFactory(s.factory.new),
		WithFaultHandler(func(fault any) { s.faults <- fault }),
	)
	s.Require().NoError(err)
	s.r = r
}

func (s *ResolverTestSuite) TearDownTest() {
	s.loop.Close()
}

func node(addr string, ttl time.Duration) transport.Node {
	return transport.Node{Addr: netip.MustParseAddr(addr), TTL: ttl}
}

func (s *ResolverTestSuite) TestV4OnlyQueriesInetOnly() {
	var (
		calls   int
		status  Status
		records []Record
	)
	q := s.r.Resolve("example.com", V4Only, func(st Status, recs []Record) {
		calls++
		status = st
		records = recs
	})
	s.Require().NotNil(q)

	ch := s.factory.current()
	s.Require().Len(ch.addr, 1)
	s.Equal(transport.FamilyV4, ch.addr[0].family)

	ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{
		node("192.0.2.10", 30*time.Second),
		node("192.0.2.11", 30*time.Second),
	})

	s.Equal(1, calls)
	s.Equal(Success, status)
	s.Equal([]Record{
		{Addr: netip.MustParseAddr("192.0.2.10"), TTL: 30 * time.Second},
		{Addr: netip.MustParseAddr("192.0.2.11"), TTL: 30 * time.Second},
	}, records)
	s.Len(ch.addr, 1, "no fallback query for v4-only")
	s.Empty(s.r.tasks, "completed task must leave the arena")
}

func (s *ResolverTestSuite) TestV6OnlyFailureReportsWithoutFallback() {
	var (
		calls  int
		status Status
	)
	s.r.Resolve("example.com", V6Only, func(st Status, recs []Record) {
		calls++
		status = st
		s.Empty(recs)
	})

	ch := s.factory.current()
	s.Require().Len(ch.addr, 1)
	s.Equal(transport.FamilyV6, ch.addr[0].family)

	ch.addr[0].fireAddr(transport.StatusFailure, nil)

	s.Equal(1, calls)
	s.Equal(Failure, status)
	s.Len(ch.addr, 1)
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestAutoFallsBackOnceOnEmptySuccess() {
	var (
		calls   int
		records []Record
	)
	s.r.Resolve("example.com", Auto, func(st Status, recs []Record) {
		calls++
		s.Equal(Success, st)
		records = recs
	})

	ch := s.factory.current()
	s.Require().Len(ch.addr, 1)
	s.Equal(transport.FamilyV6, ch.addr[0].family)

	// Empty success over IPv6 must not surface; it triggers the retry.
	ch.addr[0].fireAddr(transport.StatusSuccess, nil)
	s.Equal(0, calls)
	s.Require().Len(ch.addr, 2)
	s.Equal(transport.FamilyV4, ch.addr[1].family)

	ch.addr[1].fireAddr(transport.StatusSuccess, []transport.Node{node("192.0.2.20", 60*time.Second)})
	s.Equal(1, calls)
	s.Require().Len(records, 1)
	s.Equal(netip.MustParseAddr("192.0.2.20"), records[0].Addr)
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestAutoFallbackConsumedExactlyOnce() {
	var (
		calls  int
		status Status
	)
	s.r.Resolve("example.com", Auto, func(st Status, recs []Record) {
		calls++
		status = st
		s.Empty(recs)
	})

	ch := s.factory.current()
	ch.addr[0].fireAddr(transport.StatusFailure, nil)
	s.Require().Len(ch.addr, 2, "failure over v6 consumes the fallback")

	// The second attempt completes no matter the outcome.
	ch.addr[1].fireAddr(transport.StatusSuccess, nil)
	s.Equal(1, calls)
	s.Equal(Success, status)
	s.Len(ch.addr, 2, "fallback fires at most once")
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestAutoSkipsFallbackWhenV6Answers() {
	var calls int
	s.r.Resolve("example.com", Auto, func(st Status, recs []Record) {
		calls++
		s.Equal(Success, st)
		s.Len(recs, 1)
	})

	ch := s.factory.current()
	ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{node("2001:db8::1", 60*time.Second)})

	s.Equal(1, calls)
	s.Len(ch.addr, 1)
}

func (s *ResolverTestSuite) TestSynchronousCompletionReturnsNilHandle() {
	ch := s.factory.current()
	ch.syncAddr = func(name string, family transport.Family) (transport.Status, []transport.Node, bool) {
		return transport.StatusSuccess, []transport.Node{node("192.0.2.30", 0)}, true
	}

	var calls int
	q := s.r.Resolve("192.0.2.30", V4Only, func(st Status, recs []Record) {
		calls++
		s.Equal(Success, st)
	})

	s.Nil(q, "synchronous completion yields no cancellation handle")
	s.Equal(1, calls)
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestCancelSuppressesCallbackWithoutLeaking() {
	var calls int
	q := s.r.Resolve("example.com", V4Only, func(Status, []Record) { calls++ })
	s.Require().NotNil(q)
	s.Len(s.r.tasks, 1)

	q.Cancel()
	q.Cancel() // idempotent

	s.factory.current().addr[0].fireAddr(transport.StatusSuccess, []transport.Node{node("192.0.2.10", 0)})

	s.Equal(0, calls)
	s.Empty(s.r.tasks, "cancelled task still reclaims its arena slot")
}

func (s *ResolverTestSuite) TestCloseFailsOutstandingTasksOnce() {
	var aCalls, bCalls int
	var aStatus Status
	s.r.Resolve("a.example.com", V4Only, func(st Status, recs []Record) {
		aCalls++
		aStatus = st
		s.Empty(recs)
	})
	qb := s.r.Resolve("b.example.com", V4Only, func(Status, []Record) { bCalls++ })
	qb.Cancel()

	s.r.Close()

	s.Equal(1, aCalls)
	s.Equal(Failure, aStatus)
	s.Equal(0, bCalls, "cancelled task hears nothing on destruction")
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestConnRefusedMarksChannelDirty() {
	var status Status
	s.r.Resolve("example.com", V4Only, func(st Status, recs []Record) { status = st })

	ch := s.factory.current()
	ch.addr[0].fireAddr(transport.StatusConnRefused, nil)

	s.Equal(Failure, status)
	s.True(s.r.dirty)
	s.False(ch.destroyed, "recreation must not happen inside the callback")
	s.Len(s.factory.channels, 1)
}

func (s *ResolverTestSuite) TestDirtyChannelRecreatedOnNextResolve() {
	s.r.Resolve("example.com", V4Only, func(Status, []Record) {})
	old := s.factory.current()
	old.addr[0].fireAddr(transport.StatusConnRefused, nil)
	s.Require().True(s.r.dirty)

	s.r.Resolve("example.com", V4Only, func(Status, []Record) {})

	s.Len(s.factory.channels, 2, "exactly one recreation")
	s.True(old.destroyed)
	s.False(s.r.dirty)
	s.Equal(old.cfg.Servers, s.factory.current().cfg.Servers, "replacement keeps the configuration")
	s.Require().Len(s.factory.current().addr, 1, "new query runs on the replacement channel")
}

func (s *ResolverTestSuite) TestRecreationFailureCompletesSynchronously() {
	s.r.Resolve("example.com", V4Only, func(Status, []Record) {})
	old := s.factory.current()
	old.addr[0].fireAddr(transport.StatusConnRefused, nil)
	s.Require().True(s.r.dirty)

	// The factory fails, so the destroyed channel stays in place and the
	// new query completes with destruction before Resolve returns.
	s.factory.err = errors.New("out of sockets")
	var (
		calls  int
		status Status
	)
	q := s.r.Resolve("example.com", V4Only, func(st Status, recs []Record) {
		calls++
		status = st
		s.Empty(recs)
	})

	s.Nil(q, "synchronously failed query yields no cancellation handle")
	s.Equal(1, calls)
	s.Equal(Failure, status)
	s.Empty(s.r.tasks, "consumed task must not enter the arena")
	s.True(s.r.dirty, "a later resolve retries the recreation")

	// Once the factory recovers, the next resolve gets a fresh channel.
	s.factory.err = nil
	s.r.Resolve("example.com", V4Only, func(Status, []Record) {})
	s.Len(s.factory.channels, 2)
	s.False(s.r.dirty)
	s.Len(s.factory.current().addr, 1)
}

func (s *ResolverTestSuite) TestRecreationFailureDropsServiceLookupSilently() {
	s.r.Resolve("example.com", V4Only, func(Status, []Record) {})
	s.factory.current().addr[0].fireAddr(transport.StatusConnRefused, nil)
	s.Require().True(s.r.dirty)

	s.factory.err = errors.New("out of sockets")
	var calls int
	q := s.r.ResolveSrv("_svc._tcp.example.com", V4Only, func([]SrvInstance) { calls++ })

	s.Nil(q)
	s.Equal(0, calls, "service lookups stay silent on destruction")
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestConnRefusedWithFallbackPendingIsNotDirty() {
	s.r.Resolve("example.com", Auto, func(Status, []Record) {})

	ch := s.factory.current()
	ch.addr[0].fireAddr(transport.StatusConnRefused, nil)

	s.False(s.r.dirty, "refusal before the fallback attempt is not terminal")
	s.Require().Len(ch.addr, 2)

	ch.addr[1].fireAddr(transport.StatusConnRefused, nil)
	s.True(s.r.dirty, "refusal on the final attempt marks the channel")
}

func (s *ResolverTestSuite) TestSrvFanOutAggregatesAllChildren() {
	rows := []transport.SRV{
		{Target: "a.example.com", Port: 8080, TTL: 60 * time.Second, Weight: 2},
		{Target: "b.example.com", Port: 8081, TTL: 60 * time.Second, Weight: 3},
	}

	var (
		calls     int
		instances []SrvInstance
	)
	q := s.r.ResolveSrv("_svc._tcp.example.com", V4Only, func(inst []SrvInstance) {
		calls++
		instances = inst
	})
	s.Require().NotNil(q)

	ch := s.factory.current()
	s.Require().Len(ch.srv, 1)
	ch.srv[0].fireRaw(transport.StatusSuccess, packSRV(&s.Suite, rows))

	s.Require().Len(ch.addr, 2, "one child per target")
	s.Equal("a.example.com", ch.addr[0].name)
	s.Equal("b.example.com", ch.addr[1].name)

	ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{
		node("192.0.2.10", 60*time.Second),
		node("192.0.2.11", 60*time.Second),
	})
	s.Equal(0, calls, "aggregate waits for every child")

	// Even a failed child must be counted before the fan-in completes.
	ch.addr[1].fireAddr(transport.StatusFailure, nil)
	s.Equal(1, calls)
	s.Equal([]SrvInstance{
		{Addr: netip.MustParseAddrPort("192.0.2.10:8080"), Weight: 2},
		{Addr: netip.MustParseAddrPort("192.0.2.11:8080"), Weight: 2},
	}, instances)
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestSrvSingleRecordEndToEnd() {
	rows := []transport.SRV{
		{Target: "a.example.com", Port: 8080, TTL: 60 * time.Second, Weight: 1},
	}

	var instances []SrvInstance
	s.r.ResolveSrv("_svc._tcp.example.com", V4Only, func(inst []SrvInstance) { instances = inst })

	ch := s.factory.current()
	ch.srv[0].fireRaw(transport.StatusSuccess, packSRV(&s.Suite, rows))
	s.Require().Len(ch.addr, 1)
	ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{node("192.0.2.10", 60*time.Second)})

	s.Equal([]SrvInstance{
		{Addr: netip.MustParseAddrPort("192.0.2.10:8080"), Weight: 1},
	}, instances)
}

func (s *ResolverTestSuite) TestSrvDuplicateTargetsCollapse() {
	rows := []transport.SRV{
		{Target: "a.example.com", Port: 8080, TTL: 60 * time.Second, Weight: 1},
		{Target: "a.example.com", Port: 9090, TTL: 60 * time.Second, Weight: 7},
	}

	var instances []SrvInstance
	s.r.ResolveSrv("_svc._tcp.example.com", V4Only, func(inst []SrvInstance) { instances = inst })

	ch := s.factory.current()
	ch.srv[0].fireRaw(transport.StatusSuccess, packSRV(&s.Suite, rows))
	s.Require().Len(ch.addr, 1, "duplicate targets resolve once")

	ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{node("192.0.2.10", 0)})
	s.Require().Len(instances, 1)
	s.EqualValues(8080, instances[0].Addr.Port(), "first record for a target wins")
	s.EqualValues(1, instances[0].Weight)
}

func (s *ResolverTestSuite) TestSrvFailureDeliversNoCallback() {
	var calls int
	s.r.ResolveSrv("_svc._tcp.example.com", V4Only, func([]SrvInstance) { calls++ })

	ch := s.factory.current()
	ch.srv[0].fireRaw(transport.StatusFailure, nil)

	s.Equal(0, calls)
	s.Len(s.r.tasks, 1, "silent task stays until close")

	s.r.Close()
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestSrvCancelSuppressesAggregate() {
	rows := []transport.SRV{
		{Target: "a.example.com", Port: 8080, TTL: 60 * time.Second, Weight: 1},
	}

	var calls int
	q := s.r.ResolveSrv("_svc._tcp.example.com", V4Only, func([]SrvInstance) { calls++ })
	q.Cancel()

	ch := s.factory.current()
	ch.srv[0].fireRaw(transport.StatusSuccess, packSRV(&s.Suite, rows))
	ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{node("192.0.2.10", 0)})

	s.Equal(0, calls)
	s.Empty(s.r.tasks)
}

func (s *ResolverTestSuite) TestCallbackPanicIsContained() {
	s.r.Resolve("example.com", V4Only, func(Status, []Record) {
		panic("boom")
	})

	ch := s.factory.current()
	s.NotPanics(func() {
		ch.addr[0].fireAddr(transport.StatusSuccess, []transport.Node{node("192.0.2.10", 0)})
	})
	s.Empty(s.r.tasks, "panicking task is still reclaimed")

	// The resolver keeps working afterwards.
	var calls int
	s.r.Resolve("example.com", V4Only, func(Status, []Record) { calls++ })
	ch.addr[1].fireAddr(transport.StatusSuccess, nil)
	s.Equal(1, calls)

	// The fault surfaces on the loop once it runs.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.loop.Run(ctx) }()
	select {
	case fault := <-s.faults:
		s.Equal("boom", fault)
	case <-ctx.Done():
		s.Fail("fault handler never ran")
	}
	s.loop.Stop()
	<-done
}

func (s *ResolverTestSuite) TestParseLookupFamily() {
	testCases := []struct {
		input    string
		expected LookupFamily
		wantErr  bool
	}{
		{input: "v4", expected: V4Only},
		{input: "IPv6", expected: V6Only},
		{input: "auto", expected: Auto},
		{input: "", expected: Auto},
		{input: "both", wantErr: true},
	}

	for _, tc := range testCases {
		s.Run("input "+tc.input, func() {
			family, err := ParseLookupFamily(tc.input)
			if tc.wantErr {
				s.Error(err)
				return
			}
			s.NoError(err)
			s.Equal(tc.expected, family)
		})
	}
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverTestSuite))
}
