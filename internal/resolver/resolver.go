// Package resolver is the asynchronous DNS resolution engine. A Resolver
// owns a transport channel, bridges its sockets and deadlines onto a
// reactor loop, and tracks every in-flight resolution as a task in an
// arena until its completion path removes it. Address resolutions follow a
// family policy with a one-shot Auto fallback; service resolutions fan an
// SRV answer out into per-target address lookups and aggregate the
// results. A channel that reports a refused connection is marked dirty and
// lazily rebuilt at the next resolve call, never from inside a callback.
package resolver

import (
	"net/netip"
	"time"

	"github.com/lc/scry/internal/log"
	"github.com/lc/scry/internal/reactor"
	"github.com/lc/scry/internal/transport"
)

// Resolver performs asynchronous DNS resolution on a reactor loop. All
// methods except construction must be called from the loop goroutine; the
// engine serializes access through reactor.Loop.Post.
type Resolver struct {
	loop    *reactor.Loop
	factory transport.Factory

	servers []netip.AddrPort
	useTCP  bool
	timeout time.Duration
	tries   int
	onFault func(fault any)

	channel transport.Channel
	// dirty marks the channel for lazy recreation. It is never cleared from
	// inside a transport callback; only the next externally initiated
	// resolution rebuilds the channel.
	dirty bool

	timer  *reactor.Timer
	events map[int]*reactor.FileEvent
	tasks  map[string]task
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithServers sets explicit upstream resolver endpoints. Without it the
// system resolver configuration is used.
func WithServers(servers []netip.AddrPort) Option {
	return func(r *Resolver) { r.servers = servers }
}

// WithTCP forces queries over TCP.
func WithTCP(useTCP bool) Option {
	return func(r *Resolver) { r.useTCP = useTCP }
}

// WithQueryTimeout bounds a single attempt against a single server.
func WithQueryTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithQueryTries sets the number of passes over the server list.
func WithQueryTries(n int) Option {
	return func(r *Resolver) { r.tries = n }
}

// WithChannelFactory replaces the transport channel constructor.
func WithChannelFactory(f transport.Factory) Option {
	return func(r *Resolver) { r.factory = f }
}

// WithFaultHandler installs a handler for panics recovered from resolution
// callbacks. The handler runs on the loop goroutine as a posted function,
// after the transport stack that triggered the callback has unwound.
func WithFaultHandler(fn func(fault any)) Option {
	return func(r *Resolver) { r.onFault = fn }
}

// New creates a resolver bound to loop and opens its first channel.
func New(loop *reactor.Loop, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		loop:    loop,
		factory: transport.New,
		events:  make(map[int]*reactor.FileEvent),
		tasks:   make(map[string]task),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.timer = loop.NewTimer(r.onTimeout)

	if err := r.initChannel(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) initChannel() error {
	ch, err := r.factory(transport.Config{
		Servers:       r.servers,
		UseTCP:        r.useTCP,
		Timeout:       r.timeout,
		Tries:         r.tries,
		OnSocketState: r.onSocketState,
	})
	if err != nil {
		return err
	}
	r.channel = ch
	r.dirty = false
	return nil
}

// recreateIfDirty rebuilds a channel previously marked corrupted. This runs
// only at the top of an external resolve call, never from inside a
// transport callback, so the old channel's stack is never destroyed while
// it is still executing.
func (r *Resolver) recreateIfDirty() {
	if !r.dirty {
		return
	}
	log.Warn("resolver: recreating corrupted resolution channel")
	r.channel.Destroy()
	if err := r.initChannel(); err != nil {
		// Keep the destroyed channel in place; new queries complete with
		// destruction until a later recreation succeeds.
		log.Errorf("resolver: recreating resolution channel: %v", err)
	}
}

// Query is a cancellation handle for a pending resolution. Cancel prevents
// callback delivery; the underlying query still runs to completion and
// reclaims its resources through the normal path.
type Query struct {
	s *taskState
}

// Cancel suppresses the resolution's callback. Idempotent.
func (q *Query) Cancel() {
	q.s.cancelled = true
}

// Resolve starts an address resolution for name under the given family
// policy. It returns nil when the resolution completed synchronously (the
// callback has already run); otherwise the returned handle can cancel
// callback delivery.
func (r *Resolver) Resolve(name string, family LookupFamily, cb Callback) *Query {
	r.recreateIfDirty()
	t := newAddressTask(r, name, family, cb)
	t.start()
	return r.prepare(t)
}

// ResolveSrv starts a service resolution: an SRV lookup fanned out into one
// address resolution per distinct target. The callback receives the
// aggregated endpoints; failed lookups deliver no callback at all.
func (r *Resolver) ResolveSrv(name string, family LookupFamily, cb SrvCallback) *Query {
	r.recreateIfDirty()
	t := newSrvTask(r, name, family, cb)
	t.start()
	return r.prepare(t)
}

// prepare hands ownership of a still-pending task to the arena. A task that
// completed synchronously has already delivered its callback and needs no
// handle.
func (r *Resolver) prepare(t task) *Query {
	st := t.state()
	if st.completed {
		return nil
	}
	st.owned = true
	r.tasks[st.id] = t
	r.updateTimer()
	return &Query{s: st}
}

func (r *Resolver) removeTask(id string) {
	delete(r.tasks, id)
}

// onSocketState bridges transport socket announcements into reactor file
// events. Both directions false means the fd is about to close and must be
// dropped before the transport reuses the descriptor number.
func (r *Resolver) onSocketState(fd int, readable, writable bool) {
	if !readable && !writable {
		if fe, ok := r.events[fd]; ok {
			fe.Close()
			delete(r.events, fd)
		}
		return
	}
	fe, ok := r.events[fd]
	if !ok {
		var err error
		fe, err = r.loop.NewFileEvent(fd, func(rd, wr bool) { r.onFDEvent(fd, rd, wr) })
		if err != nil {
			log.Errorf("resolver: watching fd %d: %v", fd, err)
			return
		}
		r.events[fd] = fe
	}
	if err := fe.SetEnabled(readable, writable); err != nil {
		log.Errorf("resolver: updating fd %d readiness: %v", fd, err)
	}
}

func (r *Resolver) onFDEvent(fd int, readable, writable bool) {
	readFD, writeFD := transport.SocketBad, transport.SocketBad
	if readable {
		readFD = fd
	}
	if writable {
		writeFD = fd
	}
	r.channel.ProcessFD(readFD, writeFD)
	r.updateTimer()
}

func (r *Resolver) onTimeout() {
	r.channel.ProcessFD(transport.SocketBad, transport.SocketBad)
	r.updateTimer()
}

// updateTimer re-arms the channel-wide timer from the transport's nearest
// attempt deadline. Called after every I/O round and every query start.
func (r *Resolver) updateTimer() {
	d, ok := r.channel.NextTimeout()
	if !ok {
		r.timer.Disable()
		return
	}
	r.timer.Enable(d)
}

// guardCallback invokes a caller-supplied callback, containing panics so
// they never unwind into the transport stack. The fault is logged at
// critical severity and, when a handler is installed, re-raised on the loop
// as a deferred function.
func (r *Resolver) guardCallback(fn func()) {
	defer func() {
		if fault := recover(); fault != nil {
			log.Criticalf("resolver: panic in resolution callback: %v", fault)
			if r.onFault != nil {
				r.loop.Post(func() { r.onFault(fault) })
			}
		}
	}()
	fn()
}

// Close tears the resolver down. Pending address resolutions observe the
// channel's destruction and deliver Failure to their non-cancelled
// callbacks; pending service resolutions are dropped silently.
func (r *Resolver) Close() {
	r.timer.Disable()
	r.channel.Destroy()
	for fd, fe := range r.events {
		fe.Close()
		delete(r.events, fd)
	}
	// Tasks with no pending transport query (a service lookup that came up
	// empty, for example) never hear about the destruction; drop them here.
	for id := range r.tasks {
		delete(r.tasks, id)
	}
}
