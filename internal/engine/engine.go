// Package engine orchestrates the core logic of the Scry daemon. It owns
// the watch store, drives TTL-based re-resolution through the resolver on
// its reactor loop, and serializes all scheduling decisions through a
// single goroutine. API handlers talk to the engine; only the engine talks
// to the resolver.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/lc/scry/internal/log"
	"github.com/lc/scry/internal/reactor"
	"github.com/lc/scry/internal/resolver"
	"github.com/lc/scry/internal/watch"
)

const (
	// Small buffer for commands to avoid blocking senders momentarily.
	_commandBufferSize = 16
	// How long the loop sleeps when no watch is waiting.
	_idleWake = time.Hour
	// How long a dispatched refresh may stay unanswered before the watch is
	// re-queued. Covers service resolutions, which deliver no callback when
	// the lookup comes up empty.
	_refreshGrace = time.Minute
)

// ErrResolveFailed is returned when an on-demand resolution completes with
// a failure status.
var ErrResolveFailed = errors.New("engine: resolution failed")

// Resolver is the slice of the resolution engine the watch manager drives.
// All calls must be made on the reactor loop.
type Resolver interface {
	Resolve(name string, family resolver.LookupFamily, cb resolver.Callback) *resolver.Query
	ResolveSrv(name string, family resolver.LookupFamily, cb resolver.SrvCallback) *resolver.Query
}

// Engine manages watches and on-demand resolutions.
type Engine struct {
	loop  *reactor.Loop
	res   Resolver
	store watch.Store
	state *stateFile // nil disables persistence

	cmdChan  chan command // Commands are processed serially by runLoop
	done     chan struct{}
	cancelFn context.CancelFunc // Cancels the context passed to Run
}

// Option configures an Engine.
type Option func(*Engine)

// New creates an engine scheduling resolutions on loop through res.
// Refresh intervals derive from record TTLs clamped to [minRefresh,
// maxRefresh].
func New(loop *reactor.Loop, res Resolver, minRefresh, maxRefresh time.Duration, opts ...Option) *Engine {
	e := &Engine{
		loop:    loop,
		res:     res,
		store:   watch.NewStore(minRefresh, maxRefresh),
		cmdChan: make(chan command, _commandBufferSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the engine's scheduling goroutine. Previously persisted
// watches are restored before the loop starts.
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel

	if e.state != nil {
		restored, err := e.state.load()
		if err != nil {
			log.Warnf("engine: restoring watches: %v", err)
		}
		for _, w := range restored {
			e.store.Upsert(w)
		}
		if len(restored) > 0 {
			log.Infof("engine: restored %d watches", len(restored))
		}
	}

	go e.runLoop(runCtx)
	log.Info("engine: started")
}

// Close stops the scheduling goroutine and waits for it to exit.
func (e *Engine) Close() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
	<-e.done
	log.Info("engine: stopped")
}

// ResolveHost performs a one-shot address resolution and waits for the
// outcome. A failure status maps to ErrResolveFailed.
func (e *Engine) ResolveHost(ctx context.Context, name string, family resolver.LookupFamily) ([]resolver.Record, error) {
	type outcome struct {
		status  resolver.Status
		records []resolver.Record
	}
	ch := make(chan outcome, 1)
	e.loop.Post(func() {
		e.res.Resolve(name, family, func(status resolver.Status, records []resolver.Record) {
			ch <- outcome{status: status, records: records}
		})
	})

	select {
	case out := <-ch:
		if out.status != resolver.Success {
			return nil, fmt.Errorf("%w: %s", ErrResolveFailed, name)
		}
		return out.records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveService performs a one-shot SRV resolution and waits for the
// aggregated endpoints. A failed or empty service lookup surfaces as the
// context deadline; callers must bound ctx.
func (e *Engine) ResolveService(ctx context.Context, name string, family resolver.LookupFamily) ([]resolver.SrvInstance, error) {
	ch := make(chan []resolver.SrvInstance, 1)
	e.loop.Post(func() {
		e.res.ResolveSrv(name, family, func(instances []resolver.SrvInstance) {
			ch <- instances
		})
	})

	select {
	case instances := <-ch:
		return instances, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WatchHost starts tracking a hostname. Returns the watch id; re-watching
// an already tracked name updates its policy and keeps the id.
func (e *Engine) WatchHost(name string, family resolver.LookupFamily) string {
	return e.addWatch(name, watch.KindHost, family)
}

// WatchService starts tracking a service name through SRV resolution.
func (e *Engine) WatchService(name string, family resolver.LookupFamily) string {
	return e.addWatch(name, watch.KindSrv, family)
}

func (e *Engine) addWatch(name string, kind watch.Kind, family resolver.LookupFamily) string {
	id := e.store.Upsert(&watch.Watch{
		ID:     uuid.NewString(),
		Name:   name,
		Kind:   kind,
		Family: family,
	})
	log.Infof("engine: watching %s %q as %s", kind, name, id)
	e.kick()
	e.persist()
	return id
}

// Unwatch stops tracking by watch id or name. Returns whether a watch was
// removed.
func (e *Engine) Unwatch(ref string) bool {
	removed, found := e.store.Remove(ref)
	if !found {
		removed, found = e.store.RemoveByName(ref)
	}
	if !found {
		return false
	}
	log.Infof("engine: unwatched %q (%s)", removed.Name, removed.ID)
	e.kick()
	e.persist()
	return true
}

// Snapshot returns a read-only copy of the current watch set.
func (e *Engine) Snapshot() []watch.Watch {
	return e.store.Snapshot()
}

// WatchCount returns the number of tracked watches.
func (e *Engine) WatchCount() int64 {
	return e.store.Count()
}

// kick nudges runLoop to recompute its wake-up time.
func (e *Engine) kick() {
	select {
	case e.cmdChan <- kickCmd{}:
	default:
		// A full channel means the loop wakes soon anyway.
	}
}

func (e *Engine) persist() {
	if e.state == nil {
		return
	}
	if err := e.state.save(e.store.Snapshot()); err != nil {
		log.Warnf("engine: persisting watches: %v", err)
	}
}

// pendingRefresh tracks a dispatched, unanswered refresh so a silent
// resolution cannot stall the watch forever.
type pendingRefresh struct {
	w     *watch.Watch
	since time.Time
}

// runLoop is the central scheduling loop. It serializes refresh dispatch,
// refresh results, and wake-up recomputation.
func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.done)
	log.Info("engine: runLoop starting")

	pending := make(map[string]pendingRefresh)
	timer := time.NewTimer(_idleWake)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.nextWake(pending))

		select {
		case <-timer.C:
			e.dispatchDue(pending)
		case cmd := <-e.cmdChan:
			switch c := cmd.(type) {
			case kickCmd:
				// Wake-up recomputed on the next iteration.
			case refreshResultCmd:
				e.handleResult(pending, c)
			default:
				log.Warnf("engine: received unknown command type: %T", cmd)
			}
		case <-ctx.Done():
			log.Info("engine: runLoop stopping")
			return
		}
	}
}

// nextWake picks the earliest of the store's next due time and the oldest
// pending refresh's grace deadline.
func (e *Engine) nextWake(pending map[string]pendingRefresh) time.Duration {
	wake := time.Now().Add(_idleWake)
	if due, ok := e.store.NextDue(); ok && due.Before(wake) {
		wake = due
	}
	for _, p := range pending {
		if deadline := p.since.Add(_refreshGrace); deadline.Before(wake) {
			wake = deadline
		}
	}
	d := time.Until(wake)
	if d < 0 {
		return 0
	}
	return d
}

// dispatchDue starts a refresh for every due watch and re-queues refreshes
// that outlived their grace period.
func (e *Engine) dispatchDue(pending map[string]pendingRefresh) {
	now := time.Now()

	for id, p := range pending {
		if now.Sub(p.since) < _refreshGrace {
			continue
		}
		delete(pending, id)
		log.Warnf("engine: refresh for %q got no answer, re-queueing", p.w.Name)
		// Re-queueing with the previous outcome pushes the next attempt one
		// refresh interval out.
		e.store.MarkResolved(id, p.w.Endpoints, p.w.TTL, now)
	}

	var errs error
	for _, w := range e.store.DueNow(now) {
		if err := e.startRefresh(w); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refresh for %q: %w", w.Name, err))
			e.store.MarkResolved(w.ID, w.Endpoints, w.TTL, now)
			continue
		}
		pending[w.ID] = pendingRefresh{w: w, since: now}
	}
	if errs != nil {
		log.Warnf("engine: refresh dispatch: %v", errs)
	}
}

// startRefresh posts one resolution onto the reactor loop. The completion
// callback crosses back into the engine as a command.
func (e *Engine) startRefresh(w *watch.Watch) error {
	switch w.Kind {
	case watch.KindHost:
		e.loop.Post(func() {
			e.res.Resolve(w.Name, w.Family, func(status resolver.Status, records []resolver.Record) {
				endpoints := make([]netip.AddrPort, 0, len(records))
				for _, rec := range records {
					endpoints = append(endpoints, netip.AddrPortFrom(rec.Addr, 0))
				}
				e.postResult(refreshResultCmd{
					id:        w.ID,
					name:      w.Name,
					endpoints: endpoints,
					ttl:       minTTL(records),
					failed:    status != resolver.Success,
				})
			})
		})
	case watch.KindSrv:
		e.loop.Post(func() {
			e.res.ResolveSrv(w.Name, w.Family, func(instances []resolver.SrvInstance) {
				endpoints := make([]netip.AddrPort, 0, len(instances))
				for _, inst := range instances {
					endpoints = append(endpoints, inst.Addr)
				}
				e.postResult(refreshResultCmd{id: w.ID, name: w.Name, endpoints: endpoints})
			})
		})
	default:
		return fmt.Errorf("unknown watch kind %q", w.Kind)
	}
	return nil
}

func (e *Engine) postResult(cmd refreshResultCmd) {
	select {
	case e.cmdChan <- cmd:
	case <-e.done:
	}
}

// handleResult records a refresh outcome, logging endpoint changes.
func (e *Engine) handleResult(pending map[string]pendingRefresh, cmd refreshResultCmd) {
	p, ok := pending[cmd.id]
	delete(pending, cmd.id)

	if cmd.failed {
		log.Warnf("engine: refresh for %q failed, keeping previous endpoints", cmd.name)
		if ok {
			e.store.MarkResolved(cmd.id, p.w.Endpoints, p.w.TTL, time.Now())
		}
		return
	}

	changed, found := e.store.MarkResolved(cmd.id, cmd.endpoints, cmd.ttl, time.Now())
	if !found {
		log.Debugf("engine: dropping refresh result for removed watch %q", cmd.name)
		return
	}
	if changed {
		log.Infof("engine: endpoints changed for %q: %d endpoints", cmd.name, len(cmd.endpoints))
		e.persist()
	}
}

// minTTL returns the smallest TTL across records, zero for none. Zero lets
// the store clamp to the configured minimum refresh.
func minTTL(records []resolver.Record) time.Duration {
	var ttl time.Duration
	for _, rec := range records {
		if ttl == 0 || (rec.TTL > 0 && rec.TTL < ttl) {
			ttl = rec.TTL
		}
	}
	return ttl
}

// command is the message type processed serially by runLoop.
type command interface {
	isCommand()
}

type kickCmd struct{}

func (kickCmd) isCommand() {}

type refreshResultCmd struct {
	id        string
	name      string
	endpoints []netip.AddrPort
	ttl       time.Duration
	failed    bool
}

func (refreshResultCmd) isCommand() {}
