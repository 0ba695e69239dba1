// Package reactor provides the single-threaded event loop that the resolution
// engine schedules itself on. It multiplexes file-descriptor readiness
// (level-triggered, via epoll), one-shot timers, and functions posted from
// other goroutines onto one loop goroutine. Everything submitted to the loop
// runs serially, so loop-driven code needs no locking.
//
// With the exception of Post, all methods on Loop, Timer and FileEvent must
// be called from the loop goroutine (or before Run is started).
package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lc/scry/internal/log"
)

// Small buffer so short bursts of cross-goroutine posts don't block senders.
const _postedBufferSize = 128

// ErrClosed is returned when operating on a closed loop.
var ErrClosed = errors.New("reactor: loop closed")

// Loop is a single-goroutine epoll-based event loop.
type Loop struct {
	epfd   int
	wakeFD int

	posted chan func()
	events map[int32]*FileEvent
	timers timerHeap

	running bool
	closed  bool
}

// NewLoop creates an event loop. The loop does not process fd readiness or
// fire timers until Run is called, but timers and file events may be
// registered beforehand.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("creating eventfd: %w", err)
	}

	l := &Loop{
		epfd:   epfd,
		wakeFD: wakeFD,
		posted: make(chan func(), _postedBufferSize),
		events: make(map[int32]*FileEvent),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		l.Close()
		return nil, fmt.Errorf("registering wakeup fd: %w", err)
	}
	return l, nil
}

// Post schedules fn to run on the loop goroutine. It is the only method safe
// to call from other goroutines. Posting to a loop that is not running
// buffers the function until Run starts.
func (l *Loop) Post(fn func()) {
	l.posted <- fn
	l.wake()
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated; the loop is already waking.
	_, _ = unix.Write(l.wakeFD, buf[:])
}

// Stop makes Run return after the current iteration. Safe from any
// goroutine.
func (l *Loop) Stop() {
	l.Post(func() { l.running = false })
}

// Run processes events until Stop is called or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}
	l.running = true

	stop := context.AfterFunc(ctx, func() { l.Stop() })
	defer stop()

	log.Debug("reactor: loop running")
	events := make([]unix.EpollEvent, 64)
	for l.running {
		n, err := unix.EpollWait(l.epfd, events, l.waitTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == l.wakeFD {
				l.drainWake()
				continue
			}
			l.dispatchFD(ev)
		}

		l.fireDueTimers(time.Now())
	}
	log.Debug("reactor: loop stopped")
	return ctx.Err()
}

// waitTimeout converts the nearest timer deadline into an epoll timeout in
// milliseconds, rounding up so timers never fire early.
func (l *Loop) waitTimeout() int {
	deadline, ok := l.timers.next()
	if !ok {
		return -1
	}
	until := time.Until(deadline)
	if until <= 0 {
		return 0
	}
	ms := (until + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFD, buf[:]); err != nil {
			break
		}
	}
	for {
		select {
		case fn := <-l.posted:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) dispatchFD(ev unix.EpollEvent) {
	fe, ok := l.events[ev.Fd]
	if !ok {
		return
	}
	// Errors and hangups surface as readability so the owner drains the
	// error from the socket itself.
	readable := ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 && fe.read
	writable := ev.Events&unix.EPOLLOUT != 0 && fe.write
	if readable || writable {
		fe.cb(readable, writable)
	}
}

// Close releases the loop's descriptors. Outstanding FileEvents are dropped;
// their owners are expected to close their own fds.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.running = false
	err := unix.Close(l.epfd)
	if werr := unix.Close(l.wakeFD); err == nil {
		err = werr
	}
	l.events = map[int32]*FileEvent{}
	return err
}

// FileEvent is a level-triggered readiness registration for one fd.
type FileEvent struct {
	loop   *Loop
	fd     int32
	cb     func(readable, writable bool)
	read   bool
	write  bool
	closed bool
}

// NewFileEvent registers fd for readiness notification. The callback runs on
// the loop goroutine. Both directions start enabled.
func (l *Loop) NewFileEvent(fd int, cb func(readable, writable bool)) (*FileEvent, error) {
	if l.closed {
		return nil, ErrClosed
	}
	fe := &FileEvent{loop: l, fd: int32(fd), cb: cb, read: true, write: true}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT,
		Fd:     int32(fd),
	}); err != nil {
		return nil, fmt.Errorf("registering fd %d: %w", fd, err)
	}
	l.events[int32(fd)] = fe
	return fe, nil
}

// SetEnabled selects which readiness directions are delivered. Disabling
// both suppresses callbacks without deregistering the fd.
func (fe *FileEvent) SetEnabled(read, write bool) error {
	if fe.closed {
		return ErrClosed
	}
	fe.read, fe.write = read, write
	var mask uint32
	if read {
		mask |= unix.EPOLLIN
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	return unix.EpollCtl(fe.loop.epfd, unix.EPOLL_CTL_MOD, int(fe.fd), &unix.EpollEvent{
		Events: mask,
		Fd:     fe.fd,
	})
}

// Close deregisters the fd from the loop. It does not close the fd itself.
func (fe *FileEvent) Close() error {
	if fe.closed {
		return nil
	}
	fe.closed = true
	delete(fe.loop.events, fe.fd)
	return unix.EpollCtl(fe.loop.epfd, unix.EPOLL_CTL_DEL, int(fe.fd), nil)
}
