package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type ReactorTestSuite struct {
	suite.Suite
	loop *Loop
}

func (s *ReactorTestSuite) SetupTest() {
	var err error
	s.loop, err = NewLoop()
	s.Require().NoError(err)
}

func (s *ReactorTestSuite) TearDownTest() {
	s.loop.Close()
}

func (s *ReactorTestSuite) TestTimerHeapOrdering() {
	// Timers can be armed before the loop runs; the heap must surface the
	// earliest deadline.
	var fired []string
	a := s.loop.NewTimer(func() { fired = append(fired, "a") })
	b := s.loop.NewTimer(func() { fired = append(fired, "b") })
	c := s.loop.NewTimer(func() { fired = append(fired, "c") })

	b.Enable(3 * time.Hour)
	a.Enable(1 * time.Hour)
	c.Enable(2 * time.Hour)

	next, ok := s.loop.timers.next()
	s.True(ok)
	s.Equal(a.deadline, next)

	// Re-arming moves the deadline in place.
	a.Enable(5 * time.Hour)
	next, _ = s.loop.timers.next()
	s.Equal(c.deadline, next)

	// Disable removes from the heap; double-disable is a no-op.
	c.Disable()
	c.Disable()
	s.False(c.Armed())
	next, _ = s.loop.timers.next()
	s.Equal(b.deadline, next)

	s.Empty(fired)
}

func (s *ReactorTestSuite) TestFireDueTimers() {
	var fired []string
	a := s.loop.NewTimer(func() { fired = append(fired, "a") })
	b := s.loop.NewTimer(func() { fired = append(fired, "b") })

	a.Enable(-time.Second) // already due
	b.Enable(time.Hour)

	s.loop.fireDueTimers(time.Now())

	s.Equal([]string{"a"}, fired)
	s.False(a.Armed())
	s.True(b.Armed())
}

func (s *ReactorTestSuite) TestTimerRearmFromCallback() {
	count := 0
	var tm *Timer
	tm = s.loop.NewTimer(func() {
		count++
		if count < 2 {
			tm.Enable(-time.Second)
		}
	})
	tm.Enable(-time.Second)

	s.loop.fireDueTimers(time.Now())
	s.Equal(1, count, "re-armed timer waits for the next loop iteration")
	s.loop.fireDueTimers(time.Now())
	s.Equal(2, count)
}

func (s *ReactorTestSuite) TestPostAndTimerOnRunningLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.loop.Run(ctx) }()

	posted := make(chan struct{})
	s.loop.Post(func() { close(posted) })
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		s.FailNow("posted function did not run")
	}

	fired := make(chan struct{})
	s.loop.Post(func() {
		tm := s.loop.NewTimer(func() { close(fired) })
		tm.Enable(10 * time.Millisecond)
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		s.FailNow("timer did not fire")
	}

	s.loop.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("loop did not stop")
	}
}

func (s *ReactorTestSuite) TestFileEventReadability() {
	var pipe [2]int
	s.Require().NoError(unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.loop.Run(ctx)
	defer s.loop.Stop()

	got := make(chan []byte, 1)
	s.loop.Post(func() {
		fe, err := s.loop.NewFileEvent(pipe[0], func(readable, writable bool) {
			if !readable {
				return
			}
			buf := make([]byte, 16)
			n, _ := unix.Read(pipe[0], buf)
			if n > 0 {
				got <- buf[:n]
			}
		})
		s.Require().NoError(err)
		s.Require().NoError(fe.SetEnabled(true, false))
	})

	_, err := unix.Write(pipe[1], []byte("ping"))
	s.Require().NoError(err)

	select {
	case data := <-got:
		s.Equal("ping", string(data))
	case <-time.After(2 * time.Second):
		s.FailNow("file event did not fire")
	}
}

func (s *ReactorTestSuite) TestFileEventDisabled() {
	var pipe [2]int
	s.Require().NoError(unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.loop.Run(ctx)
	defer s.loop.Stop()

	notified := make(chan struct{}, 8)
	ready := make(chan struct{})
	s.loop.Post(func() {
		fe, err := s.loop.NewFileEvent(pipe[0], func(readable, writable bool) {
			notified <- struct{}{}
		})
		s.Require().NoError(err)
		s.Require().NoError(fe.SetEnabled(false, false))
		close(ready)
	})
	<-ready

	_, err := unix.Write(pipe[1], []byte("x"))
	s.Require().NoError(err)

	select {
	case <-notified:
		s.FailNow("disabled file event delivered a notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReactorSuite(t *testing.T) {
	suite.Run(t, new(ReactorTestSuite))
}
