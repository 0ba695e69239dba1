package resolver

import (
	"github.com/google/uuid"

	"github.com/lc/scry/internal/log"
	"github.com/lc/scry/internal/transport"
)

// task is an in-flight resolution held in the resolver's arena until its
// completion path removes it.
type task interface {
	state() *taskState
}

// taskState carries the lifecycle flags shared by both task kinds. A task
// leaves the arena exactly once, on whichever completion path first
// observes it both owned and finished.
type taskState struct {
	id string
	// completed is set once the terminal callback decision has been made;
	// an uncompleted callback invocation means a fallback retry follows.
	completed bool
	// cancelled suppresses callback delivery but not resource reclamation.
	cancelled bool
	// owned is set once the arena holds the task. A task that completes
	// synchronously inside Resolve is never owned.
	owned bool
}

func (t *taskState) state() *taskState { return t }

// addressTask is one outstanding name-to-addresses lookup. Its completion
// may fire synchronously inside start (IP literals), later from a reactor
// tick, or from channel destruction.
type addressTask struct {
	taskState
	r      *Resolver
	name   string
	family transport.Family
	// fallback is the one-shot Auto retry over IPv4, consumed internally
	// and invisible to the caller.
	fallback bool
	cb       Callback
}

func newAddressTask(r *Resolver, name string, family LookupFamily, cb Callback) *addressTask {
	t := &addressTask{
		taskState: taskState{id: uuid.NewString()},
		r:         r,
		name:      name,
		cb:        cb,
	}
	switch family {
	case V4Only:
		t.family = transport.FamilyV4
	case V6Only:
		t.family = transport.FamilyV6
	case Auto:
		t.family = transport.FamilyV6
		t.fallback = true
	}
	return t
}

func (t *addressTask) start() {
	t.r.channel.GetAddrInfo(t.name, t.family, t.onAddrInfo)
}

func (t *addressTask) onAddrInfo(status transport.Status, timeouts int, nodes []transport.Node) {
	if status == transport.StatusDestruction {
		// The channel was torn down with this query pending. Report failure
		// so the caller can reissue against the replacement channel. This
		// can happen synchronously, against an already-destroyed channel, so
		// the task must read as consumed before prepare examines it.
		t.completed = true
		if !t.cancelled {
			t.r.guardCallback(func() { t.cb(Failure, nil) })
		}
		t.r.removeTask(t.id)
		return
	}

	if !t.fallback {
		t.completed = true
		// A refused connection means the channel is broken underneath us.
		// It cannot be rebuilt from inside this callback; mark it for
		// recreation at the next resolve call.
		if status == transport.StatusConnRefused {
			t.r.dirty = true
		}
	}

	resolved := Failure
	var records []Record
	if status == transport.StatusSuccess {
		resolved = Success
		records = make([]Record, 0, len(nodes))
		for _, n := range nodes {
			records = append(records, Record{Addr: n.Addr, TTL: n.TTL})
		}
	}
	if len(records) > 0 {
		t.completed = true
	}

	if timeouts > 0 {
		log.Debugf("resolver: query for %q timed out %d times", t.name, timeouts)
	}

	if t.completed {
		if !t.cancelled {
			t.r.guardCallback(func() { t.cb(resolved, records) })
		}
		if t.owned {
			t.r.removeTask(t.id)
		}
		return
	}

	// Nothing usable over IPv6; consume the fallback and retry over IPv4.
	// The empty first attempt stays invisible to the caller.
	t.fallback = false
	t.family = transport.FamilyV4
	t.start()
}
