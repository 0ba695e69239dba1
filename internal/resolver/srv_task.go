package resolver

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/lc/scry/internal/log"
	"github.com/lc/scry/internal/transport"
)

// srvTask resolves a service name to SRV records, then fans out one address
// resolution per distinct target and aggregates the results. The caller's
// callback fires only when the aggregate is non-empty; a failed or empty
// service lookup is silent.
type srvTask struct {
	taskState
	r      *Resolver
	name   string
	family LookupFamily
	cb     SrvCallback
	agg    *srvAggregator
}

// srvAggregator collects fan-out results. remaining is fixed to the full
// child count before any child is dispatched, so a child that completes
// synchronously mid-dispatch can never satisfy the fan-in early.
type srvAggregator struct {
	remaining int
	instances []SrvInstance
}

func newSrvTask(r *Resolver, name string, family LookupFamily, cb SrvCallback) *srvTask {
	return &srvTask{
		taskState: taskState{id: uuid.NewString()},
		r:         r,
		name:      name,
		family:    family,
		cb:        cb,
	}
}

func (t *srvTask) start() {
	t.r.channel.QuerySRV(t.name, t.onSrvReply)
}

func (t *srvTask) onSrvReply(status transport.Status, timeouts int, reply []byte) {
	if status == transport.StatusDestruction {
		// No callback on destruction, just reclamation. Marked consumed so
		// a synchronous destruction (destroyed channel still in place after
		// a failed recreation) cannot re-enter the arena via prepare.
		t.completed = true
		t.r.removeTask(t.id)
		return
	}

	if timeouts > 0 {
		log.Debugf("resolver: service query for %q timed out %d times", t.name, timeouts)
	}

	if status != transport.StatusSuccess {
		t.finish(nil)
		return
	}

	rows, err := transport.ParseSRVReply(reply)
	if err != nil {
		log.Debugf("resolver: service reply for %q: %v", t.name, err)
		t.finish(nil)
		return
	}
	if len(rows) == 0 {
		t.finish(nil)
		return
	}
	t.fanOut(rows)
}

// fanOut dispatches one address resolution per distinct target. The first
// record seen for a target decides the port and weight its addresses carry.
// Children go through the internal task path directly: fan-out runs inside
// a transport callback, where the dirty-channel check must not run.
func (t *srvTask) fanOut(rows []transport.SRV) {
	targets := make([]transport.SRV, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.Target]; ok {
			continue
		}
		seen[row.Target] = struct{}{}
		targets = append(targets, row)
	}

	t.agg = &srvAggregator{remaining: len(targets)}
	for _, row := range targets {
		row := row
		child := newAddressTask(t.r, row.Target, t.family, func(status Status, records []Record) {
			for _, rec := range records {
				t.agg.instances = append(t.agg.instances, SrvInstance{
					Addr:   netip.AddrPortFrom(rec.Addr, row.Port),
					Weight: uint32(row.Weight),
				})
			}
			t.agg.remaining--
			if t.agg.remaining == 0 {
				t.finish(t.agg.instances)
			}
		})
		child.start()
		t.r.prepare(child)
	}
}

// finish is the single completion step, reached either directly from a
// failed service lookup or from the last child completion. An empty
// aggregate leaves the task uncompleted and silent.
func (t *srvTask) finish(instances []SrvInstance) {
	if len(instances) > 0 {
		t.completed = true
	}
	if !t.completed {
		return
	}
	if !t.cancelled {
		t.r.guardCallback(func() { t.cb(instances) })
	}
	if t.owned {
		t.r.removeTask(t.id)
	}
}
