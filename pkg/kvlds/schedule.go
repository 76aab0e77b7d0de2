// pkg/kvlds/schedule.go
package kvlds

// scheduler orders the two classes of work the dispatcher defers until
// it is safe to run them: priority-0 immediates (fetch completions that
// unblock a waiting descend) and priority-1 immediates (teardown, namely
// a shadow tree's unshadow and a balancer's continuation merge once its
// sibling fetch lands). Priority 0 always drains before priority 1, so
// a request that only needed a few fetches is never stuck behind a full
// tree teardown.
//
// Implemented as a plain slice-backed FIFO guarded by the same mutex as
// the rest of the tree, drained synchronously rather than by its own
// goroutine, since kvlds processes a batch to completion before
// returning to the dispatcher's select loop.
type scheduler struct {
	p0 []func()
	p1 []func()
}

func newScheduler() *scheduler {
	return &scheduler{}
}

// post schedules fn to run the next time drain is called. prio must be
// 0 or 1.
func (s *scheduler) post(prio int, fn func()) {
	if prio == 0 {
		s.p0 = append(s.p0, fn)
	} else {
		s.p1 = append(s.p1, fn)
	}
}

// drain runs every scheduled callback, priority 0 first, and keeps
// draining until both queues are empty (a priority-0 callback may itself
// post more work of either priority).
func (s *scheduler) drain() {
	for len(s.p0) > 0 || len(s.p1) > 0 {
		for len(s.p0) > 0 {
			fn := s.p0[0]
			s.p0 = s.p0[1:]
			fn()
		}
		if len(s.p1) > 0 {
			fn := s.p1[0]
			s.p1 = s.p1[1:]
			fn()
		}
	}
}

func (s *scheduler) empty() bool {
	return len(s.p0) == 0 && len(s.p1) == 0
}
