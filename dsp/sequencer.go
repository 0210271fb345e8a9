package dsp

import (
	"time"

	"stagelink.io/dspgw/sym"
)

// request is one submitted command travelling through the sequencer:
// the prepared command (text plus expected-reply pattern) and the
// channel its caller is blocked on.
type request struct {
	cmd      sym.Command
	respChan chan result
}

// result is what a request resolves to: a parsed single-record reply, a
// record list for block queries, or an error. Every request resolves
// exactly once.
type result struct {
	reply   sym.Reply
	records []sym.Record
	err     error
}

// sequencer owns the command queue and the single in-flight slot. It is
// a pure state machine: its methods mutate queue state and tell the
// caller which request to dispatch next, but never touch the transport.
// All calls are confined to the Loop goroutine, so no locking is needed.
//
// Invariants: at most one request is in flight at any time; queued
// requests dispatch in submission order; the no-response timer is armed
// exactly when a request is in flight.
type sequencer struct {
	queue    []*request
	inflight *request
	window   time.Duration
	timer    *time.Timer
}

func newSequencer(window time.Duration) *sequencer {
	t := time.NewTimer(window)
	if !t.Stop() {
		<-t.C
	}
	return &sequencer{window: window, timer: t}
}

// submit accepts a new request. If the slot is free the request becomes
// in-flight and is returned for immediate dispatch; otherwise it joins
// the tail of the queue and nil is returned.
func (s *sequencer) submit(req *request) *request {
	if s.inflight != nil {
		s.queue = append(s.queue, req)
		return nil
	}
	s.inflight = req
	return req
}

// current returns the in-flight request, or nil when idle.
func (s *sequencer) current() *request {
	return s.inflight
}

// advance clears the in-flight slot and promotes the queue head, if
// any, returning it for dispatch. The caller must have resolved (or
// deliberately abandoned) the previous in-flight request first.
func (s *sequencer) advance() *request {
	s.inflight = nil
	if len(s.queue) == 0 {
		return nil
	}
	next := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.inflight = next
	return next
}

// arm starts the no-response window for a just-dispatched request.
func (s *sequencer) arm() {
	s.timer.Reset(s.window)
}

// disarm stops the window, draining a fire that raced the stop.
func (s *sequencer) disarm() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
}

// drain empties the queue and the in-flight slot, returning everything
// in submission order. Used on shutdown to fail pending callers.
func (s *sequencer) drain() []*request {
	s.disarm()
	var all []*request
	if s.inflight != nil {
		all = append(all, s.inflight)
		s.inflight = nil
	}
	all = append(all, s.queue...)
	s.queue = nil
	return all
}
