// Package pacer implements the quantum-batched pacing timer used to gate
// new writes in the reliable-stream actor. Grounded on
// original_source/src/pacer.rs.
package pacer

import "time"

// Quantum matches original_source/src/pacer.rs's QUANTUM = 8: wakeups are
// batched by 8 to survive coarse OS timers while preserving average rate.
const Quantum = 8

// Pacer shapes outbound packet rate to a target interval, waking only
// every Quantum calls (intermediate calls just yield).
type Pacer struct {
	nextPaceTime time.Time
	interval     time.Duration
	counter      int
}

// New constructs a Pacer targeting one packet per interval.
func New(interval time.Duration) *Pacer {
	return &Pacer{nextPaceTime: time.Now().Add(interval * Quantum), interval: interval}
}

// SetRate updates the target interval (derived from cwnd/min_rtt by the
// caller) without resetting the quantum counter.
func (p *Pacer) SetRate(interval time.Duration) {
	p.interval = interval
}

// WaitNext returns a channel that fires when the next pacing slot is due.
// Every Quantum calls, that channel fires at nextPaceTime and the schedule
// advances by interval*Quantum; the other calls return a channel that
// already holds a value, so callers can select against other events
// uniformly.
func (p *Pacer) WaitNext() <-chan time.Time {
	p.counter++
	if p.counter < Quantum {
		immediate := make(chan time.Time, 1)
		immediate <- time.Now()
		return immediate
	}
	p.counter = 0
	wait := time.Until(p.nextPaceTime)
	if wait < 0 {
		wait = 0
	}
	p.nextPaceTime = p.nextPaceTime.Add(p.interval * Quantum)
	return time.After(wait)
}
