package debounce

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one trailing-edge invocation of fn.
//
// Each Trigger resets the quiescence timer; fn runs once the burst has been quiet
// for the configured duration. Flush runs a pending invocation immediately.
type Debouncer struct {
	mu      sync.Mutex
	quiet   time.Duration
	fn      func()
	timer   *time.Timer
	pending bool
	stopped bool
}

func New(quiet time.Duration, fn func()) *Debouncer {
	if quiet <= 0 {
		quiet = time.Second
	}
	return &Debouncer{quiet: quiet, fn: fn}
}

// Trigger schedules (or reschedules) the trailing-edge invocation.
func (d *Debouncer) Trigger() {
	if d == nil || d.fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}

// Flush runs a pending invocation now instead of waiting out the quiescence window.
func (d *Debouncer) Flush() {
	if d == nil || d.fn == nil {
		return
	}
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	run := d.pending && !d.stopped
	d.pending = false
	d.mu.Unlock()
	if run {
		d.fn()
	}
}

// Stop cancels any pending invocation. The debouncer must not be reused after Stop.
func (d *Debouncer) Stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}
