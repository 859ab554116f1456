// Package debounce coalesces repeated write intents into one delayed call per key.
package debounce

import (
	"sync"
	"time"
)

type pending struct {
	timer *time.Timer
	fn    func()
}

// Debouncer keeps at most one pending call per key. Scheduling again within the
// delay cancels the pending call and restarts the timer with the new function.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func New() *Debouncer {
	return &Debouncer{
		pending: make(map[string]*pending),
	}
}

// Schedule arms fn to run after delay, replacing any call pending for key.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	p := &pending{fn: fn}
	p.timer = time.AfterFunc(delay, func() {
		if d.take(key, p) {
			fn()
		}
	})
	d.pending[key] = p
}

// take removes p if it is still the pending call for key.
func (d *Debouncer) take(key string, p *pending) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending[key] != p {
		return false
	}
	delete(d.pending, key)
	return true
}

// Flush runs the pending call for key synchronously, if any, and reports
// whether it ran.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}

	p.fn()
	return true
}

// Cancel drops the pending call for key without running it.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.pending[key]
	return ok
}

// FlushAll runs every pending call synchronously. Used on shutdown.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.Flush(k)
	}
}
