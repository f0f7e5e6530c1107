package timer

import (
	"sort"
	"sync"
	"time"
)

// Clock schedules periodic callbacks. Countdown never reads wall time for
// its arithmetic; it only counts the callbacks it receives.
type Clock interface {
	Now() time.Time
	// Every calls fn once per d until stop is called. Calling stop more
	// than once, or from inside fn, is safe.
	Every(d time.Duration, fn func()) (stop func())
}

// SystemClock is the real-time Clock backed by time.Ticker.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }

// Every runs fn on its own goroutine for each tick of a time.Ticker.
func (SystemClock) Every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// ManualClock is a Clock that only moves when Advance is called. Callbacks
// run synchronously on the goroutine calling Advance.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	tickers map[int]*manualTicker
}

type manualTicker struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewManualClock returns a ManualClock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, tickers: make(map[int]*manualTicker)}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Every registers fn to fire every d of simulated time.
func (c *ManualClock) Every(d time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.tickers[id] = &manualTicker{id: id, interval: d, next: c.now.Add(d), fn: fn}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.tickers, id)
	}
}

// Advance moves the clock forward by d, firing every due callback in time
// order. Callbacks may register or stop tickers.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		t := c.dueLocked(target)
		if t == nil {
			break
		}
		c.now = t.next
		t.next = t.next.Add(t.interval)
		fn := t.fn

		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// Active returns the number of registered tickers.
func (c *ManualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (c *ManualClock) dueLocked(target time.Time) *manualTicker {
	due := make([]*manualTicker, 0, len(c.tickers))
	for _, t := range c.tickers {
		if !t.next.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next.Equal(due[j].next) {
			return due[i].id < due[j].id
		}
		return due[i].next.Before(due[j].next)
	})
	return due[0]
}
