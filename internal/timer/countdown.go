// Package timer implements the exam countdown as an explicit state machine
// driven by an injected Clock.
package timer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of a Countdown.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateExpired State = "EXPIRED"
	StateStopped State = "STOPPED"
)

var (
	ErrAlreadyStarted = errors.New("countdown already started")
	ErrNotPaused      = errors.New("countdown is not paused")
)

// DefaultThresholds are the remaining-second marks that raise a warning.
var DefaultThresholds = []int{600, 300, 60}

// Config configures a Countdown. Only DurationSeconds is required.
type Config struct {
	DurationSeconds int
	// Interval is the real time per one-second step. Defaults to time.Second.
	Interval   time.Duration
	Thresholds []int

	OnTick    func(remaining int)
	OnWarning func(threshold int)
	OnExpire  func()

	Clock  Clock
	Logger zerolog.Logger
}

// Countdown counts whole seconds down to zero. Callbacks are invoked outside
// the countdown's lock, so they may call back into the Countdown.
type Countdown struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	state      State
	remaining  int
	fired      map[int]bool
	generation uint64
	stopTick   func()
}

// New builds an idle countdown.
func New(cfg Config) *Countdown {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds
	}
	thresholds := make([]int, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		if t > 0 {
			thresholds = append(thresholds, t)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))
	cfg.Thresholds = thresholds

	return &Countdown{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "countdown").Logger(),
		state:     StateIdle,
		remaining: cfg.DurationSeconds,
		fired:     make(map[int]bool, len(thresholds)),
	}
}

// Start begins counting from seed seconds. A seed of zero or less starts
// from the full duration; a seed above the duration is clamped. Thresholds
// at or above the starting value count as already crossed.
func (c *Countdown) Start(seed int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return ErrAlreadyStarted
	}
	if seed <= 0 || seed > c.cfg.DurationSeconds {
		seed = c.cfg.DurationSeconds
	}
	c.remaining = seed
	for _, t := range c.cfg.Thresholds {
		if t >= seed {
			c.fired[t] = true
		}
	}

	c.log.Debug().Int("remaining", seed).Msg("Countdown started")
	c.runLocked()
	return nil
}

// Pause freezes the countdown and returns the exact remaining seconds.
// On a countdown that is not running it only reports the value.
func (c *Countdown) Pause() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		c.releaseLocked()
		c.state = StatePaused
		c.log.Debug().Int("remaining", c.remaining).Msg("Countdown paused")
	}
	return c.remaining
}

// Resume continues from the value frozen by Pause. The first tick comes a
// full interval after Resume.
func (c *Countdown) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return ErrNotPaused
	}
	c.log.Debug().Int("remaining", c.remaining).Msg("Countdown resumed")
	c.runLocked()
	return nil
}

// Stop releases the tick handle. The countdown never fires again.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked()
	if c.state != StateExpired {
		c.state = StateStopped
	}
}

// Remaining returns the current remaining seconds.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// State returns the current state.
func (c *Countdown) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Countdown) runLocked() {
	c.state = StateRunning
	c.generation++
	gen := c.generation
	c.stopTick = c.cfg.Clock.Every(c.cfg.Interval, func() { c.tick(gen) })
}

func (c *Countdown) releaseLocked() {
	c.generation++
	if c.stopTick != nil {
		c.stopTick()
		c.stopTick = nil
	}
}

func (c *Countdown) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateRunning {
		c.mu.Unlock()
		return
	}

	c.remaining--
	remaining := c.remaining

	var warnings []int
	for _, t := range c.cfg.Thresholds {
		if !c.fired[t] && remaining <= t {
			c.fired[t] = true
			warnings = append(warnings, t)
		}
	}

	expired := remaining <= 0
	if expired {
		c.remaining = 0
		remaining = 0
		c.releaseLocked()
		c.state = StateExpired
	}
	c.mu.Unlock()

	if c.cfg.OnTick != nil {
		c.cfg.OnTick(remaining)
	}
	for _, t := range warnings {
		c.log.Info().Int("threshold", t).Msg("Countdown warning")
		if c.cfg.OnWarning != nil {
			c.cfg.OnWarning(t)
		}
	}
	if expired {
		c.log.Info().Msg("Countdown expired")
		if c.cfg.OnExpire != nil {
			c.cfg.OnExpire()
		}
	}
}

// ─── Severity ───────────────────────────────────────────────────────────────

// Severity is the display urgency of a remaining time.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityNotice   Severity = "NOTICE"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityFor maps remaining seconds onto bands derived from thresholds.
// The smallest threshold opens CRITICAL, the next one WARNING and any larger
// one NOTICE. Non-positive thresholds are ignored.
func SeverityFor(remaining int, thresholds []int) Severity {
	marks := make([]int, 0, len(thresholds))
	for _, t := range thresholds {
		if t > 0 {
			marks = append(marks, t)
		}
	}
	sort.Ints(marks)

	for i, t := range marks {
		if remaining > t {
			continue
		}
		switch i {
		case 0:
			return SeverityCritical
		case 1:
			return SeverityWarning
		default:
			return SeverityNotice
		}
	}
	return SeverityNormal
}

// Severity reports the band of remaining under this countdown's thresholds.
func (c *Countdown) Severity(remaining int) Severity {
	return SeverityFor(remaining, c.cfg.Thresholds)
}
