// Package resilience reacts to connectivity and visibility changes of the
// candidate's client by pausing the session timer.
package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Signal is a runtime environment event.
type Signal string

const (
	ConnectivityLost     Signal = "CONNECTIVITY_LOST"
	ConnectivityRestored Signal = "CONNECTIVITY_RESTORED"
	Hidden               Signal = "HIDDEN"
	Visible              Signal = "VISIBLE"
	UnloadImminent       Signal = "UNLOAD_IMMINENT"
)

// ParseSignal accepts a signal name in any case.
func ParseSignal(s string) (Signal, error) {
	sig := Signal(strings.ToUpper(strings.TrimSpace(s)))
	switch sig {
	case ConnectivityLost, ConnectivityRestored, Hidden, Visible, UnloadImminent:
		return sig, nil
	}
	return "", fmt.Errorf("unknown signal %q", s)
}

// Target is the session the monitor protects. Pause must checkpoint the
// timer's current remaining time into the session store.
type Target interface {
	Running() bool
	Paused() bool
	Pause() error
	Resume() error
}

// Config configures a Monitor.
type Config struct {
	// AutoResume resumes a session the monitor paused once every loss
	// condition has cleared. Off by default: the candidate resumes.
	AutoResume bool
	// OnResumeAvailable is called when every loss condition has cleared
	// and the session is paused.
	OnResumeAvailable func(Signal)
	Logger            zerolog.Logger
}

// Monitor tracks outstanding loss conditions for one session. Target and
// OnResumeAvailable are called with the monitor's lock held and must not
// call back into the Monitor.
type Monitor struct {
	target Target
	cfg    Config
	log    zerolog.Logger

	mu         sync.Mutex
	offline    bool
	hidden     bool
	pausedByUs bool
}

// New creates a monitor for target.
func New(target Target, cfg Config) *Monitor {
	return &Monitor{
		target: target,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "resilience_monitor").Logger(),
	}
}

// Run handles signals until ctx is done or the channel is closed.
func (m *Monitor) Run(ctx context.Context, signals <-chan Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			m.Handle(sig)
		}
	}
}

// Handle processes one signal synchronously. Drafts are never persisted
// here; only the timer checkpoint is.
func (m *Monitor) Handle(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debug().Str("signal", string(sig)).Msg("Signal received")

	switch sig {
	case ConnectivityLost:
		m.offline = true
		m.pauseLocked(sig)
	case Hidden:
		m.hidden = true
		m.pauseLocked(sig)
	case UnloadImminent:
		m.pauseLocked(sig)
	case ConnectivityRestored:
		m.offline = false
		m.restoreLocked(sig)
	case Visible:
		m.hidden = false
		m.restoreLocked(sig)
	default:
		m.log.Warn().Str("signal", string(sig)).Msg("Ignoring unknown signal")
	}
}

func (m *Monitor) pauseLocked(sig Signal) {
	if !m.target.Running() {
		return
	}
	if err := m.target.Pause(); err != nil {
		m.log.Warn().Err(err).Str("signal", string(sig)).Msg("Failed to pause session")
		return
	}
	m.pausedByUs = true
	m.log.Info().Str("signal", string(sig)).Msg("Session paused")
}

func (m *Monitor) restoreLocked(sig Signal) {
	if m.offline || m.hidden {
		return
	}
	if !m.target.Paused() {
		m.pausedByUs = false
		return
	}

	if m.cfg.OnResumeAvailable != nil {
		m.cfg.OnResumeAvailable(sig)
	}
	if !m.cfg.AutoResume || !m.pausedByUs {
		return
	}
	if err := m.target.Resume(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to auto-resume session")
		return
	}
	m.pausedByUs = false
	m.log.Info().Str("signal", string(sig)).Msg("Session auto-resumed")
}
