package chatsync

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/LuminPulse-AI/chatsync/clock"
)

// ScheduleFunc runs fn once d has elapsed.
type ScheduleFunc func(d time.Duration, fn func()) *clock.Timer

// TypingConfig tunes the typing indicator.
type TypingConfig struct {
	// Idle is how long after the last keystroke typing=false is sent.
	Idle time.Duration
	// Refresh is the minimum spacing of repeated typing=true events while
	// the user keeps typing.
	Refresh time.Duration
	// RemoteTTL clears an inbound indicator that was not refreshed.
	RemoteTTL time.Duration
}

func (c *TypingConfig) defaults() {
	if c.Idle == 0 {
		c.Idle = 2 * time.Second
	}
	if c.Refresh == 0 {
		c.Refresh = time.Second
	}
	if c.RemoteTTL == 0 {
		c.RemoteTTL = 2 * time.Second
	}
}

type remoteTyping struct {
	gen   uint64
	timer *clock.Timer
}

// TypingSignal debounces local keystrokes into typing events and keeps
// the self-expiring inbound indicators. It is owned by the Engine loop.
type TypingSignal struct {
	cfg      TypingConfig
	now      func() time.Time
	schedule ScheduleFunc
	emit     func(isTyping bool)
	onChange func(counterpartID string, isTyping bool)

	local     bool
	localGen  uint64
	stopTimer *clock.Timer
	refresh   *rate.Limiter

	remote map[string]*remoteTyping
}

// NewTypingSignal wires a typing signal. emit sends the outbound event;
// onChange reports inbound indicator changes.
func NewTypingSignal(cfg TypingConfig, now func() time.Time, schedule ScheduleFunc, emit func(bool), onChange func(string, bool)) *TypingSignal {
	cfg.defaults()
	return &TypingSignal{
		cfg:      cfg,
		now:      now,
		schedule: schedule,
		emit:     emit,
		onChange: onChange,
		remote:   make(map[string]*remoteTyping),
	}
}

// Keystroke registers local typing activity.
func (s *TypingSignal) Keystroke() {
	now := s.now()
	if !s.local {
		s.local = true
		s.refresh = rate.NewLimiter(rate.Every(s.cfg.Refresh), 1)
		s.refresh.AllowN(now, 1)
		s.emit(true)
	} else if s.refresh.AllowN(now, 1) {
		s.emit(true)
	}

	s.stopTimer.Stop()
	s.localGen++
	gen := s.localGen
	s.stopTimer = s.schedule(s.cfg.Idle, func() {
		if gen != s.localGen || !s.local {
			return
		}
		s.local = false
		s.emit(false)
	})
}

// StopLocal ends local typing right away, emitting typing=false if a
// typing=true is outstanding.
func (s *TypingSignal) StopLocal() bool {
	if !s.local {
		return false
	}
	s.stopTimer.Stop()
	s.localGen++
	s.local = false
	s.emit(false)
	return true
}

// Typing reports whether the local user is considered typing.
func (s *TypingSignal) Typing() bool { return s.local }

// SetRemote applies an inbound typing event from counterpartID.
func (s *TypingSignal) SetRemote(counterpartID string, isTyping bool) {
	r := s.remote[counterpartID]
	if !isTyping {
		if r == nil {
			return
		}
		r.timer.Stop()
		delete(s.remote, counterpartID)
		s.onChange(counterpartID, false)
		return
	}

	started := r == nil
	if started {
		r = &remoteTyping{}
		s.remote[counterpartID] = r
	} else {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = s.schedule(s.cfg.RemoteTTL, func() {
		if cur := s.remote[counterpartID]; cur != r || cur.gen != gen {
			return
		}
		delete(s.remote, counterpartID)
		s.onChange(counterpartID, false)
	})
	if started {
		s.onChange(counterpartID, true)
	}
}

// RemoteTyping reports whether counterpartID is currently shown typing.
func (s *TypingSignal) RemoteTyping(counterpartID string) bool {
	return s.remote[counterpartID] != nil
}

// ClearRemote drops every inbound indicator.
func (s *TypingSignal) ClearRemote() {
	for cp, r := range s.remote {
		r.timer.Stop()
		delete(s.remote, cp)
		s.onChange(cp, false)
	}
}
