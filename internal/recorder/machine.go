package recorder

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	CountdownPending
	Active
	Finalizing
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CountdownPending:
		return "countdown"
	case Active:
		return "active"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Completed || s == Cancelled }

// StopReason records which condition ended an active take.
type StopReason string

const (
	NoReason        StopReason = ""
	SilenceTimeout  StopReason = "SilenceTimeout"
	DurationReached StopReason = "DurationReached"
	ManualStop      StopReason = "ManualStop"
)

var ErrInvalidTransition = errors.New("invalid recorder transition")

// Limits bound an active take. FixedDuration of zero means open-ended.
type Limits struct {
	SilenceTimeout time.Duration
	FixedDuration  time.Duration
}

// Machine is the recording lifecycle. It is driven purely by the events fed
// to it, so the same sequence always yields the same outcome.
type Machine struct {
	limits    Limits
	state     State
	reason    StopReason
	countdown time.Duration
	silence   time.Duration
	elapsed   time.Duration
	err       error
}

func NewMachine(limits Limits) *Machine {
	return &Machine{limits: limits}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Reason() StopReason { return m.reason }
func (m *Machine) Elapsed() time.Duration { return m.elapsed }
func (m *Machine) Silence() time.Duration { return m.silence }
func (m *Machine) Countdown() time.Duration { return m.countdown }
func (m *Machine) Err() error { return m.err }
func (m *Machine) Recording() bool { return m.state == Active }

// Arm moves an idle machine into the countdown. A zero countdown starts
// recording immediately.
func (m *Machine) Arm(countdown time.Duration) error {
	if m.state != Idle {
		return fmt.Errorf("%w: arm from %s", ErrInvalidTransition, m.state)
	}
	if countdown <= 0 {
		m.activate()
		return nil
	}
	m.state = CountdownPending
	m.countdown = countdown
	return nil
}

// Start skips any remaining countdown.
func (m *Machine) Start() error {
	if m.state != Idle && m.state != CountdownPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.state)
	}
	m.activate()
	return nil
}

func (m *Machine) activate() {
	m.state = Active
	m.countdown = 0
	m.silence = 0
	m.elapsed = 0
}

// Observe feeds one window of duration dt. During the countdown the window
// only consumes countdown time; while active it updates the silence
// accumulator and the elapsed counter and may move the machine to
// Finalizing. Silence is checked before the fixed duration.
func (m *Machine) Observe(voiced bool, dt time.Duration) State {
	switch m.state {
	case CountdownPending:
		m.countdown -= dt
		if m.countdown <= 0 {
			m.activate()
		}
	case Active:
		m.elapsed += dt
		if voiced {
			m.silence = 0
		} else {
			m.silence += dt
		}
		switch {
		case m.silence >= m.limits.SilenceTimeout:
			m.finalize(SilenceTimeout)
		case m.limits.FixedDuration > 0 && m.elapsed >= m.limits.FixedDuration:
			m.finalize(DurationReached)
		}
	}
	return m.state
}

// Stop is the external stop signal. An active take is finalized; a take
// that never started recording is cancelled.
func (m *Machine) Stop() State {
	switch m.state {
	case Active:
		m.finalize(ManualStop)
	case Idle, CountdownPending:
		m.state = Cancelled
	}
	return m.state
}

// Fail cancels the take after a source error.
func (m *Machine) Fail(err error) State {
	if m.state.Terminal() {
		return m.state
	}
	m.state = Cancelled
	m.err = err
	return m.state
}

// Complete marks a finalizing take as persisted.
func (m *Machine) Complete() error {
	if m.state != Finalizing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, m.state)
	}
	m.state = Completed
	return nil
}

func (m *Machine) finalize(reason StopReason) {
	m.state = Finalizing
	m.reason = reason
}

// Event is one input to Replay.
type Event struct {
	Voiced bool
	Delta  time.Duration
	Stop   bool
}

// Replay runs events through a fresh machine until it leaves the recording
// states and returns the final state, reason and elapsed active time.
func Replay(limits Limits, countdown time.Duration, events []Event) (State, StopReason, time.Duration) {
	m := NewMachine(limits)
	if err := m.Arm(countdown); err != nil {
		return m.state, m.reason, m.elapsed
	}
	for _, ev := range events {
		if ev.Stop {
			m.Stop()
		} else {
			m.Observe(ev.Voiced, ev.Delta)
		}
		if m.state == Finalizing {
			_ = m.Complete()
		}
		if m.state.Terminal() {
			break
		}
	}
	return m.state, m.reason, m.elapsed
}
