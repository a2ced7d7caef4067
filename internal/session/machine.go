// Package session implements the finite-state progression of a meditation
// session: NotStarted, four ordered phases, Completed. Advancement is
// monotonic; a phase is never revisited.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/omlabs/om-core/internal/script"
)

// State machine transition failures. These indicate a sequencing bug in the
// caller (the UI should never offer an invalid action) and must not be
// silently dropped.
var (
	ErrAlreadyStarted     = errors.New("session already started")
	ErrNotStarted         = errors.New("session not started")
	ErrAlreadyCompleted   = errors.New("session already completed")
	ErrCheckinNotAccepted = errors.New("current phase does not accept check-ins")
)

// Phase index sentinels around the [0, script.PhaseCount) range.
const (
	NotStarted = -1
	Completed  = script.PhaseCount
)

// Identity carries practitioner fields recorded at start.
type Identity struct {
	Name   string
	Guide  string
	Intent string
	Mantra string
}

// Checkin is one recorded free-text response, attributed to a phase.
type Checkin struct {
	PhaseIndex int
	PhaseTitle string
	Text       string
	RecordedAt time.Time
}

// State is the mutable record of one active session. It is owned by exactly
// one Machine and must only be observed through Snapshot copies.
type State struct {
	ID             string
	Identity       Identity
	PhaseIndex     int
	StartedAt      time.Time
	PhaseStartedAt time.Time
	CompletedAt    time.Time
	Checkins       []Checkin
}

// Progress is the result of an Advance call.
type Progress struct {
	PhaseIndex int
	Completed  bool
}

// Machine drives one session through the script. It is not safe for
// concurrent use; the orchestrator serializes events per session.
type Machine struct {
	registry *script.Registry
	state    State
	clock    func() time.Time
}

// New returns a machine in the NotStarted state.
func New(id string, registry *script.Registry) *Machine {
	return &Machine{
		registry: registry,
		state: State{
			ID:         id,
			PhaseIndex: NotStarted,
		},
		clock: time.Now,
	}
}

// Start records identity and enters phase 0.
func (m *Machine) Start(identity Identity) error {
	if m.state.PhaseIndex != NotStarted {
		return fmt.Errorf("start session %s: %w", m.state.ID, ErrAlreadyStarted)
	}
	now := m.clock().UTC()
	m.state.Identity = identity
	m.state.PhaseIndex = 0
	m.state.StartedAt = now
	m.state.PhaseStartedAt = now
	return nil
}

// Advance moves to the next phase, or to Completed from the final phase.
// There is no reverse transition.
func (m *Machine) Advance() (Progress, error) {
	switch m.state.PhaseIndex {
	case NotStarted:
		return Progress{}, fmt.Errorf("advance session %s: %w", m.state.ID, ErrNotStarted)
	case Completed:
		return Progress{}, fmt.Errorf("advance session %s: %w", m.state.ID, ErrAlreadyCompleted)
	}
	now := m.clock().UTC()
	m.state.PhaseIndex++
	if m.state.PhaseIndex == Completed {
		m.state.CompletedAt = now
		return Progress{PhaseIndex: Completed, Completed: true}, nil
	}
	m.state.PhaseStartedAt = now
	return Progress{PhaseIndex: m.state.PhaseIndex}, nil
}

// RecordCheckin stores text for the current phase, overwriting any earlier
// text for the same phase. The practitioner may revise before advancing.
func (m *Machine) RecordCheckin(text string) error {
	switch m.state.PhaseIndex {
	case NotStarted:
		return fmt.Errorf("record check-in for session %s: %w", m.state.ID, ErrNotStarted)
	case Completed:
		return fmt.Errorf("record check-in for session %s: %w", m.state.ID, ErrAlreadyCompleted)
	}
	phase, err := m.registry.Get(m.state.PhaseIndex)
	if err != nil {
		return err
	}
	if !phase.AcceptsCheckin {
		return fmt.Errorf("record check-in during %q: %w", phase.Title, ErrCheckinNotAccepted)
	}
	entry := Checkin{
		PhaseIndex: phase.Index,
		PhaseTitle: phase.Title,
		Text:       text,
		RecordedAt: m.clock().UTC(),
	}
	for i := range m.state.Checkins {
		if m.state.Checkins[i].PhaseIndex == phase.Index {
			m.state.Checkins[i] = entry
			return nil
		}
	}
	m.state.Checkins = append(m.state.Checkins, entry)
	return nil
}

// TimeRemaining reports the advisory time left in the current phase, floored
// at zero. The machine never force-advances on timeout; advancement is
// UI-driven to tolerate audio and network latency.
func (m *Machine) TimeRemaining() time.Duration {
	if m.state.PhaseIndex < 0 || m.state.PhaseIndex >= script.PhaseCount {
		return 0
	}
	phase, err := m.registry.Get(m.state.PhaseIndex)
	if err != nil {
		return 0
	}
	remaining := phase.Duration - m.clock().Sub(m.state.PhaseStartedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CurrentPhase returns the active phase.
func (m *Machine) CurrentPhase() (script.Phase, error) {
	switch m.state.PhaseIndex {
	case NotStarted:
		return script.Phase{}, fmt.Errorf("session %s: %w", m.state.ID, ErrNotStarted)
	case Completed:
		return script.Phase{}, fmt.Errorf("session %s: %w", m.state.ID, ErrAlreadyCompleted)
	}
	return m.registry.Get(m.state.PhaseIndex)
}

// Done reports whether the session reached the terminal state.
func (m *Machine) Done() bool { return m.state.PhaseIndex == Completed }

// Snapshot returns a defensive copy of the session state.
func (m *Machine) Snapshot() State {
	copied := m.state
	copied.Checkins = make([]Checkin, len(m.state.Checkins))
	copy(copied.Checkins, m.state.Checkins)
	return copied
}
