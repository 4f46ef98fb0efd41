// Package counting decides when a new sheet has genuinely been placed. It
// turns per-frame motion classifications and detector confidence into an
// Idle, Occluded, Verifying, Committed cycle where each full cycle commits
// exactly one count.
package counting

import (
	"time"

	"stackcam/config"
)

// State is the machine's position in the placement cycle.
type State int

const (
	StateIdle State = iota
	StateOccluded
	StateVerifying
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateOccluded:
		return "OCCLUDED"
	case StateVerifying:
		return "VERIFYING"
	case StateCommitted:
		return "COMMITTED"
	default:
		return "IDLE"
	}
}

// Input is one per-frame observation. Held marks ticks where the frame was
// unusable; the machine treats those as no-ops rather than evidence either
// way. Confidence is the best detection in the frame, zero when none.
type Input struct {
	At           time.Time
	SceneStable  bool
	Held         bool
	HasDetection bool
	Confidence   float64
}

// Commit describes a single counted placement.
type Commit struct {
	At         time.Time
	Confidence float64
	Dwell      time.Duration
}

// Result reports what a tick did. Commit is non-nil exactly when the tick
// passed through Committed; the machine is already back in Idle by then.
type Result struct {
	Transitioned bool
	From, To     State
	Commit       *Commit
}

// Machine is single-owner state; the frame loop drives it. It keeps no
// count of its own, only the cycle position and the dwell anchor.
type Machine struct {
	threshold float64
	window    time.Duration

	state      State
	dwellStart time.Time
}

func NewMachine(cfg config.CountingConfig) *Machine {
	return &Machine{
		threshold: cfg.ConfidenceThreshold,
		window:    cfg.StabilityWindow(),
		state:     StateIdle,
	}
}

// State returns the current cycle position.
func (m *Machine) State() State { return m.state }

// Reset returns the machine to Idle, dropping any partial dwell. Called at
// session start.
func (m *Machine) Reset() {
	m.state = StateIdle
	m.dwellStart = time.Time{}
}

// Tick advances the machine by one observation.
//
// A commit requires a fresh occlusion first: after Committed the machine
// rests in Idle, and a steady scene with a confidently detected sheet will
// never re-fire until the next Disturbed sample opens a new cycle.
func (m *Machine) Tick(in Input) Result {
	if in.Held {
		return Result{}
	}

	switch m.state {
	case StateIdle:
		if !in.SceneStable {
			return m.transition(StateOccluded)
		}

	case StateOccluded:
		if in.SceneStable {
			m.dwellStart = time.Time{}
			res := m.transition(StateVerifying)
			if in.HasDetection && in.Confidence >= m.threshold {
				m.dwellStart = in.At
			}
			return res
		}

	case StateVerifying:
		if !in.SceneStable {
			return m.transition(StateOccluded)
		}
		if !in.HasDetection || in.Confidence < m.threshold {
			// Confidence gap. Something is still present, so retry
			// from Occluded rather than Idle.
			return m.transition(StateOccluded)
		}
		if m.dwellStart.IsZero() {
			m.dwellStart = in.At
			return Result{}
		}
		if dwell := in.At.Sub(m.dwellStart); dwell >= m.window {
			res := m.transition(StateCommitted)
			res.Commit = &Commit{At: in.At, Confidence: in.Confidence, Dwell: dwell}
			m.state = StateIdle
			m.dwellStart = time.Time{}
			return res
		}
	}
	return Result{}
}

func (m *Machine) transition(to State) Result {
	from := m.state
	m.state = to
	return Result{Transitioned: true, From: from, To: to}
}
