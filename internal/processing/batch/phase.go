// Package batch holds the pieces shared by the batch processors: the phase
// machine, pacing, run control and batch-scoped caches.
package batch

import (
	"fmt"
	"log/slog"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/metrics"
)

// Phase is the state of one batch run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseClaimed   Phase = "claimed"
	PhaseExecuting Phase = "executing"
	PhaseCompleted Phase = "completed"
	PhaseNeedsMore Phase = "needs_more"
	PhaseError     Phase = "error"
)

// ValidTransitions defines allowed phase transitions.
// Key is the current phase, value is the list of valid next phases.
var ValidTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseClaimed},
	PhaseClaimed:   {PhaseExecuting, PhaseCompleted, PhaseError},
	PhaseExecuting: {PhaseCompleted, PhaseNeedsMore, PhaseError},
	PhaseNeedsMore: {PhaseExecuting, PhaseIdle},
	PhaseCompleted: {PhaseIdle},
	PhaseError:     {PhaseIdle},
}

// CanTransition checks if a transition from one phase to another is valid.
func CanTransition(from, to Phase) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Machine tracks the phase of a single batch run.
type Machine struct {
	variant string
	phase   Phase
	log     *slog.Logger
}

func NewMachine(variant string, log *slog.Logger) *Machine {
	return &Machine{variant: variant, phase: PhaseIdle, log: log}
}

func (m *Machine) Phase() Phase {
	return m.phase
}

// To moves to the next phase. Terminal phases are counted.
func (m *Machine) To(next Phase) error {
	if !CanTransition(m.phase, next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, m.phase, next)
	}
	m.log.Debug("Batch phase", "from", m.phase, "to", next)
	m.phase = next
	switch next {
	case PhaseCompleted, PhaseNeedsMore, PhaseError:
		metrics.BatchesTotal.WithLabelValues(m.variant, string(next)).Inc()
	}
	return nil
}
