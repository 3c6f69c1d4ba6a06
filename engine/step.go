package engine

import (
	"fmt"
	"sync"

	"github.com/rupertnash/adios2/errors"
)

// StepTracker enforces the step lifecycle shared by every engine: steps
// never nest, Put/Get require an active step, and nothing moves after the
// stream closed.
type StepTracker struct {
	mu      sync.Mutex
	active  bool
	closed  bool
	current uint64
	begun   bool // at least one step has been opened
}

// Begin opens the next step. The first step is 0.
func (s *StepTracker) Begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.WrapInvalid(errors.ErrInvalidState, "StepTracker", "Begin", "stream closed")
	}
	if s.active {
		return 0, errors.WrapInvalid(
			fmt.Errorf("step %d still active: %w", s.current, errors.ErrStepActive),
			"StepTracker", "Begin", "step nesting")
	}
	if s.begun {
		s.current++
	}
	s.begun = true
	s.active = true
	return s.current, nil
}

// BeginAt opens a specific step index, for readers that follow the
// writer's numbering.
func (s *StepTracker) BeginAt(step uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrInvalidState, "StepTracker", "BeginAt", "stream closed")
	}
	if s.active {
		return errors.WrapInvalid(
			fmt.Errorf("step %d still active: %w", s.current, errors.ErrStepActive),
			"StepTracker", "BeginAt", "step nesting")
	}
	s.begun = true
	s.active = true
	s.current = step
	return nil
}

// Resume positions the tracker so the next Begin opens the given step,
// for writers appending to an existing stream.
func (s *StepTracker) Resume(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next > 0 {
		s.begun = true
		s.current = next - 1
	}
}

// End closes the active step.
func (s *StepTracker) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrInvalidState, "StepTracker", "End", "stream closed")
	}
	if !s.active {
		return errors.WrapInvalid(errors.ErrNoStep, "StepTracker", "End", "no active step")
	}
	s.active = false
	return nil
}

// Require fails unless a step is active, for Put/Get entry checks.
func (s *StepTracker) Require() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrInvalidState, "StepTracker", "Require", "stream closed")
	}
	if !s.active {
		return errors.WrapInvalid(errors.ErrNoStep, "StepTracker", "Require", "no active step")
	}
	return nil
}

// Current returns the active or last step index.
func (s *StepTracker) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Active reports whether a step is open.
func (s *StepTracker) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close marks the stream closed. It returns true on the first call.
func (s *StepTracker) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.active = false
	return true
}
