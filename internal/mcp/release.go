package mcp

import (
	"errors"
	"fmt"
	"sync"
)

type releaseStep struct {
	name string
	fn   func() error
}

// releaseStack tears down everything acquired for one session in reverse
// acquisition order. Release is idempotent.
type releaseStack struct {
	mu       sync.Mutex
	steps    []releaseStep
	released bool
}

func (s *releaseStack) push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		// Acquired after teardown started: release immediately.
		_ = fn()
		return
	}
	s.steps = append(s.steps, releaseStep{name: name, fn: fn})
}

func (s *releaseStack) release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", steps[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *releaseStack) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
