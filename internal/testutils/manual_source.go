//go:build test

package testutils

import (
	"context"
	"sync"

	"github.com/srg/gyrolink/internal/orientation"
	"github.com/srg/gyrolink/internal/sampling"
)

// ManualSource is a sampling.Source driven by the test through Emit
type ManualSource struct {
	mu       sync.Mutex
	sink     sampling.Sink
	StartErr error
	starts   int
	stops    int
}

// NewManualSource creates an idle source
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

func (m *ManualSource) Start(_ context.Context, sink sampling.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	if m.sink != nil {
		return sampling.ErrAlreadyRunning
	}
	m.sink = sink
	m.starts++
	return nil
}

func (m *ManualSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink != nil {
		m.stops++
	}
	m.sink = nil
	return nil
}

// Emit delivers s to the sink if the source is running and reports whether it did
func (m *ManualSource) Emit(s orientation.Sample) bool {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(s)
	return true
}

// Running reports whether the source is active
func (m *ManualSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink != nil
}

// Counts returns the number of effective starts and stops
func (m *ManualSource) Counts() (starts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}
