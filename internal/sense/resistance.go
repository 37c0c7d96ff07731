// Package sense detects mechanical resistance during window motion from a
// proxy signal (servo load or an external current sensor).
package sense

import (
	"log/slog"
	"sync"
)

// DefaultThreshold is the factory resistance threshold for the raw proxy
// signal.
const DefaultThreshold = 2000

// SampleFunc reads one raw sample from the proxy signal source.
type SampleFunc func() (uint16, error)

// Sensor compares a proxy signal against a configurable threshold.
type Sensor interface {
	// Check samples the signal and reports whether it exceeds the
	// threshold. A latched test override also reports true.
	Check() bool
	SetThreshold(value uint16)
}

// ThresholdSensor is the standard Sensor: one sample per Check, compared
// against the threshold. Sample errors read as "no resistance" and are
// logged, so a flaky sensor line cannot freeze the window.
type ThresholdSensor struct {
	sample SampleFunc
	logger *slog.Logger

	mu        sync.Mutex
	threshold uint16
	override  bool
}

// NewThreshold creates a sensor over the given sample source with the
// factory threshold.
func NewThreshold(sample SampleFunc, logger *slog.Logger) *ThresholdSensor {
	return &ThresholdSensor{
		sample:    sample,
		logger:    logger,
		threshold: DefaultThreshold,
	}
}

// Check samples the proxy signal and compares it to the threshold.
func (s *ThresholdSensor) Check() bool {
	s.mu.Lock()
	threshold, override := s.threshold, s.override
	s.mu.Unlock()

	if override {
		return true
	}
	value, err := s.sample()
	if err != nil {
		s.logger.Warn("resistance sample failed", "err", err)
		return false
	}
	return value > threshold
}

// SetThreshold reconfigures sensitivity. Must not be called while a motion
// step loop is running.
func (s *ThresholdSensor) SetThreshold(value uint16) {
	s.mu.Lock()
	s.threshold = value
	s.mu.Unlock()
}

// SetOverride latches (or clears) the simulation override. While latched,
// Check reports resistance regardless of the signal.
func (s *ThresholdSensor) SetOverride(v bool) {
	s.mu.Lock()
	s.override = v
	s.mu.Unlock()
}
