// Package power monitors the battery and power source. It does not own any
// control decisions; it publishes threshold crossings on the event bus for
// the coordinator to turn into alerts.
package power

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zigbee-window-go/internal/events"
)

// Li-ion discharge window and alert thresholds, in millivolts.
const (
	FullVoltage  = 4200
	EmptyVoltage = 3000

	DefaultLowThreshold      = 3300
	DefaultCriticalThreshold = 3000

	DefaultPollInterval = 10 * time.Second
)

// State classifies the power situation.
type State uint8

const (
	StateNormal State = iota
	StateLow
	StateCritical
	StateCharging
	StateExternal
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateLow:
		return "low"
	case StateCritical:
		return "critical"
	case StateCharging:
		return "charging"
	case StateExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Status is a power snapshot.
type Status struct {
	State      State  `json:"-"`
	StateName  string `json:"state"`
	Voltage    uint16 `json:"voltage_mv"`
	Percentage uint8  `json:"percentage"`
}

// Source reads the battery voltage and the external-power sense line. It is
// a thin hardware binding, injected into the monitor.
type Source interface {
	Voltage() (uint16, error)
	ExternalPower() (bool, error)
}

// Percentage maps a battery voltage onto 0-100 linearly across the
// discharge window.
func Percentage(mv uint16) uint8 {
	if mv >= FullVoltage {
		return 100
	}
	if mv <= EmptyVoltage {
		return 0
	}
	return uint8((uint32(mv-EmptyVoltage) * 100) / (FullVoltage - EmptyVoltage))
}

// Config holds monitor tuning.
type Config struct {
	LowThreshold      uint16
	CriticalThreshold uint16
	PollInterval      time.Duration
}

// Monitor polls the power source and emits a battery event whenever the
// classified state changes.
type Monitor struct {
	src    Source
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	status Status
	known  bool
}

// NewMonitor creates a power monitor.
func NewMonitor(src Source, bus *events.Bus, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = DefaultLowThreshold
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = DefaultCriticalThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Monitor{
		src:    src,
		bus:    bus,
		logger: logger.With("component", "power"),
		cfg:    cfg,
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll takes one sample and emits a battery event if the state changed.
func (m *Monitor) Poll() {
	mv, err := m.src.Voltage()
	if err != nil {
		m.logger.Warn("read battery voltage", "err", err)
		return
	}
	external, err := m.src.ExternalPower()
	if err != nil {
		m.logger.Warn("read external power sense", "err", err)
		external = false
	}

	status := m.classify(mv, external)

	m.mu.Lock()
	changed := !m.known || status.State != m.status.State
	m.status = status
	m.known = true
	m.mu.Unlock()

	if changed {
		m.logger.Info("power state", "state", status.State, "voltage_mv", mv, "percentage", status.Percentage)
		m.bus.Emit(events.Event{Type: events.EventBattery, Data: status})
	}
}

// Status returns the last sampled status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) classify(mv uint16, external bool) Status {
	pct := Percentage(mv)
	var state State
	switch {
	case external && pct >= 100:
		state = StateExternal
	case external:
		state = StateCharging
	case mv <= m.cfg.CriticalThreshold:
		state = StateCritical
	case mv <= m.cfg.LowThreshold:
		state = StateLow
	default:
		state = StateNormal
	}
	return Status{State: state, StateName: state.String(), Voltage: mv, Percentage: pct}
}
