package window

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-window-go/internal/events"
	"zigbee-window-go/internal/motion"
	"zigbee-window-go/internal/servo"
	"zigbee-window-go/internal/store"
)

// Timing defaults, overridable via Config.
const (
	// DefaultSettleWindow is how long in_motion stays set after the last
	// state-changing operation before a reader may conclude motion has
	// settled.
	DefaultSettleWindow = 5 * time.Second

	// DefaultAutosaveInterval bounds how stale the persisted record can be
	// when immediate write-through fails.
	DefaultAutosaveInterval = 60 * time.Second
)

// Config holds state machine tuning.
type Config struct {
	SettleWindow     time.Duration
	AutosaveInterval time.Duration
}

// Machine is the window state machine: the sole owner and sole mutator of
// the canonical window state. All operations take the machine lock, so a
// command arriving while a sweep is in flight waits its turn; the two
// actuators are never driven concurrently.
type Machine struct {
	handle servo.Actuator
	gap    servo.Actuator
	motion *motion.Controller
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config

	// now is the clock; swapped in tests.
	now func() time.Time

	mu       sync.Mutex
	state    State
	dirty    bool
	lastSave time.Time
}

// New creates a state machine with factory-default state (closed, 0°, 0%,
// uncalibrated).
func New(handle, gap servo.Actuator, mc *motion.Controller, st store.Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Machine {
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = DefaultSettleWindow
	}
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = DefaultAutosaveInterval
	}
	m := &Machine{
		handle: handle,
		gap:    gap,
		motion: mc,
		store:  st,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	m.state = State{Mode: ModeClosed, ModeName: ModeClosed.String()}
	m.lastSave = m.now()
	return m
}

// SetMode drives both servos to the canonical position pair of the given
// mode. Handle motion strictly precedes gap motion. On resistance nothing is
// committed, a Stuck alert is emitted and ErrResistance is returned. Setting
// the current mode is a no-op success.
//
// ModeCustom cannot be requested directly; it is only reached through
// SetGapPercentage breaking the canonical pairing.
func (m *Machine) SetMode(mode Mode) error {
	angle, pct, ok := canonicalPair(mode)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == m.state.Mode {
		return nil
	}

	m.logger.Info("set mode", "from", m.state.Mode, "to", mode)

	if err := m.sweep(m.handle, angle, "set_mode"); err != nil {
		return err
	}
	if err := m.sweep(m.gap, gapAngle(pct), "set_mode"); err != nil {
		return err
	}

	m.state.Mode = mode
	m.state.HandleAngle = angle
	m.state.GapPercentage = pct
	m.commit()
	m.emitState(events.EventModeChanged)
	return nil
}

// SetHandlePosition drives the handle servo to one of the three canonical
// angles and re-derives the mode. Angles outside {0, 90, 180} are rejected,
// not coerced.
func (m *Machine) SetHandlePosition(angle int) error {
	mode, ok := modeForAngle(angle)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, angle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if angle == m.state.HandleAngle {
		return nil
	}

	if err := m.sweep(m.handle, angle, "set_handle"); err != nil {
		return err
	}

	m.state.HandleAngle = angle
	// The derived mode only holds if the gap still matches its canonical
	// percentage; otherwise the pairing is custom.
	if _, pct, _ := canonicalPair(mode); m.state.GapPercentage != pct {
		mode = ModeCustom
	}
	m.state.Mode = mode
	m.commit()
	m.emitState(events.EventModeChanged)
	return nil
}

// SetGapPercentage drives the gap servo to the given percentage of travel.
// Out-of-range values are rejected, never clamped. If the resulting
// (handle, gap) pair no longer matches the current mode's canonical pair,
// the mode is forced to Custom.
func (m *Machine) SetGapPercentage(pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPercentage, pct)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pct == m.state.GapPercentage {
		return nil
	}

	if err := m.sweep(m.gap, gapAngle(pct), "set_gap"); err != nil {
		return err
	}

	m.state.GapPercentage = pct
	modeChanged := false
	if angle, cpct, ok := canonicalPair(m.state.Mode); ok {
		if m.state.HandleAngle != angle || pct != cpct {
			m.state.Mode = ModeCustom
			modeChanged = true
		}
	}
	m.commit()
	m.emitState(events.EventGapChanged)
	if modeChanged {
		m.emitState(events.EventModeChanged)
	}
	return nil
}

// State returns a consistent snapshot. Before returning it reconciles the
// logical angles with the actuators' last-commanded values, so any
// out-of-band actuator command shows up instead of going stale.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.handle.Angle(); a != m.state.HandleAngle {
		m.logger.Warn("handle angle drift", "logical", m.state.HandleAngle, "actual", a)
		m.state.HandleAngle = a
		m.reconcileMode()
	}
	if a := m.gap.Angle(); a != gapAngle(m.state.GapPercentage) {
		m.logger.Warn("gap angle drift", "logical", m.state.GapPercentage, "actual", a)
		m.state.GapPercentage = gapPercent(a)
		m.reconcileMode()
	}

	snap := m.state
	if snap.InMotion && m.now().Sub(snap.LastAction) >= m.cfg.SettleWindow {
		snap.InMotion = false
	}
	snap.ModeName = snap.Mode.String()
	return snap
}

// reconcileMode re-derives the mode after an angle was adopted from the
// hardware, preserving the mode-position consistency invariant.
func (m *Machine) reconcileMode() {
	if mode, ok := modeForAngle(m.state.HandleAngle); ok {
		if _, pct, _ := canonicalPair(mode); m.state.GapPercentage == pct {
			m.state.Mode = mode
			return
		}
	}
	m.state.Mode = ModeCustom
}

// Save persists the current state record.
func (m *Machine) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

// Restore loads the persisted record, re-applies it to both actuators so
// the physical position tracks the restored logical state, and reports the
// restored mode. On a load failure the in-memory defaults are left
// untouched and the error is returned; the boot sequence falls back to
// factory defaults.
func (m *Machine) Restore() error {
	rec, err := m.store.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	mode, err := ParseMode(rec.Mode)
	if err != nil && rec.Mode != uint8(ModeCustom) {
		return fmt.Errorf("restore: %w", err)
	}
	if rec.Mode == uint8(ModeCustom) {
		mode = ModeCustom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sweep(m.handle, rec.HandleAngle, "restore"); err != nil {
		return err
	}
	if err := m.sweep(m.gap, gapAngle(int(rec.GapPercentage)), "restore"); err != nil {
		return err
	}

	m.state.Mode = mode
	m.state.HandleAngle = rec.HandleAngle
	m.state.GapPercentage = int(rec.GapPercentage)
	m.state.Calibrated = rec.Calibrated
	m.state.LastAction = m.now()
	m.dirty = false
	m.logger.Info("state restored", "mode", mode, "gap", rec.GapPercentage, "calibrated", rec.Calibrated)
	m.emitState(events.EventStateRestored)
	return nil
}

// FactoryReset drives the window closed, resets the state to factory
// defaults, erases the persisted record and reports the closed state.
func (m *Machine) FactoryReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("factory reset")

	if err := m.sweep(m.handle, angleClosed, "factory_reset"); err != nil {
		return err
	}
	if err := m.sweep(m.gap, gapAngle(0), "factory_reset"); err != nil {
		return err
	}

	m.state = State{Mode: ModeClosed, ModeName: ModeClosed.String(), LastAction: m.now()}
	m.dirty = false
	if err := m.store.EraseState(); err != nil {
		return fmt.Errorf("erase state: %w", err)
	}
	m.emitState(events.EventFactoryReset)
	m.emitState(events.EventModeChanged)
	return nil
}

// Calibrate runs a full-travel sweep of both actuators and marks the device
// calibrated. A resistance abort leaves the device uncalibrated.
func (m *Machine) Calibrate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("calibration sweep starting")

	for _, target := range []int{servo.MinAngle, servo.MaxAngle, servo.MinAngle} {
		if err := m.sweep(m.handle, target, "calibrate"); err != nil {
			return err
		}
	}
	for _, target := range []int{0, gapTravel, 0} {
		if err := m.sweep(m.gap, target, "calibrate"); err != nil {
			return err
		}
	}

	m.state.Mode = ModeClosed
	m.state.HandleAngle = angleClosed
	m.state.GapPercentage = 0
	m.state.Calibrated = true
	m.commit()
	m.bus.Emit(events.Event{Type: events.EventCalibrated})
	m.logger.Info("calibration complete")
	return nil
}

// AckResistance clears the latched resistance flag.
func (m *Machine) AckResistance() {
	m.mu.Lock()
	m.state.ResistanceDetected = false
	m.mu.Unlock()
}

// Tick advances the machine's timers: it clears in_motion once the settle
// window has elapsed and flushes unsaved state on the autosave interval.
// Called periodically by the supervisory loop.
func (m *Machine) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.state.InMotion && now.Sub(m.state.LastAction) >= m.cfg.SettleWindow {
		m.state.InMotion = false
	}
	if m.dirty && now.Sub(m.lastSave) >= m.cfg.AutosaveInterval {
		if err := m.saveLocked(); err != nil {
			m.logger.Error("autosave", "err", err)
		}
	}
}

// sweep runs one monitored motion. On a resistance abort the actuator is
// re-commanded to its committed position so logical and physical state stay
// consistent, the flag is latched, a Stuck alert event is emitted and
// ErrResistance is returned. Nothing is committed by the caller after a
// sweep failure.
func (m *Machine) sweep(act servo.Actuator, target int, op string) error {
	err := m.motion.MoveTo(act, target)
	if err == nil {
		return nil
	}

	var resErr *motion.ResistanceError
	if !errors.As(err, &resErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	committed := m.state.HandleAngle
	if act == m.gap {
		committed = gapAngle(m.state.GapPercentage)
	}
	if serr := act.SetAngle(committed); serr != nil {
		m.logger.Error("return to committed angle", "op", op, "err", serr)
	}
	// The sibling actuator may already have moved this operation; pull it
	// back too so no partial pair is ever exposed.
	if act == m.gap {
		if serr := m.handle.SetAngle(m.state.HandleAngle); serr != nil {
			m.logger.Error("return handle to committed angle", "op", op, "err", serr)
		}
	}

	m.state.ResistanceDetected = true
	m.state.LastAction = m.now()
	m.bus.Emit(events.Event{
		Type: events.EventResistance,
		Data: ResistanceEvent{Angle: resErr.Angle, Operation: op},
	})
	return fmt.Errorf("%s at %d°: %w", op, resErr.Angle, ErrResistance)
}

// commit stamps a successful mutation: motion flag, action time, cleared
// resistance latch, and a best-effort write-through save.
func (m *Machine) commit() {
	m.state.InMotion = true
	m.state.ResistanceDetected = false
	m.state.LastAction = m.now()
	m.dirty = true
	if err := m.saveLocked(); err != nil {
		// Non-fatal: the in-memory state stands, autosave will retry.
		m.logger.Error("save state", "err", err)
	}
}

func (m *Machine) saveLocked() error {
	now := m.now()
	if err := m.store.SaveState(m.state.record(now)); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	m.dirty = false
	m.lastSave = now
	return nil
}

// emitState emits a state-shaped event of the given type.
func (m *Machine) emitState(eventType string) {
	m.bus.Emit(events.Event{
		Type: eventType,
		Data: StateEvent{
			Mode:          m.state.Mode.String(),
			ModeTag:       uint8(m.state.Mode),
			GapPercentage: m.state.GapPercentage,
		},
	})
}
