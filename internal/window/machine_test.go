package window

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"zigbee-window-go/internal/events"
	"zigbee-window-go/internal/motion"
	"zigbee-window-go/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeActuator tracks the last commanded angle.
type fakeActuator struct {
	angle   int
	history []int
}

func (f *fakeActuator) Enable() error  { return nil }
func (f *fakeActuator) Disable() error { return nil }
func (f *fakeActuator) Angle() int     { return f.angle }

func (f *fakeActuator) SetAngle(angle int) error {
	f.angle = angle
	f.history = append(f.history, angle)
	return nil
}

// fakeSensor trips at a specific check count.
type fakeSensor struct {
	checks int
	tripAt int
}

func (f *fakeSensor) Check() bool {
	f.checks++
	return f.tripAt != 0 && f.checks == f.tripAt
}

func (f *fakeSensor) SetThreshold(uint16) {}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	rec     *store.StateRecord
	saveErr error
	saves   int
}

func (s *memStore) LoadState() (*store.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, store.ErrNotFound
	}
	rec := *s.rec
	return &rec, nil
}

func (s *memStore) SaveState(rec *store.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *rec
	s.rec = &cp
	s.saves++
	return nil
}

func (s *memStore) EraseState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

func (s *memStore) Close() error { return nil }

type fixture struct {
	machine *Machine
	handle  *fakeActuator
	gap     *fakeActuator
	sensor  *fakeSensor
	store   *memStore
	bus     *events.Bus
	events  *[]events.Event
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	handle := &fakeActuator{}
	gap := &fakeActuator{}
	sensor := &fakeSensor{}
	st := &memStore{}
	bus := events.NewBus(logger)

	var captured []events.Event
	bus.OnAll(func(e events.Event) { captured = append(captured, e) })

	mc := motion.New(sensor, logger)
	mc.SetStepDelay(0)

	m := New(handle, gap, mc, st, bus, Config{}, logger)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	// New stamped lastSave from the real clock; re-stamp it from the fake
	// clock so autosave deadlines are computed consistently.
	m.lastSave = now

	return &fixture{
		machine: m,
		handle:  handle,
		gap:     gap,
		sensor:  sensor,
		store:   st,
		bus:     bus,
		events:  &captured,
		clock:   &now,
	}
}

func (f *fixture) eventsOfType(typ string) []events.Event {
	var out []events.Event
	for _, e := range *f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestSetModeOpen(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}

	st := f.machine.State()
	if st.Mode != ModeOpen {
		t.Errorf("mode = %s, want open", st.Mode)
	}
	if st.HandleAngle != 90 {
		t.Errorf("handle angle = %d, want 90", st.HandleAngle)
	}
	if st.GapPercentage != 100 {
		t.Errorf("gap = %d, want 100", st.GapPercentage)
	}
	if !st.InMotion {
		t.Error("in_motion = false right after motion")
	}

	changed := f.eventsOfType(events.EventModeChanged)
	if len(changed) != 1 {
		t.Fatalf("mode_changed events = %d, want 1", len(changed))
	}
	data := changed[0].Data.(StateEvent)
	if data.Mode != "open" || data.GapPercentage != 100 {
		t.Errorf("event data = %+v", data)
	}
}

func TestSetModeIdempotent(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeVentilate); err != nil {
		t.Fatal(err)
	}
	before := f.machine.State()
	steps := len(f.handle.history)

	if err := f.machine.SetMode(ModeVentilate); err != nil {
		t.Fatal(err)
	}
	after := f.machine.State()

	if len(f.handle.history) != steps {
		t.Error("second SetMode moved the actuator")
	}
	if before.Mode != after.Mode || before.HandleAngle != after.HandleAngle ||
		before.GapPercentage != after.GapPercentage {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
	if n := len(f.eventsOfType(events.EventModeChanged)); n != 1 {
		t.Errorf("mode_changed events = %d, want 1", n)
	}
}

func TestSetModeRejectsCustom(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeCustom); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("err = %v, want ErrInvalidMode", err)
	}
	if err := f.machine.SetMode(Mode(7)); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("err = %v, want ErrInvalidMode", err)
	}
	if len(f.handle.history) != 0 {
		t.Error("actuator moved on rejected mode")
	}
}

func TestSetModeHandleBeforeGap(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	if len(f.handle.history) == 0 || len(f.gap.history) == 0 {
		t.Fatal("both actuators should have moved")
	}
	// The handle finishes its sweep before the gap servo takes a single
	// step, so the handle's final angle precedes all gap steps.
	if f.handle.history[len(f.handle.history)-1] != 90 {
		t.Errorf("handle final angle = %d", f.handle.history[len(f.handle.history)-1])
	}
}

func TestSetModeResistanceAbort(t *testing.T) {
	f := newFixture(t)
	f.sensor.tripAt = 5 // trip on step 5 of the handle sweep

	err := f.machine.SetMode(ModeVentilate)
	if !errors.Is(err, ErrResistance) {
		t.Fatalf("err = %v, want ErrResistance", err)
	}

	st := f.machine.State()
	if st.Mode != ModeClosed || st.HandleAngle != 0 || st.GapPercentage != 0 {
		t.Errorf("state changed after abort: %+v", st)
	}
	if !st.ResistanceDetected {
		t.Error("resistance flag not latched")
	}

	alerts := f.eventsOfType(events.EventResistance)
	if len(alerts) != 1 {
		t.Fatalf("resistance events = %d, want 1", len(alerts))
	}
	if data := alerts[0].Data.(ResistanceEvent); data.Angle != 5 {
		t.Errorf("stop angle = %d, want 5", data.Angle)
	}
	if n := len(f.eventsOfType(events.EventModeChanged)); n != 0 {
		t.Errorf("mode_changed events = %d, want 0", n)
	}
	// The handle servo must have been pulled back to the committed angle.
	if f.handle.angle != 0 {
		t.Errorf("handle parked at %d, want 0", f.handle.angle)
	}
}

func TestSetGapPercentage(t *testing.T) {
	f := newFixture(t)

	for _, pct := range []int{0, 20, 55, 100} {
		if err := f.machine.SetGapPercentage(pct); err != nil {
			t.Fatalf("SetGapPercentage(%d): %v", pct, err)
		}
		if got := f.machine.State().GapPercentage; got != pct {
			t.Errorf("gap = %d, want %d", got, pct)
		}
	}
}

func TestSetGapPercentageRejectsOutOfRange(t *testing.T) {
	f := newFixture(t)

	for _, pct := range []int{101, 255, -1} {
		err := f.machine.SetGapPercentage(pct)
		if !errors.Is(err, ErrInvalidPercentage) {
			t.Fatalf("SetGapPercentage(%d) = %v, want ErrInvalidPercentage", pct, err)
		}
	}
	if len(f.gap.history) != 0 {
		t.Error("actuator moved on rejected percentage")
	}
	if st := f.machine.State(); st.GapPercentage != 0 {
		t.Errorf("gap = %d, want 0", st.GapPercentage)
	}
}

func TestGapChangeForcesCustom(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.SetGapPercentage(20); err != nil {
		t.Fatal(err)
	}

	st := f.machine.State()
	if st.Mode != ModeCustom {
		t.Errorf("mode = %s, want custom", st.Mode)
	}
	if st.HandleAngle != 90 {
		t.Errorf("handle angle = %d, want 90 (unchanged)", st.HandleAngle)
	}
	if st.GapPercentage != 20 {
		t.Errorf("gap = %d, want 20", st.GapPercentage)
	}
}

func TestGapReturnToCanonicalStaysCustom(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeVentilate); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.SetGapPercentage(50); err != nil {
		t.Fatal(err)
	}
	if st := f.machine.State(); st.Mode != ModeCustom {
		t.Fatalf("mode = %s, want custom", st.Mode)
	}

	// Returning the gap to ventilate's canonical 20% does not silently
	// re-enter ventilate; custom only exits through a mode or handle
	// command.
	if err := f.machine.SetGapPercentage(20); err != nil {
		t.Fatal(err)
	}
	if st := f.machine.State(); st.Mode != ModeCustom {
		t.Errorf("mode = %s, want custom after returning to canonical gap", st.Mode)
	}

	if err := f.machine.SetMode(ModeVentilate); err != nil {
		t.Fatal(err)
	}
	if st := f.machine.State(); st.Mode != ModeVentilate {
		t.Errorf("mode = %s, want ventilate after explicit set", st.Mode)
	}
}

func TestSetHandlePosition(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetHandlePosition(90); err != nil {
		t.Fatal(err)
	}
	st := f.machine.State()
	if st.HandleAngle != 90 {
		t.Errorf("handle angle = %d, want 90", st.HandleAngle)
	}
	// Gap is still 0, which is not open's canonical 100, so the pairing is
	// custom.
	if st.Mode != ModeCustom {
		t.Errorf("mode = %s, want custom", st.Mode)
	}
}

func TestSetHandlePositionStrictDomain(t *testing.T) {
	f := newFixture(t)

	for _, angle := range []int{45, 1, 179, -5, 181} {
		err := f.machine.SetHandlePosition(angle)
		if !errors.Is(err, ErrInvalidPosition) {
			t.Fatalf("SetHandlePosition(%d) = %v, want ErrInvalidPosition", angle, err)
		}
	}
	if len(f.handle.history) != 0 {
		t.Error("actuator moved on rejected angle")
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeVentilate); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Save(); err != nil {
		t.Fatal(err)
	}
	saved := f.machine.State()

	// Simulated restart: fresh machine over the same store.
	f2 := newFixture(t)
	f2.store.rec = f.store.rec
	if err := f2.machine.Restore(); err != nil {
		t.Fatal(err)
	}

	got := f2.machine.State()
	if got.Mode != saved.Mode || got.HandleAngle != saved.HandleAngle ||
		got.GapPercentage != saved.GapPercentage || got.Calibrated != saved.Calibrated {
		t.Errorf("restored %+v, want %+v", got, saved)
	}
	// Physical position tracks restored logical state.
	if f2.handle.angle != saved.HandleAngle {
		t.Errorf("handle angle = %d, want %d", f2.handle.angle, saved.HandleAngle)
	}
	if n := len(f2.eventsOfType(events.EventStateRestored)); n != 1 {
		t.Errorf("state_restored events = %d, want 1", n)
	}
}

func TestRestoreEmptyStoreLeavesDefaults(t *testing.T) {
	f := newFixture(t)

	err := f.machine.Restore()
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	st := f.machine.State()
	if st.Mode != ModeClosed || st.HandleAngle != 0 || st.GapPercentage != 0 {
		t.Errorf("defaults disturbed: %+v", st)
	}
	if len(f.handle.history) != 0 {
		t.Error("actuator moved on failed restore")
	}
}

func TestFactoryResetIdempotent(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Calibrate(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := f.machine.FactoryReset(); err != nil {
			t.Fatalf("reset %d: %v", i+1, err)
		}
		st := f.machine.State()
		if st.Mode != ModeClosed || st.HandleAngle != 0 || st.GapPercentage != 0 || st.Calibrated {
			t.Errorf("reset %d: state = %+v", i+1, st)
		}
	}
	if f.store.rec != nil {
		t.Error("persisted record survived factory reset")
	}
}

func TestCalibrate(t *testing.T) {
	f := newFixture(t)

	if f.machine.State().Calibrated {
		t.Fatal("fresh machine should be uncalibrated")
	}
	if err := f.machine.Calibrate(); err != nil {
		t.Fatal(err)
	}
	st := f.machine.State()
	if !st.Calibrated {
		t.Error("calibrated flag not set")
	}
	if st.Mode != ModeClosed || st.HandleAngle != 0 || st.GapPercentage != 0 {
		t.Errorf("calibration should park closed, got %+v", st)
	}
	if n := len(f.eventsOfType(events.EventCalibrated)); n != 1 {
		t.Errorf("calibrated events = %d, want 1", n)
	}
}

func TestCalibrateAbortsOnResistance(t *testing.T) {
	f := newFixture(t)
	f.sensor.tripAt = 10

	if err := f.machine.Calibrate(); !errors.Is(err, ErrResistance) {
		t.Fatalf("err = %v, want ErrResistance", err)
	}
	if f.machine.State().Calibrated {
		t.Error("aborted calibration must not set the flag")
	}
}

func TestTickClearsInMotion(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	if !f.machine.State().InMotion {
		t.Fatal("in_motion should be set after motion")
	}

	// Within the settle window the flag holds.
	*f.clock = f.clock.Add(4 * time.Second)
	f.machine.Tick()
	if !f.machine.State().InMotion {
		t.Error("in_motion cleared before settle window elapsed")
	}

	*f.clock = f.clock.Add(2 * time.Second)
	f.machine.Tick()
	if f.machine.State().InMotion {
		t.Error("in_motion still set after settle window")
	}
}

func TestAutosaveAfterFailedWriteThrough(t *testing.T) {
	f := newFixture(t)
	f.store.saveErr = errors.New("flash busy")

	// Write-through fails, state stands (best effort, not transactional).
	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	if st := f.machine.State(); st.Mode != ModeOpen {
		t.Errorf("mode = %s, want open despite save failure", st.Mode)
	}

	f.store.saveErr = nil
	*f.clock = f.clock.Add(61 * time.Second)
	f.machine.Tick()

	if f.store.rec == nil || f.store.rec.Mode != uint8(ModeOpen) {
		t.Error("autosave did not flush the dirty state")
	}
}

func TestAckResistance(t *testing.T) {
	f := newFixture(t)
	f.sensor.tripAt = 3

	if err := f.machine.SetMode(ModeOpen); !errors.Is(err, ErrResistance) {
		t.Fatal("expected resistance abort")
	}
	if !f.machine.State().ResistanceDetected {
		t.Fatal("flag not latched")
	}
	f.machine.AckResistance()
	if f.machine.State().ResistanceDetected {
		t.Error("ack did not clear the flag")
	}
}

func TestResistanceClearedByNextSuccessfulMotion(t *testing.T) {
	f := newFixture(t)
	f.sensor.tripAt = 3

	if err := f.machine.SetMode(ModeOpen); !errors.Is(err, ErrResistance) {
		t.Fatal("expected resistance abort")
	}
	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	if f.machine.State().ResistanceDetected {
		t.Error("successful motion should clear the latch")
	}
}

func TestStateReconcilesActuatorDrift(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.SetMode(ModeOpen); err != nil {
		t.Fatal(err)
	}
	// Out-of-band command moved the handle.
	f.handle.angle = 180

	st := f.machine.State()
	if st.HandleAngle != 180 {
		t.Errorf("handle angle = %d, want 180 (adopted)", st.HandleAngle)
	}
	// Handle says ventilate but gap is at 100, not ventilate's 20.
	if st.Mode != ModeCustom {
		t.Errorf("mode = %s, want custom", st.Mode)
	}
}
