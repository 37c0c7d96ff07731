package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"zigbee-window-go/internal/events"
	"zigbee-window-go/internal/motion"
	"zigbee-window-go/internal/ota"
	"zigbee-window-go/internal/power"
	"zigbee-window-go/internal/store"
	"zigbee-window-go/internal/window"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeActuator struct{ angle int }

func (f *fakeActuator) Enable() error        { return nil }
func (f *fakeActuator) Disable() error       { return nil }
func (f *fakeActuator) Angle() int           { return f.angle }
func (f *fakeActuator) SetAngle(a int) error { f.angle = a; return nil }

type quietSensor struct{}

func (quietSensor) Check() bool         { return false }
func (quietSensor) SetThreshold(uint16) {}

type memStore struct{ rec *store.StateRecord }

func (s *memStore) LoadState() (*store.StateRecord, error) {
	if s.rec == nil {
		return nil, store.ErrNotFound
	}
	return s.rec, nil
}
func (s *memStore) SaveState(rec *store.StateRecord) error { s.rec = rec; return nil }
func (s *memStore) EraseState() error                      { s.rec = nil; return nil }
func (s *memStore) Close() error                           { return nil }

type fakeSource struct{ mv uint16 }

func (f *fakeSource) Voltage() (uint16, error)     { return f.mv, nil }
func (f *fakeSource) ExternalPower() (bool, error) { return false, nil }

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *window.Machine) {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(logger)

	mc := motion.New(quietSensor{}, logger)
	mc.SetStepDelay(0)
	machine := window.New(&fakeActuator{}, &fakeActuator{}, mc, &memStore{}, bus, window.Config{}, logger)

	mon := power.NewMonitor(&fakeSource{mv: 3900}, bus, power.Config{}, logger)
	mon.Poll()

	updater := ota.New(ota.Config{CurrentVersion: "1.0.0"}, nil, bus, logger)

	srv := NewServer(machine, mon, updater, bus, logger, opts...)
	t.Cleanup(srv.Close)
	return srv, machine
}

func TestGetState(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st window.State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ModeName != "closed" || st.GapPercentage != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestPostMode(t *testing.T) {
	srv, machine := newTestServer(t)

	body := bytes.NewBufferString(`{"mode":"open"}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mode", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if st := machine.State(); st.Mode != window.ModeOpen {
		t.Errorf("mode = %s, want open", st.Mode)
	}
}

func TestPostModeUnknown(t *testing.T) {
	srv, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"mode":"ajar"}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mode", body))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPostGapOutOfRange(t *testing.T) {
	srv, machine := newTestServer(t)

	body := bytes.NewBufferString(`{"percentage":150}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/gap", body))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if st := machine.State(); st.GapPercentage != 0 {
		t.Errorf("gap = %d, want 0", st.GapPercentage)
	}
}

func TestGetPower(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/power", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st power.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.StateName != "normal" || st.Voltage != 3900 {
		t.Errorf("power = %+v", st)
	}
}

func TestAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", rec.Code)
	}
}
