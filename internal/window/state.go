// Package window owns the canonical window state and maps mode and gap
// requests onto coordinated, resistance-monitored servo motion.
package window

import (
	"errors"
	"fmt"
	"time"

	"zigbee-window-go/internal/store"
)

// Mode is the window's logical operating state.
type Mode uint8

const (
	ModeClosed Mode = iota
	ModeOpen
	ModeVentilate
	ModeCustom
)

func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeOpen:
		return "open"
	case ModeVentilate:
		return "ventilate"
	case ModeCustom:
		return "custom"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode maps a wire tag to a Mode. Custom is not addressable over the
// wire; it is only reached through a gap change that breaks the canonical
// pairing.
func ParseMode(tag uint8) (Mode, error) {
	if tag > uint8(ModeVentilate) {
		return ModeClosed, fmt.Errorf("%w: %d", ErrInvalidMode, tag)
	}
	return Mode(tag), nil
}

// Handle servo angles for the three canonical modes.
const (
	angleClosed    = 0
	angleOpen      = 90
	angleVentilate = 180
)

// The gap servo covers 0-100% over 0-90 degrees of travel.
const gapTravel = 90

// Canonical (handle angle, gap percentage) pairs. Any other combination is
// ModeCustom.
func canonicalPair(m Mode) (angle, pct int, ok bool) {
	switch m {
	case ModeClosed:
		return angleClosed, 0, true
	case ModeOpen:
		return angleOpen, 100, true
	case ModeVentilate:
		return angleVentilate, 20, true
	default:
		return 0, 0, false
	}
}

// modeForAngle maps a canonical handle angle back to its mode.
func modeForAngle(angle int) (Mode, bool) {
	switch angle {
	case angleClosed:
		return ModeClosed, true
	case angleOpen:
		return ModeOpen, true
	case angleVentilate:
		return ModeVentilate, true
	default:
		return ModeCustom, false
	}
}

// gapAngle converts a gap percentage to the gap servo angle.
func gapAngle(pct int) int {
	return pct * gapTravel / 100
}

// gapPercent converts a gap servo angle back to a percentage, rounding to
// the nearest whole percent.
func gapPercent(angle int) int {
	return (angle*100 + gapTravel/2) / gapTravel
}

// State is a snapshot of the canonical window state.
type State struct {
	Mode               Mode      `json:"-"`
	ModeName           string    `json:"mode"`
	HandleAngle        int       `json:"handle_angle"`
	GapPercentage      int       `json:"gap_percentage"`
	Calibrated         bool      `json:"calibrated"`
	InMotion           bool      `json:"in_motion"`
	ResistanceDetected bool      `json:"resistance_detected"`
	LastAction         time.Time `json:"last_action"`
}

func (s State) record(at time.Time) *store.StateRecord {
	return &store.StateRecord{
		Mode:          uint8(s.Mode),
		HandleAngle:   s.HandleAngle,
		GapPercentage: uint8(s.GapPercentage),
		Calibrated:    s.Calibrated,
		SavedAt:       at,
	}
}

// Validation and sequencing errors of the state machine.
var (
	ErrInvalidMode       = errors.New("window: invalid mode")
	ErrInvalidPosition   = errors.New("window: invalid handle position")
	ErrInvalidPercentage = errors.New("window: invalid gap percentage")
	ErrResistance        = errors.New("window: resistance detected")
)

// StateEvent is the payload of mode_changed, gap_changed, state_restored and
// factory_reset events.
type StateEvent struct {
	Mode          string `json:"mode"`
	ModeTag       uint8  `json:"mode_tag"`
	GapPercentage int    `json:"gap_percentage"`
}

// ResistanceEvent is the payload of resistance_detected events.
type ResistanceEvent struct {
	Angle     int    `json:"angle"`
	Operation string `json:"operation"`
}
