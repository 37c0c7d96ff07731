// Package servo drives the two window actuators: the handle rotation servo
// and the frame-gap servo. All implementations speak in whole degrees over
// the standard 0-180 hobby-servo range.
package servo

import (
	"errors"
	"time"
)

// Standard hobby-servo signal parameters.
const (
	MinAngle = 0
	MaxAngle = 180

	// Pulse widths mapping MinAngle..MaxAngle, at a 50 Hz frame rate.
	MinPulse = 500 * time.Microsecond
	MaxPulse = 2500 * time.Microsecond
	Period   = 20 * time.Millisecond
)

var (
	// ErrNotReady is returned when an actuator is commanded before Enable.
	ErrNotReady = errors.New("servo: not enabled")

	// ErrAngleRange is returned for angles outside 0-180.
	ErrAngleRange = errors.New("servo: angle out of range")
)

// Actuator is a single servo positioned in whole degrees.
//
// SetAngle is idempotent: commanding the current angle is a no-op success.
// SetAngle before Enable fails with ErrNotReady.
type Actuator interface {
	Enable() error
	Disable() error
	SetAngle(angle int) error
	Angle() int
}

// Pulse returns the pulse width encoding the given angle.
func Pulse(angle int) time.Duration {
	if angle < MinAngle {
		angle = MinAngle
	}
	if angle > MaxAngle {
		angle = MaxAngle
	}
	span := MaxPulse - MinPulse
	return MinPulse + span*time.Duration(angle)/time.Duration(MaxAngle)
}
