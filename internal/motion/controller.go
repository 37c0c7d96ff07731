// Package motion moves an actuator toward a target angle in one-degree
// steps, checking for mechanical resistance after every step.
package motion

import (
	"fmt"
	"log/slog"
	"time"

	"zigbee-window-go/internal/sense"
	"zigbee-window-go/internal/servo"
)

// DefaultStepDelay is the pause between one-degree steps. It limits actuator
// stress and gives the resistance signal time to develop.
const DefaultStepDelay = 15 * time.Millisecond

// ResistanceError reports a motion aborted by mechanical resistance,
// carrying the angle at which the sweep stopped.
type ResistanceError struct {
	Angle int
}

func (e *ResistanceError) Error() string {
	return fmt.Sprintf("motion: resistance detected at %d°", e.Angle)
}

// Controller sweeps actuators degree by degree. It holds no actuator state
// of its own; the current angle is always read from the actuator.
type Controller struct {
	sensor    sense.Sensor
	logger    *slog.Logger
	stepDelay time.Duration
	sleep     func(time.Duration)
}

// New creates a motion controller polling the given resistance sensor.
func New(sensor sense.Sensor, logger *slog.Logger) *Controller {
	return &Controller{
		sensor:    sensor,
		logger:    logger,
		stepDelay: DefaultStepDelay,
		sleep:     time.Sleep,
	}
}

// SetStepDelay overrides the inter-step delay. Tests also swap the sleep
// function via this package's test helpers.
func (c *Controller) SetStepDelay(d time.Duration) {
	c.stepDelay = d
}

// MoveTo sweeps the actuator from its current angle to target, one degree at
// a time. After each step the resistance sensor is polled; on resistance the
// sweep stops immediately and a *ResistanceError with the stop angle is
// returned. The call is not cancellable mid-sweep.
//
// If the actuator is already at target the call succeeds with zero steps.
func (c *Controller) MoveTo(act servo.Actuator, target int) error {
	if target < servo.MinAngle || target > servo.MaxAngle {
		return fmt.Errorf("%w: %d", servo.ErrAngleRange, target)
	}

	current := act.Angle()
	if current == target {
		return nil
	}

	step := 1
	if target < current {
		step = -1
	}
	c.logger.Debug("sweep start", "from", current, "to", target)

	for angle := current + step; ; angle += step {
		if err := act.SetAngle(angle); err != nil {
			return fmt.Errorf("set angle %d: %w", angle, err)
		}
		if c.sensor.Check() {
			c.logger.Warn("resistance during sweep", "angle", angle)
			return &ResistanceError{Angle: angle}
		}
		if angle == target {
			break
		}
		c.sleep(c.stepDelay)
	}

	c.logger.Debug("sweep done", "angle", target)
	return nil
}
