//go:build linux

package servo

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOActuator drives a servo by bit-banging the 50 Hz pulse frame on a GPIO
// line. Timing jitter from the scheduler is acceptable for the slow window
// actuators; a hardware PWM peripheral is not required.
type GPIOActuator struct {
	line *gpiocdev.Line

	mu      sync.Mutex
	angle   int
	enabled bool
	stop    chan struct{}
	done    chan struct{}
}

// NewGPIO requests the given line on a GPIO chip (e.g. "gpiochip0") and
// returns an actuator parked at angle 0. The actuator starts disabled.
func NewGPIO(chip string, offset int) (*GPIOActuator, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request gpio line %s:%d: %w", chip, offset, err)
	}
	return &GPIOActuator{line: line}, nil
}

// Enable starts the pulse frame generator.
func (a *GPIOActuator) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	a.enabled = true
	go a.refresh(a.stop, a.done)
	return nil
}

// Disable stops the pulse frame generator and drops the line low, letting
// the servo go slack.
func (a *GPIOActuator) Disable() error {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return nil
	}
	a.enabled = false
	stop, done := a.stop, a.done
	a.mu.Unlock()

	close(stop)
	<-done
	if err := a.line.SetValue(0); err != nil {
		return fmt.Errorf("drop gpio line: %w", err)
	}
	return nil
}

// SetAngle commands the servo to the given angle.
func (a *GPIOActuator) SetAngle(angle int) error {
	if angle < MinAngle || angle > MaxAngle {
		return fmt.Errorf("%w: %d", ErrAngleRange, angle)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return ErrNotReady
	}
	a.angle = angle
	return nil
}

// Angle returns the last commanded angle.
func (a *GPIOActuator) Angle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.angle
}

// Close disables the actuator and releases the GPIO line.
func (a *GPIOActuator) Close() error {
	if err := a.Disable(); err != nil {
		return err
	}
	return a.line.Close()
}

// refresh emits one servo frame per period until stopped. The pulse width is
// re-read each frame so SetAngle takes effect on the next frame.
func (a *GPIOActuator) refresh(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(Period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.mu.Lock()
			pulse := Pulse(a.angle)
			a.mu.Unlock()

			if a.line.SetValue(1) != nil {
				continue
			}
			time.Sleep(pulse)
			a.line.SetValue(0)
		}
	}
}
