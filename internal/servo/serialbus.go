package servo

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Register map and instruction set of the SCS-style bus servos used on the
// serial variant of the drive board.
const (
	regTorqueEnable = 0x28
	regGoalPosition = 0x2A
	regPresentLoad  = 0x3C

	instrRead  = 0x02
	instrWrite = 0x03

	// Position counts covering the 0-180 degree travel.
	maxPosition = 1023
)

// Bus is a shared half-duplex serial link to one or more bus servos.
type Bus struct {
	mu   sync.Mutex
	port serial.Port
}

// OpenBus opens the serial port for the servo bus.
func OpenBus(portName string, baud int) (*Bus, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open servo bus %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &Bus{port: port}, nil
}

// Close closes the serial port.
func (b *Bus) Close() error {
	return b.port.Close()
}

// Actuator returns an actuator bound to the servo with the given bus ID.
func (b *Bus) Actuator(id byte) *BusActuator {
	return &BusActuator{bus: b, id: id}
}

// writeRegister sends a register write instruction. No status packet is
// expected for broadcast-free writes on this board, so the call returns as
// soon as the frame is flushed.
func (b *Bus) writeRegister(id, reg byte, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := []byte{reg, byte(value & 0xFF), byte(value >> 8)}
	frame := buildFrame(id, instrWrite, params)
	if _, err := b.port.Write(frame); err != nil {
		return fmt.Errorf("write servo %d reg 0x%02X: %w", id, reg, err)
	}
	return nil
}

// readRegister sends a 2-byte register read and parses the status packet.
func (b *Bus) readRegister(id, reg byte) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := buildFrame(id, instrRead, []byte{reg, 2})
	if _, err := b.port.Write(frame); err != nil {
		return 0, fmt.Errorf("read servo %d reg 0x%02X: %w", id, reg, err)
	}

	// Status packet: FF FF id len err lo hi checksum
	resp := make([]byte, 8)
	n := 0
	for n < len(resp) {
		r, err := b.port.Read(resp[n:])
		if err != nil {
			return 0, fmt.Errorf("read servo %d status: %w", id, err)
		}
		if r == 0 {
			return 0, fmt.Errorf("read servo %d status: timeout", id)
		}
		n += r
	}
	if resp[0] != 0xFF || resp[1] != 0xFF || resp[2] != id {
		return 0, fmt.Errorf("read servo %d status: bad header % X", id, resp[:3])
	}
	if sum := checksum(resp[2:7]); sum != resp[7] {
		return 0, fmt.Errorf("read servo %d status: bad checksum", id)
	}
	if resp[4] != 0 {
		return 0, fmt.Errorf("read servo %d status: error flags 0x%02X", id, resp[4])
	}
	return uint16(resp[5]) | uint16(resp[6])<<8, nil
}

func buildFrame(id, instr byte, params []byte) []byte {
	frame := make([]byte, 0, 6+len(params))
	frame = append(frame, 0xFF, 0xFF, id, byte(len(params)+2), instr)
	frame = append(frame, params...)
	frame = append(frame, checksum(frame[2:]))
	return frame
}

func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return ^sum
}

// BusActuator is one servo on a shared serial bus. It also exposes the
// servo's load register, used as the resistance proxy signal.
type BusActuator struct {
	bus *Bus
	id  byte

	mu      sync.Mutex
	angle   int
	enabled bool
}

// Enable switches torque on.
func (a *BusActuator) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.bus.writeRegister(a.id, regTorqueEnable, 1); err != nil {
		return err
	}
	a.enabled = true
	return nil
}

// Disable switches torque off, letting the servo go slack.
func (a *BusActuator) Disable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return nil
	}
	if err := a.bus.writeRegister(a.id, regTorqueEnable, 0); err != nil {
		return err
	}
	a.enabled = false
	return nil
}

// SetAngle commands the servo to the given angle.
func (a *BusActuator) SetAngle(angle int) error {
	if angle < MinAngle || angle > MaxAngle {
		return fmt.Errorf("%w: %d", ErrAngleRange, angle)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return ErrNotReady
	}
	if angle == a.angle {
		return nil
	}
	pos := uint16(angle * maxPosition / MaxAngle)
	if err := a.bus.writeRegister(a.id, regGoalPosition, pos); err != nil {
		return err
	}
	a.angle = angle
	return nil
}

// Angle returns the last commanded angle.
func (a *BusActuator) Angle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.angle
}

// ReadLoad samples the servo's present-load register. The value is a raw
// proxy for mechanical torque and feeds the resistance sensor.
func (a *BusActuator) ReadLoad() (uint16, error) {
	return a.bus.readRegister(a.id, regPresentLoad)
}
