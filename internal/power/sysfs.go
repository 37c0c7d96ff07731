package power

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SysfsSource reads the battery voltage from a sysfs attribute file, as
// exported by IIO ADC and power-supply drivers. An optional second file
// carries the external-power sense line.
type SysfsSource struct {
	// VoltagePath is the attribute file with the raw voltage reading.
	VoltagePath string
	// Scale converts the raw reading to millivolts. Zero means the file
	// already reads in millivolts.
	Scale float64
	// ExternalPath, when set, reads "0" on battery and non-zero on
	// external power.
	ExternalPath string
}

// Voltage reads and scales one sample.
func (s *SysfsSource) Voltage() (uint16, error) {
	raw, err := readAttr(s.VoltagePath)
	if err != nil {
		return 0, fmt.Errorf("read voltage: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse voltage %q: %w", raw, err)
	}
	if s.Scale != 0 {
		v *= s.Scale
	}
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return uint16(v), nil
}

// ExternalPower reads the sense line. Without a configured path the device
// is assumed to run on battery.
func (s *SysfsSource) ExternalPower() (bool, error) {
	if s.ExternalPath == "" {
		return false, nil
	}
	raw, err := readAttr(s.ExternalPath)
	if err != nil {
		return false, fmt.Errorf("read external sense: %w", err)
	}
	return raw != "0", nil
}

func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
