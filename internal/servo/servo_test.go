package servo

import (
	"testing"
	"time"
)

func TestPulse(t *testing.T) {
	tests := []struct {
		angle int
		want  time.Duration
	}{
		{0, 500 * time.Microsecond},
		{90, 1500 * time.Microsecond},
		{180, 2500 * time.Microsecond},
		{45, 1000 * time.Microsecond},
		{-10, 500 * time.Microsecond},  // clamped
		{200, 2500 * time.Microsecond}, // clamped
	}
	for _, tt := range tests {
		if got := Pulse(tt.angle); got != tt.want {
			t.Errorf("Pulse(%d) = %v, want %v", tt.angle, got, tt.want)
		}
	}
}

func TestBuildFrame(t *testing.T) {
	frame := buildFrame(1, instrWrite, []byte{regGoalPosition, 0xFF, 0x01})
	if len(frame) != 9 {
		t.Fatalf("frame length = %d, want 9", len(frame))
	}
	if frame[0] != 0xFF || frame[1] != 0xFF {
		t.Errorf("bad header % X", frame[:2])
	}
	if frame[2] != 1 {
		t.Errorf("id = %d, want 1", frame[2])
	}
	if frame[3] != 5 {
		t.Errorf("length = %d, want 5", frame[3])
	}
	if got := checksum(frame[2 : len(frame)-1]); got != frame[len(frame)-1] {
		t.Errorf("checksum = 0x%02X, want 0x%02X", frame[len(frame)-1], got)
	}
}

func TestChecksumInverts(t *testing.T) {
	// Sum of body plus checksum must be 0xFF.
	body := []byte{0x01, 0x04, 0x02, 0x3C, 0x02}
	sum := checksum(body)
	var total byte
	for _, b := range body {
		total += b
	}
	if total+sum != 0xFF {
		t.Errorf("body sum + checksum = 0x%02X, want 0xFF", total+sum)
	}
}
