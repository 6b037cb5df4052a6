package codec

import (
	"errors"
	"math"
	"testing"
)

func TestUint32RoundTrip(t *testing.T) {
	tests := []uint32{0, 1, 0xFFFF, 0x10000, 86399, 1700000000, math.MaxUint32}
	for _, v := range tests {
		regs := EncodeUint32(v)
		if got := DecodeUint32(regs[0], regs[1]); got != v {
			t.Errorf("DecodeUint32(EncodeUint32(%d)) = %d", v, got)
		}
	}
}

func TestEncodeUint32LowWordFirst(t *testing.T) {
	regs := EncodeUint32(0x12345678)
	if regs[0] != 0x5678 || regs[1] != 0x1234 {
		t.Errorf("got %04X %04X, want 5678 1234", regs[0], regs[1])
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	tests := []string{
		"220055000551363036373537",
		"000000000000000000000000",
		"ffffffffffffffffffffffff",
		"0a0b0c0d0e0f101112131415",
	}
	for _, id := range tests {
		regs, err := EncodeIdentity(id)
		if err != nil {
			t.Fatalf("EncodeIdentity(%q): %v", id, err)
		}
		if len(regs) != 6 {
			t.Fatalf("EncodeIdentity(%q) gave %d registers", id, len(regs))
		}
		got, err := DecodeIdentity(regs)
		if err != nil {
			t.Fatal(err)
		}
		if got != id {
			t.Errorf("round trip %q -> %q", id, got)
		}
	}
}

func TestEncodeIdentityRegisters(t *testing.T) {
	regs, err := EncodeIdentity("220055000551363036373537")
	if err != nil {
		t.Fatal(err)
	}
	want := []uint16{0x2200, 0x5500, 0x0551, 0x3630, 0x3637, 0x3537}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("reg %d = %04X, want %04X", i, regs[i], want[i])
		}
	}
}

func TestEncodeIdentityUppercaseDecodesLower(t *testing.T) {
	regs, err := EncodeIdentity("ABCDEF000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := DecodeIdentity(regs)
	if got != "abcdef000000000000000001" {
		t.Errorf("got %q", got)
	}
}

func TestEncodeIdentityInvalid(t *testing.T) {
	tests := []string{
		"",
		"22005500055136303637353",
		"2200550005513630363735371",
		"22005500055136303637353z",
		"22005500055136303637353 ",
	}
	for _, id := range tests {
		if _, err := EncodeIdentity(id); !errors.Is(err, ErrInvalidIdentityFormat) {
			t.Errorf("EncodeIdentity(%q) err = %v, want ErrInvalidIdentityFormat", id, err)
		}
	}
}

func TestDecodeIdentityWrongLength(t *testing.T) {
	if _, err := DecodeIdentity([]uint16{1, 2, 3}); !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestEncodeCurrentLimits(t *testing.T) {
	regs, err := EncodeCurrentLimits(CurrentLimits{NoiseA: 0.1, ThresholdA: 0.5, CompressorA: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if regs != [3]uint16{10, 50, 400} {
		t.Errorf("got %v, want [10 50 400]", regs)
	}

	tests := []CurrentLimits{
		{NoiseA: 0, ThresholdA: 0, CompressorA: 100},
		{NoiseA: 100.5},
		{NoiseA: -1},
	}
	for _, l := range tests {
		if _, err := EncodeCurrentLimits(l); !errors.Is(err, ErrLimitOutOfRange) {
			t.Errorf("EncodeCurrentLimits(%+v) err = %v, want ErrLimitOutOfRange", l, err)
		}
	}

	if _, err := EncodeCurrentLimits(CurrentLimits{CompressorA: 99.99}); err != nil {
		t.Errorf("99.99 A should be accepted: %v", err)
	}
}

func TestEncodeCurrentLimitRounds(t *testing.T) {
	if got := EncodeCurrentLimit(1.005); got != 100 && got != 101 {
		t.Errorf("EncodeCurrentLimit(1.005) = %d", got)
	}
	if got := EncodeCurrentLimit(12.344); got != 1234 {
		t.Errorf("EncodeCurrentLimit(12.344) = %d, want 1234", got)
	}
}

func TestDecodeCurrentLimits(t *testing.T) {
	l, err := DecodeCurrentLimits([]uint16{10, 50, 400})
	if err != nil {
		t.Fatal(err)
	}
	if l.NoiseA != 0.1 || l.ThresholdA != 0.5 || l.CompressorA != 4 {
		t.Errorf("got %+v", l)
	}
	if _, err := DecodeCurrentLimits([]uint16{1}); !errors.Is(err, ErrDecode) {
		t.Errorf("short input err = %v", err)
	}
}

func TestScaledEnergy(t *testing.T) {
	tests := []struct {
		low, high uint16
		want      float64
	}{
		{1000, 0, 10.0},
		{0, 1, 655.36},
		{40000, 1, 1055.36},
		{65535, 65535, 42949672.95},
	}
	for _, tt := range tests {
		if got := DecodeScaledEnergy(tt.low, tt.high); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("DecodeScaledEnergy(%d, %d) = %v, want %v", tt.low, tt.high, got, tt.want)
		}
		low, high := EncodeScaledEnergy(tt.want)
		if low != tt.low || high != tt.high {
			t.Errorf("EncodeScaledEnergy(%v) = (%d, %d), want (%d, %d)", tt.want, low, high, tt.low, tt.high)
		}
	}
}

func TestValidateHeartbeatInterval(t *testing.T) {
	for _, s := range []int{30, 60, 120} {
		if err := ValidateHeartbeatInterval(s); err != nil {
			t.Errorf("%d: %v", s, err)
		}
	}
	for _, s := range []int{0, 29, 121, -5} {
		if err := ValidateHeartbeatInterval(s); !errors.Is(err, ErrIntervalOutOfRange) {
			t.Errorf("%d: err = %v, want ErrIntervalOutOfRange", s, err)
		}
	}
}

func TestDecodeSensorAndFirmware(t *testing.T) {
	s, err := DecodeSensor([]uint16{2512, 4830})
	if err != nil {
		t.Fatal(err)
	}
	if s.Temperature != 25.12 || s.Humidity != 48.3 {
		t.Errorf("sensor = %+v", s)
	}
	fw, err := DecodeFirmwareVersion([]uint16{100, 23})
	if err != nil {
		t.Fatal(err)
	}
	if fw != 123 {
		t.Errorf("firmware = %d, want 123", fw)
	}
	if _, err := DecodeSensor(nil); !errors.Is(err, ErrDecode) {
		t.Errorf("empty sensor err = %v", err)
	}
}

func TestRegistersBytes(t *testing.T) {
	b := []byte{0x12, 0x34, 0xAB, 0xCD}
	regs := Registers(b)
	if len(regs) != 2 || regs[0] != 0x1234 || regs[1] != 0xABCD {
		t.Fatalf("Registers = %X", regs)
	}
	back := Bytes(regs)
	for i := range b {
		if back[i] != b[i] {
			t.Fatalf("Bytes = %X, want %X", back, b)
		}
	}
}

func TestEncodeAirStatus(t *testing.T) {
	tests := []struct {
		in   AirStatus
		want [4]uint16
	}{
		{AirStatus{Power: 1, TargetTemperature: 26, Mode: 0, FanSpeed: 2}, [4]uint16{1, 26, 2, 1}},
		{AirStatus{Power: 0, TargetTemperature: 18, Mode: 1, FanSpeed: 3}, [4]uint16{4, 18, 3, 0}},
		{AirStatus{Power: 1, TargetTemperature: 30, Mode: 4, FanSpeed: 0}, [4]uint16{4, 30, 0, 1}},
	}
	for _, tt := range tests {
		if got := EncodeAirStatus(tt.in); got != tt.want {
			t.Errorf("EncodeAirStatus(%+v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInfraredCode(t *testing.T) {
	regs := EncodeInfraredCode(1234)
	if regs != [2]uint16{2, 1234} {
		t.Errorf("got %v", regs)
	}
	code, err := DecodeInfraredCode(regs[:])
	if err != nil || code != 1234 {
		t.Errorf("DecodeInfraredCode = %d, %v", code, err)
	}
}

func TestLookupErrorCode(t *testing.T) {
	e, ok := LookupErrorCode(48)
	if !ok || e.Message != "Infrared module offline" {
		t.Errorf("48 -> %+v, %v", e, ok)
	}
	if _, ok := LookupErrorCode(7); ok {
		t.Error("code 7 should be unknown")
	}
	if e, ok := LookupErrorCode(0); !ok || e.Message != "Success" {
		t.Errorf("0 -> %+v, %v", e, ok)
	}
}
