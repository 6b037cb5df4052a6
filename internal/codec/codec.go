// Package codec maps the XLC controller's holding-register layout to typed
// values. Everything here is pure: no I/O, no clocks, no logging.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Register map.
const (
	AddrHeartbeatInterval uint16 = 21
	AddrInfraredCode      uint16 = 76
	AddrAirControl        uint16 = 82
	AddrCurrentLimits     uint16 = 87
	AddrClock             uint16 = 91
	AddrRules             uint16 = 93
	AddrIdentity          uint16 = 173
	AddrFirmware          uint16 = 514
	AddrSensor            uint16 = 561
)

// Register counts for the multi-register blocks above.
const (
	QtyInfraredCode  uint16 = 2
	QtyAirControl    uint16 = 4
	QtyCurrentLimits uint16 = 3
	QtyClock         uint16 = 2
	QtyRules         uint16 = RuleSlots * RegistersPerRule
	QtyIdentity      uint16 = 6
	QtyFirmware      uint16 = 2
	QtySensor        uint16 = 2
)

// Heartbeat interval bounds in seconds.
const (
	MinHeartbeatInterval = 30
	MaxHeartbeatInterval = 120
)

// currentLimitMax is the first scaled value the device rejects (100 A).
const currentLimitMax = 10000

// IdentityLength is the number of hex characters in a device identity.
const IdentityLength = 24

var (
	ErrInvalidIdentityFormat = errors.New("invalid identity format")
	ErrLimitOutOfRange       = errors.New("current limit out of range")
	ErrDecode                = errors.New("decode error")
	ErrIntervalOutOfRange    = errors.New("heartbeat interval out of range")
)

// EncodeUint32 splits v into two registers, low word first.
func EncodeUint32(v uint32) [2]uint16 {
	return [2]uint16{uint16(v & 0xFFFF), uint16(v >> 16)}
}

// DecodeUint32 is the inverse of EncodeUint32.
func DecodeUint32(low, high uint16) uint32 {
	return uint32(high)<<16 | uint32(low)
}

// Registers converts a big-endian byte slice into registers. A trailing odd
// byte is ignored.
func Registers(b []byte) []uint16 {
	regs := make([]uint16, len(b)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return regs
}

// Bytes converts registers to their big-endian wire form.
func Bytes(regs []uint16) []byte {
	b := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(b[i*2:], r)
	}
	return b
}

// EncodeIdentity turns a 24 character hex identity into 6 registers, two raw
// bytes per register.
func EncodeIdentity(id string) ([]uint16, error) {
	if len(id) != IdentityLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidIdentityFormat, len(id), IdentityLength)
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not hex", ErrInvalidIdentityFormat, id)
	}
	return Registers(raw), nil
}

// DecodeIdentity rebuilds the lowercase hex identity from 6 registers.
func DecodeIdentity(regs []uint16) (string, error) {
	if len(regs) != int(QtyIdentity) {
		return "", fmt.Errorf("%w: identity needs %d registers, got %d", ErrDecode, QtyIdentity, len(regs))
	}
	return hex.EncodeToString(Bytes(regs)), nil
}

// NormalizeIdentity lowercases an identity so lookups match the decoded form.
func NormalizeIdentity(id string) string {
	return strings.ToLower(id)
}

// CurrentLimits are the three calibration thresholds in amperes.
type CurrentLimits struct {
	NoiseA      float64 `json:"noise_a"`
	ThresholdA  float64 `json:"threshold_a"`
	CompressorA float64 `json:"compressor_a"`
}

// EncodeCurrentLimit scales amps to the device's centiamp register value.
func EncodeCurrentLimit(amps float64) uint16 {
	v := math.Round(amps * 100)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// EncodeCurrentLimits validates and scales all three thresholds.
func EncodeCurrentLimits(l CurrentLimits) ([3]uint16, error) {
	var regs [3]uint16
	for i, a := range []float64{l.NoiseA, l.ThresholdA, l.CompressorA} {
		if a < 0 || math.Round(a*100) >= currentLimitMax {
			return regs, fmt.Errorf("%w: %.2f A", ErrLimitOutOfRange, a)
		}
		regs[i] = EncodeCurrentLimit(a)
	}
	return regs, nil
}

// DecodeCurrentLimits reads the three scaled threshold registers.
func DecodeCurrentLimits(regs []uint16) (CurrentLimits, error) {
	if len(regs) < int(QtyCurrentLimits) {
		return CurrentLimits{}, fmt.Errorf("%w: current limits need %d registers, got %d", ErrDecode, QtyCurrentLimits, len(regs))
	}
	return CurrentLimits{
		NoiseA:      float64(regs[0]) / 100,
		ThresholdA:  float64(regs[1]) / 100,
		CompressorA: float64(regs[2]) / 100,
	}, nil
}

// DecodeScaledEnergy combines a low/high register pair into kWh.
func DecodeScaledEnergy(low, high uint16) float64 {
	return float64(uint32(high)*65536+uint32(low)) / 100
}

// EncodeScaledEnergy is the inverse of DecodeScaledEnergy for non-negative
// values that fit in 32 bits once scaled.
func EncodeScaledEnergy(kwh float64) (low, high uint16) {
	v := uint32(math.Round(kwh * 100))
	return uint16(v % 65536), uint16(v / 65536)
}

// ValidateHeartbeatInterval checks the device-accepted range.
func ValidateHeartbeatInterval(seconds int) error {
	if seconds < MinHeartbeatInterval || seconds > MaxHeartbeatInterval {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrIntervalOutOfRange, seconds, MinHeartbeatInterval, MaxHeartbeatInterval)
	}
	return nil
}

// Sensor is the ambient reading at 561..562.
type Sensor struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// DecodeSensor converts the two sensor registers.
func DecodeSensor(regs []uint16) (Sensor, error) {
	if len(regs) < int(QtySensor) {
		return Sensor{}, fmt.Errorf("%w: sensor needs %d registers, got %d", ErrDecode, QtySensor, len(regs))
	}
	return Sensor{
		Temperature: float64(regs[0]) / 100,
		Humidity:    float64(regs[1]) / 100,
	}, nil
}

// DecodeFirmwareVersion sums the firmware registers, which is how the device
// reports its build number.
func DecodeFirmwareVersion(regs []uint16) (int, error) {
	if len(regs) < int(QtyFirmware) {
		return 0, fmt.Errorf("%w: firmware needs %d registers, got %d", ErrDecode, QtyFirmware, len(regs))
	}
	return int(regs[0]) + int(regs[1]), nil
}

// EncodeInfraredCode builds the two-register IR code block.
func EncodeInfraredCode(code uint16) [2]uint16 {
	return [2]uint16{0x0002, code}
}

// DecodeInfraredCode returns the code from the second register.
func DecodeInfraredCode(regs []uint16) (uint16, error) {
	if len(regs) < int(QtyInfraredCode) {
		return 0, fmt.Errorf("%w: infrared code needs %d registers, got %d", ErrDecode, QtyInfraredCode, len(regs))
	}
	return regs[1], nil
}

// AirStatus is the AC control block at 82..85.
type AirStatus struct {
	Power             uint16 `json:"power"`
	TargetTemperature uint16 `json:"target_temperature"`
	Mode              uint16 `json:"mode"`
	FanSpeed          uint16 `json:"fan_speed"`
}

// EncodeAirStatus orders the block as mode, temperature, fan, power. The
// device takes raw mode 1 for auto and raw 4 for anything else.
func EncodeAirStatus(s AirStatus) [4]uint16 {
	mode := uint16(4)
	if s.Mode == 0 {
		mode = 1
	}
	return [4]uint16{mode, s.TargetTemperature, s.FanSpeed, s.Power}
}
