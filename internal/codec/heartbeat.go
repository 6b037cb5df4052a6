package codec

import (
	"encoding/binary"
	"fmt"
)

// HeartbeatFrameSize is the fixed length of an unsolicited heartbeat push.
const HeartbeatFrameSize = 37

const (
	heartbeatLengthOffset  = 8
	heartbeatPayloadOffset = 9
	heartbeatFields        = 11
)

// Operating modes after remapping.
const (
	ModeAuto       uint16 = 0
	ModeCool       uint16 = 1
	ModeDehumidify uint16 = 2
	ModeFan        uint16 = 3
	ModeHeat       uint16 = 4
)

// Heartbeat is one decoded telemetry push.
type Heartbeat struct {
	ErrorCode            uint16  `json:"error_code"`
	Mode                 uint16  `json:"mode"`
	TargetTemperature    uint16  `json:"target_temperature"`
	FanSpeed             uint16  `json:"fan_speed"`
	Power                uint16  `json:"power"`
	RemoteBatteryPercent uint16  `json:"remote_battery_percent"`
	CurrentAmps          uint16  `json:"current_amps"`
	TodayEnergyKWh       float64 `json:"today_energy_kwh"`
	TotalEnergyKWh       float64 `json:"total_energy_kwh"`
}

// RemapMode converts the device's raw mode: raw 1 is auto, raw 4 is cool,
// everything else passes through.
func RemapMode(raw uint16) uint16 {
	switch raw {
	case 1:
		return ModeAuto
	case 4:
		return ModeCool
	default:
		return raw
	}
}

// HeartbeatPayload extracts the payload bytes of a heartbeat frame.
func HeartbeatPayload(frame []byte) ([]byte, error) {
	if len(frame) != HeartbeatFrameSize {
		return nil, fmt.Errorf("%w: heartbeat frame is %d bytes, want %d", ErrDecode, len(frame), HeartbeatFrameSize)
	}
	n := int(frame[heartbeatLengthOffset])
	end := heartbeatPayloadOffset + n
	if end > len(frame) {
		end = len(frame)
	}
	return frame[heartbeatPayloadOffset:end], nil
}

// DecodeHeartbeat reads the 11 big-endian fields in device order: error
// code, mode, target temperature, fan speed, power, battery, current, today
// energy low/high, total energy low/high.
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	if len(payload) < heartbeatFields*2 {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat payload is %d bytes, want %d", ErrDecode, len(payload), heartbeatFields*2)
	}
	var f [heartbeatFields]uint16
	for i := range f {
		f[i] = binary.BigEndian.Uint16(payload[i*2:])
	}
	return Heartbeat{
		ErrorCode:            f[0],
		Mode:                 RemapMode(f[1]),
		TargetTemperature:    f[2],
		FanSpeed:             f[3],
		Power:                f[4],
		RemoteBatteryPercent: f[5],
		CurrentAmps:          f[6],
		TodayEnergyKWh:       DecodeScaledEnergy(f[7], f[8]),
		TotalEnergyKWh:       DecodeScaledEnergy(f[9], f[10]),
	}, nil
}

// EncodeHeartbeatFrame builds a 37-byte push frame around raw field values.
// The MBAP header carries transaction id txID and unit unitID; the frame uses
// function 0x03 with the payload length at offset 8. Device simulators and
// tests use it.
func EncodeHeartbeatFrame(txID uint16, unitID byte, fields [heartbeatFields]uint16) []byte {
	frame := make([]byte, HeartbeatFrameSize)
	binary.BigEndian.PutUint16(frame[0:], txID)
	binary.BigEndian.PutUint16(frame[4:], HeartbeatFrameSize-6)
	frame[6] = unitID
	frame[7] = 0x03
	frame[heartbeatLengthOffset] = HeartbeatFrameSize - heartbeatPayloadOffset
	for i, v := range fields {
		binary.BigEndian.PutUint16(frame[heartbeatPayloadOffset+i*2:], v)
	}
	return frame
}
