package device

import (
	"context"
	"fmt"
	"time"

	"xlc-gateway/internal/codec"
)

// Properties is the configuration snapshot read by GetOtherProperties.
type Properties struct {
	HeartbeatInterval int                  `json:"interval"`
	InfraredCode      uint16               `json:"code"`
	Limits            codec.CurrentLimits  `json:"limits"`
	Time              time.Time            `json:"time"`
	Rules             []codec.ScheduleRule `json:"rules"`
}

func (l *Link) requireActive() error {
	if l.State() != StateActive {
		return ErrNotConnected
	}
	return nil
}

// SyncTime writes the gateway's current Unix time to the device clock.
func (l *Link) SyncTime(ctx context.Context) error {
	if err := l.requireActive(); err != nil {
		return err
	}
	regs := codec.EncodeUint32(uint32(time.Now().Unix()))
	return l.writeRegisters(ctx, codec.AddrClock, regs[:])
}

// SetIdentity reprograms the device identity.
func (l *Link) SetIdentity(ctx context.Context, id string) error {
	regs, err := codec.EncodeIdentity(id)
	if err != nil {
		return err
	}
	if err := l.requireActive(); err != nil {
		return err
	}
	return l.writeRegisters(ctx, codec.AddrIdentity, regs)
}

// SetInfraredCode selects the air conditioner IR code set.
func (l *Link) SetInfraredCode(ctx context.Context, code uint16) error {
	if err := l.requireActive(); err != nil {
		return err
	}
	regs := codec.EncodeInfraredCode(code)
	return l.writeRegisters(ctx, codec.AddrInfraredCode, regs[:])
}

// SetCurrentLimits writes the noise, threshold and compressor currents.
func (l *Link) SetCurrentLimits(ctx context.Context, limits codec.CurrentLimits) error {
	regs, err := codec.EncodeCurrentLimits(limits)
	if err != nil {
		return err
	}
	if err := l.requireActive(); err != nil {
		return err
	}
	return l.writeRegisters(ctx, codec.AddrCurrentLimits, regs[:])
}

// SetHeartbeatInterval changes the push period and resizes the keep-alive
// timeout to match.
func (l *Link) SetHeartbeatInterval(ctx context.Context, seconds int) error {
	if err := codec.ValidateHeartbeatInterval(seconds); err != nil {
		return err
	}
	if err := l.requireActive(); err != nil {
		return err
	}
	if err := l.writeRegister(ctx, codec.AddrHeartbeatInterval, uint16(seconds)); err != nil {
		return err
	}
	l.applyInterval(seconds)
	return nil
}

// SetAirStatus sends an AC control command.
func (l *Link) SetAirStatus(ctx context.Context, s codec.AirStatus) error {
	if err := l.requireActive(); err != nil {
		return err
	}
	regs := codec.EncodeAirStatus(s)
	return l.writeRegisters(ctx, codec.AddrAirControl, regs[:])
}

// SetRules replaces the whole rule table: the table is cleared first, then
// the new rules are written from slot 0. Both writes happen under one hold of
// the operation lock so concurrent replacements cannot interleave.
func (l *Link) SetRules(ctx context.Context, rules []codec.ScheduleRule) error {
	if err := codec.ValidateTable(rules); err != nil {
		return err
	}
	if err := l.requireActive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	if err := l.writeRegistersLocked(codec.AddrRules, codec.ClearTable()); err != nil {
		return err
	}
	regs := codec.EncodeTable(rules)
	if len(regs) == 0 {
		return nil
	}
	return l.writeRegistersLocked(codec.AddrRules, regs)
}

// ClearRules empties every rule slot.
func (l *Link) ClearRules(ctx context.Context) error {
	if err := l.requireActive(); err != nil {
		return err
	}
	return l.writeRegisters(ctx, codec.AddrRules, codec.ClearTable())
}

// GetRules reads and decodes the rule table, skipping empty slots.
func (l *Link) GetRules(ctx context.Context) ([]codec.ScheduleRule, error) {
	if err := l.requireActive(); err != nil {
		return nil, err
	}
	regs, err := l.readRegisters(ctx, codec.AddrRules, codec.QtyRules)
	if err != nil {
		return nil, err
	}
	return codec.DecodeTable(regs)
}

// GetFirmwareVersion reads the firmware build number.
func (l *Link) GetFirmwareVersion(ctx context.Context) (int, error) {
	if err := l.requireActive(); err != nil {
		return 0, err
	}
	regs, err := l.readRegisters(ctx, codec.AddrFirmware, codec.QtyFirmware)
	if err != nil {
		return 0, err
	}
	return codec.DecodeFirmwareVersion(regs)
}

// GetOtherProperties reads interval, IR code, current limits, clock and
// rules one after another. Any failure discards the partial result.
func (l *Link) GetOtherProperties(ctx context.Context) (*Properties, error) {
	if err := l.requireActive(); err != nil {
		return nil, err
	}
	var p Properties

	regs, err := l.readRegisters(ctx, codec.AddrHeartbeatInterval, 1)
	if err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	p.HeartbeatInterval = int(regs[0])

	regs, err = l.readRegisters(ctx, codec.AddrInfraredCode, codec.QtyInfraredCode)
	if err != nil {
		return nil, fmt.Errorf("infrared code: %w", err)
	}
	if p.InfraredCode, err = codec.DecodeInfraredCode(regs); err != nil {
		return nil, err
	}

	regs, err = l.readRegisters(ctx, codec.AddrCurrentLimits, codec.QtyCurrentLimits)
	if err != nil {
		return nil, fmt.Errorf("current limits: %w", err)
	}
	if p.Limits, err = codec.DecodeCurrentLimits(regs); err != nil {
		return nil, err
	}

	regs, err = l.readRegisters(ctx, codec.AddrClock, codec.QtyClock)
	if err != nil {
		return nil, fmt.Errorf("clock: %w", err)
	}
	p.Time = time.Unix(int64(codec.DecodeUint32(regs[0], regs[1])), 0).UTC()

	if p.Rules, err = l.GetRules(ctx); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return &p, nil
}
