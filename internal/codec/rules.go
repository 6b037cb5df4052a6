package codec

import (
	"errors"
	"fmt"
)

// ErrInvalidRule reports a rule field the device cannot store.
var ErrInvalidRule = errors.New("invalid schedule rule")

// Rule table geometry.
const (
	RuleSlots        = 10
	RegistersPerRule = 4

	MaxRuleTemperature = 99
)

// Row markers. Writes use rowEnabled/rowDisabled, but the firmware reports
// an enabled row as readEnabled (0x01 for disabled) when the table is read.
const (
	rowEnabled  byte = 0xAF
	rowDisabled byte = 0xFA
	readEnabled byte = 0x02

	powerOn  byte = 0x02
	powerOff byte = 0x01

	weekNoRepeat byte = 0x01
)

// RuleCommand is what a schedule rule does when it fires.
type RuleCommand struct {
	Power             bool  `json:"power"`
	TargetTemperature uint8 `json:"target_temperature"`
}

// ScheduleRule is one slot of the on-device schedule.
type ScheduleRule struct {
	Hour     int         `json:"hour"`
	Minute   int         `json:"minute"`
	Weekdays []int       `json:"weekdays"`
	Repeat   bool        `json:"repeat"`
	Enabled  bool        `json:"enabled"`
	Command  RuleCommand `json:"command"`
}

// Validate checks the ranges the device can store.
func (r ScheduleRule) Validate() error {
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("%w: rule hour %d", ErrInvalidRule, r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: rule minute %d", ErrInvalidRule, r.Minute)
	}
	for _, d := range r.Weekdays {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: rule weekday %d", ErrInvalidRule, d)
		}
	}
	if r.Command.TargetTemperature > MaxRuleTemperature {
		return fmt.Errorf("%w: rule temperature %d", ErrInvalidRule, r.Command.TargetTemperature)
	}
	return nil
}

// ValidateTable checks the rule count and every rule in it.
func ValidateTable(rules []ScheduleRule) error {
	if len(rules) > RuleSlots {
		return fmt.Errorf("%w: %d rules, the device holds %d", ErrInvalidRule, len(rules), RuleSlots)
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// EncodeRule packs a rule into its 4-register slot. With clear set the slot
// is all zero.
//
//	r0, r1  seconds since midnight, low word first
//	r2      [week bits, power flag]
//	r3      [row marker, target temperature]
func EncodeRule(rule ScheduleRule, clear bool) [RegistersPerRule]uint16 {
	var regs [RegistersPerRule]uint16
	if clear {
		return regs
	}
	t := EncodeUint32(uint32(rule.Hour*3600 + rule.Minute*60))
	regs[0], regs[1] = t[0], t[1]

	var week byte
	if !rule.Repeat {
		week = weekNoRepeat
	}
	for _, d := range rule.Weekdays {
		if d >= 1 && d <= 7 {
			week |= 1 << d
		}
	}
	power := powerOff
	if rule.Command.Power {
		power = powerOn
	}
	regs[2] = uint16(week)<<8 | uint16(power)

	marker := rowDisabled
	if rule.Enabled {
		marker = rowEnabled
	}
	regs[3] = uint16(marker)<<8 | uint16(rule.Command.TargetTemperature)
	return regs
}

// DecodeRule unpacks one slot. ok is false for an empty slot, meaning hour,
// minute and temperature are all zero.
func DecodeRule(regs [RegistersPerRule]uint16) (ScheduleRule, bool) {
	seconds := DecodeUint32(regs[0], regs[1])
	week := byte(regs[2] >> 8)
	power := byte(regs[2])
	marker := byte(regs[3] >> 8)

	rule := ScheduleRule{
		Hour:     int(seconds / 3600),
		Minute:   int(seconds % 3600 / 60),
		Repeat:   week&weekNoRepeat == 0,
		Enabled:  marker == readEnabled,
		Weekdays: []int{},
		Command: RuleCommand{
			Power:             power == powerOn,
			TargetTemperature: uint8(regs[3]),
		},
	}
	if rule.Repeat {
		for d := 1; d <= 7; d++ {
			if week&(1<<d) != 0 {
				rule.Weekdays = append(rule.Weekdays, d)
			}
		}
	}
	if rule.Hour == 0 && rule.Minute == 0 && rule.Command.TargetTemperature == 0 {
		return rule, false
	}
	return rule, true
}

// EncodeTable concatenates up to RuleSlots rules in slot order. Callers
// reject longer tables with ValidateTable. Only the occupied slots are
// returned.
func EncodeTable(rules []ScheduleRule) []uint16 {
	if len(rules) > RuleSlots {
		rules = rules[:RuleSlots]
	}
	regs := make([]uint16, 0, len(rules)*RegistersPerRule)
	for _, r := range rules {
		slot := EncodeRule(r, false)
		regs = append(regs, slot[:]...)
	}
	return regs
}

// ClearTable returns the full table with every slot cleared.
func ClearTable() []uint16 {
	return make([]uint16, RuleSlots*RegistersPerRule)
}

// DecodeTable decodes consecutive 4-register slots, dropping empty ones.
func DecodeTable(regs []uint16) ([]ScheduleRule, error) {
	if len(regs)%RegistersPerRule != 0 {
		return nil, fmt.Errorf("%w: rule table has %d registers, not a multiple of %d", ErrDecode, len(regs), RegistersPerRule)
	}
	rules := make([]ScheduleRule, 0, len(regs)/RegistersPerRule)
	for i := 0; i < len(regs); i += RegistersPerRule {
		var slot [RegistersPerRule]uint16
		copy(slot[:], regs[i:i+RegistersPerRule])
		if r, ok := DecodeRule(slot); ok {
			rules = append(rules, r)
		}
	}
	return rules, nil
}
