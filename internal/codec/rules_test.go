package codec

import (
	"errors"
	"reflect"
	"testing"
)

// sameRule compares everything the device echoes back unchanged. Enabled is
// excluded because the firmware reads row markers differently than it
// accepts them.
func sameRule(a, b ScheduleRule) bool {
	if a.Hour != b.Hour || a.Minute != b.Minute || a.Repeat != b.Repeat || a.Command != b.Command {
		return false
	}
	wa, wb := a.Weekdays, b.Weekdays
	if !a.Repeat {
		wa = nil
	}
	if len(wa) == 0 && len(wb) == 0 {
		return true
	}
	return reflect.DeepEqual(wa, wb)
}

func TestRuleRoundTrip(t *testing.T) {
	tests := []ScheduleRule{
		{Hour: 7, Minute: 30, Weekdays: []int{1, 2, 3, 4, 5}, Repeat: true, Command: RuleCommand{Power: true, TargetTemperature: 26}},
		{Hour: 23, Minute: 59, Weekdays: []int{6, 7}, Repeat: true, Command: RuleCommand{Power: false, TargetTemperature: 99}},
		{Hour: 0, Minute: 1, Repeat: false, Command: RuleCommand{Power: true}},
		{Hour: 12, Minute: 0, Weekdays: []int{7}, Repeat: true, Enabled: true, Command: RuleCommand{TargetTemperature: 18}},
		{Hour: 18, Minute: 45, Weekdays: []int{1, 2, 3, 4, 5, 6, 7}, Repeat: true, Command: RuleCommand{Power: true, TargetTemperature: 24}},
	}
	for _, r := range tests {
		got, ok := DecodeRule(EncodeRule(r, false))
		if !ok {
			t.Errorf("rule %+v decoded as empty", r)
			continue
		}
		if !sameRule(r, got) {
			t.Errorf("round trip %+v -> %+v", r, got)
		}
	}
}

func TestRuleRoundTripAllTimes(t *testing.T) {
	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			r := ScheduleRule{Hour: h, Minute: m, Weekdays: []int{h%7 + 1}, Repeat: true, Command: RuleCommand{TargetTemperature: 20}}
			got, ok := DecodeRule(EncodeRule(r, false))
			if !ok || !sameRule(r, got) {
				t.Fatalf("round trip %+v -> %+v (ok=%v)", r, got, ok)
			}
		}
	}
}

func TestEncodeRuleLayout(t *testing.T) {
	r := ScheduleRule{Hour: 8, Minute: 15, Weekdays: []int{1, 3}, Repeat: true, Enabled: true, Command: RuleCommand{Power: true, TargetTemperature: 26}}
	regs := EncodeRule(r, false)
	secs := uint32(8*3600 + 15*60)
	if regs[0] != uint16(secs&0xFFFF) || regs[1] != uint16(secs>>16) {
		t.Errorf("time regs = %04X %04X", regs[0], regs[1])
	}
	if regs[2] != 0x0A02 {
		t.Errorf("r2 = %04X, want 0A02", regs[2])
	}
	if regs[3] != 0xAF1A {
		t.Errorf("r3 = %04X, want AF1A", regs[3])
	}

	r.Repeat = false
	r.Enabled = false
	r.Command.Power = false
	regs = EncodeRule(r, false)
	if regs[2] != 0x0B01 {
		t.Errorf("r2 = %04X, want 0B01", regs[2])
	}
	if regs[3]>>8 != 0xFA {
		t.Errorf("marker = %02X, want FA", regs[3]>>8)
	}
}

func TestEncodeRuleClear(t *testing.T) {
	r := ScheduleRule{Hour: 8, Command: RuleCommand{TargetTemperature: 26}}
	if got := EncodeRule(r, true); got != [4]uint16{} {
		t.Errorf("cleared slot = %v", got)
	}
}

func TestDecodeRuleReadMarkers(t *testing.T) {
	base := EncodeRule(ScheduleRule{Hour: 9, Repeat: true, Weekdays: []int{2}, Command: RuleCommand{TargetTemperature: 25}}, false)

	enabled := base
	enabled[3] = 0x02<<8 | enabled[3]&0xFF
	if r, _ := DecodeRule(enabled); !r.Enabled {
		t.Error("marker 0x02 should decode as enabled")
	}

	disabled := base
	disabled[3] = 0x01<<8 | disabled[3]&0xFF
	if r, _ := DecodeRule(disabled); r.Enabled {
		t.Error("marker 0x01 should decode as disabled")
	}

	written := EncodeRule(ScheduleRule{Hour: 9, Enabled: true, Command: RuleCommand{TargetTemperature: 25}}, false)
	if r, _ := DecodeRule(written); r.Enabled {
		t.Error("write marker 0xAF is not a read-side enabled marker")
	}
}

func TestDecodeRuleNoRepeatDropsWeekdays(t *testing.T) {
	r := ScheduleRule{Hour: 6, Weekdays: []int{1, 5}, Repeat: false, Command: RuleCommand{TargetTemperature: 22}}
	got, ok := DecodeRule(EncodeRule(r, false))
	if !ok {
		t.Fatal("decoded as empty")
	}
	if got.Repeat || len(got.Weekdays) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestEmptySlot(t *testing.T) {
	if _, ok := DecodeRule([4]uint16{}); ok {
		t.Error("zero slot should be empty")
	}
	// Power flag alone does not make a slot occupied.
	if _, ok := DecodeRule([4]uint16{0, 0, 0x0002, 0x0200}); ok {
		t.Error("slot with zero time and temperature should be empty")
	}
}

func TestTable(t *testing.T) {
	rules := make([]ScheduleRule, 12)
	for i := range rules {
		rules[i] = ScheduleRule{Hour: i, Minute: 5, Repeat: true, Weekdays: []int{1}, Command: RuleCommand{TargetTemperature: 20}}
	}
	regs := EncodeTable(rules)
	if len(regs) != RuleSlots*RegistersPerRule {
		t.Fatalf("table is %d registers, want %d", len(regs), RuleSlots*RegistersPerRule)
	}
	got, err := DecodeTable(regs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != RuleSlots {
		t.Fatalf("decoded %d rules, want %d", len(got), RuleSlots)
	}
	for i := range got {
		if !sameRule(rules[i], got[i]) {
			t.Errorf("slot %d: %+v -> %+v", i, rules[i], got[i])
		}
	}
}

func TestClearTableDecodesEmpty(t *testing.T) {
	regs := ClearTable()
	if len(regs) != 40 {
		t.Fatalf("ClearTable len = %d", len(regs))
	}
	got, err := DecodeTable(regs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("cleared table decoded %d rules", len(got))
	}
}

func TestDecodeTableMisaligned(t *testing.T) {
	if _, err := DecodeTable(make([]uint16, 5)); !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestRuleValidate(t *testing.T) {
	bad := []ScheduleRule{{Hour: 24}, {Minute: 60}, {Hour: -1}, {Weekdays: []int{0}}, {Weekdays: []int{8}}, {Command: RuleCommand{TargetTemperature: 100}}}
	for _, r := range bad {
		if err := r.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("Validate(%+v) = %v", r, err)
		}
	}
	if err := (ScheduleRule{Hour: 23, Minute: 59, Weekdays: []int{1, 7}, Command: RuleCommand{TargetTemperature: MaxRuleTemperature}}).Validate(); err != nil {
		t.Error(err)
	}
}

func TestValidateTable(t *testing.T) {
	full := make([]ScheduleRule, RuleSlots)
	if err := ValidateTable(full); err != nil {
		t.Errorf("%d rules: %v", RuleSlots, err)
	}
	if err := ValidateTable(nil); err != nil {
		t.Errorf("empty table: %v", err)
	}
	if err := ValidateTable(make([]ScheduleRule, RuleSlots+1)); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("oversized table err = %v", err)
	}
	if err := ValidateTable([]ScheduleRule{{}, {Hour: 30}}); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("bad rule err = %v", err)
	}
}
