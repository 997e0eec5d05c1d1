package registers

import (
	"fmt"
	"sort"

	"github.com/cepro/solisgateway/decoder"
)

// HoldingRegisterStart is the first holding register address. Anything below it is an input register.
const HoldingRegisterStart = 40000

// Synthetic registers carry controller status on the event topic. They do not exist on the device.
const (
	RegisterEnabled     uint32 = 90005
	RegisterLastSuccess uint32 = 90006
)

// Well known device registers.
const (
	RegisterModel           uint16 = 33000
	RegisterSerial          uint16 = 33004
	SerialRegisterCount     uint16 = 16
	RegisterGridSerial      uint16 = 3061
	GridSerialRegisterCount uint16 = 4
	RegisterBatterySOC      uint16 = 33139
	RegisterClock           uint16 = 43000
	RegisterPowerState      uint16 = 43007
	RegisterBatteryModel    uint16 = 43009
	RegisterWorkMode        uint16 = 43110
	RegisterForceCharge     uint16 = 43135
	RegisterTimeCharging    uint16 = 43141
	RegisterGridTimeOfUse   uint16 = 43711
	PowerStateOn            uint16 = 190
	PowerStateOff           uint16 = 222
	ForceChargeNone         uint16 = 0
	ForceChargeCharge       uint16 = 1
	ForceChargeDischarge    uint16 = 2
)

// SpikeFiltered lists the registers that are known to report short lived 0 or 100 readings.
var SpikeFiltered = []uint16{RegisterBatterySOC}

// IsHolding returns true if the register is read with function code 3 rather than 4.
func IsHolding(register uint16) bool {
	return register >= HoldingRegisterStart
}

// Tier is the timing class that a register group is polled at.
type Tier int

const (
	TierOnce Tier = iota
	TierStartup
	TierFast
	TierNormal
	TierSlow
)

// Tiers lists every tier in the order they are read during an all-tiers pass.
var Tiers = []Tier{TierOnce, TierStartup, TierFast, TierNormal, TierSlow}

func (t Tier) String() string {
	switch t {
	case TierOnce:
		return "once"
	case TierStartup:
		return "startup"
	case TierFast:
		return "fast"
	case TierNormal:
		return "normal"
	case TierSlow:
		return "slow"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Sensor is a named value within a register group.
type Sensor struct {
	Name string
	Unit string
	decoder.Descriptor
}

// SensorGroup is a contiguous range of registers that is read in a single transport call.
type SensorGroup struct {
	Start   uint16
	Count   uint16
	Tier    Tier
	Sensors []Sensor
}

// End returns the first register after the group.
func (g SensorGroup) End() uint32 {
	return uint32(g.Start) + uint32(g.Count)
}

// IsHolding returns true if the group is made of holding registers.
func (g SensorGroup) IsHolding() bool {
	return IsHolding(g.Start)
}

// Validate checks that the registers of the sensors cover exactly [Start, Start+Count) without gaps or repeats.
func (g SensorGroup) Validate() error {
	if g.Count == 0 {
		return fmt.Errorf("group %d: empty", g.Start)
	}
	if g.IsHolding() != IsHolding(uint16(g.End()-1)) {
		return fmt.Errorf("group %d: spans input and holding registers", g.Start)
	}

	var regs []int
	for _, s := range g.Sensors {
		if len(s.Registers) == 0 {
			return fmt.Errorf("group %d: sensor %q has no registers", g.Start, s.Name)
		}
		for _, r := range s.Registers {
			regs = append(regs, int(r))
		}
	}
	sort.Ints(regs)

	if len(regs) != int(g.Count) {
		return fmt.Errorf("group %d: sensors cover %d registers, want %d", g.Start, len(regs), g.Count)
	}
	for i, r := range regs {
		if r != int(g.Start)+i {
			return fmt.Errorf("group %d: register %d is missing or repeated", g.Start, int(g.Start)+i)
		}
	}
	return nil
}

// Family is the kind of inverter, which selects the register catalog and how the serial number is discovered.
type Family string

const (
	FamilyHybrid          Family = "hybrid"
	FamilyHybridWaveshare Family = "hybrid-waveshare"
	FamilyString          Family = "string"
	FamilyGrid            Family = "grid"
)

// ParseFamily returns the Family for the configured inverter type.
func ParseFamily(s string) (Family, error) {
	switch f := Family(s); f {
	case FamilyHybrid, FamilyHybridWaveshare, FamilyString, FamilyGrid:
		return f, nil
	}
	return "", fmt.Errorf("unknown inverter type %q", s)
}

// SerialRange returns the input registers that hold the serial number for the family.
func (f Family) SerialRange() (start, count uint16) {
	if f == FamilyGrid {
		return RegisterGridSerial, GridSerialRegisterCount
	}
	return RegisterSerial, SerialRegisterCount
}

// DecodeSerial turns the words read from SerialRange into the serial number string.
func (f Family) DecodeSerial(words []uint16) string {
	if f == FamilyGrid {
		return decoder.ReversedHexString(words)
	}
	return decoder.ASCIIString(words)
}

// EncodeSerial is the inverse of DecodeSerial.
func (f Family) EncodeSerial(serial string) ([]uint16, error) {
	start, count := f.SerialRange()
	if f == FamilyGrid {
		words, err := decoder.ReversedHexWords(serial)
		if err != nil {
			return nil, err
		}
		if len(words) != int(count) {
			return nil, fmt.Errorf("grid serial %q must be %d hex digits", serial, count*4)
		}
		return words, nil
	}
	if len(serial) > int(count)*2 {
		return nil, fmt.Errorf("serial %q does not fit in %d registers from %d", serial, count, start)
	}
	return decoder.ASCIIWords(serial, int(count)), nil
}
