package registers

import (
	"fmt"
	"sort"
)

const (
	timeChargingSlots     = 5
	timeChargingSlotBase  = 43143
	timeChargingSlotWidth = 8

	gridTimeOfUseSlots     = 6
	gridTimeOfUseSlotWidth = 13
)

var timeChargingFields = []string{
	"charge_start_hour", "charge_start_minute", "charge_end_hour", "charge_end_minute",
	"discharge_start_hour", "discharge_start_minute", "discharge_end_hour", "discharge_end_minute",
}

var gridTimeOfUseFields = []string{
	"charge_current", "charge_start_hour", "charge_start_minute", "charge_end_hour", "charge_end_minute",
	"discharge_current", "discharge_start_hour", "discharge_start_minute", "discharge_end_hour", "discharge_end_minute",
	"charge_soc", "discharge_soc", "enable",
}

// TimeEntities maps the name of each settable time of day to the register holding its hour. The minute is held in the
// following register.
var TimeEntities = func() map[string]uint16 {
	entities := map[string]uint16{}
	for slot := uint16(0); slot < timeChargingSlots; slot++ {
		base := timeChargingSlotBase + slot*timeChargingSlotWidth
		entities[fmt.Sprintf("time_charging_slot%d_charge_start", slot+1)] = base
		entities[fmt.Sprintf("time_charging_slot%d_charge_end", slot+1)] = base + 2
		entities[fmt.Sprintf("time_charging_slot%d_discharge_start", slot+1)] = base + 4
		entities[fmt.Sprintf("time_charging_slot%d_discharge_end", slot+1)] = base + 6
	}
	for slot := uint16(0); slot < gridTimeOfUseSlots; slot++ {
		base := RegisterGridTimeOfUse + slot*gridTimeOfUseSlotWidth
		entities[fmt.Sprintf("grid_tou_slot%d_charge_start", slot+1)] = base + 1
		entities[fmt.Sprintf("grid_tou_slot%d_charge_end", slot+1)] = base + 3
		entities[fmt.Sprintf("grid_tou_slot%d_discharge_start", slot+1)] = base + 6
		entities[fmt.Sprintf("grid_tou_slot%d_discharge_end", slot+1)] = base + 8
	}
	return entities
}()

// TimeEntityNames returns the sorted names of TimeEntities.
func TimeEntityNames() []string {
	names := make([]string, 0, len(TimeEntities))
	for name := range TimeEntities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Work mode bits of RegisterWorkMode.
const (
	WorkModeSelfUse        uint = 0
	WorkModeTimeOfUse      uint = 1
	WorkModeOffGrid        uint = 2
	WorkModeFeedInPriority uint = 6
	WorkModePeakShaving    uint = 11
	workModeHighestBit     uint = 15
)

// workModeExclusions lists groups of work mode bits of which at most one may be set.
var workModeExclusions = [][]uint{
	{WorkModeSelfUse, WorkModeFeedInPriority, WorkModePeakShaving},
	{WorkModeSelfUse, WorkModeTimeOfUse, WorkModeOffGrid},
}

// ApplyWorkModeBit returns the work mode register with the given bit set or cleared.
// Setting a bit clears every other bit that shares an exclusion group with it.
func ApplyWorkModeBit(current uint16, bit uint, on bool) (uint16, error) {
	if bit > workModeHighestBit {
		return current, fmt.Errorf("work mode bit %d out of range", bit)
	}
	if !on {
		return current &^ (1 << bit), nil
	}
	for _, exclusion := range workModeExclusions {
		if !containsBit(exclusion, bit) {
			continue
		}
		for _, other := range exclusion {
			current &^= 1 << other
		}
	}
	return current | (1 << bit), nil
}

func containsBit(bits []uint, bit uint) bool {
	for _, b := range bits {
		if b == bit {
			return true
		}
	}
	return false
}
