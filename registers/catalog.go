package registers

import (
	"fmt"

	"github.com/cepro/solisgateway/decoder"
)

func u16(name, unit string, reg uint16, multiplier float64) Sensor {
	return Sensor{Name: name, Unit: unit, Descriptor: decoder.Descriptor{Registers: []uint16{reg}, DataType: decoder.U16, Multiplier: multiplier}}
}

func s16(name, unit string, reg uint16, multiplier float64) Sensor {
	return Sensor{Name: name, Unit: unit, Descriptor: decoder.Descriptor{Registers: []uint16{reg}, DataType: decoder.S16, Multiplier: multiplier}}
}

func u32(name, unit string, high uint16, multiplier float64) Sensor {
	return Sensor{Name: name, Unit: unit, Descriptor: decoder.Descriptor{Registers: []uint16{high, high + 1}, DataType: decoder.U32, Multiplier: multiplier}}
}

func s32(name, unit string, high uint16, multiplier float64) Sensor {
	return Sensor{Name: name, Unit: unit, Descriptor: decoder.Descriptor{Registers: []uint16{high, high + 1}, DataType: decoder.S32, Multiplier: multiplier}}
}

// reserved fills registers that are read as part of a block but carry nothing of interest.
func reserved(start, count uint16) []Sensor {
	sensors := make([]Sensor, 0, count)
	for r := start; r < start+count; r++ {
		sensors = append(sensors, u16(fmt.Sprintf("reserved_%d", r), "", r, 1))
	}
	return sensors
}

func group(start, count uint16, tier Tier, sensors ...[]Sensor) SensorGroup {
	g := SensorGroup{Start: start, Count: count, Tier: tier}
	for _, s := range sensors {
		g.Sensors = append(g.Sensors, s...)
	}
	return g
}

func one(s ...Sensor) []Sensor {
	return s
}

var modelGroup = group(33000, 3, TierOnce, one(
	u16("product_model", "", 33000, 1),
	u16("dsp_version", "", 33001, 1),
	u16("hmi_version", "", 33002, 1),
))

var dcGroup = group(33049, 10, TierFast, one(
	u16("pv1_voltage", "V", 33049, 0.1),
	u16("pv1_current", "A", 33050, 0.1),
	u16("pv2_voltage", "V", 33051, 0.1),
	u16("pv2_current", "A", 33052, 0.1),
	u16("pv3_voltage", "V", 33053, 0.1),
	u16("pv3_current", "A", 33054, 0.1),
	u16("pv4_voltage", "V", 33055, 0.1),
	u16("pv4_current", "A", 33056, 0.1),
	u32("total_dc_power", "W", 33057, 1),
))

var acGroup = group(33072, 13, TierFast, one(
	u16("dc_bus_voltage", "V", 33072, 0.1),
	u16("phase_a_voltage", "V", 33073, 0.1),
	u16("phase_b_voltage", "V", 33074, 0.1),
	u16("phase_c_voltage", "V", 33075, 0.1),
	u16("phase_a_current", "A", 33076, 0.1),
	u16("phase_b_current", "A", 33077, 0.1),
	u16("phase_c_current", "A", 33078, 0.1),
	s32("active_power", "W", 33079, 1),
	s32("reactive_power", "var", 33081, 1),
	s32("apparent_power", "VA", 33083, 1),
))

var statusGroup = group(33093, 4, TierNormal, one(
	s16("inverter_temperature", "°C", 33093, 0.1),
	u16("grid_frequency", "Hz", 33094, 0.01),
	u16("inverter_status", "", 33095, 1),
	s16("battery_temperature", "°C", 33096, 0.1),
))

var batteryGroup = group(33132, 11, TierFast, one(
	u16("storage_control_mode", "", 33132, 1),
	u16("battery_voltage", "V", 33133, 0.1),
	u16("battery_current", "A", 33134, 0.1),
	u16("battery_current_direction", "", 33135, 1),
	u16("llc_bus_voltage", "V", 33136, 0.1),
	u16("backup_voltage", "V", 33137, 0.1),
	u16("backup_current", "A", 33138, 0.1),
	u16("battery_soc", "%", RegisterBatterySOC, 1),
	u16("battery_soh", "%", 33140, 1),
	u16("bms_battery_voltage", "V", 33141, 0.01),
	s16("bms_battery_current", "A", 33142, 0.1),
))

var loadGroup = group(33147, 2, TierFast, one(
	u16("household_load_power", "W", 33147, 1),
	u16("backup_load_power", "W", 33148, 1),
))

var clockGroup = group(RegisterClock, 6, TierSlow, one(
	u16("clock_year", "", 43000, 1),
	u16("clock_month", "", 43001, 1),
	u16("clock_day", "", 43002, 1),
	u16("clock_hour", "", 43003, 1),
	u16("clock_minute", "", 43004, 1),
	u16("clock_second", "", 43005, 1),
))

var powerStateGroup = group(RegisterPowerState, 3, TierNormal,
	one(u16("power_state", "", RegisterPowerState, 1)),
	reserved(43008, 1),
	one(u16("battery_model", "", RegisterBatteryModel, 1)),
)

var workModeGroup = group(RegisterWorkMode, 1, TierNormal, one(
	u16("work_mode", "", RegisterWorkMode, 1),
))

// Time charging: two currents, five slots of charge start/end and discharge start/end (hour, minute pairs), then padding.
var timeChargingGroup = func() SensorGroup {
	sensors := one(
		u16("time_charging_charge_current", "A", 43141, 0.1),
		u16("time_charging_discharge_current", "A", 43142, 0.1),
	)
	for slot := uint16(0); slot < timeChargingSlots; slot++ {
		base := timeChargingSlotBase + slot*timeChargingSlotWidth
		for i, field := range timeChargingFields {
			sensors = append(sensors, u16(fmt.Sprintf("time_charging_slot%d_%s", slot+1, field), "", base+uint16(i), 1))
		}
	}
	end := uint16(timeChargingSlotBase + timeChargingSlots*timeChargingSlotWidth)
	return group(RegisterTimeCharging, 49, TierSlow, sensors, reserved(end, RegisterTimeCharging+49-end))
}()

// Grid time of use: six slots of thirteen registers, then padding.
var gridTimeOfUseGroup = func() SensorGroup {
	var sensors []Sensor
	for slot := uint16(0); slot < gridTimeOfUseSlots; slot++ {
		base := RegisterGridTimeOfUse + slot*gridTimeOfUseSlotWidth
		for i, field := range gridTimeOfUseFields {
			sensors = append(sensors, u16(fmt.Sprintf("grid_tou_slot%d_%s", slot+1, field), "", base+uint16(i), 1))
		}
	}
	end := RegisterGridTimeOfUse + gridTimeOfUseSlots*gridTimeOfUseSlotWidth
	return group(RegisterGridTimeOfUse, 80, TierStartup, sensors, reserved(end, RegisterGridTimeOfUse+80-end))
}()

var gridModelGroup = group(3000, 3, TierOnce, one(
	u16("product_model", "", 3000, 1),
	u16("dsp_version", "", 3001, 1),
	u16("lcd_version", "", 3002, 1),
))

var gridPowerGroup = group(3005, 4, TierFast, one(
	u32("active_power", "W", 3005, 1),
	u32("total_dc_power", "W", 3007, 1),
))

var gridEnergyGroup = group(3009, 8, TierSlow, one(
	u32("energy_total", "kWh", 3009, 1),
	u32("energy_this_month", "kWh", 3011, 1),
	u32("energy_last_month", "kWh", 3013, 1),
	u16("energy_today", "kWh", 3015, 0.1),
	u16("energy_yesterday", "kWh", 3016, 0.1),
))

var gridDCGroup = group(3022, 4, TierFast, one(
	u16("pv1_voltage", "V", 3022, 0.1),
	u16("pv1_current", "A", 3023, 0.1),
	u16("pv2_voltage", "V", 3024, 0.1),
	u16("pv2_current", "A", 3025, 0.1),
))

var gridACGroup = group(3034, 6, TierFast, one(
	u16("phase_a_voltage", "V", 3034, 0.1),
	u16("phase_b_voltage", "V", 3035, 0.1),
	u16("phase_c_voltage", "V", 3036, 0.1),
	u16("phase_a_current", "A", 3037, 0.1),
	u16("phase_b_current", "A", 3038, 0.1),
	u16("phase_c_current", "A", 3039, 0.1),
))

var gridStatusGroup = group(3042, 3, TierNormal, one(
	s16("inverter_temperature", "°C", 3042, 0.1),
	u16("grid_frequency", "Hz", 3043, 0.01),
	u16("inverter_status", "", 3044, 1),
))

// Catalog returns the register groups polled for the given inverter family.
// The result is a fresh copy that the caller may modify.
func Catalog(family Family) []SensorGroup {
	var groups []SensorGroup
	switch family {
	case FamilyHybrid:
		groups = []SensorGroup{modelGroup, dcGroup, acGroup, batteryGroup, loadGroup, statusGroup, powerStateGroup, workModeGroup, clockGroup, timeChargingGroup, gridTimeOfUseGroup}
	case FamilyHybridWaveshare:
		// the Waveshare RS485 bridge rejects the long time of use read
		groups = []SensorGroup{modelGroup, dcGroup, acGroup, batteryGroup, loadGroup, statusGroup, powerStateGroup, workModeGroup, clockGroup, timeChargingGroup}
	case FamilyString:
		groups = []SensorGroup{modelGroup, dcGroup, acGroup, statusGroup, powerStateGroup, clockGroup}
	case FamilyGrid:
		groups = []SensorGroup{gridModelGroup, gridPowerGroup, gridDCGroup, gridACGroup, gridStatusGroup, gridEnergyGroup}
	}

	out := make([]SensorGroup, len(groups))
	for i, g := range groups {
		g.Sensors = append([]Sensor(nil), g.Sensors...)
		out[i] = g
	}
	return out
}

// FindSensor returns the sensor with the given name in the family's catalog.
func FindSensor(family Family, name string) (Sensor, bool) {
	for _, g := range Catalog(family) {
		for _, s := range g.Sensors {
			if s.Name == name {
				return s, true
			}
		}
	}
	return Sensor{}, false
}
