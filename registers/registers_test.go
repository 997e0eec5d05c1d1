package registers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogGroupsAreValid(t *testing.T) {
	for _, family := range []Family{FamilyHybrid, FamilyHybridWaveshare, FamilyString, FamilyGrid} {
		t.Run(string(family), func(t *testing.T) {
			groups := Catalog(family)
			require.NotEmpty(t, groups)
			for _, g := range groups {
				assert.NoError(t, g.Validate())
			}
		})
	}
}

func TestCatalogNeverPollsForceCharge(t *testing.T) {
	for _, family := range []Family{FamilyHybrid, FamilyHybridWaveshare, FamilyString, FamilyGrid} {
		for _, g := range Catalog(family) {
			assert.False(t, uint32(g.Start) <= uint32(RegisterForceCharge) && uint32(RegisterForceCharge) < g.End(), "group %d", g.Start)
		}
	}
}

func TestCatalogIsACopy(t *testing.T) {
	groups := Catalog(FamilyHybrid)
	groups[0].Sensors[0].Name = "changed"

	again := Catalog(FamilyHybrid)
	assert.Equal(t, "product_model", again[0].Sensors[0].Name)
	assert.Equal(t, TierOnce, again[0].Tier)
}

func TestWaveshareOmitsTimeOfUse(t *testing.T) {
	for _, g := range Catalog(FamilyHybridWaveshare) {
		assert.NotEqual(t, RegisterGridTimeOfUse, g.Start)
	}
	_, ok := FindSensor(FamilyHybrid, "grid_tou_slot6_enable")
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {

	type subTest struct {
		name    string
		group   SensorGroup
		isValid bool
	}

	subTests := []subTest{
		{"covered", group(100, 3, TierFast, one(u16("a", "", 100, 1), u32("b", "", 101, 1))), true},
		{"gap", group(100, 3, TierFast, one(u16("a", "", 100, 1), u16("c", "", 102, 1))), false},
		{"repeat", group(100, 2, TierFast, one(u16("a", "", 100, 1), u16("b", "", 100, 1))), false},
		{"outside", group(100, 2, TierFast, one(u16("a", "", 100, 1), u16("b", "", 102, 1))), false},
		{"empty", group(100, 0, TierFast), false},
		{"spans input and holding", group(39999, 2, TierFast, reserved(39999, 2)), false},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			err := test.group.Validate()
			if test.isValid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyWorkModeBit(t *testing.T) {

	type subTest struct {
		name     string
		current  uint16
		bit      uint
		on       bool
		expected uint16
	}

	subTests := []subTest{
		{"self use clears feed in and peak shaving", 1<<6 | 1<<11, WorkModeSelfUse, true, 1 << 0},
		{"self use clears time of use and off grid", 1<<1 | 1<<2 | 1<<5, WorkModeSelfUse, true, 1<<0 | 1<<5},
		{"feed in clears self use only", 1<<0 | 1<<1, WorkModeFeedInPriority, true, 1<<1 | 1<<6},
		{"time of use clears off grid", 1 << 2, WorkModeTimeOfUse, true, 1 << 1},
		{"clear leaves others", 1<<1 | 1<<6, WorkModeTimeOfUse, false, 1 << 6},
		{"unrelated bit", 1 << 0, 5, true, 1<<0 | 1<<5},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			val, err := ApplyWorkModeBit(test.current, test.bit, test.on)
			require.NoError(t, err)
			assert.Equal(t, test.expected, val)
		})
	}

	_, err := ApplyWorkModeBit(0, 16, true)
	assert.Error(t, err)
}

func TestFamilySerial(t *testing.T) {
	words, err := FamilyHybrid.EncodeSerial("1402")
	require.NoError(t, err)
	assert.Len(t, words, int(SerialRegisterCount))
	assert.Equal(t, []uint16{12596, 12338}, words[:2])
	assert.Equal(t, "1402", FamilyHybrid.DecodeSerial(words))

	words, err = FamilyGrid.EncodeSerial("123456789ABCDEF0")
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4321, 0x8765, 0xCBA9, 0x0FED}, words)

	_, err = FamilyGrid.EncodeSerial("1234")
	assert.Error(t, err)

	start, count := FamilyGrid.SerialRange()
	assert.Equal(t, uint16(3061), start)
	assert.Equal(t, uint16(4), count)
}

func TestTimeEntities(t *testing.T) {
	assert.Equal(t, uint16(43143), TimeEntities["time_charging_slot1_charge_start"])
	assert.Equal(t, uint16(43181), TimeEntities["time_charging_slot5_discharge_end"])
	assert.Equal(t, uint16(43712), TimeEntities["grid_tou_slot1_charge_start"])
	assert.Len(t, TimeEntityNames(), 5*4+6*4)
}
