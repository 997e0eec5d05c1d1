package spikefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const soc = 33139

// feed runs the readings through the filter the way the poller does: the filtered value becomes the prior value.
func feed(f *Filter, register uint16, readings []uint16) []uint16 {
	var cached []uint16
	var prior uint16
	hasPrior := false
	for _, r := range readings {
		prior = f.Apply(register, r, prior, hasPrior)
		hasPrior = true
		cached = append(cached, prior)
	}
	return cached
}

func TestApply(t *testing.T) {

	type subTest struct {
		name     string
		register uint16
		readings []uint16
		expected []uint16
	}

	subTests := []subTest{
		{"single zero suppressed", soc, []uint16{50, 0, 50}, []uint16{50, 50, 50}},
		{"sustained zero accepted on third", soc, []uint16{50, 0, 0, 0, 0}, []uint16{50, 50, 50, 0, 0}},
		{"sustained hundred accepted on third", soc, []uint16{99, 100, 100, 100}, []uint16{99, 99, 99, 100}},
		{"mixed extremes count together", soc, []uint16{50, 0, 100, 0}, []uint16{50, 50, 50, 0}},
		{"normal value resets counter", soc, []uint16{50, 0, 0, 49, 0, 0, 0}, []uint16{50, 50, 50, 49, 49, 49, 0}},
		{"first reading extreme with nothing cached", soc, []uint16{0, 0, 0}, []uint16{0, 0, 0}},
		{"unfiltered register passes through", 33140, []uint16{50, 0, 50}, []uint16{50, 0, 50}},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			f := New(soc)
			assert.Equal(t, test.expected, feed(f, test.register, test.readings))
		})
	}
}

func TestCountersArePerRegister(t *testing.T) {
	f := New(1, 2)
	assert.Equal(t, uint16(50), f.Apply(1, 0, 50, true))
	assert.Equal(t, uint16(50), f.Apply(1, 0, 50, true))
	// register 2 has its own counter
	assert.Equal(t, uint16(60), f.Apply(2, 0, 60, true))
	assert.Equal(t, uint16(0), f.Apply(1, 0, 50, true))
	assert.True(t, f.Filters(2))
	assert.False(t, f.Filters(3))
}
