package spikefilter

import "sync"

// acceptAfter is the number of consecutive extreme readings after which an extreme is believed.
const acceptAfter = 3

// Filter suppresses single sample 0 or 100 readings on registers that are known to glitch, such as battery SOC.
// A Filter belongs to one device; the counters are kept per register.
type Filter struct {
	mu        sync.Mutex
	registers map[uint16]bool
	counters  map[uint16]int
}

// New returns a Filter that acts on the given registers and passes every other register straight through.
func New(registers ...uint16) *Filter {
	f := &Filter{
		registers: make(map[uint16]bool, len(registers)),
		counters:  make(map[uint16]int, len(registers)),
	}
	for _, r := range registers {
		f.registers[r] = true
	}
	return f
}

// Filters returns true if the register is subject to filtering.
func (f *Filter) Filters(register uint16) bool {
	return f.registers[register]
}

// Apply returns the value that should be cached for the register given the newly read value and the value that is
// currently cached (hasPrior is false if nothing is cached yet).
func (f *Filter) Apply(register uint16, value uint16, prior uint16, hasPrior bool) uint16 {
	if !f.registers[register] {
		return value
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if value != 0 && value != 100 {
		f.counters[register] = 0
		return value
	}

	f.counters[register]++
	if f.counters[register] < acceptAfter {
		if hasPrior {
			return prior
		}
		return value
	}

	f.counters[register] = 0
	return value
}
