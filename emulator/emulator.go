package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/cepro/solisgateway/registers"
)

const (
	modelHybrid = 0x1031
	modelString = 0x0210
	modelGrid   = 0x0600

	clientTimeout = 30 * time.Second
	maxClients    = 8
)

// Inverter emulates the register image of a Solis inverter and serves it over Modbus TCP. It answers every unit id it
// was created with, and rejects the rest.
type Inverter struct {
	family registers.Family
	unitID uint8
	logger *slog.Logger

	mu      sync.Mutex
	input   map[uint16]uint16
	holding map[uint16]uint16
	rand    *rand.Rand
	now     func() time.Time
}

// New returns an Inverter of the given family holding serial in its serial registers. Every register of the family's
// catalog reads as a plausible value.
func New(family registers.Family, unitID uint8, serial string) (*Inverter, error) {
	if _, err := registers.ParseFamily(string(family)); err != nil {
		return nil, err
	}
	serialWords, err := family.EncodeSerial(serial)
	if err != nil {
		return nil, fmt.Errorf("encode serial: %w", err)
	}

	e := &Inverter{
		family:  family,
		unitID:  unitID,
		logger:  slog.Default().With("component", "emulator", "type", string(family), "unit_id", unitID),
		input:   map[uint16]uint16{},
		holding: map[uint16]uint16{},
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}

	for _, g := range registers.Catalog(family) {
		for r := uint32(g.Start); r < g.End(); r++ {
			e.set(uint16(r), 0)
		}
	}
	start, _ := family.SerialRange()
	for i, w := range serialWords {
		e.set(start+uint16(i), w)
	}
	// command register: writable, never read back
	e.holding[registers.RegisterForceCharge] = registers.ForceChargeNone

	e.seed()
	e.Step()
	return e, nil
}

func (e *Inverter) set(register, value uint16) {
	if registers.IsHolding(register) {
		e.holding[register] = value
	} else {
		e.input[register] = value
	}
}

// setSensor writes value into the registers of the named sensor, if the family has it.
func (e *Inverter) setSensor(name string, value int64) {
	sensor, ok := registers.FindSensor(e.family, name)
	if !ok {
		return
	}
	regs := sensor.Registers
	if len(regs) == 2 {
		e.set(regs[0], uint16(uint32(value)>>16))
		e.set(regs[1], uint16(uint32(value)))
		return
	}
	e.set(regs[0], uint16(value))
}

func (e *Inverter) seed() {
	switch e.family {
	case registers.FamilyGrid:
		e.setSensor("product_model", modelGrid)
	case registers.FamilyString:
		e.setSensor("product_model", modelString)
	default:
		e.setSensor("product_model", modelHybrid)
	}
	e.setSensor("dsp_version", 0x0040)
	e.setSensor("hmi_version", 0x0017)
	e.setSensor("pv1_voltage", 3500)
	e.setSensor("pv2_voltage", 3400)
	e.setSensor("dc_bus_voltage", 3800)
	e.setSensor("phase_a_voltage", 2400)
	e.setSensor("grid_frequency", 5000)
	e.setSensor("inverter_temperature", 350)
	e.setSensor("battery_voltage", 520)
	e.setSensor("battery_soc", 60)
	e.setSensor("battery_soh", 100)
	e.setSensor("power_state", int64(registers.PowerStateOn))
	e.setSensor("battery_model", 1)
	e.setSensor("work_mode", 1<<registers.WorkModeSelfUse)
}

// Step moves the live values on by one sample: PV, load and battery values drift and the clock is set to now.
func (e *Inverter) Step() {
	e.mu.Lock()
	defer e.mu.Unlock()

	pv := 1500 + e.rand.Int63n(500)
	load := 400 + e.rand.Int63n(300)
	e.setSensor("pv1_current", pv/350)
	e.setSensor("total_dc_power", pv)
	e.setSensor("active_power", pv-load)
	e.setSensor("household_load_power", load)

	if soc, ok := e.input[registers.RegisterBatterySOC]; ok {
		soc = uint16(int(soc) + e.rand.Intn(3) - 1)
		if soc < 5 {
			soc = 5
		}
		if soc > 100 {
			soc = 100
		}
		e.input[registers.RegisterBatterySOC] = soc
	}

	now := e.now()
	e.setSensor("clock_year", int64(now.Year()%100))
	e.setSensor("clock_month", int64(now.Month()))
	e.setSensor("clock_day", int64(now.Day()))
	e.setSensor("clock_hour", int64(now.Hour()))
	e.setSensor("clock_minute", int64(now.Minute()))
	e.setSensor("clock_second", int64(now.Second()))
}

// Input returns the value of an input register.
func (e *Inverter) Input(register uint16) (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.input[register]
	return v, ok
}

// Holding returns the value of a holding register.
func (e *Inverter) Holding(register uint16) (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.holding[register]
	return v, ok
}

// HandleCoils rejects every request, the inverter has no coils.
func (e *Inverter) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleDiscreteInputs rejects every request, the inverter has no discrete inputs.
func (e *Inverter) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (e *Inverter) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.UnitId != e.unitID {
		return nil, modbus.ErrIllegalFunction
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.IsWrite {
		for i := range req.Args {
			if _, ok := e.holding[req.Addr+uint16(i)]; !ok {
				return nil, modbus.ErrIllegalDataAddress
			}
		}
		for i, v := range req.Args {
			e.holding[req.Addr+uint16(i)] = v
		}
		e.logger.Info("Holding registers written", "register", req.Addr, "values", req.Args)
		return req.Args, nil
	}

	return read(e.holding, req.Addr, req.Quantity, registers.RegisterForceCharge)
}

func (e *Inverter) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if req.UnitId != e.unitID {
		return nil, modbus.ErrIllegalFunction
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return read(e.input, req.Addr, req.Quantity)
}

func read(image map[uint16]uint16, addr, quantity uint16, writeOnly ...uint16) ([]uint16, error) {
	values := make([]uint16, quantity)
	for i := range values {
		r := addr + uint16(i)
		for _, w := range writeOnly {
			if r == w {
				return nil, modbus.ErrIllegalDataAddress
			}
		}
		v, ok := image[r]
		if !ok {
			return nil, modbus.ErrIllegalDataAddress
		}
		values[i] = v
	}
	return values, nil
}

// Run serves the register image on listen ("host:port") and steps the live values every interval until ctx is done.
func (e *Inverter) Run(ctx context.Context, listen string, interval time.Duration) error {
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + listen,
		Timeout:    clientTimeout,
		MaxClients: maxClients,
	}, e)
	if err != nil {
		return fmt.Errorf("create modbus server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start modbus server: %w", err)
	}
	e.logger.Info("Serving emulated inverter", "listen", listen)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := server.Stop(); err != nil {
				e.logger.Warn("Failed to stop modbus server", "error", err)
			}
			return nil
		case <-ticker.C:
			e.Step()
		}
	}
}
