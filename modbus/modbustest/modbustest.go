// Package modbustest provides an in-memory Modbus device for testing code that talks to a modbus.Link.
package modbustest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cepro/solisgateway/modbus"
)

// ErrDown is returned by every call while the device is unreachable.
var ErrDown = errors.New("device unreachable")

type key struct {
	unit uint8
	addr uint16
}

// Write records a write received by the device.
type Write struct {
	Unit    uint8
	Address uint16
	Values  []uint16
	Single  bool
}

// Device is an in-memory register image. Every Conn dialled from it shares the image.
type Device struct {
	mu         sync.Mutex
	input      map[key]uint16
	holding    map[key]uint16
	truncate   map[uint16]int
	connectErr int
	readErr    int
	down       bool
	rejectAddr map[uint16]bool
	echo       bool
	delay      time.Duration
	writes     []Write
	dials      int
	connects   int
	closes     int

	active   int32
	overlaps int32
}

// NewDevice returns an empty device that echoes single register writes.
func NewDevice() *Device {
	return &Device{
		input:      make(map[key]uint16),
		holding:    make(map[key]uint16),
		truncate:   make(map[uint16]int),
		rejectAddr: make(map[uint16]bool),
		echo:       true,
	}
}

// Dial is a modbus.DialFunc.
func (d *Device) Dial(config modbus.LinkConfig) (modbus.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return &conn{device: d}, nil
}

// SetInput sets consecutive input registers from addr.
func (d *Device) SetInput(unit uint8, addr uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.input[key{unit, addr + uint16(i)}] = v
	}
}

// SetHolding sets consecutive holding registers from addr.
func (d *Device) SetHolding(unit uint8, addr uint16, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.holding[key{unit, addr + uint16(i)}] = v
	}
}

// Holding returns a holding register.
func (d *Device) Holding(unit uint8, addr uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holding[key{unit, addr}]
}

// Truncate makes reads starting at addr return only n words.
func (d *Device) Truncate(addr uint16, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.truncate[addr] = n
}

// FailConnects makes the next n Connect calls fail.
func (d *Device) FailConnects(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = n
}

// FailReads makes the next n reads fail with ErrDown.
func (d *Device) FailReads(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = n
}

// SetDown makes every call fail with ErrDown until it is called with false.
func (d *Device) SetDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// Reject makes writes to addr fail with an illegal data value exception.
func (d *Device) Reject(addr uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectAddr[addr] = true
}

// EchoWrites selects whether writes return the written values.
func (d *Device) EchoWrites(echo bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.echo = echo
}

// SetDelay makes every call take at least delay.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Writes returns the writes received so far, in order.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Dials returns the number of Conns created.
func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connects returns the number of Connect calls, successful or not.
func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Closes returns the number of Close calls.
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Overlaps returns the number of calls that started while another call was in progress.
func (d *Device) Overlaps() int {
	return int(atomic.LoadInt32(&d.overlaps))
}

type conn struct {
	device *Device
}

// enter marks a call in progress and waits out the configured delay.
func (c *conn) enter() (func(), error) {
	if atomic.AddInt32(&c.device.active, 1) > 1 {
		atomic.AddInt32(&c.device.overlaps, 1)
	}
	exit := func() { atomic.AddInt32(&c.device.active, -1) }

	c.device.mu.Lock()
	delay := c.device.delay
	down := c.device.down
	c.device.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if down {
		exit()
		return nil, ErrDown
	}
	return exit, nil
}

func (c *conn) Connect() error {
	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.down {
		return ErrDown
	}
	if d.connectErr > 0 {
		d.connectErr--
		return ErrDown
	}
	return nil
}

func (c *conn) Close() error {
	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (c *conn) read(table map[key]uint16, unit uint8, address, quantity uint16) ([]uint16, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readErr > 0 {
		d.readErr--
		return nil, ErrDown
	}

	n := int(quantity)
	if t, ok := d.truncate[address]; ok && t < n {
		n = t
	}
	words := make([]uint16, n)
	for i := range words {
		words[i] = table[key{unit, address + uint16(i)}]
	}
	return words, nil
}

func (c *conn) ReadInputRegisters(unit uint8, address, quantity uint16) ([]uint16, error) {
	return c.read(c.device.input, unit, address, quantity)
}

func (c *conn) ReadHoldingRegisters(unit uint8, address, quantity uint16) ([]uint16, error) {
	return c.read(c.device.holding, unit, address, quantity)
}

func (c *conn) write(unit uint8, address uint16, values []uint16, single bool) ([]uint16, error) {
	exit, err := c.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rejectAddr[address] {
		functionCode := byte(16)
		if single {
			functionCode = 6
		}
		return nil, modbus.NewExceptionError(functionCode, 3)
	}

	d.writes = append(d.writes, Write{Unit: unit, Address: address, Values: append([]uint16(nil), values...), Single: single})
	for i, v := range values {
		d.holding[key{unit, address + uint16(i)}] = v
	}
	if !d.echo {
		return nil, nil
	}
	return append([]uint16(nil), values...), nil
}

func (c *conn) WriteSingleRegister(unit uint8, address, value uint16) ([]uint16, error) {
	return c.write(unit, address, []uint16{value}, true)
}

func (c *conn) WriteMultipleRegisters(unit uint8, address uint16, values []uint16) ([]uint16, error) {
	return c.write(unit, address, values, false)
}
