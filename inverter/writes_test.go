package inverter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cepro/solisgateway/modbus/modbustest"
	"github.com/cepro/solisgateway/registers"
)

func TestWriteCachesEcho(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	require.True(t, rig.c.Connect())
	rig.clearEvents()

	rig.c.executeWrite(context.Background(), MultipleRegisters(200, []uint16{10, 11}))

	val, ok := rig.cached(200)
	require.True(t, ok)
	assert.Equal(t, uint16(10), val)
	val, ok = rig.cached(201)
	require.True(t, ok)
	assert.Equal(t, uint16(11), val)

	events := rig.registerEvents()
	require.Len(t, events, 2)
	assert.Equal(t, uint32(200), events[0].Register)
	assert.Equal(t, uint16(10), events[0].Value)
	assert.Equal(t, uint32(201), events[1].Register)
	assert.Equal(t, uint16(11), events[1].Value)

	writes := rig.device.Writes()
	require.Len(t, writes, 1)
	assert.False(t, writes[0].Single)
}

func TestWriteWithoutEchoCachesRequest(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	require.True(t, rig.c.Connect())
	rig.device.EchoWrites(false)

	rig.c.executeWrite(context.Background(), SingleRegister(registers.RegisterPowerState, registers.PowerStateOff))

	val, ok := rig.cached(registers.RegisterPowerState)
	require.True(t, ok)
	assert.Equal(t, registers.PowerStateOff, val)
	assert.Equal(t, registers.PowerStateOff, rig.device.Holding(1, registers.RegisterPowerState))
}

func TestFailedWritesAreDropped(t *testing.T) {

	type subTest struct {
		name          string
		setup         func(d *modbustest.Device)
		stayConnected bool
	}

	subTests := []subTest{
		{"rejected by device", func(d *modbustest.Device) { d.Reject(registers.RegisterForceCharge) }, true},
		{"link fault", func(d *modbustest.Device) { d.SetDown(true) }, false},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			rig := newTestRig(t, registers.FamilyHybrid)
			require.True(t, rig.c.Connect())
			test.setup(rig.device)
			rig.clearEvents()

			rig.c.executeWrite(context.Background(), SingleRegister(registers.RegisterForceCharge, registers.ForceChargeCharge))

			_, ok := rig.cached(registers.RegisterForceCharge)
			assert.False(t, ok)
			assert.Empty(t, rig.registerEvents())
			assert.Equal(t, test.stayConnected, rig.c.State().Connected)
		})
	}
}

func TestWriteDroppedWhenDisabled(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	require.True(t, rig.c.Connect())
	rig.c.Disable()

	rig.c.executeWrite(context.Background(), SingleRegister(43110, 1))
	assert.Empty(t, rig.device.Writes())
}

func TestWriteWaitsForConnection(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rig.c.executeWrite(ctx, SingleRegister(43110, 1))
	assert.Empty(t, rig.device.Writes(), "nothing is written while disconnected")

	done := make(chan struct{})
	go func() {
		rig.c.executeWrite(context.Background(), SingleRegister(43110, 2))
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	require.True(t, rig.c.Connect())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write did not run after connecting")
	}
	require.Len(t, rig.device.Writes(), 1)
	assert.Equal(t, []uint16{2}, rig.device.Writes()[0].Values)
}

func TestWritesRunInEnqueueOrder(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)

	for i := uint16(0); i < 5; i++ {
		require.True(t, rig.c.EnqueueWrite(SingleRegister(43143+i, i)))
	}
	require.True(t, rig.c.EnqueueWrite(MultipleRegisters(43143, []uint16{23, 59})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.c.Run(ctx)

	assert.Eventually(t, func() bool { return len(rig.device.Writes()) == 6 }, time.Second, 5*time.Millisecond)

	writes := rig.device.Writes()
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint16(43143+i), writes[i].Address)
		assert.Equal(t, []uint16{uint16(i)}, writes[i].Values)
	}
	assert.Equal(t, []uint16{23, 59}, writes[5].Values)
	assert.Equal(t, 0, rig.device.Overlaps())
}

func TestEnqueueWriteDropsWhenFull(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	for i := 0; i < DefaultWriteQueueSize; i++ {
		require.True(t, rig.c.EnqueueWrite(SingleRegister(43110, 1)))
	}
	assert.False(t, rig.c.EnqueueWrite(SingleRegister(43110, 1)))
}

func TestWriteRequestString(t *testing.T) {
	assert.Equal(t, "write register 43110=[1]", SingleRegister(43110, 1).String())
	assert.Equal(t, "write registers 43143=[6 30]", MultipleRegisters(43143, []uint16{6, 30}).String())
}
