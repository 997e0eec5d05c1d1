package inverter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cepro/solisgateway/registers"
)

func TestReconnectBackOff(t *testing.T) {
	b := newReconnectBackOff()

	var delays []time.Duration
	for i := 0; i < 12; i++ {
		delays = append(delays, b.NextBackOff())
	}

	expected := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, expected, delays)
}

func TestSupervisorReconnectsWithBackOff(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	rig.device.FailConnects(5)

	rig.c.supervise(context.Background())

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rig.sleeps)
	assert.True(t, rig.c.State().Connected)
	assert.Equal(t, 6, rig.device.Connects())

	select {
	case <-rig.c.started:
	default:
		t.Error("first successful check did not run the all-tiers pass")
	}
	_, ok := rig.cached(33049)
	assert.True(t, ok)
}

func TestSupervisorPublishesEnabledFlag(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)

	rig.c.supervise(context.Background())

	rig.mu.Lock()
	first := rig.events[0]
	rig.mu.Unlock()
	assert.Equal(t, registers.RegisterEnabled, first.Register)
	assert.Equal(t, true, first.Value)

	rig.c.Disable()
	rig.clearEvents()
	rig.c.supervise(context.Background())

	rig.mu.Lock()
	defer rig.mu.Unlock()
	require.Len(t, rig.events, 1)
	assert.Equal(t, false, rig.events[0].Value)
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	rig.device.SetDown(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rig.c.supervise(ctx)

	assert.Len(t, rig.sleeps, 1)
	assert.False(t, rig.c.State().Connected)
}

func TestSupervisorIsNotReentrant(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	rig.c.supervising.Store(true)

	rig.c.supervise(context.Background())
	assert.Equal(t, 0, rig.device.Connects())
}

func TestRunRecoversFromLinkLoss(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	rig.c.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.c.Run(ctx)

	select {
	case <-rig.c.started:
	case <-time.After(time.Second):
		t.Fatal("all-tiers pass did not run")
	}

	rig.device.FailReads(1)
	_, err := rig.c.ReadInput(33049, 10)
	require.Error(t, err)

	// the failed read kicks the supervisor, which reconnects without waiting for its two minute timer
	assert.Eventually(t, func() bool { return rig.c.State().Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rig.device.Connects())
}

func TestEnableStartsPollingWhenRunStartedDisabled(t *testing.T) {
	rig := newTestRig(t, registers.FamilyHybrid)
	rig.c.sleep = sleepContext
	rig.device.SetInput(1, registers.RegisterBatterySOC, 75)

	rig.c.Disable()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.c.Run(ctx)

	// the first check sees the controller disabled and leaves polling stopped
	assert.Never(t, func() bool {
		select {
		case <-rig.c.started:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	require.True(t, rig.c.Enable())

	select {
	case <-rig.c.started:
	case <-time.After(time.Second):
		t.Fatal("all-tiers pass did not run after enable")
	}
	soc, ok := rig.cached(registers.RegisterBatterySOC)
	require.True(t, ok)
	assert.Equal(t, uint16(75), soc)
	assert.NotEmpty(t, rig.registerEvents())
}
