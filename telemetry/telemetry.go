package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CacheKey identifies a register on a logical inverter.
type CacheKey struct {
	LinkID   string
	DeviceID uint8
	Register uint32
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.LinkID, k.DeviceID, k.Register)
}

// ChangeEvent is published whenever a register value is cached, and for the synthetic controller status registers.
// Value is a uint16 for device registers, a bool for the enabled flag and a time.Time for the last success time.
type ChangeEvent struct {
	ID       uuid.UUID
	Time     time.Time
	LinkID   string
	DeviceID uint8
	Register uint32
	Value    interface{}
}

// Key returns the cache key that the event relates to.
func (e ChangeEvent) Key() CacheKey {
	return CacheKey{LinkID: e.LinkID, DeviceID: e.DeviceID, Register: e.Register}
}
