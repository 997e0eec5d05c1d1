package inverter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// WriteRequest is a write of one or more consecutive holding registers.
type WriteRequest struct {
	ID       uuid.UUID
	Address  uint16
	Values   []uint16
	Multiple bool // use function code 16 even for a single value
}

// SingleRegister returns a request to write one register with function code 6.
func SingleRegister(address, value uint16) WriteRequest {
	return WriteRequest{ID: uuid.New(), Address: address, Values: []uint16{value}}
}

// MultipleRegisters returns a request to write consecutive registers from start with function code 16.
func MultipleRegisters(start uint16, values []uint16) WriteRequest {
	return WriteRequest{ID: uuid.New(), Address: start, Values: append([]uint16(nil), values...), Multiple: true}
}

func (w WriteRequest) String() string {
	if w.Multiple {
		return fmt.Sprintf("write registers %d=%v", w.Address, w.Values)
	}
	return fmt.Sprintf("write register %d=%v", w.Address, w.Values)
}

// EnqueueWrite appends the request to the controller's write queue without blocking. It returns false, and the request
// is dropped, if the queue is full.
func (c *Controller) EnqueueWrite(req WriteRequest) bool {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	select {
	case c.writes <- req:
		return true
	default:
		c.logger.Warn("Dropped write, queue full", "write_id", req.ID, "write", req.String())
		c.metrics.Write(string(c.linkID), c.config.DeviceID, false)
		return false
	}
}

// runWriteWorker executes queued writes one at a time, in order.
func (c *Controller) runWriteWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.writes:
			c.executeWrite(ctx, req)
		}
	}
}

// executeWrite waits for the link, writes, and caches the echoed values (or the requested ones if the device does not
// echo them). Failed writes are logged and dropped.
func (c *Controller) executeWrite(ctx context.Context, req WriteRequest) {
	logger := c.logger.With("write_id", req.ID, "write", req.String())

	if len(req.Values) == 0 || (!req.Multiple && len(req.Values) != 1) {
		logger.Error("Dropped malformed write")
		return
	}
	if !c.isEnabled() {
		logger.Warn("Dropped write, controller disabled")
		c.metrics.Write(string(c.linkID), c.config.DeviceID, false)
		return
	}
	if err := c.waitConnected(ctx); err != nil {
		return
	}

	link, err := c.activeLink("write")
	if err != nil {
		logger.Warn("Dropped write", "error", err)
		c.metrics.Write(string(c.linkID), c.config.DeviceID, false)
		return
	}

	var echo []uint16
	if req.Multiple {
		echo, err = link.WriteMultipleRegisters(c.config.DeviceID, req.Address, req.Values)
	} else {
		echo, err = link.WriteSingleRegister(c.config.DeviceID, req.Address, req.Values[0])
	}
	if err != nil {
		logger.Error("Failed to write to inverter", "error", err)
		c.metrics.Write(string(c.linkID), c.config.DeviceID, false)
		c.transportFailed(err)
		return
	}
	c.metrics.Write(string(c.linkID), c.config.DeviceID, true)

	values := req.Values
	if len(echo) == len(req.Values) {
		values = echo
	}
	for i, v := range values {
		c.store.Put(c.cacheKey(req.Address+uint16(i)), v)
	}
	logger.Debug("Wrote to inverter")
}
