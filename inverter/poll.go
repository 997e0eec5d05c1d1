package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/cepro/solisgateway/decoder"
	"github.com/cepro/solisgateway/registers"
)

// groupsForTier returns the groups polled on the tier's timer. The normal tier also reads the once groups until they
// have been read successfully.
func groupsForTier(groups []registers.SensorGroup, tier registers.Tier) []registers.SensorGroup {
	var out []registers.SensorGroup
	for _, g := range groups {
		if g.Tier == tier || (tier == registers.TierNormal && g.Tier == registers.TierOnce) {
			out = append(out, g)
		}
	}
	return out
}

// groupSetKey identifies a set of groups for the in-flight markers.
func groupSetKey(groups []registers.SensorGroup) uint64 {
	b := make([]byte, 0, 4*len(groups))
	for _, g := range groups {
		b = binary.BigEndian.AppendUint16(b, g.Start)
		b = binary.BigEndian.AppendUint16(b, g.Count)
	}
	return xxhash.Checksum64(b)
}

// runTier polls the tier every interval once the first all-tiers pass has run.
func (c *Controller) runTier(ctx context.Context, tier registers.Tier, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-c.started:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// run the tick on its own goroutine so that a slow tick is seen by the in-flight marker and the next one is dropped
			c.goRun(func() { c.pollTier(tier) })
		}
	}
}

// pollTier reads the tier's groups, unless the previous tick of the tier is still running.
func (c *Controller) pollTier(tier registers.Tier) {
	c.mu.Lock()
	groups := groupsForTier(c.groups, tier)
	c.mu.Unlock()
	if len(groups) == 0 {
		return
	}

	key, ok := c.tierKeys[tier]
	if !ok {
		key = groupSetKey(groups)
	}
	if !c.markInFlight(key, tier) {
		c.logger.Debug("Dropped poll tick, previous tick still running", "tier", tier.String())
		c.metrics.DroppedTick(string(c.linkID), c.config.DeviceID, tier.String())
		return
	}
	defer c.clearInFlight(key)

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.metrics.PollTick(string(c.linkID), c.config.DeviceID, tier.String())
	c.readGroups(groups)
}

// pollAll reads every group in the catalog, tier by tier in the order of registers.Tiers.
func (c *Controller) pollAll() {
	c.mu.Lock()
	var groups []registers.SensorGroup
	for _, tier := range registers.Tiers {
		for _, g := range c.groups {
			if g.Tier == tier {
				groups = append(groups, g)
			}
		}
	}
	c.mu.Unlock()

	key := groupSetKey(groups)
	if !c.markInFlight(key, registers.TierStartup) {
		return
	}
	defer c.clearInFlight(key)

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.logger.Info("Reading all register groups")
	c.metrics.PollTick(string(c.linkID), c.config.DeviceID, "all")
	c.readGroups(groups)
}

func (c *Controller) markInFlight(key uint64, tier registers.Tier) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	if _, ok := c.inFlight[key]; ok {
		return false
	}
	c.inFlight[key] = tier
	return true
}

func (c *Controller) clearInFlight(key uint64) {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	delete(c.inFlight, key)
}

// readGroups reads each group in order. Once groups that were read successfully are removed from the catalog.
func (c *Controller) readGroups(groups []registers.SensorGroup) {
	var read int
	var onceDone []uint16
	for _, g := range groups {
		if err := c.readGroup(g); err != nil {
			c.logger.Debug("Skipped register group", "start", g.Start, "count", g.Count, "error", err)
			c.metrics.FailedGroup(string(c.linkID), c.config.DeviceID)
			continue
		}
		read++
		if g.Tier == registers.TierOnce {
			onceDone = append(onceDone, g.Start)
		}
	}

	if len(onceDone) > 0 {
		c.removeGroups(onceDone)
	}
	if read > 0 {
		now := time.Now()
		c.mu.Lock()
		c.state.LastSuccess = now
		c.mu.Unlock()
		c.publishStatus(registers.RegisterLastSuccess, now)
	}
}

// readGroup reads [Start, Start+Count) in one call and caches every word, or caches nothing.
func (c *Controller) readGroup(g registers.SensorGroup) error {
	var words []uint16
	var err error
	if g.IsHolding() {
		words, err = c.ReadHolding(g.Start, g.Count)
	} else {
		words, err = c.ReadInput(g.Start, g.Count)
	}
	if err != nil {
		return fmt.Errorf("read group: %w", err)
	}
	if len(words) != int(g.Count) {
		c.logger.Warn("Register group returned the wrong number of registers", "start", g.Start, "count", g.Count, "received", len(words))
		return &decoder.DecodeError{Registers: []uint16{g.Start}, Reason: fmt.Sprintf("got %d words for a group of %d", len(words), g.Count)}
	}

	for i, w := range words {
		register := g.Start + uint16(i)
		key := c.cacheKey(register)
		if c.filter.Filters(register) {
			prior, ok := c.store.Get(key)
			w = c.filter.Apply(register, w, prior, ok)
		}
		c.store.Put(key, w)
	}

	if g.Tier == registers.TierOnce {
		c.mu.Lock()
		c.state.Model = fmt.Sprintf("%04X", words[0])
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) removeGroups(starts []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := make([]registers.SensorGroup, 0, len(c.groups))
	for _, g := range c.groups {
		removed := false
		for _, s := range starts {
			if g.Start == s {
				removed = true
				break
			}
		}
		if !removed {
			remaining = append(remaining, g)
		}
	}
	c.groups = remaining
}
