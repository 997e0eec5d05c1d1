package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "solisgateway"

// Metrics holds the Prometheus collectors for the gateway. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pollTicks       *prometheus.CounterVec
	droppedTicks    *prometheus.CounterVec
	failedGroups    *prometheus.CounterVec
	writes          *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	connected       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	labels := []string{"link_id", "device_id"}
	m := &Metrics{
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Number of poll ticks run, by tier.",
		}, append(labels, "tier")),
		droppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_ticks_total",
			Help:      "Number of poll ticks dropped because the previous tick of the tier was still running.",
		}, append(labels, "tier")),
		failedGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_reads_failed_total",
			Help:      "Number of register group reads that were skipped because of an error.",
		}, labels),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Number of register writes, by result.",
		}, append(labels, "result")),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Number of connection attempts, by result.",
		}, append(labels, "result")),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 if the controller is connected to its inverter.",
		}, labels),
	}

	reg.MustRegister(m.pollTicks, m.droppedTicks, m.failedGroups, m.writes, m.connectAttempts, m.connected)
	return m
}

func device(deviceID uint8) string {
	return strconv.Itoa(int(deviceID))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// PollTick counts a poll tick of the tier.
func (m *Metrics) PollTick(linkID string, deviceID uint8, tier string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(linkID, device(deviceID), tier).Inc()
}

// DroppedTick counts a poll tick that was dropped because the previous one was still running.
func (m *Metrics) DroppedTick(linkID string, deviceID uint8, tier string) {
	if m == nil {
		return
	}
	m.droppedTicks.WithLabelValues(linkID, device(deviceID), tier).Inc()
}

// FailedGroup counts a group read that was skipped.
func (m *Metrics) FailedGroup(linkID string, deviceID uint8) {
	if m == nil {
		return
	}
	m.failedGroups.WithLabelValues(linkID, device(deviceID)).Inc()
}

// Write counts a write request that was executed or dropped.
func (m *Metrics) Write(linkID string, deviceID uint8, ok bool) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(linkID, device(deviceID), result(ok)).Inc()
}

// ConnectAttempt counts a connection attempt.
func (m *Metrics) ConnectAttempt(linkID string, deviceID uint8, ok bool) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(linkID, device(deviceID), result(ok)).Inc()
}

// SetConnected records the connection state of a controller.
func (m *Metrics) SetConnected(linkID string, deviceID uint8, connected bool) {
	if m == nil {
		return
	}
	val := 0.0
	if connected {
		val = 1
	}
	m.connected.WithLabelValues(linkID, device(deviceID)).Set(val)
}
