package inverter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/cepro/solisgateway/decoder"
	"github.com/cepro/solisgateway/metrics"
	"github.com/cepro/solisgateway/modbus"
	"github.com/cepro/solisgateway/registers"
	"github.com/cepro/solisgateway/spikefilter"
	"github.com/cepro/solisgateway/telemetry"
)

var (
	// ErrDisabled is the cause of the TransportError returned by operations on a disabled controller.
	ErrDisabled = errors.New("controller disabled")
	// ErrNotConnected is the cause of the TransportError returned by operations while the link is down.
	ErrNotConnected = errors.New("not connected")
)

// Config describes one logical inverter.
type Config struct {
	UniqueID string // the configured inverter serial, stable across restarts
	Family   registers.Family
	DeviceID uint8
	Link     modbus.LinkConfig

	PollFast   time.Duration
	PollNormal time.Duration
	PollSlow   time.Duration

	SupervisorInterval time.Duration // how often the connection is checked when nothing else prompts it
	ConnectInterval    time.Duration // minimum time between connection attempts
	WriteQueueSize     int
}

const (
	DefaultPollFast           = 5 * time.Second
	DefaultPollNormal         = 15 * time.Second
	DefaultPollSlow           = 30 * time.Second
	MinPollInterval           = 5 * time.Second
	DefaultSupervisorInterval = 2 * time.Minute
	DefaultConnectInterval    = time.Second
	DefaultWriteQueueSize     = 64
)

func (c Config) withDefaults() Config {
	c.PollFast = pollInterval(c.PollFast, DefaultPollFast)
	c.PollNormal = pollInterval(c.PollNormal, DefaultPollNormal)
	c.PollSlow = pollInterval(c.PollSlow, DefaultPollSlow)
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = DefaultSupervisorInterval
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = DefaultConnectInterval
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	return c
}

func pollInterval(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

// State is a snapshot of a controller's connection lifecycle.
type State struct {
	UniqueID           string
	Family             registers.Family
	LinkID             modbus.LinkID
	DeviceID           uint8
	Enabled            bool
	Connected          bool
	ConnectFailures    int
	Serial             string
	Model              string
	LastConnectAttempt time.Time
	LastSuccess        time.Time
	PollTiersInFlight  []registers.Tier
}

// Controller runs one logical inverter: a unit id on a pooled link. It polls the family's register catalog into the
// telemetry store, keeps the connection alive and executes queued writes.
type Controller struct {
	config  Config
	pool    *modbus.Pool
	store   *telemetry.Store
	metrics *metrics.Metrics
	filter  *spikefilter.Filter
	linkID  modbus.LinkID
	logger  *slog.Logger

	mu          sync.Mutex // guards the fields below
	link        *modbus.Link
	state       State
	groups      []registers.SensorGroup
	connectedCh chan struct{} // closed while connected
	limiter     *rate.Limiter

	tickMu     sync.Mutex // held for the duration of every poll tick
	inFlightMu sync.Mutex
	inFlight   map[uint64]registers.Tier
	tierKeys   map[registers.Tier]uint64

	supervising atomic.Bool
	kick        chan struct{}
	started     chan struct{} // closed after the first all-tiers pass
	startOnce   sync.Once

	writes chan WriteRequest

	newBackOff func() backoff.BackOff
	sleep      func(context.Context, time.Duration) error

	runMu  sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Controller.
type Option func(*Controller)

// WithMetrics records the controller's activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates a controller and takes a reference on its link from the pool. The controller is enabled but does
// nothing until Run is called.
func New(config Config, pool *modbus.Pool, store *telemetry.Store, opts ...Option) (*Controller, error) {
	config = config.withDefaults()
	if _, err := registers.ParseFamily(string(config.Family)); err != nil {
		return nil, err
	}

	link, err := pool.Acquire(config.Link)
	if err != nil {
		return nil, fmt.Errorf("acquire link: %w", err)
	}

	groups := registers.Catalog(config.Family)
	c := &Controller{
		config:  config,
		pool:    pool,
		store:   store,
		filter:  spikefilter.New(registers.SpikeFiltered...),
		linkID:  link.ID(),
		logger:  slog.Default().With("link_id", string(link.ID()), "device_id", config.DeviceID, "inverter_serial", config.UniqueID),
		link:    link,
		groups:  groups,
		limiter: rate.NewLimiter(rate.Every(config.ConnectInterval), 1),
		state: State{
			UniqueID: config.UniqueID,
			Family:   config.Family,
			LinkID:   link.ID(),
			DeviceID: config.DeviceID,
			Enabled:  true,
		},
		connectedCh: make(chan struct{}),
		inFlight:    make(map[uint64]registers.Tier),
		tierKeys:    make(map[registers.Tier]uint64),
		kick:        make(chan struct{}, 1),
		started:     make(chan struct{}),
		writes:      make(chan WriteRequest, config.WriteQueueSize),
		newBackOff:  newReconnectBackOff,
		sleep:       sleepContext,
	}
	for _, tier := range []registers.Tier{registers.TierFast, registers.TierNormal, registers.TierSlow} {
		c.tierKeys[tier] = groupSetKey(groupsForTier(groups, tier))
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LinkID returns the link the controller talks over.
func (c *Controller) LinkID() modbus.LinkID {
	return c.linkID
}

// DeviceID returns the Modbus unit id of the inverter.
func (c *Controller) DeviceID() uint8 {
	return c.config.DeviceID
}

// UniqueID returns the configured inverter serial.
func (c *Controller) UniqueID() string {
	return c.config.UniqueID
}

// Family returns the inverter family.
func (c *Controller) Family() registers.Family {
	return c.config.Family
}

// State returns a snapshot of the controller's state.
func (c *Controller) State() State {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	c.inFlightMu.Lock()
	for _, tier := range c.inFlight {
		state.PollTiersInFlight = append(state.PollTiersInFlight, tier)
	}
	c.inFlightMu.Unlock()
	return state
}

// Serial returns the serial number read from the inverter, or "" if it has not been discovered yet.
func (c *Controller) Serial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Serial
}

func (c *Controller) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Enabled
}

func (c *Controller) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Connected
}

// Connect opens the link if the controller is not already connected, at most once per ConnectInterval.
// The first successful connect also discovers the inverter's serial number.
func (c *Controller) Connect() bool {
	c.mu.Lock()
	if !c.state.Enabled || c.link == nil {
		c.mu.Unlock()
		return false
	}
	if c.state.Connected {
		c.mu.Unlock()
		return true
	}
	if !c.limiter.Allow() {
		c.mu.Unlock()
		c.logger.Debug("Connect attempt rate limited")
		return false
	}
	link := c.link
	c.state.LastConnectAttempt = time.Now()
	c.mu.Unlock()

	err := link.Connect()

	c.mu.Lock()
	if err != nil {
		c.state.ConnectFailures++
		failures := c.state.ConnectFailures
		c.mu.Unlock()
		c.metrics.ConnectAttempt(string(c.linkID), c.config.DeviceID, false)
		c.logger.Warn("Failed to connect to inverter", "failures", failures, "error", err)
		return false
	}
	if !c.state.Enabled {
		c.mu.Unlock()
		return false
	}
	if c.state.Connected {
		c.mu.Unlock()
		return true
	}
	now := time.Now()
	c.state.Connected = true
	c.state.ConnectFailures = 0
	c.state.LastSuccess = now
	close(c.connectedCh)
	needSerial := c.state.Serial == ""
	c.mu.Unlock()

	c.metrics.ConnectAttempt(string(c.linkID), c.config.DeviceID, true)
	c.metrics.SetConnected(string(c.linkID), c.config.DeviceID, true)
	c.logger.Info("Connected to inverter")
	c.publishStatus(registers.RegisterLastSuccess, now)

	if needSerial {
		c.discoverSerial()
	}
	return true
}

// discoverSerial reads the serial number from the inverter. Failure is logged and retried on the next connect.
func (c *Controller) discoverSerial() {
	start, count := c.config.Family.SerialRange()
	words, err := c.ReadInput(start, count)
	if err != nil {
		c.logger.Warn("Failed to discover inverter serial", "error", err)
		return
	}

	serial := c.config.Family.DecodeSerial(words)
	if serial == "" {
		c.logger.Warn("Inverter reported an empty serial")
		return
	}

	c.mu.Lock()
	c.state.Serial = serial
	c.mu.Unlock()

	if c.config.UniqueID != "" && c.config.UniqueID != serial {
		c.logger.Warn("Inverter serial does not match configuration", "discovered_serial", serial)
		return
	}
	c.logger.Info("Discovered inverter serial", "discovered_serial", serial)
}

// ReadInput reads count input registers from address.
func (c *Controller) ReadInput(address, count uint16) ([]uint16, error) {
	return c.read(address, count, false)
}

// ReadHolding reads count holding registers from address.
func (c *Controller) ReadHolding(address, count uint16) ([]uint16, error) {
	return c.read(address, count, true)
}

func (c *Controller) read(address, count uint16, holding bool) ([]uint16, error) {
	link, err := c.activeLink("read")
	if err != nil {
		return nil, err
	}

	var words []uint16
	if holding {
		words, err = link.ReadHoldingRegisters(c.config.DeviceID, address, count)
	} else {
		words, err = link.ReadInputRegisters(c.config.DeviceID, address, count)
	}
	if err != nil {
		c.transportFailed(err)
		return nil, err
	}
	return words, nil
}

// activeLink returns the link if the controller is enabled and connected.
func (c *Controller) activeLink(op string) (*modbus.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Enabled || c.link == nil {
		return nil, &modbus.TransportError{LinkID: c.linkID, Op: op, Err: ErrDisabled}
	}
	if !c.state.Connected {
		return nil, &modbus.TransportError{LinkID: c.linkID, Op: op, Err: ErrNotConnected}
	}
	return c.link, nil
}

// transportFailed marks the controller disconnected after a link fault and asks the supervisor to reconnect.
// Exception responses leave the connection alone.
func (c *Controller) transportFailed(err error) {
	if modbus.IsExceptionResponse(err) {
		return
	}

	c.mu.Lock()
	wasConnected := c.state.Connected
	c.setDisconnectedLocked()
	c.mu.Unlock()

	if wasConnected {
		c.logger.Warn("Lost connection to inverter", "error", err)
		c.kickSupervisor()
	}
}

// setDisconnectedLocked must be called with c.mu held.
func (c *Controller) setDisconnectedLocked() {
	if !c.state.Connected {
		return
	}
	c.state.Connected = false
	c.connectedCh = make(chan struct{})
	c.metrics.SetConnected(string(c.linkID), c.config.DeviceID, false)
}

// waitConnected blocks until the controller is connected or ctx is done.
func (c *Controller) waitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connectedCh
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Disable stops all reads and writes and releases the link.
func (c *Controller) Disable() {
	c.mu.Lock()
	if !c.state.Enabled {
		c.mu.Unlock()
		return
	}
	c.state.Enabled = false
	c.setDisconnectedLocked()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		c.pool.Release(link.ID())
	}
	c.logger.Info("Disabled inverter controller")
	c.publishStatus(registers.RegisterEnabled, false)
}

// Enable takes a new reference on the link and connects, returning true if the controller is connected. The supervisor
// is always prompted, so a controller that was disabled when Run started begins polling.
func (c *Controller) Enable() bool {
	c.mu.Lock()
	if !c.state.Enabled {
		c.runMu.Lock()
		closed := c.closed
		c.runMu.Unlock()
		if closed {
			c.mu.Unlock()
			return false
		}

		link, err := c.pool.Acquire(c.config.Link)
		if err != nil {
			c.mu.Unlock()
			c.logger.Error("Failed to acquire link", "error", err)
			return false
		}
		c.link = link
		c.state.Enabled = true
		c.logger.Info("Enabled inverter controller")
	}
	c.mu.Unlock()

	c.publishStatus(registers.RegisterEnabled, true)
	connected := c.Connect()
	// the supervisor reconnects on failure, and runs the first all-tiers pass if Run started while disabled
	c.kickSupervisor()
	return connected
}

// Run starts the supervisor, the poll tiers and the write worker, and blocks until ctx is cancelled or Close is called.
func (c *Controller) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.closed || c.cancel != nil {
		c.runMu.Unlock()
		return errors.New("controller is already running or closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runMu.Unlock()

	c.goRun(func() { c.runSupervisor(ctx) })
	c.goRun(func() { c.runWriteWorker(ctx) })
	c.goRun(func() { c.runTier(ctx, registers.TierFast, c.config.PollFast) })
	c.goRun(func() { c.runTier(ctx, registers.TierNormal, c.config.PollNormal) })
	c.goRun(func() { c.runTier(ctx, registers.TierSlow, c.config.PollSlow) })

	<-ctx.Done()
	c.wg.Wait()
	return nil
}

func (c *Controller) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close stops the controller's tasks, waits for any transport call in progress and releases the link.
func (c *Controller) Close() {
	c.runMu.Lock()
	if c.closed {
		c.runMu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state.Enabled = false
	c.setDisconnectedLocked()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		c.pool.Release(link.ID())
	}
	c.logger.Info("Closed inverter controller")
}

func (c *Controller) publishStatus(register uint32, value interface{}) {
	c.store.Publish(telemetry.ChangeEvent{
		LinkID:   string(c.linkID),
		DeviceID: c.config.DeviceID,
		Register: register,
		Value:    value,
	})
}

func (c *Controller) cacheKey(register uint16) telemetry.CacheKey {
	return telemetry.CacheKey{LinkID: string(c.linkID), DeviceID: c.config.DeviceID, Register: uint32(register)}
}

// CachedRegister returns the last value read from or written to a register of the inverter.
func (c *Controller) CachedRegister(register uint16) (uint16, bool) {
	return c.store.Get(c.cacheKey(register))
}

// Value decodes the cached registers of the descriptor. It returns false if any register has never been observed or the
// cached values do not decode.
func (c *Controller) Value(desc decoder.Descriptor) (interface{}, bool) {
	words, ok := c.store.Words(string(c.linkID), c.config.DeviceID, desc.Registers)
	if !ok {
		return nil, false
	}
	val, err := decoder.Decode(desc, words)
	if err != nil {
		c.logger.Debug("Failed to decode cached value", "registers", desc.Registers, "error", err)
		return nil, false
	}
	return val, true
}

// SensorValue decodes the cached value of the named sensor in the family's catalog.
func (c *Controller) SensorValue(name string) (registers.Sensor, interface{}, bool) {
	sensor, ok := registers.FindSensor(c.config.Family, name)
	if !ok {
		return registers.Sensor{}, nil, false
	}
	val, ok := c.Value(sensor.Descriptor)
	return sensor, val, ok
}
