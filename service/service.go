package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cepro/solisgateway/inverter"
	"github.com/cepro/solisgateway/modbus"
	"github.com/cepro/solisgateway/registers"
	timeutils "github.com/cepro/solisgateway/time_utils"
)

var (
	ErrUnknownLink         = errors.New("no controller on link")
	ErrNotHoldingRegister  = errors.New("not a holding register")
	ErrInvalidTime         = errors.New("invalid time of day")
	ErrUnknownTimeEntity   = errors.New("unknown time entity")
	ErrWorkModeNotObserved = errors.New("work mode register has not been read yet")
	ErrUnknownDevice       = errors.New("no controller with device id")
)

// Target is a controller that service calls can be routed to.
type Target interface {
	LinkID() modbus.LinkID
	DeviceID() uint8
	UniqueID() string
	EnqueueWrite(inverter.WriteRequest) bool
	CachedRegister(register uint16) (uint16, bool)
	Enable() bool
	Disable()
}

// Registry tracks the controllers that are running.
type Registry struct {
	mu      sync.RWMutex
	targets []Target
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a controller.
func (r *Registry) Add(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
}

// Remove unregisters a controller.
func (r *Registry) Remove(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := make([]Target, 0, len(r.targets))
	for _, existing := range r.targets {
		if existing != t {
			remaining = append(remaining, existing)
		}
	}
	r.targets = remaining
}

// Snapshot returns the controllers registered right now. The slice is not modified by later calls to Add or Remove.
func (r *Registry) Snapshot() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Target(nil), r.targets...)
}

// States returns the state of every registered controller that reports one.
func (r *Registry) States() []inverter.State {
	var states []inverter.State
	for _, t := range r.Snapshot() {
		if stater, ok := t.(interface{ State() inverter.State }); ok {
			states = append(states, stater.State())
		}
	}
	return states
}

// Select returns the controllers on the link, or every controller if linkID is empty.
func (r *Registry) Select(linkID string) ([]Target, error) {
	targets := r.Snapshot()
	if linkID == "" {
		return targets, nil
	}

	var selected []Target
	for _, t := range targets {
		if string(t.LinkID()) == linkID {
			selected = append(selected, t)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w %q", ErrUnknownLink, linkID)
	}
	return selected, nil
}

// WriteHoldingRegisterRequest writes one holding register on one link, or on every controller.
type WriteHoldingRegisterRequest struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	LinkID  string `json:"link_id,omitempty"`
}

// SetTimeRequest writes an hour and minute pair. The pair is chosen by entity name, or by the register holding the
// hour if Entity is empty.
type SetTimeRequest struct {
	Entity   string `json:"entity,omitempty"`
	Register uint16 `json:"register,omitempty"`
	Time     string `json:"time"`
	LinkID   string `json:"link_id,omitempty"`
}

// SetWorkModeBitRequest sets or clears one bit of the work mode register.
type SetWorkModeBitRequest struct {
	Bit     uint   `json:"bit"`
	Enabled bool   `json:"enabled"`
	LinkID  string `json:"link_id,omitempty"`
}

// SetEnabledRequest enables or disables the controllers on a link, or one controller if DeviceID is set.
type SetEnabledRequest struct {
	LinkID   string `json:"link_id,omitempty"`
	DeviceID uint8  `json:"device_id,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Service routes control requests to the write queues of the matching controllers. Every call returns as soon as the
// writes are queued, with the number of controllers that accepted them.
type Service struct {
	registry *Registry
	logger   *slog.Logger
}

// New returns a Service over the controllers in registry.
func New(registry *Registry) *Service {
	return &Service{
		registry: registry,
		logger:   slog.Default().With("component", "service"),
	}
}

// Registry returns the registry the service routes to.
func (s *Service) Registry() *Registry {
	return s.registry
}

// WriteHoldingRegister queues a single register write.
func (s *Service) WriteHoldingRegister(req WriteHoldingRegisterRequest) (int, error) {
	if !registers.IsHolding(req.Address) {
		return 0, fmt.Errorf("%w: %d", ErrNotHoldingRegister, req.Address)
	}
	targets, err := s.registry.Select(req.LinkID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, t := range targets {
		if t.EnqueueWrite(inverter.SingleRegister(req.Address, req.Value)) {
			queued++
		}
	}
	s.logger.Info("Queued holding register write", "register", req.Address, "value", req.Value, "link_id", req.LinkID, "controllers", queued)
	return queued, nil
}

// SetTime queues a two register write of the hour and minute.
func (s *Service) SetTime(req SetTimeRequest) (int, error) {
	register := req.Register
	if req.Entity != "" {
		r, ok := registers.TimeEntities[req.Entity]
		if !ok {
			return 0, fmt.Errorf("%w %q", ErrUnknownTimeEntity, req.Entity)
		}
		register = r
	}
	if !registers.IsHolding(register) {
		return 0, fmt.Errorf("%w: %d", ErrNotHoldingRegister, register)
	}

	clock, err := timeutils.ParseClockTime(req.Time)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTime, err)
	}

	targets, err := s.registry.Select(req.LinkID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, t := range targets {
		if t.EnqueueWrite(inverter.MultipleRegisters(register, clock.HourMinute())) {
			queued++
		}
	}
	s.logger.Info("Queued time write", "register", register, "time", clock.String(), "link_id", req.LinkID, "controllers", queued)
	return queued, nil
}

// SetWorkModeBit queues a write of the work mode register with one bit changed, based on the last value read from each
// controller. Controllers whose work mode has not been read yet are skipped.
func (s *Service) SetWorkModeBit(req SetWorkModeBitRequest) (int, error) {
	if _, err := registers.ApplyWorkModeBit(0, req.Bit, req.Enabled); err != nil {
		return 0, err
	}
	targets, err := s.registry.Select(req.LinkID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, t := range targets {
		current, ok := t.CachedRegister(registers.RegisterWorkMode)
		if !ok {
			s.logger.Warn("Skipped work mode change", "inverter_serial", t.UniqueID(), "error", ErrWorkModeNotObserved)
			continue
		}
		next, _ := registers.ApplyWorkModeBit(current, req.Bit, req.Enabled)
		if t.EnqueueWrite(inverter.SingleRegister(registers.RegisterWorkMode, next)) {
			queued++
		}
	}
	return queued, nil
}

// SetEnabled disables or re-enables the matching controllers. A disabled controller stops polling and writing and
// releases its link. Unlike the write operations it acts immediately, returning the number of controllers changed.
func (s *Service) SetEnabled(req SetEnabledRequest) (int, error) {
	targets, err := s.registry.Select(req.LinkID)
	if err != nil {
		return 0, err
	}
	if req.DeviceID != 0 {
		var matched []Target
		for _, t := range targets {
			if t.DeviceID() == req.DeviceID {
				matched = append(matched, t)
			}
		}
		if len(matched) == 0 {
			return 0, fmt.Errorf("%w %d", ErrUnknownDevice, req.DeviceID)
		}
		targets = matched
	}

	for _, t := range targets {
		if req.Enabled {
			if !t.Enable() {
				s.logger.Warn("Enabled controller is not connected yet", "inverter_serial", t.UniqueID())
			}
		} else {
			t.Disable()
		}
	}
	s.logger.Info("Changed controller enabled flag", "enabled", req.Enabled, "link_id", req.LinkID, "device_id", req.DeviceID, "controllers", len(targets))
	return len(targets), nil
}
