package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cepro/solisgateway/inverter"
	"github.com/cepro/solisgateway/registers"
	"github.com/cepro/solisgateway/service"
	"github.com/cepro/solisgateway/telemetry"
)

// StateSource lists controller state for the read-only endpoints.
type StateSource interface {
	States() []inverter.State
}

// Server exposes the service operations and read-only views of the gateway over HTTP.
type Server struct {
	svc     *service.Service
	states  StateSource
	store   *telemetry.Store
	metrics http.Handler
	logger  *slog.Logger
}

// New returns a Server. metrics may be nil, in which case /metrics is not served.
func New(svc *service.Service, states StateSource, store *telemetry.Store, metrics http.Handler) *Server {
	return &Server{
		svc:     svc,
		states:  states,
		store:   store,
		metrics: metrics,
		logger:  slog.Default().With("component", "api"),
	}
}

// Router returns the HTTP handler for the server.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/services/write_holding_register", s.handleWriteHoldingRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/services/set_time", s.handleSetTime).Methods(http.MethodPost)
	r.HandleFunc("/api/services/set_work_mode_bit", s.handleSetWorkModeBit).Methods(http.MethodPost)
	r.HandleFunc("/api/services/set_enabled", s.handleSetEnabled).Methods(http.MethodPost)
	r.HandleFunc("/api/controllers", s.handleControllers).Methods(http.MethodGet)
	r.HandleFunc("/api/time_entities", s.handleTimeEntities).Methods(http.MethodGet)
	r.HandleFunc("/api/registers/{device_id:[0-9]+}/{register:[0-9]+}", s.handleRegister).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

type queuedResponse struct {
	Controllers int `json:"controllers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type controllerResponse struct {
	UniqueID           string     `json:"inverter_serial"`
	Family             string     `json:"type"`
	LinkID             string     `json:"link_id"`
	DeviceID           uint8      `json:"device_id"`
	Enabled            bool       `json:"enabled"`
	Connected          bool       `json:"connected"`
	ConnectFailures    int        `json:"connect_failures"`
	Serial             string     `json:"serial"`
	Model              string     `json:"model"`
	LastConnectAttempt *time.Time `json:"last_connect_attempt,omitempty"`
	LastSuccess        *time.Time `json:"last_success,omitempty"`
}

type registerResponse struct {
	LinkID   string `json:"link_id"`
	DeviceID uint8  `json:"device_id"`
	Register uint32 `json:"register"`
	Value    uint16 `json:"value"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, service.ErrUnknownLink) || errors.Is(err, service.ErrUnknownDevice) {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleWriteHoldingRegister(w http.ResponseWriter, r *http.Request) {
	var req service.WriteHoldingRegisterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.svc.WriteHoldingRegister(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queuedResponse{Controllers: n})
}

func (s *Server) handleSetTime(w http.ResponseWriter, r *http.Request) {
	var req service.SetTimeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.svc.SetTime(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queuedResponse{Controllers: n})
}

func (s *Server) handleSetWorkModeBit(w http.ResponseWriter, r *http.Request) {
	var req service.SetWorkModeBitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.svc.SetWorkModeBit(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queuedResponse{Controllers: n})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req service.SetEnabledRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.svc.SetEnabled(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queuedResponse{Controllers: n})
}

type timeEntityResponse struct {
	Entity   string `json:"entity"`
	Register uint16 `json:"register"`
}

// handleTimeEntities lists the entity names accepted by set_time.
func (s *Server) handleTimeEntities(w http.ResponseWriter, r *http.Request) {
	names := registers.TimeEntityNames()
	resp := make([]timeEntityResponse, 0, len(names))
	for _, name := range names {
		resp = append(resp, timeEntityResponse{Entity: name, Register: registers.TimeEntities[name]})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	states := s.states.States()
	resp := make([]controllerResponse, 0, len(states))
	for _, st := range states {
		c := controllerResponse{
			UniqueID:        st.UniqueID,
			Family:          string(st.Family),
			LinkID:          string(st.LinkID),
			DeviceID:        st.DeviceID,
			Enabled:         st.Enabled,
			Connected:       st.Connected,
			ConnectFailures: st.ConnectFailures,
			Serial:          st.Serial,
			Model:           st.Model,
		}
		if !st.LastConnectAttempt.IsZero() {
			c.LastConnectAttempt = &st.LastConnectAttempt
		}
		if !st.LastSuccess.IsZero() {
			c.LastSuccess = &st.LastSuccess
		}
		resp = append(resp, c)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, err := strconv.ParseUint(vars["device_id"], 10, 8)
	if err != nil {
		s.writeError(w, err)
		return
	}
	register, err := strconv.ParseUint(vars["register"], 10, 32)
	if err != nil {
		s.writeError(w, err)
		return
	}

	linkID := r.URL.Query().Get("link_id")
	if linkID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "link_id is required"})
		return
	}

	key := telemetry.CacheKey{LinkID: linkID, DeviceID: uint8(deviceID), Register: uint32(register)}
	val, ok := s.store.Get(key)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "register has not been observed"})
		return
	}
	s.writeJSON(w, http.StatusOK, registerResponse{LinkID: linkID, DeviceID: key.DeviceID, Register: key.Register, Value: val})
}
