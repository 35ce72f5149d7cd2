package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"s7gate/engine"
	"s7gate/s7"
)

// plcTimeout bounds a single read or write issued through the API.
const plcTimeout = 3 * time.Second

var errPLCTimeout = fmt.Errorf("%w: PLC did not respond within %v", engine.ErrDriver, plcTimeout)

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
	subID  int
}

// NewRouter creates the REST API router. The returned cleanup function stops
// the SSE hub and detaches it from the engine events.
func NewRouter(eng *engine.Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/", h.handleListDevices)
	r.Post("/", h.handleCreateDevice)
	r.Get("/events", h.handleSSE)

	r.Route("/{device}", func(r chi.Router) {
		r.Get("/", h.handleDeviceDetails)
		r.Delete("/", h.handleDeleteDevice)
		r.Get("/health", h.handleDeviceHealth)
		r.Get("/requests", h.handleDeviceRequests)
		r.Put("/driver", h.handleEditDriver)
		r.Post("/connect", h.handleConnectDevice)
		r.Post("/disconnect", h.handleDisconnectDevice)

		r.Get("/variables", h.handleListVariables)
		r.Post("/variables", h.handleCreateVariable)
		r.Route("/variables/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetVariable)
			r.Put("/", h.handleEditVariable)
			r.Delete("/", h.handleDeleteVariable)
			r.Post("/read", h.handleReadVariable)
			r.Post("/write", h.handleWriteVariable)
		})
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSONStatus(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine sentinel errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrDriver):
		h.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, engine.ErrSaveFailed):
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// param returns an unescaped URL parameter.
func param(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func (h *handlers) handleListDevices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.ListDevices())
}

func (h *handlers) handleDeviceDetails(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetDevice(param(r, "device"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, info)
}

// HealthResponse is the JSON structure for device health.
type HealthResponse struct {
	Device         string      `json:"device"`
	Online         bool        `json:"online"`
	Active         bool        `json:"active"`
	Status         string      `json:"status"`
	ConnectionMode string      `json:"connectionMode"`
	CPU            *s7.CPUInfo `json:"cpu,omitempty"`
	Error          string      `json:"error,omitempty"`
	LastPoll       string      `json:"lastPoll,omitempty"`
	Timestamp      string      `json:"timestamp"`
}

func (h *handlers) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.engine.DeviceHealth(param(r, "device"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	resp := HealthResponse{
		Device:         health.Device,
		Online:         health.Online,
		Active:         health.Active,
		Status:         health.Status,
		ConnectionMode: health.ConnectionMode,
		CPU:            health.CPU,
		Error:          health.LastError,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	if !health.LastPoll.IsZero() {
		resp.LastPoll = health.LastPoll.UTC().Format(time.RFC3339Nano)
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleDeviceRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.DeviceRequests(param(r, "device"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if reqs == nil {
		reqs = []engine.RequestInfo{}
	}
	h.writeJSON(w, reqs)
}

func (h *handlers) handleListVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := h.engine.ListVariables(param(r, "device"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, vars)
}

func (h *handlers) handleGetVariable(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.GetVariable(param(r, "device"), param(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, v)
}
