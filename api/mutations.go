package api

import (
	"encoding/json"
	"net/http"
	"time"

	"s7gate/device"
	"s7gate/driver"
)

// --- Devices ---

func (h *handlers) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var p device.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	info, err := h.engine.CreateDevice(p)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSONStatus(w, http.StatusCreated, info)
}

func (h *handlers) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteDevice(param(r, "device")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}

type driverRequest struct {
	IPAddress string `json:"ipAdress"`
	Rack      int    `json:"rack"`
	Slot      int    `json:"slot"`
	Timeout   int    `json:"timeout"` // milliseconds
}

func (h *handlers) handleEditDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	info, err := h.engine.EditDriver(param(r, "device"), driver.Config{
		IPAddress: req.IPAddress,
		Rack:      req.Rack,
		Slot:      req.Slot,
		Timeout:   time.Duration(req.Timeout) * time.Millisecond,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, info)
}

func (h *handlers) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ConnectDevice(param(r, "device")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "connecting"})
}

func (h *handlers) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DisconnectDevice(param(r, "device")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "disconnected"})
}

// --- Variables ---

func (h *handlers) handleCreateVariable(w http.ResponseWriter, r *http.Request) {
	var p device.VariablePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	v, err := h.engine.CreateVariable(param(r, "device"), p)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSONStatus(w, http.StatusCreated, v)
}

func (h *handlers) handleEditVariable(w http.ResponseWriter, r *http.Request) {
	var p device.VariablePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	v, err := h.engine.EditVariable(param(r, "device"), param(r, "id"), p)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, v)
}

func (h *handlers) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveVariable(param(r, "device"), param(r, "id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}

// --- PLC access ---

// ValueResponse is the JSON response of a read or write.
type ValueResponse struct {
	Device    string      `json:"device"`
	ID        string      `json:"id"`
	Variable  string      `json:"variable"`
	Type      string      `json:"type"`
	Unit      string      `json:"unit,omitempty"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON request for writing a variable.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

func valueResponse(deviceName string, p device.VariablePayload) ValueResponse {
	return ValueResponse{
		Device:    deviceName,
		ID:        p.ID,
		Variable:  p.Name,
		Type:      p.Type,
		Unit:      p.Unit,
		Value:     p.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// withPLCTimeout runs fn in a goroutine and gives up after plcTimeout. A
// late result is discarded.
func withPLCTimeout(fn func() (device.VariablePayload, error)) (device.VariablePayload, error) {
	type result struct {
		p   device.VariablePayload
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := fn()
		done <- result{p, err}
	}()

	select {
	case res := <-done:
		return res.p, res.err
	case <-time.After(plcTimeout):
		return device.VariablePayload{}, errPLCTimeout
	}
}

func (h *handlers) handleReadVariable(w http.ResponseWriter, r *http.Request) {
	deviceName, ref := param(r, "device"), param(r, "id")
	p, err := withPLCTimeout(func() (device.VariablePayload, error) {
		return h.engine.ReadVariable(deviceName, ref)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, valueResponse(deviceName, p))
}

func (h *handlers) handleWriteVariable(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Value == nil {
		h.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	deviceName, ref := param(r, "device"), param(r, "id")
	p, err := withPLCTimeout(func() (device.VariablePayload, error) {
		return h.engine.WriteVariable(deviceName, ref, req.Value)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, valueResponse(deviceName, p))
}
