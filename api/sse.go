package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"s7gate/engine"
	"s7gate/logging"
	"s7gate/plcman"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
	eventConfigChange = "config-change"
	eventHealth       = "health"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type     string
	Device   string // set when event is device-specific (for filtering)
	Variable string // set when event is variable-specific (for filtering)
	Data     interface{}
}

// apiValueUpdate is the JSON payload for value-change events.
type apiValueUpdate struct {
	Device    string      `json:"device"`
	ID        string      `json:"id"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Archived  bool        `json:"archived,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// apiStatusUpdate is the JSON payload for status-change events.
type apiStatusUpdate struct {
	Device        string `json:"device"`
	Status        string `json:"status"`
	Active        bool   `json:"active"`
	VariableCount int    `json:"variableCount"`
	Error         string `json:"error,omitempty"`
}

// apiConfigUpdate is the JSON payload for config-change events.
type apiConfigUpdate struct {
	Change  string      `json:"change"`
	Payload interface{} `json:"payload,omitempty"`
}

// apiHealthUpdate is the JSON payload for health events.
type apiHealthUpdate struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// csvSet parses a comma separated query parameter. Nil means no filter.
func csvSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		set[strings.TrimSpace(v)] = true
	}
	return set
}

// sseFilter selects the events a client asked for.
type sseFilter struct {
	types     map[string]bool
	devices   map[string]bool
	variables map[string]bool
}

func (f sseFilter) match(e sseEvent) bool {
	if f.types != nil && !f.types[e.Type] {
		return false
	}
	if f.devices != nil && e.Device != "" && !f.devices[e.Device] {
		return false
	}
	if f.variables != nil && e.Variable != "" && !f.variables[e.Variable] {
		return false
	}
	return true
}

// handleSSE serves the /api/events SSE endpoint.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	q := r.URL.Query()
	filter := sseFilter{
		types:     csvSet(q.Get("types")),
		devices:   csvSet(q.Get("devices")),
		variables: csvSet(q.Get("variables")),
	}
	if d := q.Get("device"); d != "" {
		if filter.devices == nil {
			filter.devices = make(map[string]bool)
		}
		filter.devices[d] = true
	}

	client := &apiSSEClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if !filter.match(event) {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE subscribes the hub to the engine events. The returned cleanup
// function unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	h.subID = h.engine.Events.Subscribe(h.onEvent)
	go h.pollHealth()

	return func() {
		h.engine.Events.Unsubscribe(h.subID)
		h.hub.Stop()
	}
}

func (h *handlers) onEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventValuesChanged:
		values, ok := ev.Payload.(engine.ValuesEvent)
		if !ok {
			return
		}
		for _, c := range values.Changes {
			h.hub.Broadcast(sseEvent{
				Type:     eventValueChange,
				Device:   c.Device,
				Variable: c.Variable,
				Data: apiValueUpdate{
					Device:    c.Device,
					ID:        c.VariableID,
					Variable:  c.Variable,
					Value:     c.Value,
					Type:      c.Type,
					Unit:      c.Unit,
					Archived:  c.Archived,
					Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
				},
			})
		}

	case engine.EventDeviceStatusChanged:
		if h.hub.ClientCount() == 0 {
			return
		}
		for _, md := range h.engine.GetPLCMan().ListDevices() {
			h.hub.Broadcast(statusEvent(md))
		}

	case engine.EventVariableRead, engine.EventVariableWritten:
		// the resulting value arrives as a value-change event

	default:
		var deviceName string
		switch p := ev.Payload.(type) {
		case engine.DeviceEvent:
			deviceName = p.Name
		case engine.VariableEvent:
			deviceName = p.Device
		}
		h.hub.Broadcast(sseEvent{
			Type:   eventConfigChange,
			Device: deviceName,
			Data:   apiConfigUpdate{Change: ev.Type.String(), Payload: ev.Payload},
		})
	}
}

func statusEvent(md *plcman.ManagedDevice) sseEvent {
	h := md.Health()
	return sseEvent{
		Type:   eventStatusChange,
		Device: h.Device,
		Data: apiStatusUpdate{
			Device:        h.Device,
			Status:        h.Status,
			Active:        h.Active,
			VariableCount: len(md.Device.Variables()),
			Error:         h.LastError,
		},
	}
}

// pollHealth broadcasts health events for all devices on a 10s ticker.
func (h *handlers) pollHealth() {
	select {
	case <-time.After(2 * time.Second):
	case <-h.hub.done:
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.hub.done:
			return
		case <-ticker.C:
			if h.hub.ClientCount() == 0 {
				continue
			}
			for _, md := range h.engine.GetPLCMan().ListDevices() {
				health := md.Health()
				h.hub.Broadcast(sseEvent{
					Type:   eventHealth,
					Device: health.Device,
					Data: apiHealthUpdate{
						Device:    health.Device,
						Online:    health.Online,
						Status:    health.Status,
						Error:     health.LastError,
						Timestamp: time.Now().UTC().Format(time.RFC3339),
					},
				})
			}
		}
	}
}
