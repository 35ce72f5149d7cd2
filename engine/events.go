package engine

import (
	"time"

	"s7gate/plcman"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Device events
	EventDeviceCreated EventType = iota + 1
	EventDeviceDeleted
	EventDeviceConnected
	EventDeviceDisconnected
	EventDriverUpdated
	EventDeviceStatusChanged

	// Variable events
	EventVariableCreated
	EventVariableUpdated
	EventVariableDeleted
	EventVariableRead
	EventVariableWritten
	EventValuesChanged

	// Broker events
	EventServiceStarted
	EventServiceStopped
)

var eventNames = map[EventType]string{
	EventDeviceCreated:       "device_created",
	EventDeviceDeleted:       "device_deleted",
	EventDeviceConnected:     "device_connected",
	EventDeviceDisconnected:  "device_disconnected",
	EventDriverUpdated:       "driver_updated",
	EventDeviceStatusChanged: "status",
	EventVariableCreated:     "variable_created",
	EventVariableUpdated:     "variable_updated",
	EventVariableDeleted:     "variable_deleted",
	EventVariableRead:        "variable_read",
	EventVariableWritten:     "variable_written",
	EventValuesChanged:       "values",
	EventServiceStarted:      "service_started",
	EventServiceStopped:      "service_stopped",
}

// String returns the wire name of the event type.
func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// DeviceEvent is the payload for device lifecycle events.
type DeviceEvent struct {
	Name string `json:"device"`
}

// VariableEvent is the payload for variable mutation, read and write events.
type VariableEvent struct {
	Device string      `json:"device"`
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Value  interface{} `json:"value,omitempty"`
}

// ValuesEvent is the payload for batched value changes.
type ValuesEvent struct {
	Changes []plcman.ValueChange `json:"changes"`
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Kind string `json:"kind"` // "mqtt", "valkey", "kafka"
	Name string `json:"name"`
}
