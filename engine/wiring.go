package engine

import (
	"time"

	"s7gate/kafka"
	"s7gate/logging"
	"s7gate/mqtt"
	"s7gate/plcman"
	"s7gate/valkey"
)

// writable reports whether the variable behind a change accepts writes.
func (e *Engine) writable(c plcman.ValueChange) bool {
	md := e.plcMan.GetDevice(c.Device)
	if md == nil {
		return false
	}
	v, ok := md.Device.Variable(c.VariableID)
	return ok && v.Write()
}

func mqttUpdate(c plcman.ValueChange, writable bool) mqtt.Update {
	return mqtt.Update{
		Device:    c.Device,
		Variable:  c.Variable,
		ID:        c.VariableID,
		Type:      c.Type,
		Unit:      c.Unit,
		Value:     c.Value,
		Writable:  writable,
		Timestamp: c.Timestamp,
	}
}

func valkeyUpdate(c plcman.ValueChange, writable bool) valkey.Update {
	return valkey.Update{
		Device:    c.Device,
		Variable:  c.Variable,
		ID:        c.VariableID,
		Type:      c.Type,
		Unit:      c.Unit,
		Value:     c.Value,
		Writable:  writable,
		Archived:  c.Archived,
		Timestamp: c.Timestamp,
	}
}

func kafkaUpdate(c plcman.ValueChange, writable bool) kafka.Update {
	return kafka.Update{
		Device:    c.Device,
		Variable:  c.Variable,
		ID:        c.VariableID,
		Type:      c.Type,
		Unit:      c.Unit,
		Value:     c.Value,
		Writable:  writable,
		Archived:  c.Archived,
		Timestamp: c.Timestamp,
	}
}

// setupValueChangeHandlers fans batched value changes out to the event bus
// and every running broker.
func (e *Engine) setupValueChangeHandlers() {
	e.plcMan.SetOnValueChange(func(changes []plcman.ValueChange) {
		changesCopy := make([]plcman.ValueChange, len(changes))
		copy(changesCopy, changes)

		e.emit(EventValuesChanged, ValuesEvent{Changes: changesCopy})

		mqttRunning := e.mqttMgr.AnyRunning()
		valkeyRunning := e.valkeyMgr.AnyRunning()
		kafkaPublishing := e.kafkaMgr.AnyPublishing()

		logging.DebugLog("engine", "OnValueChange: %d changes, MQTT: %v, Valkey: %v, Kafka: %v",
			len(changesCopy), mqttRunning, valkeyRunning, kafkaPublishing)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		writable := make([]bool, len(changesCopy))
		for i, c := range changesCopy {
			writable[i] = e.writable(c)
		}

		if mqttRunning {
			go func() {
				for i, c := range changesCopy {
					e.mqttMgr.Publish(mqttUpdate(c, writable[i]), false)
				}
			}()
		}
		if valkeyRunning {
			go func() {
				for i, c := range changesCopy {
					e.valkeyMgr.Publish(valkeyUpdate(c, writable[i]))
				}
			}()
		}
		if kafkaPublishing {
			go func() {
				for i, c := range changesCopy {
					e.kafkaMgr.Publish(kafkaUpdate(c, writable[i]), false)
				}
			}()
		}
	})
}

// setupWriteHandlers routes broker write requests to the device manager.
func (e *Engine) setupWriteHandlers() {
	writeHandler := func(deviceName, variable string, value interface{}) error {
		_, err := e.plcMan.WriteVariable(deviceName, variable, value)
		if err == nil {
			e.emit(EventVariableWritten, VariableEvent{Device: deviceName, Name: variable, Value: value})
		}
		return err
	}

	writeValidator := func(deviceName, variable string) bool {
		md := e.plcMan.GetDevice(deviceName)
		if md == nil {
			return false
		}
		v, ok := md.Device.Variable(variable)
		if !ok {
			v, ok = md.Device.VariableByName(variable)
		}
		return ok && v.Write()
	}

	e.mqttMgr.SetWriteHandler(writeHandler)
	e.mqttMgr.SetWriteValidator(writeValidator)

	e.valkeyMgr.SetWriteHandler(writeHandler)
	e.valkeyMgr.SetWriteValidator(writeValidator)
}

// forcePublishAllValuesToMQTT publishes all current values to MQTT brokers.
func (e *Engine) forcePublishAllValuesToMQTT() {
	values := e.plcMan.GetAllCurrentValues()
	e.logFn("ForcePublishAllValues: publishing %d values to MQTT", len(values))
	for _, v := range values {
		e.mqttMgr.Publish(mqttUpdate(v, e.writable(v)), true)
	}
}

// forcePublishAllValuesToValkey publishes all current values to Valkey servers.
func (e *Engine) forcePublishAllValuesToValkey() {
	values := e.plcMan.GetAllCurrentValues()
	e.logFn("ForcePublishAllValuesToValkey: publishing %d values", len(values))
	for _, v := range values {
		e.valkeyMgr.Publish(valkeyUpdate(v, e.writable(v)))
	}
}

// publishHealthLoop publishes device health to all services every 10 seconds.
func (e *Engine) publishHealthLoop() {
	select {
	case <-e.stopChan:
		return
	case <-time.After(2 * time.Second):
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	e.publishAllHealth()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishAllHealth()
		}
	}
}

// publishAllHealth publishes the health of every device to MQTT, Valkey and Kafka.
func (e *Engine) publishAllHealth() {
	devices := e.plcMan.ListDevices()
	logging.DebugLog("engine", "Publishing health for %d devices", len(devices))
	for _, md := range devices {
		h := md.Health()
		ts := time.Now().UTC()

		e.mqttMgr.PublishHealth(mqtt.HealthMessage{
			Device:    h.Device,
			Online:    h.Online,
			Status:    h.Status,
			Error:     h.LastError,
			Timestamp: ts.Format(time.RFC3339),
		})
		e.valkeyMgr.PublishHealth(valkey.HealthMessage{
			Namespace: e.cfg.Namespace,
			Device:    h.Device,
			Online:    h.Online,
			Status:    h.Status,
			Error:     h.LastError,
			Timestamp: ts,
		})
		e.kafkaMgr.PublishHealth(kafka.HealthMessage{
			Device:    h.Device,
			Online:    h.Online,
			Status:    h.Status,
			Error:     h.LastError,
			Timestamp: ts.Format(time.RFC3339),
		})
	}
}
