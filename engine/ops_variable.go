package engine

import (
	"fmt"

	"s7gate/device"
)

func (e *Engine) variable(deviceName, ref string) (*device.Variable, error) {
	md, err := e.managed(deviceName)
	if err != nil {
		return nil, err
	}
	if v, ok := md.Device.Variable(ref); ok {
		return v, nil
	}
	if v, ok := md.Device.VariableByName(ref); ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: variable '%s' on '%s'", ErrNotFound, ref, deviceName)
}

// ListVariables returns the variables of a device in creation order.
func (e *Engine) ListVariables(deviceName string) ([]device.VariablePayload, error) {
	md, err := e.managed(deviceName)
	if err != nil {
		return nil, err
	}
	vars := md.Device.Variables()
	out := make([]device.VariablePayload, len(vars))
	for i, v := range vars {
		out[i] = v.Payload()
	}
	return out, nil
}

// GetVariable returns one variable, looked up by id and then by name.
func (e *Engine) GetVariable(deviceName, ref string) (device.VariablePayload, error) {
	v, err := e.variable(deviceName, ref)
	if err != nil {
		return device.VariablePayload{}, err
	}
	return v.Payload(), nil
}

// CreateVariable adds a variable to a device and persists it.
func (e *Engine) CreateVariable(deviceName string, p device.VariablePayload) (device.VariablePayload, error) {
	md, err := e.managed(deviceName)
	if err != nil {
		return device.VariablePayload{}, err
	}
	v, err := md.Device.CreateVariable(p)
	if err != nil {
		return device.VariablePayload{}, classify(err)
	}
	if err := e.persistDevice(md); err != nil {
		return device.VariablePayload{}, err
	}

	e.emit(EventVariableCreated, VariableEvent{Device: deviceName, ID: v.ID(), Name: v.Name()})
	return v.Payload(), nil
}

// EditVariable replaces the definition of a variable and persists the device.
// The cached value is dropped so the next refresh republishes it.
func (e *Engine) EditVariable(deviceName, id string, p device.VariablePayload) (device.VariablePayload, error) {
	md, err := e.managed(deviceName)
	if err != nil {
		return device.VariablePayload{}, err
	}
	old, ok := md.Device.Variable(id)
	if !ok {
		return device.VariablePayload{}, fmt.Errorf("%w: variable '%s' on '%s'", ErrNotFound, id, deviceName)
	}
	oldName := old.Name()

	v, err := md.Device.EditVariable(id, p)
	if err != nil {
		return device.VariablePayload{}, classify(err)
	}
	if err := e.persistDevice(md); err != nil {
		return device.VariablePayload{}, err
	}

	e.plcMan.ForgetVariable(deviceName, id)
	e.mqttMgr.Forget(deviceName, oldName)

	e.emit(EventVariableUpdated, VariableEvent{Device: deviceName, ID: id, Name: v.Name()})
	return v.Payload(), nil
}

// RemoveVariable deletes a variable from a device and persists the device.
func (e *Engine) RemoveVariable(deviceName, id string) error {
	md, err := e.managed(deviceName)
	if err != nil {
		return err
	}
	v, ok := md.Device.Variable(id)
	if !ok {
		return fmt.Errorf("%w: variable '%s' on '%s'", ErrNotFound, id, deviceName)
	}
	name := v.Name()

	if err := md.Device.RemoveVariable(id); err != nil {
		return classify(err)
	}
	if err := e.persistDevice(md); err != nil {
		return err
	}

	e.plcMan.ForgetVariable(deviceName, id)
	e.mqttMgr.Forget(deviceName, name)

	e.emit(EventVariableDeleted, VariableEvent{Device: deviceName, ID: id, Name: name})
	return nil
}

// ReadVariable reads one variable from the PLC.
func (e *Engine) ReadVariable(deviceName, ref string) (device.VariablePayload, error) {
	v, err := e.plcMan.ReadVariable(deviceName, ref)
	if err != nil {
		return device.VariablePayload{}, classify(err)
	}
	p := v.Payload()
	e.emit(EventVariableRead, VariableEvent{Device: deviceName, ID: p.ID, Name: p.Name, Value: p.Value})
	return p, nil
}

// WriteVariable writes value to one variable on the PLC.
func (e *Engine) WriteVariable(deviceName, ref string, value interface{}) (device.VariablePayload, error) {
	v, err := e.plcMan.WriteVariable(deviceName, ref, value)
	if err != nil {
		return device.VariablePayload{}, classify(err)
	}
	p := v.Payload()
	e.emit(EventVariableWritten, VariableEvent{Device: deviceName, ID: p.ID, Name: p.Name, Value: p.Value})
	return p, nil
}
