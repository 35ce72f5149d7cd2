package engine

import (
	"fmt"
	"sort"

	"s7gate/config"
	"s7gate/device"
	"s7gate/driver"
	"s7gate/plcman"
	"s7gate/s7"
)

// DeviceInfo is a device payload together with its runtime health.
type DeviceInfo struct {
	device.Payload
	Health plcman.Health `json:"health"`
}

// RequestInfo describes one grouped request of a device.
type RequestInfo struct {
	ID        string   `json:"id"`
	Interval  int      `json:"interval"`
	Area      s7.Area  `json:"areaType"`
	DBNumber  int      `json:"dbNumber"`
	Offset    int      `json:"offset"`
	Length    int      `json:"length"`
	Write     bool     `json:"write"`
	Variables []string `json:"variables"`
}

// storedPayload strips runtime values from p before it is persisted.
func storedPayload(p device.Payload) device.Payload {
	vars := make([]device.VariablePayload, len(p.Variables))
	for i, v := range p.Variables {
		v.Value = nil
		vars[i] = v
	}
	p.Variables = vars
	return p
}

func (e *Engine) managed(name string) (*plcman.ManagedDevice, error) {
	md := e.plcMan.GetDevice(name)
	if md == nil {
		return nil, fmt.Errorf("%w: device '%s'", ErrNotFound, name)
	}
	return md, nil
}

// persistDevice writes the current definition of md to the config file,
// keeping the persisted active flag.
func (e *Engine) persistDevice(md *plcman.ManagedDevice) error {
	p := storedPayload(md.Device.Payload())

	e.cfg.Lock()
	existing := e.cfg.FindDevice(p.Name)
	if existing == nil {
		e.cfg.Unlock()
		return fmt.Errorf("%w: device '%s'", ErrNotFound, p.Name)
	}
	p.IsActive = existing.IsActive
	e.cfg.UpdateDevice(p.Name, p)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// setActive persists the active flag of a device.
func (e *Engine) setActive(name string, active bool) error {
	e.cfg.Lock()
	devCfg := e.cfg.FindDevice(name)
	if devCfg == nil {
		e.cfg.Unlock()
		return nil
	}
	devCfg.IsActive = active
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// CreateDevice builds a device from p, persists it and connects it when p
// marks it active.
func (e *Engine) CreateDevice(p device.Payload) (DeviceInfo, error) {
	if !config.IsValidNamespace(p.Name) {
		return DeviceInfo{}, fmt.Errorf("%w: invalid device name %q", ErrInvalidInput, p.Name)
	}
	if err := device.ValidateDriverConfig(p.DriverConfig()); err != nil {
		return DeviceInfo{}, classify(err)
	}

	e.cfg.Lock()
	exists := e.cfg.FindDevice(p.Name) != nil
	e.cfg.Unlock()
	if exists {
		return DeviceInfo{}, fmt.Errorf("%w: device '%s'", ErrAlreadyExists, p.Name)
	}

	md, err := e.plcMan.AddDevice(p)
	if err != nil {
		return DeviceInfo{}, classify(err)
	}

	stored := storedPayload(md.Device.Payload())
	stored.IsActive = p.IsActive

	e.cfg.Lock()
	e.cfg.AddDevice(stored)
	if err := e.saveConfig(); err != nil {
		e.plcMan.RemoveDevice(p.Name)
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	if p.IsActive {
		e.plcMan.Connect(p.Name)
	}

	e.logFn("Device %s created with %d variables", p.Name, len(stored.Variables))
	e.emit(EventDeviceCreated, DeviceEvent{Name: p.Name})
	return e.info(md), nil
}

// DeleteDevice disconnects and removes a device.
func (e *Engine) DeleteDevice(name string) error {
	md, err := e.managed(name)
	if err != nil {
		return err
	}
	vars := md.Device.Variables()

	if err := e.plcMan.RemoveDevice(name); err != nil {
		return classify(err)
	}
	for _, v := range vars {
		e.mqttMgr.Forget(name, v.Name())
	}

	e.cfg.Lock()
	e.cfg.RemoveDevice(name)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventDeviceDeleted, DeviceEvent{Name: name})
	return nil
}

// EditDriver replaces the driver of a device. An active device reconnects
// with the new parameters.
func (e *Engine) EditDriver(name string, cfg driver.Config) (DeviceInfo, error) {
	md, err := e.managed(name)
	if err != nil {
		return DeviceInfo{}, err
	}
	if err := md.Device.EditDriver(cfg); err != nil {
		return DeviceInfo{}, classify(err)
	}
	if err := e.persistDevice(md); err != nil {
		return DeviceInfo{}, err
	}

	e.emit(EventDriverUpdated, DeviceEvent{Name: name})
	return e.info(md), nil
}

// ConnectDevice activates a device and persists the active flag.
func (e *Engine) ConnectDevice(name string) error {
	if err := e.plcMan.Connect(name); err != nil {
		return classify(err)
	}
	if err := e.setActive(name, true); err != nil {
		return err
	}
	e.emit(EventDeviceConnected, DeviceEvent{Name: name})
	return nil
}

// DisconnectDevice deactivates a device and persists the active flag.
func (e *Engine) DisconnectDevice(name string) error {
	if err := e.plcMan.Disconnect(name); err != nil {
		return classify(err)
	}
	if err := e.setActive(name, false); err != nil {
		return err
	}
	e.emit(EventDeviceDisconnected, DeviceEvent{Name: name})
	return nil
}

func (e *Engine) info(md *plcman.ManagedDevice) DeviceInfo {
	return DeviceInfo{Payload: md.Device.Payload(), Health: md.Health()}
}

// GetDevice returns the payload and health of one device.
func (e *Engine) GetDevice(name string) (DeviceInfo, error) {
	md, err := e.managed(name)
	if err != nil {
		return DeviceInfo{}, err
	}
	return e.info(md), nil
}

// ListDevices returns every device sorted by name.
func (e *Engine) ListDevices() []DeviceInfo {
	devices := e.plcMan.ListDevices()
	out := make([]DeviceInfo, 0, len(devices))
	for _, md := range devices {
		out = append(out, e.info(md))
	}
	return out
}

// DeviceHealth returns the health snapshot of one device.
func (e *Engine) DeviceHealth(name string) (plcman.Health, error) {
	md, err := e.managed(name)
	if err != nil {
		return plcman.Health{}, err
	}
	return md.Health(), nil
}

// DeviceRequests lists the grouped requests of a device by sample interval,
// in polling order.
func (e *Engine) DeviceRequests(name string) ([]RequestInfo, error) {
	md, err := e.managed(name)
	if err != nil {
		return nil, err
	}

	byInterval := md.Device.Requests()
	intervals := make([]int, 0, len(byInterval))
	for interval := range byInterval {
		intervals = append(intervals, interval)
	}
	sort.Ints(intervals)

	var out []RequestInfo
	for _, interval := range intervals {
		for _, r := range byInterval[interval] {
			info := RequestInfo{
				ID:       r.ID(),
				Interval: interval,
				Area:     r.Area(),
				DBNumber: r.DBNumber(),
				Offset:   r.Offset(),
				Length:   r.Length(),
				Write:    r.IsWrite(),
			}
			for _, v := range r.Variables() {
				info.Variables = append(info.Variables, v.ID())
			}
			out = append(out, info)
		}
	}
	return out, nil
}
