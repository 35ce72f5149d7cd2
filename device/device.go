// Package device holds the typed variables of one S7 PLC, groups them into
// batched requests per poll interval and refreshes them through the driver.
package device

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"s7gate/driver"
	"s7gate/logging"
	"s7gate/s7"
)

// Archiver is informed when a variable's archived flag transitions.
type Archiver interface {
	AddVariable(v *Variable)
	RemoveVariable(id string)
}

// Payload is the serializable form of a device.
type Payload struct {
	Name      string `json:"name" yaml:"name"`
	IPAddress string `json:"ipAdress" yaml:"ip_address"` // external field name kept for compatibility
	Rack      int    `json:"rack" yaml:"rack"`
	Slot      int    `json:"slot" yaml:"slot"`
	Timeout   int    `json:"timeout" yaml:"timeout"` // milliseconds
	IsActive  bool   `json:"isActive" yaml:"is_active"`

	Variables           []VariablePayload        `json:"variables" yaml:"variables"`
	CalculationElements []map[string]interface{} `json:"calculationElements" yaml:"calculation_elements,omitempty"`
}

// DriverConfig converts the driver fields of the payload.
func (p Payload) DriverConfig() driver.Config {
	return driver.Config{
		IPAddress: p.IPAddress,
		Rack:      p.Rack,
		Slot:      p.Slot,
		Timeout:   time.Duration(p.Timeout) * time.Millisecond,
	}
}

// ValidateDriverConfig checks the addressing parameters of a driver.
func ValidateDriverConfig(cfg driver.Config) error {
	if cfg.IPAddress == "" {
		return fmt.Errorf("%w: ipAdress is required", ErrValidation)
	}
	host := cfg.IPAddress
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil && !validHostname(host) {
		return fmt.Errorf("%w: invalid ipAdress %q", ErrValidation, cfg.IPAddress)
	}
	if cfg.Rack < 0 || cfg.Rack > 7 {
		return fmt.Errorf("%w: rack must be 0-7", ErrValidation)
	}
	if cfg.Slot < 0 || cfg.Slot > 31 {
		return fmt.Errorf("%w: slot must be 0-31", ErrValidation)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrValidation)
	}
	return nil
}

func validHostname(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// DoesTickMatch reports whether a group polled every interval ticks is due at tick.
func DoesTickMatch(tick, interval int) bool {
	return interval > 0 && tick%interval == 0
}

// Option configures a Device.
type Option func(*Device)

// WithArchiver sets the collaborator told about archived-flag transitions.
func WithArchiver(a Archiver) Option {
	return func(d *Device) { d.archiver = a }
}

// WithMaxRequestLength sets the byte bound of grouped requests.
func WithMaxRequestLength(n int) Option {
	return func(d *Device) { d.grouper = NewGrouper(d, n) }
}

// WithDriverFactory replaces the gos7-backed driver constructor.
func WithDriverFactory(fn func(driver.Config) *driver.Driver) Option {
	return func(d *Device) { d.newDriver = fn }
}

// Device owns the variables of one PLC, its driver and the per-interval
// request groups.
type Device struct {
	name string

	// mu is held for writing by every topology or driver change and for
	// reading by refresh and single reads/writes, so no poll ever observes a
	// half-rebuilt state.
	mu           sync.RWMutex
	variables    map[string]*Variable
	order        []string
	calcElements []map[string]interface{}
	requests     map[int][]*Request
	grouper      *Grouper
	archiver     Archiver
	newDriver    func(driver.Config) *driver.Driver

	drv atomic.Pointer[driver.Driver]

	hookMu        sync.RWMutex
	onValueChange func(*Variable)

	errMu   sync.Mutex
	lastErr error
}

// New creates a device from its payload. The driver is created inactive;
// call Connect to start it.
func New(p Payload, opts ...Option) (*Device, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	cfg := p.DriverConfig()
	if err := ValidateDriverConfig(cfg); err != nil {
		return nil, err
	}

	d := &Device{
		name:         p.Name,
		variables:    make(map[string]*Variable),
		calcElements: p.CalculationElements,
		requests:     make(map[int][]*Request),
		newDriver:    driver.NewS7,
	}
	d.grouper = NewGrouper(d, DefaultMaxRequestLength)
	for _, opt := range opts {
		opt(d)
	}
	d.drv.Store(d.newDriver(cfg))

	for _, vp := range p.Variables {
		v, err := NewVariable(vp, d)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", vp.Name, err)
		}
		if _, dup := d.variables[v.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate variable id %s", ErrValidation, v.ID())
		}
		d.addLocked(v)
	}
	if err := d.rebuildLocked(); err != nil {
		return nil, err
	}
	if d.archiver != nil {
		for _, id := range d.order {
			if v := d.variables[id]; v.Archived() {
				d.archiver.AddVariable(v)
			}
		}
	}
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Driver returns the current driver. It implements DriverSource.
func (d *Device) Driver() *driver.Driver { return d.drv.Load() }

// SetOnValueChange sets the hook called for every variable value-changed signal.
func (d *Device) SetOnValueChange(fn func(*Variable)) {
	d.hookMu.Lock()
	d.onValueChange = fn
	d.hookMu.Unlock()
}

func (d *Device) valueChanged(v *Variable) {
	d.hookMu.RLock()
	fn := d.onValueChange
	d.hookMu.RUnlock()
	if fn != nil {
		fn(v)
	}
}

// Connect activates the driver. Connection failures are only logged.
// The read lock keeps EditDriver from swapping the driver mid-call.
func (d *Device) Connect() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.Driver().Connect()
}

// Disconnect deactivates the driver and closes the connection.
func (d *Device) Disconnect() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.Driver().Disconnect()
}

// IsActive reports whether the driver is administratively enabled.
func (d *Device) IsActive() bool { return d.Driver().IsActive() }

// Connected reports whether the driver currently holds a connection.
func (d *Device) Connected() bool { return d.Driver().Connected() }

// CPUInfo returns the identity of the connected CPU.
func (d *Device) CPUInfo() (*s7.CPUInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Driver().CPUInfo()
}

// ConnectionMode describes the current driver session.
func (d *Device) ConnectionMode() string { return d.Driver().ConnectionMode() }

// Variable returns the variable with the given id.
func (d *Device) Variable(id string) (*Variable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.variables[id]
	return v, ok
}

// VariableByName returns the first variable with the given name.
func (d *Device) VariableByName(name string) (*Variable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.order {
		if v := d.variables[id]; v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

// Variables returns the variables in creation order.
func (d *Device) Variables() []*Variable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Variable, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.variables[id])
	}
	return out
}

// Requests returns the request groups keyed by poll interval in ticks.
func (d *Device) Requests() map[int][]*Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int][]*Request, len(d.requests))
	for interval, reqs := range d.requests {
		out[interval] = append([]*Request(nil), reqs...)
	}
	return out
}

// CreateVariable validates p, adds the variable and rebuilds the requests.
func (d *Device) CreateVariable(p VariablePayload) (*Variable, error) {
	v, err := NewVariable(p, d)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.variables[v.ID()]; dup {
		return nil, fmt.Errorf("%w: variable id %s already exists", ErrValidation, v.ID())
	}
	d.addLocked(v)
	if err := d.rebuildLocked(); err != nil {
		d.removeLocked(v.ID())
		return nil, err
	}
	if v.Archived() && d.archiver != nil {
		d.archiver.AddVariable(v)
	}
	logging.DebugLog("device", "%s: created variable %s (%s %s)", d.name, v.Name(), v.Kind(), v.Address())
	return v, nil
}

// EditVariable replaces the configuration of variable id with p. The payload
// is validated in full before anything is applied; the type cannot change.
// A nil value keeps the current data when the length is unchanged.
func (d *Device) EditVariable(id string, p VariablePayload) (*Variable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.variables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.ID = id
	cfg, err := parsePayload(p)
	if err != nil {
		return nil, err
	}
	if cfg.kind != v.Kind() {
		return nil, fmt.Errorf("%w: type cannot change from %s to %s", ErrValidation, v.Kind(), cfg.kind)
	}

	wasArchived := v.Archived()
	if err := v.apply(cfg, false); err != nil {
		return nil, err
	}
	if err := d.rebuildLocked(); err != nil {
		return nil, err
	}

	if d.archiver != nil && wasArchived != cfg.archived {
		if cfg.archived {
			d.archiver.AddVariable(v)
		} else {
			d.archiver.RemoveVariable(id)
		}
	}
	logging.DebugLog("device", "%s: edited variable %s", d.name, v.Name())
	return v, nil
}

// RemoveVariable removes variable id and rebuilds the requests.
func (d *Device) RemoveVariable(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.variables[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.removeLocked(id)
	if err := d.rebuildLocked(); err != nil {
		return err
	}
	if v.Archived() && d.archiver != nil {
		d.archiver.RemoveVariable(id)
	}
	logging.DebugLog("device", "%s: removed variable %s", d.name, v.Name())
	return nil
}

// EditDriver disposes of the current driver and builds a new one from cfg.
// Every single request and grouped request is rebuilt, and an active driver
// reconnected, before the lock is released.
func (d *Device) EditDriver(cfg driver.Config) error {
	if err := ValidateDriverConfig(cfg); err != nil {
		return err
	}

	d.mu.Lock()
	old := d.Driver()
	wasActive := old.IsActive()
	old.Disconnect()

	next := d.newDriver(cfg)
	d.drv.Store(next)

	for _, id := range d.order {
		if err := d.variables[id].ReassignDriver(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	if err := d.rebuildLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	if wasActive {
		next.Connect()
	}
	d.mu.Unlock()

	logging.DebugLog("device", "%s: driver replaced (%s rack %d slot %d)", d.name, cfg.IPAddress, cfg.Rack, cfg.Slot)
	return nil
}

// Refresh polls every request group due at tick in one driver batch and
// returns the refreshed variables by id. Nil means the batch failed; the
// failure is logged, not returned.
func (d *Device) Refresh(tick int) map[string]*Variable {
	d.mu.RLock()
	defer d.mu.RUnlock()

	intervals := make([]int, 0, len(d.requests))
	for interval := range d.requests {
		intervals = append(intervals, interval)
	}
	sort.Ints(intervals)

	var due []*Request
	for _, interval := range intervals {
		if DoesTickMatch(tick, interval) {
			due = append(due, d.requests[interval]...)
		}
	}
	if len(due) == 0 {
		return map[string]*Variable{}
	}

	batch := make([]driver.Request, len(due))
	for i, r := range due {
		batch[i] = r
	}
	_, err := d.Driver().InvokeRequests(batch)
	d.setLastError(err)
	if err != nil {
		logging.DebugLog("device", "%s: refresh tick %d failed: %v", d.name, tick, err)
		return nil
	}
	return d.grouper.ConvertRequestsToIDValuePair(due)
}

// LastError returns the error of the most recent refresh batch, or nil.
func (d *Device) LastError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

func (d *Device) setLastError(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
}

// GetSingle reads variable id alone.
func (d *Device) GetSingle(id string) (interface{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.variables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.GetSingle()
}

// SetSingle writes value to variable id alone.
func (d *Device) SetSingle(id string, value interface{}) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.variables[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.SetSingle(value)
}

// Payload returns the serializable form of the device.
func (d *Device) Payload() Payload {
	d.mu.RLock()
	defer d.mu.RUnlock()
	drv := d.Driver()
	cfg := drv.Config()
	p := Payload{
		Name:                d.name,
		IPAddress:           cfg.IPAddress,
		Rack:                cfg.Rack,
		Slot:                cfg.Slot,
		Timeout:             int(cfg.Timeout / time.Millisecond),
		IsActive:            drv.IsActive(),
		Variables:           make([]VariablePayload, 0, len(d.order)),
		CalculationElements: d.calcElements,
	}
	for _, id := range d.order {
		p.Variables = append(p.Variables, d.variables[id].Payload())
	}
	return p
}

// Close deactivates the driver and tells the archiver to drop archived variables.
func (d *Device) Close() {
	d.Disconnect()
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.archiver == nil {
		return
	}
	for _, id := range d.order {
		if d.variables[id].Archived() {
			d.archiver.RemoveVariable(id)
		}
	}
}

func (d *Device) addLocked(v *Variable) {
	v.setOnChange(d.valueChanged)
	d.variables[v.ID()] = v
	d.order = append(d.order, v.ID())
}

func (d *Device) removeLocked(id string) {
	if v, ok := d.variables[id]; ok {
		v.setOnChange(nil)
	}
	delete(d.variables, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// rebuildLocked regroups all variables by sample time. Variables with a
// sample time of 0 are read on demand only.
func (d *Device) rebuildLocked() error {
	byInterval := make(map[int][]*Variable)
	for _, id := range d.order {
		v := d.variables[id]
		if st := v.SampleTime(); st > 0 {
			byInterval[st] = append(byInterval[st], v)
		}
	}

	requests := make(map[int][]*Request, len(byInterval))
	for interval, vars := range byInterval {
		reqs, err := d.grouper.ConvertVariablesToRequests(vars)
		if err != nil {
			return err
		}
		requests[interval] = reqs
	}
	d.requests = requests
	return nil
}
