// Package plcman schedules device refreshes with one background worker per
// device and fans out value changes in batches.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"s7gate/config"
	"s7gate/device"
	"s7gate/driver"
	"s7gate/logging"
	"s7gate/s7"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already exists")
)

// BusyRetryWindow bounds how long ReadVariable and WriteVariable wait for a
// busy driver, which never queues batches itself.
const BusyRetryWindow = 3 * time.Second

const busyRetryInterval = 10 * time.Millisecond

// LogFunc receives operator log messages.
type LogFunc func(format string, args ...interface{})

// ConnectionStatus represents the state of a device connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ManagedDevice is a device under management with its poll state.
type ManagedDevice struct {
	Device *device.Device

	archive *archiveSet

	mu        sync.RWMutex
	status    ConnectionStatus
	lastError error
	lastPoll  time.Time
	cpu       *s7.CPUInfo
	values    map[string]interface{}
	pending   map[string]*device.Variable // value-changed signals not yet diffed
}

// Name returns the device name.
func (m *ManagedDevice) Name() string { return m.Device.Name() }

// GetStatus returns the current connection status.
func (m *ManagedDevice) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetError returns the last poll error.
func (m *ManagedDevice) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// GetLastPoll returns the time of the last successful refresh.
func (m *ManagedDevice) GetLastPoll() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPoll
}

// GetCPUInfo returns the CPU identity read at the last connect, or nil.
func (m *ManagedDevice) GetCPUInfo() *s7.CPUInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cpu
}

// GetValues returns a copy of the last published values by variable id.
func (m *ManagedDevice) GetValues() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		result[k] = v
	}
	return result
}

// IsArchived reports whether variable id is tracked for archiving.
func (m *ManagedDevice) IsArchived(id string) bool { return m.archive.has(id) }

// ArchivedVariables returns the ids tracked for archiving.
func (m *ManagedDevice) ArchivedVariables() []string { return m.archive.list() }

// Health is the externally visible state of a device.
type Health struct {
	Device         string      `json:"device"`
	Online         bool        `json:"online"`
	Active         bool        `json:"active"`
	Status         string      `json:"status"`
	ConnectionMode string      `json:"connectionMode"`
	CPU            *s7.CPUInfo `json:"cpu,omitempty"`
	LastError      string      `json:"lastError,omitempty"`
	LastPoll       time.Time   `json:"lastPoll"`
}

// Health returns the current health snapshot.
func (m *ManagedDevice) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := Health{
		Device:         m.Device.Name(),
		Online:         m.status == StatusConnected,
		Active:         m.Device.IsActive(),
		Status:         m.status.String(),
		ConnectionMode: m.Device.ConnectionMode(),
		CPU:            m.cpu,
		LastPoll:       m.lastPoll,
	}
	if m.lastError != nil {
		h.LastError = m.lastError.Error()
	}
	return h
}

func (m *ManagedDevice) setStatus(status ConnectionStatus, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.status != status || (err != nil) != (m.lastError != nil)
	m.status = status
	m.lastError = err
	return changed
}

// observe is the device's value-changed hook. The signal is queued and
// diffed against the last published value on the next flush.
func (m *ManagedDevice) observe(v *device.Variable) {
	m.mu.Lock()
	m.pending[v.ID()] = v
	m.mu.Unlock()
}

// discard drops a queued signal for variable id.
func (m *ManagedDevice) discard(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// flush diffs every queued variable, ordered by name, and returns the changes.
func (m *ManagedDevice) flush(now time.Time) []ValueChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	vars := make([]*device.Variable, 0, len(m.pending))
	for _, v := range m.pending {
		vars = append(vars, v)
	}
	m.pending = make(map[string]*device.Variable)
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name() < vars[j].Name() })
	return m.diffLocked(vars, now)
}

// diffLocked records the current values of vars and returns those that
// changed. m.mu must be held.
func (m *ManagedDevice) diffLocked(vars []*device.Variable, now time.Time) []ValueChange {
	name := m.Device.Name()
	var changes []ValueChange

	for _, v := range vars {
		newVal := v.Value()
		oldVal, existed := m.values[v.ID()]
		if !existed || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changes = append(changes, ValueChange{
				Device:     name,
				VariableID: v.ID(),
				Variable:   v.Name(),
				Type:       v.Kind().String(),
				Unit:       v.Unit(),
				Value:      newVal,
				Archived:   m.archive.has(v.ID()),
				Timestamp:  now,
			})
		}
		m.values[v.ID()] = newVal
	}
	return changes
}

func (m *ManagedDevice) forget(id string) {
	m.mu.Lock()
	delete(m.values, id)
	delete(m.pending, id)
	m.mu.Unlock()
}

// ValueChange represents a variable value that has changed.
type ValueChange struct {
	Device     string
	VariableID string
	Variable   string
	Type       string
	Unit       string
	Value      interface{}
	Archived   bool
	Timestamp  time.Time
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime    time.Time
	VariablesPolled int
	ChangesFound    int
	LastError       error
}

// deviceWorker drives the refresh ticks of a single device in its own goroutine.
type deviceWorker struct {
	dev      *ManagedDevice
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration
	tick     int

	variablesPolled int
	changesFound    int
	lastError       error
	statsMu         sync.RWMutex
}

func newDeviceWorker(dev *ManagedDevice, manager *Manager, pollRate time.Duration) *deviceWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &deviceWorker{
		dev:      dev,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

func (w *deviceWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

func (w *deviceWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *deviceWorker) GetStats() (variablesPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.variablesPolled, w.changesFound, w.lastError
}

func (w *deviceWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll(w.tick)
			// Ticks advance with wall time, skipped or not, so every
			// interval stays aligned to the base rate.
			w.tick++
		}
	}
}

func (w *deviceWorker) poll(tick int) {
	md := w.dev
	dev := md.Device

	if !dev.IsActive() {
		if md.setStatus(StatusDisconnected, nil) {
			w.manager.markStatusDirty()
		}
		w.setStats(0, 0, nil)
		return
	}
	if dev.Driver().IsBusy() {
		logging.DebugLog("plcman", "%s: tick %d skipped, driver busy", dev.Name(), tick)
		return
	}

	refreshed := dev.Refresh(tick)
	if refreshed == nil {
		err := dev.LastError()
		if err == nil {
			err = fmt.Errorf("refresh at tick %d failed", tick)
		}
		if md.setStatus(StatusError, err) {
			if driver.IsLikelyConnectionError(err) {
				w.manager.logf("Device %s: connection lost: %v", dev.Name(), err)
			} else {
				w.manager.logf("Device %s: request rejected: %v", dev.Name(), err)
			}
			w.manager.markStatusDirty()
		}
		w.setStats(0, 0, err)
		return
	}
	if len(refreshed) == 0 {
		return
	}

	if md.setStatus(StatusConnected, nil) {
		w.manager.logf("Device %s: online", dev.Name())
		w.manager.markStatusDirty()
	}

	now := time.Now()
	md.mu.Lock()
	md.lastPoll = now
	md.mu.Unlock()

	changes := md.flush(now)
	w.setStats(len(refreshed), len(changes), nil)

	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

func (w *deviceWorker) setStats(polled, changes int, err error) {
	w.statsMu.Lock()
	w.variablesPolled = polled
	w.changesFound = changes
	w.lastError = err
	w.statsMu.Unlock()
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRequestLength sets the byte bound of grouped requests for new devices.
func WithMaxRequestLength(n int) Option {
	return func(m *Manager) { m.maxRequestLength = n }
}

// WithDriverFactory replaces the gos7-backed driver constructor for new devices.
func WithDriverFactory(fn func(driver.Config) *driver.Driver) Option {
	return func(m *Manager) { m.newDriver = fn }
}

// Manager manages multiple devices and their polling.
type Manager struct {
	devices map[string]*ManagedDevice
	workers map[string]*deviceWorker
	mu      sync.RWMutex

	pollRate         time.Duration
	batchInterval    time.Duration
	maxRequestLength int
	newDriver        func(driver.Config) *driver.Driver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onChange      func()
	onValueChange func(changes []ValueChange)
	onLog         LogFunc

	// Batched update channels
	changeChan  chan []ValueChange // Aggregates value changes from workers
	statusDirty int32              // Atomic flag: 1 if status listeners need a refresh

	// Aggregated stats
	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new device manager ticking at pollRate.
func NewManager(pollRate time.Duration, opts ...Option) *Manager {
	if pollRate <= 0 {
		pollRate = 100 * time.Millisecond
	}
	m := &Manager{
		devices:          make(map[string]*ManagedDevice),
		workers:          make(map[string]*deviceWorker),
		pollRate:         pollRate,
		batchInterval:    100 * time.Millisecond,
		maxRequestLength: device.DefaultMaxRequestLength,
		changeChan:       make(chan []ValueChange, 100),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PollRate returns the duration of one tick.
func (m *Manager) PollRate() time.Duration { return m.pollRate }

// SetOnChange sets a callback that fires when device status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires with batched value changes.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// SetOnLog sets the operator log callback.
func (m *Manager) SetOnLog(fn LogFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLog = fn
}

func (m *Manager) logf(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.onLog
	m.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
	logging.DebugLog("plcman", format, args...)
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddDevice builds a device from its payload and puts it under management.
// The device is not connected; see Connect and ConnectEnabled.
func (m *Manager) AddDevice(p device.Payload) (*ManagedDevice, error) {
	m.mu.RLock()
	_, exists := m.devices[p.Name]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, p.Name)
	}

	archive := newArchiveSet()
	opts := []device.Option{
		device.WithArchiver(archive),
		device.WithMaxRequestLength(m.maxRequestLength),
	}
	if m.newDriver != nil {
		opts = append(opts, device.WithDriverFactory(m.newDriver))
	}
	dev, err := device.New(p, opts...)
	if err != nil {
		return nil, err
	}
	md := &ManagedDevice{
		Device:  dev,
		archive: archive,
		status:  StatusDisconnected,
		values:  make(map[string]interface{}),
		pending: make(map[string]*device.Variable),
	}
	dev.SetOnValueChange(md.observe)

	m.mu.Lock()
	if _, exists := m.devices[p.Name]; exists {
		m.mu.Unlock()
		dev.Close()
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, p.Name)
	}
	m.devices[p.Name] = md
	if m.ctx != nil {
		worker := newDeviceWorker(md, m, m.pollRate)
		m.workers[p.Name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	logging.DebugLog("plcman", "added device %s with %d variables", p.Name, len(p.Variables))
	m.markStatusDirty()
	return md, nil
}

// RemoveDevice stops polling the named device and closes it.
func (m *Manager) RemoveDevice(name string) error {
	m.mu.Lock()
	md, exists := m.devices[name]
	worker := m.workers[name]
	if exists {
		delete(m.devices, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	// Stop worker first (outside lock)
	if worker != nil {
		worker.Stop()
	}
	md.Device.Close()

	m.markStatusDirty()
	return nil
}

// ForgetVariable drops the cached value of a removed variable.
func (m *Manager) ForgetVariable(deviceName, id string) {
	if md := m.GetDevice(deviceName); md != nil {
		md.forget(id)
	}
}

// Connect activates the named device. The transport connect runs in the
// background; failures surface through the device health.
func (m *Manager) Connect(name string) error {
	md := m.GetDevice(name)
	if md == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	go m.connectDevice(md)
	return nil
}

func (m *Manager) connectDevice(md *ManagedDevice) {
	md.Device.Connect()
	if md.Device.Connected() {
		md.setStatus(StatusConnected, nil)
		m.logf("Device %s: connected", md.Name())
		m.identify(md)
	}
	m.markStatusDirty()
}

// identify reads the CPU identity once per connect. Failure leaves the
// previous identity in place and is not a connection error.
func (m *Manager) identify(md *ManagedDevice) {
	info, err := md.Device.CPUInfo()
	if err != nil {
		logging.DebugLog("plcman", "%s: CPU info unavailable: %v", md.Name(), err)
		return
	}
	md.mu.Lock()
	md.cpu = info
	md.mu.Unlock()
	m.logf("Device %s: CPU %s (%s)", md.Name(), info.ModuleTypeName, info.SerialNumber)
}

// Disconnect deactivates the named device.
func (m *Manager) Disconnect(name string) error {
	md := m.GetDevice(name)
	if md == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	md.Device.Disconnect()
	md.setStatus(StatusDisconnected, nil)
	m.logf("Device %s: disconnected", name)
	m.markStatusDirty()
	return nil
}

// GetDevice returns the managed device with the given name, or nil.
func (m *Manager) GetDevice(name string) *ManagedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[name]
}

// ListDevices returns all managed devices sorted by name.
func (m *Manager) ListDevices() []*ManagedDevice {
	m.mu.RLock()
	result := make([]*ManagedDevice, 0, len(m.devices))
	for _, md := range m.devices {
		result = append(result, md)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Start begins background polling for all devices.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return // Already running
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, md := range m.devices {
		worker := newDeviceWorker(md, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()

	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	workers := make([]*deviceWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*deviceWorker)
	m.mu.Unlock()

	// Stop workers outside of lock
	for _, w := range workers {
		w.Stop()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and delivers them at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			// Flush any remaining changes
			pendingChanges = append(pendingChanges, m.drainChanges()...)
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

func (m *Manager) drainChanges() []ValueChange {
	var out []ValueChange
	for {
		select {
		case changes := <-m.changeChan:
			out = append(out, changes...)
		default:
			return out
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// statsAggregatorLoop periodically aggregates stats from all workers.
func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*deviceWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalVars := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		polled, changes, err := w.GetStats()
		totalVars += polled
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime:    time.Now(),
		VariablesPolled: totalVars,
		ChangesFound:    totalChanges,
		LastError:       lastErr,
	}
	m.statsMu.Unlock()
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// lookup resolves a variable by id, falling back to its name.
func (m *Manager) lookup(deviceName, ref string) (*ManagedDevice, *device.Variable, error) {
	md := m.GetDevice(deviceName)
	if md == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceName)
	}
	if v, ok := md.Device.Variable(ref); ok {
		return md, v, nil
	}
	if v, ok := md.Device.VariableByName(ref); ok {
		return md, v, nil
	}
	return nil, nil, fmt.Errorf("%w: variable %s on %s", device.ErrNotFound, ref, deviceName)
}

// ReadVariable reads one variable from the PLC. A busy driver is retried
// for up to BusyRetryWindow.
func (m *Manager) ReadVariable(deviceName, ref string) (*device.Variable, error) {
	md, v, err := m.lookup(deviceName, ref)
	if err != nil {
		return nil, err
	}
	err = retryBusy(func() error {
		_, err := md.Device.GetSingle(v.ID())
		return err
	})
	if err != nil {
		return nil, err
	}
	m.flush(md)
	return v, nil
}

// WriteVariable writes value to one variable on the PLC. A busy driver is
// retried for up to BusyRetryWindow.
func (m *Manager) WriteVariable(deviceName, ref string, value interface{}) (*device.Variable, error) {
	md, v, err := m.lookup(deviceName, ref)
	if err != nil {
		return nil, err
	}
	if !v.Write() {
		return nil, fmt.Errorf("%w: variable %s is read-only", device.ErrValidation, v.Name())
	}
	err = retryBusy(func() error {
		return md.Device.SetSingle(v.ID(), value)
	})
	if err != nil {
		// The value never reached the PLC; the next poll reports what did.
		md.discard(v.ID())
		return nil, err
	}
	logging.DebugLog("plcman", "%s: wrote %s = %v", deviceName, v.Name(), v.Value())
	m.flush(md)
	return v, nil
}

// flush publishes the queued value-changed signals of md.
func (m *Manager) flush(md *ManagedDevice) {
	if changes := md.flush(time.Now()); len(changes) > 0 {
		m.sendChanges(changes)
	}
}

func retryBusy(fn func() error) error {
	deadline := time.Now().Add(BusyRetryWindow)
	for {
		err := fn()
		if !errors.Is(err, driver.ErrBusy) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(busyRetryInterval)
	}
}

// LoadFromConfig adds all devices from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) error {
	var errs []error
	for _, p := range cfg.Devices {
		if _, err := m.AddDevice(p); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ConnectEnabled connects every device whose payload marks it active.
func (m *Manager) ConnectEnabled(cfg *config.Config) {
	for _, p := range cfg.Devices {
		if !p.IsActive {
			continue
		}
		if md := m.GetDevice(p.Name); md != nil {
			go m.connectDevice(md)
		}
	}
}

// DisconnectAll disconnects all devices.
func (m *Manager) DisconnectAll() {
	for _, md := range m.ListDevices() {
		m.Disconnect(md.Name())
	}
}

// GetAllCurrentValues returns the last published value of every variable.
// This is used for the initial publish when a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, md := range m.ListDevices() {
		values := md.GetValues()
		for _, v := range md.Device.Variables() {
			val, ok := values[v.ID()]
			if !ok {
				continue
			}
			results = append(results, ValueChange{
				Device:     md.Name(),
				VariableID: v.ID(),
				Variable:   v.Name(),
				Type:       v.Kind().String(),
				Unit:       v.Unit(),
				Value:      val,
				Archived:   md.IsArchived(v.ID()),
				Timestamp:  md.GetLastPoll(),
			})
		}
	}
	return results
}
