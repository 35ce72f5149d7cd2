// Package driver owns the S7 connection of a device and executes request batches
// against it, one batch at a time, with every transport call bounded by a timeout.
package driver

import (
	"fmt"
	"sync/atomic"
	"time"

	"s7gate/logging"
	"s7gate/s7"
)

// DefaultTimeout is used when a driver is configured without a timeout.
const DefaultTimeout = 2 * time.Second

// Transport is the per-area primitive set the driver dispatches to.
// *s7.Client implements it.
type Transport interface {
	Connect() error
	Close() error
	IsConnected() bool

	ReadInputs(start, size int) ([]byte, error)
	ReadOutputs(start, size int) ([]byte, error)
	ReadMarkers(start, size int) ([]byte, error)
	ReadDB(db, start, size int) ([]byte, error)

	WriteInputs(start int, data []byte) error
	WriteOutputs(start int, data []byte) error
	WriteMarkers(start int, data []byte) error
	WriteDB(db, start int, data []byte) error
}

// cpuInfoSource is implemented by transports that can identify the CPU.
type cpuInfoSource interface {
	GetCPUInfo() (*s7.CPUInfo, error)
	ConnectionMode() string
}

// Action is a deferred transport operation produced by the action factories.
// Read actions return the bytes read, write actions return the bytes written.
type Action func() ([]byte, error)

// Request is one transaction unit executed by InvokeRequests.
type Request interface {
	ID() string
	Action() Action
	SetResponseData(data []byte) error
}

// Config holds the addressing parameters of a driver.
type Config struct {
	IPAddress string
	Rack      int
	Slot      int
	Timeout   time.Duration
}

// Driver executes requests against a single S7 connection.
type Driver struct {
	cfg       Config
	transport Transport

	active atomic.Bool
	busy   atomic.Bool
}

// New creates an inactive driver over the given transport.
func New(cfg Config, transport Transport) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Driver{
		cfg:       cfg,
		transport: transport,
	}
}

// NewS7 creates an inactive driver backed by a gos7 client.
func NewS7(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := s7.NewClient(cfg.IPAddress,
		s7.WithRackSlot(cfg.Rack, cfg.Slot),
		s7.WithTimeout(cfg.Timeout))
	return New(cfg, client)
}

// Config returns the driver's addressing parameters.
func (d *Driver) Config() Config { return d.cfg }

// IsActive reports whether the driver is administratively enabled.
func (d *Driver) IsActive() bool { return d.active.Load() }

// IsBusy reports whether a batch is in flight.
func (d *Driver) IsBusy() bool { return d.busy.Load() }

// Connected reports whether the transport currently holds a session.
func (d *Driver) Connected() bool { return d.transport.IsConnected() }

// CPUInfo returns the identity of the connected CPU. Transports without
// identification support return ErrUnsupported.
func (d *Driver) CPUInfo() (*s7.CPUInfo, error) {
	src, ok := d.transport.(cpuInfoSource)
	if !ok {
		return nil, ErrUnsupported
	}
	if !d.transport.IsConnected() {
		return nil, s7.ErrNotConnected
	}
	return src.GetCPUInfo()
}

// ConnectionMode describes the transport session, e.g. its rack and slot.
func (d *Driver) ConnectionMode() string {
	if src, ok := d.transport.(cpuInfoSource); ok {
		return src.ConnectionMode()
	}
	if d.transport.IsConnected() {
		return "Connected"
	}
	return "Disconnected"
}

// Connect activates the driver and makes one connection attempt.
// A failed attempt is logged only; reads and writes retry on demand.
func (d *Driver) Connect() {
	d.active.Store(true)
	d.busy.Store(false)

	if _, err := d.guard("connect", func() ([]byte, error) {
		return nil, d.transport.Connect()
	}); err != nil {
		logging.DebugLog("driver", "%s: connect failed: %v", d.cfg.IPAddress, err)
	}
}

// Disconnect deactivates the driver and closes the transport.
func (d *Driver) Disconnect() {
	d.active.Store(false)
	d.busy.Store(false)

	if err := d.transport.Close(); err != nil {
		logging.DebugLog("driver", "%s: close failed: %v", d.cfg.IPAddress, err)
	}
}

// InvokeRequests runs each request's action in order and applies the result to it.
// The first failure aborts the batch; requests already applied keep their data.
func (d *Driver) InvokeRequests(requests []Request) (map[string][]byte, error) {
	if !d.active.Load() {
		return nil, ErrNotActive
	}
	if !d.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer d.busy.Store(false)

	results := make(map[string][]byte, len(requests))
	for _, req := range requests {
		data, err := req.Action()()
		if err != nil {
			return nil, err
		}
		if err := req.SetResponseData(data); err != nil {
			return nil, fmt.Errorf("request %s: %w", req.ID(), err)
		}
		results[req.ID()] = data
	}
	return results, nil
}

// CreateGetDataAction returns a thunk reading length bytes at offset of area.
func (d *Driver) CreateGetDataAction(area s7.Area, offset, length, dbNumber int) Action {
	return func() ([]byte, error) {
		return d.getData(area, offset, length, dbNumber)
	}
}

// CreateSetDataAction returns a thunk writing data at offset of area.
func (d *Driver) CreateSetDataAction(area s7.Area, offset int, data []byte, length, dbNumber int) Action {
	return func() ([]byte, error) {
		if len(data) != length {
			return nil, fmt.Errorf("%w: write of %d bytes declared as %d", ErrLength, len(data), length)
		}
		return d.setData(area, offset, data, dbNumber)
	}
}

func (d *Driver) getData(area s7.Area, offset, length, dbNumber int) ([]byte, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}

	op := fmt.Sprintf("read %s[%d]", s7.FormatAddress(area, dbNumber, offset), length)
	return d.guard(op, func() ([]byte, error) {
		switch area {
		case s7.AreaI:
			return d.transport.ReadInputs(offset, length)
		case s7.AreaQ:
			return d.transport.ReadOutputs(offset, length)
		case s7.AreaM:
			return d.transport.ReadMarkers(offset, length)
		case s7.AreaDB:
			return d.transport.ReadDB(dbNumber, offset, length)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownArea, int(area))
	})
}

func (d *Driver) setData(area s7.Area, offset int, data []byte, dbNumber int) ([]byte, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}

	op := fmt.Sprintf("write %s[%d]", s7.FormatAddress(area, dbNumber, offset), len(data))
	return d.guard(op, func() ([]byte, error) {
		var err error
		switch area {
		case s7.AreaI:
			err = d.transport.WriteInputs(offset, data)
		case s7.AreaQ:
			err = d.transport.WriteOutputs(offset, data)
		case s7.AreaM:
			err = d.transport.WriteMarkers(offset, data)
		case s7.AreaDB:
			err = d.transport.WriteDB(dbNumber, offset, data)
		default:
			err = fmt.Errorf("%w: %d", ErrUnknownArea, int(area))
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
}

// ensureConnected fails when inactive and connects on demand.
func (d *Driver) ensureConnected() error {
	if !d.active.Load() {
		return ErrNotActive
	}
	if d.transport.IsConnected() {
		return nil
	}
	_, err := d.guard("connect", func() ([]byte, error) {
		return nil, d.transport.Connect()
	})
	return err
}

// guard runs fn under the driver timeout. On timeout or error the transport is
// closed without deactivating the driver. A result delivered after the timeout
// lands in a buffered channel nobody reads and changes nothing.
func (d *Driver) guard(op string, fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fn()
		done <- result{data: data, err: err}
	}()

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			d.forceDisconnect(op, res.err.Error())
			return nil, res.err
		}
		return res.data, nil
	case <-timer.C:
		d.forceDisconnect(op, "timeout")
		return nil, &TimeoutError{Op: op, Timeout: d.cfg.Timeout}
	}
}

func (d *Driver) forceDisconnect(op, reason string) {
	logging.DebugDisconnect("driver", d.cfg.IPAddress, fmt.Sprintf("%s: %s", op, reason))
	if err := d.transport.Close(); err != nil {
		logging.DebugLog("driver", "%s: close after %s failed: %v", d.cfg.IPAddress, op, err)
	}
}
