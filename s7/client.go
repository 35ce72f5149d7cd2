package s7

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"s7gate/logging"
)

// ErrNotConnected is returned by the area primitives when the client has no live session.
var ErrNotConnected = errors.New("s7: not connected")

// Client is a high-level wrapper for S7 PLC communication.
// A Client can be connected and closed repeatedly; each Connect builds a fresh
// TCP handler.
type Client struct {
	address string
	rack    int
	slot    int
	timeout time.Duration

	// ioMu serializes PDU exchanges; mu guards the session state and is
	// never held across I/O so Close can interrupt a stuck exchange.
	ioMu      sync.Mutex
	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
	// gen is bumped by Close so a Connect that was already dialing cannot
	// mark the client connected after it was torn down.
	gen uint64
}

// options holds configuration options for NewClient.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for NewClient.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 1.
// For S7-300/400, use rack 0, slot 2 (or the slot where the CPU is placed).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewClient creates an unconnected client for the PLC at address.
func NewClient(address string, opts ...Option) *Client {
	cfg := &options{
		rack:    0,
		slot:    1,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Client{
		address: address,
		rack:    cfg.rack,
		slot:    cfg.slot,
		timeout: cfg.timeout,
	}
}

// Connect establishes the TCP session to the PLC.
// Returns nil if already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	address, rack, slot, timeout := c.address, c.rack, c.slot, c.timeout
	c.mu.Unlock()

	logging.DebugConnect("s7", address)

	handler := gos7.NewTCPClientHandler(address, rack, slot)
	handler.Timeout = timeout
	handler.IdleTimeout = timeout

	if err := handler.Connect(); err != nil {
		handler.Close()
		logging.DebugConnectError("s7", address, err)
		return fmt.Errorf("Connect: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		handler.Close()
		logging.DebugDisconnect("s7", address, "closed while connecting")
		return fmt.Errorf("Connect: %w", ErrNotConnected)
	}
	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	c.mu.Unlock()

	logging.DebugConnectSuccess("s7", address, fmt.Sprintf("rack %d, slot %d", rack, slot))
	return nil
}

// Close releases the TCP session. It is safe to call on a closed client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.connected = false
	c.client = nil
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	return err
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionMode returns a human-readable string describing the connection mode.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	connected := c.connected
	rack := c.rack
	slot := c.slot
	c.mu.Unlock()
	if connected {
		return fmt.Sprintf("S7 Connected (Rack %d, Slot %d)", rack, slot)
	}
	return "Disconnected"
}

// ReadInputs reads size bytes from the process input image starting at start.
func (c *Client) ReadInputs(start, size int) ([]byte, error) {
	return c.read(AreaI, 0, start, size)
}

// ReadOutputs reads size bytes from the process output image starting at start.
func (c *Client) ReadOutputs(start, size int) ([]byte, error) {
	return c.read(AreaQ, 0, start, size)
}

// ReadMarkers reads size bytes from the marker area starting at start.
func (c *Client) ReadMarkers(start, size int) ([]byte, error) {
	return c.read(AreaM, 0, start, size)
}

// ReadDB reads size bytes from data block db starting at start.
func (c *Client) ReadDB(db, start, size int) ([]byte, error) {
	return c.read(AreaDB, db, start, size)
}

// WriteInputs writes data to the process input image starting at start.
func (c *Client) WriteInputs(start int, data []byte) error {
	return c.write(AreaI, 0, start, data)
}

// WriteOutputs writes data to the process output image starting at start.
func (c *Client) WriteOutputs(start int, data []byte) error {
	return c.write(AreaQ, 0, start, data)
}

// WriteMarkers writes data to the marker area starting at start.
func (c *Client) WriteMarkers(start int, data []byte) error {
	return c.write(AreaM, 0, start, data)
}

// WriteDB writes data to data block db starting at start.
func (c *Client) WriteDB(db, start int, data []byte) error {
	return c.write(AreaDB, db, start, data)
}

// session returns the live gos7 client, or nil when disconnected.
func (c *Client) session() gos7.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.client
}

// read reads data from a specific S7 area.
func (c *Client) read(area Area, db, start, size int) ([]byte, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	client := c.session()
	if client == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, size)

	var err error
	switch area {
	case AreaDB:
		err = client.AGReadDB(db, start, size, buf)
	case AreaI:
		err = client.AGReadEB(start, size, buf)
	case AreaQ:
		err = client.AGReadAB(start, size, buf)
	case AreaM:
		err = client.AGReadMB(start, size, buf)
	default:
		return nil, fmt.Errorf("unsupported area: %v", area)
	}
	if err != nil {
		logging.DebugError("s7", fmt.Sprintf("read %s", FormatAddress(area, db, start)), err)
		return nil, err
	}

	logging.DebugRX("s7", buf)
	return buf, nil
}

// write writes data to a specific S7 area.
func (c *Client) write(area Area, db, start int, data []byte) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	client := c.session()
	if client == nil {
		return ErrNotConnected
	}

	logging.DebugTX("s7", data)

	var err error
	switch area {
	case AreaDB:
		err = client.AGWriteDB(db, start, len(data), data)
	case AreaI:
		err = client.AGWriteEB(start, len(data), data)
	case AreaQ:
		err = client.AGWriteAB(start, len(data), data)
	case AreaM:
		err = client.AGWriteMB(start, len(data), data)
	default:
		return fmt.Errorf("unsupported area: %v", area)
	}
	if err != nil {
		logging.DebugError("s7", fmt.Sprintf("write %s", FormatAddress(area, db, start)), err)
	}
	return err
}

// GetCPUInfo returns information about the connected CPU.
func (c *Client) GetCPUInfo() (*CPUInfo, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	client := c.session()
	if client == nil {
		return nil, ErrNotConnected
	}

	info, err := client.GetCPUInfo()
	if err != nil {
		return nil, err
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}

// CPUInfo contains information about the S7 CPU.
type CPUInfo struct {
	ModuleTypeName string `json:"module_type_name"`
	SerialNumber   string `json:"serial_number"`
	ASName         string `json:"as_name"`
	Copyright      string `json:"copyright"`
	ModuleName     string `json:"module_name"`
}
