package device

import (
	"fmt"
	"sync"

	"s7gate/driver"
	"s7gate/s7"
)

// DriverSource resolves the driver currently owned by a device.
// Requests and variables look the driver up on every use instead of holding it.
type DriverSource interface {
	Driver() *driver.Driver
}

// Variable is one PLC-addressable value. Data is authoritative; Value is
// always the decode of Data.
type Variable struct {
	source DriverSource

	mu  sync.RWMutex
	cfg variableConfig

	data  []byte
	value interface{}

	getSingle *Request
	setSingle *Request

	onChange func(*Variable)
}

// NewVariable validates p and creates the variable with its two single requests.
func NewVariable(p VariablePayload, source DriverSource) (*Variable, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: variable needs a driver source", ErrValidation)
	}
	cfg, err := parsePayload(p)
	if err != nil {
		return nil, err
	}

	v := &Variable{source: source}
	if err := v.apply(cfg, true); err != nil {
		return nil, err
	}
	return v, nil
}

// apply installs a validated config. Data is kept when the length is unchanged
// and the config carries no value, otherwise replaced or zero filled.
func (v *Variable) apply(cfg *variableConfig, fresh bool) error {
	v.mu.Lock()
	rebuild := fresh || !v.cfg.sameAddressing(cfg)
	lengthChanged := fresh || v.cfg.length != cfg.length
	data := cfg.data
	if data == nil && lengthChanged {
		data = make([]byte, cfg.length)
	}
	var value interface{}
	if data != nil {
		var err error
		if value, err = cfg.kind.Decode(data); err != nil {
			v.mu.Unlock()
			return err
		}
	}
	cfg.data = nil
	v.cfg = *cfg
	if data != nil {
		v.data = data
		v.value = value
	}
	v.mu.Unlock()

	if rebuild {
		if err := v.ReassignDriver(); err != nil {
			return err
		}
	}
	if data != nil && !fresh {
		v.notify()
	}
	return nil
}

// ReassignDriver rebuilds the single read and write requests from the current
// addressing. Both resolve the driver through the variable's source.
func (v *Variable) ReassignDriver() error {
	area, db := v.Area(), v.DBNumber()

	get, err := NewRequest(v.source, area, db, false, DefaultMaxRequestLength)
	if err != nil {
		return err
	}
	if err := get.AddVariable(v); err != nil {
		return err
	}
	set, err := NewRequest(v.source, area, db, true, DefaultMaxRequestLength)
	if err != nil {
		return err
	}
	if err := set.AddVariable(v); err != nil {
		return err
	}

	v.mu.Lock()
	v.getSingle, v.setSingle = get, set
	v.mu.Unlock()
	return nil
}

// ID returns the variable id.
func (v *Variable) ID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.id
}

// Name returns the display name.
func (v *Variable) Name() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.name
}

// Unit returns the engineering unit, possibly empty.
func (v *Variable) Unit() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.unit
}

// Kind returns the value type.
func (v *Variable) Kind() Kind {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.kind
}

// Area returns the memory area.
func (v *Variable) Area() s7.Area {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.area
}

// DBNumber returns the data block number, 0 outside the DB area.
func (v *Variable) DBNumber() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.dbNumber
}

// Offset returns the start byte within the area.
func (v *Variable) Offset() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.offset
}

// Length returns the byte length.
func (v *Variable) Length() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.length
}

// Write reports whether the variable may be written to the PLC.
func (v *Variable) Write() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.write
}

// SampleTime is the poll interval in ticks; 0 means on demand only.
func (v *Variable) SampleTime() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.sampleTime
}

// ArchiveSampleTime is the archiving interval in ticks.
func (v *Variable) ArchiveSampleTime() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.archiveSampleTime
}

// Archived reports whether the variable is handed to the archiver.
func (v *Variable) Archived() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.archived
}

// Address returns the canonical S7 byte address of the variable.
func (v *Variable) Address() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return s7.FormatAddress(v.cfg.area, v.cfg.dbNumber, v.cfg.offset)
}

// Data returns a copy of the raw buffer.
func (v *Variable) Data() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.data...)
}

// Value returns the decoded value.
func (v *Variable) Value() interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if b, ok := v.value.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v.value
}

// GetSingleRequest returns the single-variable read request.
func (v *Variable) GetSingleRequest() *Request {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.getSingle
}

// SetSingleRequest returns the single-variable write request.
func (v *Variable) SetSingleRequest() *Request {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.setSingle
}

// SetData replaces the raw buffer, decodes it and signals a value change.
func (v *Variable) SetData(data []byte) error {
	v.mu.Lock()
	if len(data) != v.cfg.length {
		n := v.cfg.length
		v.mu.Unlock()
		return fmt.Errorf("%w: data of %d bytes, expected %d", ErrValidation, len(data), n)
	}
	value, err := v.cfg.kind.Decode(data)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.data = append([]byte(nil), data...)
	v.value = value
	v.mu.Unlock()

	v.notify()
	return nil
}

// SetValue encodes value into the raw buffer and signals a value change.
func (v *Variable) SetValue(value interface{}) error {
	v.mu.RLock()
	kind, length := v.cfg.kind, v.cfg.length
	v.mu.RUnlock()

	data, err := kind.Encode(value, length)
	if err != nil {
		return err
	}
	return v.SetData(data)
}

// GetBit reports bit bitIndex (0-7) of byte byteIndex of a byte array.
func (v *Variable) GetBit(byteIndex, bitIndex int) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkBit(byteIndex, bitIndex); err != nil {
		return false, err
	}
	return v.data[byteIndex]&(1<<uint(bitIndex)) != 0, nil
}

// SetBit sets one bit of a byte array and signals a value change.
func (v *Variable) SetBit(byteIndex, bitIndex int) error {
	return v.updateBit(byteIndex, bitIndex, true)
}

// ClearBit clears one bit of a byte array and signals a value change.
func (v *Variable) ClearBit(byteIndex, bitIndex int) error {
	return v.updateBit(byteIndex, bitIndex, false)
}

func (v *Variable) updateBit(byteIndex, bitIndex int, on bool) error {
	v.mu.Lock()
	if err := v.checkBit(byteIndex, bitIndex); err != nil {
		v.mu.Unlock()
		return err
	}
	data := append([]byte(nil), v.data...)
	if on {
		data[byteIndex] |= 1 << uint(bitIndex)
	} else {
		data[byteIndex] &^= 1 << uint(bitIndex)
	}
	v.data = data
	v.value = append([]byte(nil), data...)
	v.mu.Unlock()

	v.notify()
	return nil
}

// Bits returns the byte array as a bit sequence, least significant bit of
// byte 0 first.
func (v *Variable) Bits() ([]bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cfg.kind != KindByteArray {
		return nil, ErrNotByteArray
	}
	bits := make([]bool, len(v.data)*8)
	for i, b := range v.data {
		for j := 0; j < 8; j++ {
			bits[i*8+j] = b&(1<<uint(j)) != 0
		}
	}
	return bits, nil
}

func (v *Variable) checkBit(byteIndex, bitIndex int) error {
	if v.cfg.kind != KindByteArray {
		return ErrNotByteArray
	}
	if byteIndex < 0 || byteIndex >= len(v.data) {
		return fmt.Errorf("%w: byte index %d out of range", ErrValidation, byteIndex)
	}
	if bitIndex < 0 || bitIndex > 7 {
		return fmt.Errorf("%w: bit index %d out of range", ErrValidation, bitIndex)
	}
	return nil
}

// setOnChange installs the value-changed hook. Called by the owning device.
func (v *Variable) setOnChange(fn func(*Variable)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

func (v *Variable) notify() {
	v.mu.RLock()
	fn := v.onChange
	v.mu.RUnlock()
	if fn != nil {
		fn(v)
	}
}

// GetSingle reads this variable alone, outside the poll cycle.
func (v *Variable) GetSingle() (interface{}, error) {
	req := v.GetSingleRequest()
	drv := v.source.Driver()
	if drv == nil {
		return nil, driver.ErrNotActive
	}
	if _, err := drv.InvokeRequests([]driver.Request{req}); err != nil {
		return nil, err
	}
	return v.Value(), nil
}

// SetSingle stores value locally and writes this variable alone to the PLC.
func (v *Variable) SetSingle(value interface{}) error {
	if err := v.SetValue(value); err != nil {
		return err
	}
	req := v.SetSingleRequest()
	drv := v.source.Driver()
	if drv == nil {
		return driver.ErrNotActive
	}
	_, err := drv.InvokeRequests([]driver.Request{req})
	return err
}

// Payload returns the serializable form of the variable, including its value.
func (v *Variable) Payload() VariablePayload {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := v.cfg

	area := c.area
	offset, length, write, db := c.offset, c.length, c.write, c.dbNumber
	p := VariablePayload{
		ID:         c.id,
		Name:       c.name,
		SampleTime: c.sampleTime,
		Archived:   c.archived,
		Unit:       c.unit,
		Type:       c.kind.String(),
		AreaType:   &area,
		Offset:     &offset,
		Length:     &length,
		Write:      &write,
		DBNumber:   &db,
		Value:      payloadValue(v.value),
	}
	if c.archiveSampleTime > 0 {
		ast := c.archiveSampleTime
		p.ArchiveSampleTime = &ast
	}
	return p
}

func payloadValue(value interface{}) interface{} {
	if b, ok := value.([]byte); ok {
		return ByteInts(b)
	}
	return value
}
