package device

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"s7gate/driver"
	"s7gate/s7"
)

// memTransport is an in-memory PLC: every area (and each DB) is a 1 KiB image.
type memTransport struct {
	mu        sync.Mutex
	connected bool
	areas     map[string][]byte
	reads     []string
	writes    []string
	failReads error
}

func newMemTransport() *memTransport {
	return &memTransport{areas: make(map[string][]byte)}
}

func (m *memTransport) image(key string) []byte {
	if m.areas[key] == nil {
		m.areas[key] = make([]byte, 1024)
	}
	return m.areas[key]
}

// poke writes raw bytes into an area image.
func (m *memTransport) poke(key string, offset int, data ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.image(key)[offset:], data)
}

func (m *memTransport) peek(key string, offset, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.image(key)[offset:offset+size]...)
}

func (m *memTransport) readLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reads...)
}

func (m *memTransport) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *memTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *memTransport) read(key string, start, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return nil, m.failReads
	}
	m.reads = append(m.reads, fmt.Sprintf("%s:%d:%d", key, start, size))
	return append([]byte(nil), m.image(key)[start:start+size]...), nil
}

func (m *memTransport) write(key string, start int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, fmt.Sprintf("%s:%d:%d", key, start, len(data)))
	copy(m.image(key)[start:], data)
	return nil
}

func (m *memTransport) ReadInputs(start, size int) ([]byte, error)  { return m.read("I", start, size) }
func (m *memTransport) ReadOutputs(start, size int) ([]byte, error) { return m.read("Q", start, size) }
func (m *memTransport) ReadMarkers(start, size int) ([]byte, error) { return m.read("M", start, size) }
func (m *memTransport) ReadDB(db, start, size int) ([]byte, error) {
	return m.read(fmt.Sprintf("DB%d", db), start, size)
}

func (m *memTransport) WriteInputs(start int, data []byte) error  { return m.write("I", start, data) }
func (m *memTransport) WriteOutputs(start int, data []byte) error { return m.write("Q", start, data) }
func (m *memTransport) WriteMarkers(start int, data []byte) error { return m.write("M", start, data) }
func (m *memTransport) WriteDB(db, start int, data []byte) error {
	return m.write(fmt.Sprintf("DB%d", db), start, data)
}

// staticSource serves a fixed driver.
type staticSource struct {
	drv *driver.Driver
}

func (s staticSource) Driver() *driver.Driver { return s.drv }

func newStaticSource(t *testing.T) (staticSource, *memTransport) {
	t.Helper()
	mem := newMemTransport()
	drv := driver.New(driver.Config{IPAddress: "127.0.0.1", Timeout: time.Second}, mem)
	drv.Connect()
	return staticSource{drv: drv}, mem
}

func memFactory(mem *memTransport) Option {
	return WithDriverFactory(func(cfg driver.Config) *driver.Driver {
		return driver.New(cfg, mem)
	})
}

func intp(n int) *int          { return &n }
func boolp(b bool) *bool       { return &b }
func areap(a s7.Area) *s7.Area { return &a }

// varPayload builds a payload for a read variable of the given type.
func varPayload(name, typ string, area s7.Area, db, offset, sampleTime int) VariablePayload {
	return VariablePayload{
		Name:       name,
		Type:       typ,
		SampleTime: sampleTime,
		AreaType:   areap(area),
		DBNumber:   intp(db),
		Offset:     intp(offset),
		Write:      boolp(false),
	}
}

func mustVariable(t *testing.T, p VariablePayload, source DriverSource) *Variable {
	t.Helper()
	v, err := NewVariable(p, source)
	if err != nil {
		t.Fatalf("NewVariable(%s): %v", p.Name, err)
	}
	return v
}

// checkContiguous asserts the length and contiguity invariants of r.
func checkContiguous(t *testing.T, r *Request) {
	t.Helper()
	vars := r.Variables()
	sum := 0
	for i, v := range vars {
		sum += v.Length()
		if i > 0 && v.Offset() != vars[i-1].Offset()+vars[i-1].Length() {
			t.Errorf("request %s not contiguous at %s", r.ID(), v.Name())
		}
	}
	if sum != r.Length() {
		t.Errorf("request length %d, sum of variables %d", r.Length(), sum)
	}
	if len(vars) > 0 && r.Offset() != vars[0].Offset() {
		t.Errorf("request offset %d, first variable at %d", r.Offset(), vars[0].Offset())
	}
}
