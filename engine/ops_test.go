package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"s7gate/config"
	"s7gate/device"
	"s7gate/driver"
	"s7gate/plcman"
)

// fakePLC is an in-memory transport keyed by area ("I", "Q", "M", "DB<n>").
type fakePLC struct {
	mu        sync.Mutex
	mem       map[string][]byte
	connected bool
}

func (p *fakePLC) image(key string) []byte {
	b, ok := p.mem[key]
	if !ok {
		b = make([]byte, 64)
		p.mem[key] = b
	}
	return b
}

func (p *fakePLC) read(key string, start, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, size)
	copy(out, p.image(key)[start:start+size])
	return out, nil
}

func (p *fakePLC) write(key string, start int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.image(key)[start:], data)
	return nil
}

func (p *fakePLC) Connect() error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *fakePLC) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *fakePLC) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePLC) ReadInputs(start, size int) ([]byte, error)  { return p.read("I", start, size) }
func (p *fakePLC) ReadOutputs(start, size int) ([]byte, error) { return p.read("Q", start, size) }
func (p *fakePLC) ReadMarkers(start, size int) ([]byte, error) { return p.read("M", start, size) }
func (p *fakePLC) ReadDB(db, start, size int) ([]byte, error) {
	return p.read(fmt.Sprintf("DB%d", db), start, size)
}

func (p *fakePLC) WriteInputs(start int, data []byte) error  { return p.write("I", start, data) }
func (p *fakePLC) WriteOutputs(start int, data []byte) error { return p.write("Q", start, data) }
func (p *fakePLC) WriteMarkers(start int, data []byte) error { return p.write("M", start, data) }
func (p *fakePLC) WriteDB(db, start int, data []byte) error {
	return p.write(fmt.Sprintf("DB%d", db), start, data)
}

func newTestEngine(t *testing.T) (*Engine, *fakePLC, string) {
	t.Helper()
	plc := &fakePLC{mem: make(map[string][]byte)}
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Namespace = "plant"

	e := New(Config{
		AppConfig:  cfg,
		ConfigPath: path,
		DriverFactory: func(c driver.Config) *driver.Driver {
			return driver.New(c, plc)
		},
	})
	e.Start()
	t.Cleanup(e.Stop)
	return e, plc, path
}

func boolp(b bool) *bool { return &b }

func varPayload(name, address string, write bool) device.VariablePayload {
	return device.VariablePayload{
		ID:      name + "-id",
		Name:    name,
		Type:    "s7Int16",
		Address: address,
		Write:   boolp(write),
	}
}

func pressPayload() device.Payload {
	return device.Payload{
		Name:      "press1",
		IPAddress: "10.0.0.5",
		Slot:      1,
		Timeout:   200,
		Variables: []device.VariablePayload{
			varPayload("speed", "DB1.DBW0", true),
			varPayload("temp", "DB1.DBW2", false),
		},
	}
}

func loadSaved(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	return cfg
}

func waitActive(t *testing.T, e *Engine, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if md := e.GetPLCMan().GetDevice(name); md != nil && md.Device.IsActive() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device %s never became active", name)
}

func TestCreateDevice(t *testing.T) {
	e, _, path := newTestEngine(t)

	var events []Event
	e.Events.SubscribeTypes(func(ev Event) { events = append(events, ev) }, EventDeviceCreated)

	info, err := e.CreateDevice(pressPayload())
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "press1" || len(info.Variables) != 2 {
		t.Errorf("info = %+v", info)
	}
	if len(events) != 1 || events[0].Payload.(DeviceEvent).Name != "press1" {
		t.Errorf("events = %+v", events)
	}

	saved := loadSaved(t, path)
	dev := saved.FindDevice("press1")
	if dev == nil {
		t.Fatal("device not persisted")
	}
	if len(dev.Variables) != 2 || dev.Variables[0].Value != nil {
		t.Errorf("persisted variables = %+v", dev.Variables)
	}
	if dev.IsActive {
		t.Error("device should be persisted inactive")
	}
}

func TestCreateDevice_Errors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.CreateDevice(pressPayload()); err != nil {
		t.Fatal(err)
	}

	badVar := pressPayload()
	badVar.Name = "press2"
	badVar.Variables = []device.VariablePayload{{Name: "x", Type: "s7Int16"}}

	noIP := pressPayload()
	noIP.Name = "press3"
	noIP.IPAddress = ""

	badName := pressPayload()
	badName.Name = "press 4"

	tests := []struct {
		name string
		p    device.Payload
		want error
	}{
		{"duplicate", pressPayload(), ErrAlreadyExists},
		{"invalid variable", badVar, ErrInvalidInput},
		{"missing ip", noIP, ErrInvalidInput},
		{"invalid name", badName, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CreateDevice(tt.p); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(e.ListDevices()); n != 1 {
		t.Errorf("%d devices, want 1", n)
	}
}

func TestDeleteDevice(t *testing.T) {
	e, _, path := newTestEngine(t)
	if _, err := e.CreateDevice(pressPayload()); err != nil {
		t.Fatal(err)
	}

	if err := e.DeleteDevice("press1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetDevice("press1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDevice after delete: %v", err)
	}
	if loadSaved(t, path).FindDevice("press1") != nil {
		t.Error("device still persisted")
	}
	if err := e.DeleteDevice("press1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestVariableLifecycle(t *testing.T) {
	e, _, path := newTestEngine(t)
	if _, err := e.CreateDevice(pressPayload()); err != nil {
		t.Fatal(err)
	}

	created, err := e.CreateVariable("press1", varPayload("level", "DB1.DBW4", false))
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "level-id" {
		t.Errorf("created = %+v", created)
	}
	if _, err := e.CreateVariable("press1", varPayload("level", "DB1.DBW4", false)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("duplicate id: %v", err)
	}

	edit := varPayload("fill_level", "DB1.DBW4", false)
	edit.Unit = "mm"
	edited, err := e.EditVariable("press1", "level-id", edit)
	if err != nil {
		t.Fatal(err)
	}
	if edited.Name != "fill_level" || edited.Unit != "mm" {
		t.Errorf("edited = %+v", edited)
	}
	if got, err := e.GetVariable("press1", "fill_level"); err != nil || got.ID != "level-id" {
		t.Errorf("lookup by name: %+v, %v", got, err)
	}

	saved := loadSaved(t, path).FindDevice("press1")
	if saved == nil || len(saved.Variables) != 3 || saved.Variables[2].Name != "fill_level" {
		t.Fatalf("persisted = %+v", saved)
	}

	if err := e.RemoveVariable("press1", "level-id"); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveVariable("press1", "level-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: %v", err)
	}
	if vars, _ := e.ListVariables("press1"); len(vars) != 2 {
		t.Errorf("%d variables, want 2", len(vars))
	}
	if _, err := e.CreateVariable("missing", varPayload("x", "DB1.DBW8", false)); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown device: %v", err)
	}
}

func TestReadWriteVariable(t *testing.T) {
	e, plc, path := newTestEngine(t)
	if _, err := e.CreateDevice(pressPayload()); err != nil {
		t.Fatal(err)
	}

	if _, err := e.WriteVariable("press1", "speed", 1); !errors.Is(err, ErrDriver) {
		t.Errorf("write while inactive: %v", err)
	}

	if err := e.ConnectDevice("press1"); err != nil {
		t.Fatal(err)
	}
	waitActive(t, e, "press1")
	if !loadSaved(t, path).FindDevice("press1").IsActive {
		t.Error("active flag not persisted")
	}

	var written []VariableEvent
	e.Events.SubscribeTypes(func(ev Event) {
		written = append(written, ev.Payload.(VariableEvent))
	}, EventVariableWritten)

	if _, err := e.WriteVariable("press1", "speed", 300); err != nil {
		t.Fatal(err)
	}
	if got, _ := plc.read("DB1", 0, 2); got[0] != 0x01 || got[1] != 0x2C {
		t.Errorf("PLC memory = % x", got)
	}
	if len(written) != 1 || written[0].Name != "speed" {
		t.Errorf("written events = %+v", written)
	}

	plc.write("DB1", 2, []byte{0x00, 0x07})
	got, err := e.ReadVariable("press1", "temp-id")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != int16(7) {
		t.Errorf("value = %v (%T)", got.Value, got.Value)
	}

	if _, err := e.WriteVariable("press1", "temp", 1); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("write read-only: %v", err)
	}
	if _, err := e.ReadVariable("press1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("read unknown: %v", err)
	}

	if err := e.DisconnectDevice("press1"); err != nil {
		t.Fatal(err)
	}
	if loadSaved(t, path).FindDevice("press1").IsActive {
		t.Error("inactive flag not persisted")
	}
}

func TestEditDriver(t *testing.T) {
	e, _, path := newTestEngine(t)
	if _, err := e.CreateDevice(pressPayload()); err != nil {
		t.Fatal(err)
	}

	if _, err := e.EditDriver("press1", driver.Config{IPAddress: "10.0.0.6", Rack: 9}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid rack: %v", err)
	}
	info, err := e.EditDriver("press1", driver.Config{IPAddress: "10.0.0.6", Slot: 2, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if info.IPAddress != "10.0.0.6" || info.Slot != 2 || info.Timeout != 1000 {
		t.Errorf("info = %+v", info.Payload)
	}
	if saved := loadSaved(t, path).FindDevice("press1"); saved.IPAddress != "10.0.0.6" {
		t.Errorf("persisted ip = %s", saved.IPAddress)
	}
	if _, err := e.EditDriver("missing", driver.Config{IPAddress: "10.0.0.6"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown device: %v", err)
	}
}

func TestDeviceRequests(t *testing.T) {
	e, _, _ := newTestEngine(t)
	p := pressPayload()
	for i := range p.Variables {
		p.Variables[i].SampleTime = 10
	}
	if _, err := e.CreateDevice(p); err != nil {
		t.Fatal(err)
	}

	reqs, err := e.DeviceRequests("press1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range reqs {
		ids = append(ids, r.Variables...)
	}
	if len(ids) != 2 {
		t.Errorf("requests = %+v", reqs)
	}
	for _, r := range reqs {
		if r.Interval != 10 || r.DBNumber != 1 {
			t.Errorf("request = %+v", r)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{plcman.ErrDeviceNotFound, ErrNotFound},
		{device.ErrNotFound, ErrNotFound},
		{plcman.ErrDeviceExists, ErrAlreadyExists},
		{device.ErrValidation, ErrInvalidInput},
		{driver.ErrTimeout, ErrDriver},
		{driver.ErrNotActive, ErrDriver},
		{ErrSaveFailed, ErrSaveFailed},
	}
	for _, tt := range tests {
		t.Run(tt.in.Error(), func(t *testing.T) {
			if got := classify(tt.in); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}
