package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7gate/config"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and subscriptions. Methods the publisher
// does not use fall through to the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client

	connectErr error

	mu           sync.Mutex
	published    []published
	subs         map[string]pahomqtt.MessageHandler
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) Connect() pahomqtt.Token { return fakeToken{err: c.connectErr} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return fakeToken{}
}

func (c *fakeClient) messages(prefix string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.published {
		if strings.HasPrefix(p.topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// waitFor polls until at least n messages with the prefix have been published.
func (c *fakeClient) waitFor(t *testing.T, prefix string, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.messages(prefix); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages on %s", n, prefix)
	return nil
}

func startedPublisher(t *testing.T, cfg *config.MQTTConfig) (*Publisher, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	pub := NewPublisher(cfg, "plant")
	pub.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(pub.Stop)
	return pub, fc
}

func TestPublisher_Topics(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		topic    string
		root     string
	}{
		{"namespace only", "", "plant/press1/variables/speed", "plant"},
		{"with selector", "line2", "plant/line2/press1/variables/speed", "plant/line2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewPublisher(&config.MQTTConfig{Name: "b", Selector: tt.selector}, "plant")
			if got := pub.BuildTopic("press1", "speed"); got != tt.topic {
				t.Errorf("BuildTopic = %q, want %q", got, tt.topic)
			}
			if got := pub.TopicRoot(); got != tt.root {
				t.Errorf("TopicRoot = %q, want %q", got, tt.root)
			}
		})
	}
}

func TestPublisher_Address(t *testing.T) {
	pub := NewPublisher(&config.MQTTConfig{Broker: "localhost", Port: 1883}, "ns")
	if got := pub.Address(); got != "tcp://localhost:1883" {
		t.Errorf("Address = %q", got)
	}
	pub = NewPublisher(&config.MQTTConfig{Broker: "broker", Port: 8883, UseTLS: true}, "ns")
	if got := pub.Address(); got != "ssl://broker:8883" {
		t.Errorf("Address = %q", got)
	}
}

func TestDeviceFromWriteTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"plant/press1/write", "press1", true},
		{"plant/press1/write/response", "", false},
		{"other/press1/write", "", false},
		{"plant//write", "", false},
		{"plant/a/b/write", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := deviceFromWriteTopic("plant", tt.topic)
			if got != tt.want || ok != tt.ok {
				t.Errorf("got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPublisher_PublishDedup(t *testing.T) {
	pub, fc := startedPublisher(t, &config.MQTTConfig{Name: "b"})

	u := Update{Device: "press1", Variable: "speed", ID: "id-1", Type: "Int", Unit: "rpm", Value: int16(10), Writable: true}

	if !pub.Publish(u, false) {
		t.Fatal("first publish should send")
	}
	if pub.Publish(u, false) {
		t.Error("identical value should not republish")
	}
	if !pub.Publish(u, true) {
		t.Error("force should republish")
	}
	u.Value = int16(11)
	if !pub.Publish(u, false) {
		t.Error("changed value should publish")
	}
	other := u
	other.Device = "press2"
	if !pub.Publish(other, false) {
		t.Error("devices are tracked separately")
	}

	msgs := fc.messages("plant/press1/variables/speed")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if !msgs[0].retained {
		t.Error("value messages should be retained")
	}

	var msg ValueMessage
	if err := json.Unmarshal(msgs[2].payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Namespace != "plant" || msg.Device != "press1" || msg.Variable != "speed" {
		t.Errorf("unexpected routing fields: %+v", msg)
	}
	if msg.Value != float64(11) || msg.Unit != "rpm" || !msg.Writable || msg.ID != "id-1" {
		t.Errorf("unexpected value fields: %+v", msg)
	}
	if _, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", msg.Timestamp, err)
	}

	pub.Forget("press1", "speed")
	if !pub.Publish(u, false) {
		t.Error("forgotten variable should publish again")
	}
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(&config.MQTTConfig{Name: "b"}, "plant")
	if pub.Publish(Update{Device: "d", Variable: "v", Value: 1}, true) {
		t.Error("publish should fail when not running")
	}
	if pub.PublishHealth(HealthMessage{Device: "d"}) {
		t.Error("health should fail when not running")
	}
	pub.Stop()
}

func TestPublisher_StartError(t *testing.T) {
	fc := newFakeClient()
	fc.connectErr = errors.New("refused")
	pub := NewPublisher(&config.MQTTConfig{Name: "b"}, "plant")
	pub.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }

	if err := pub.Start(); err == nil {
		t.Fatal("expected connect error")
	}
	if pub.IsRunning() {
		t.Error("publisher should not be running")
	}
}

func TestPublisher_Health(t *testing.T) {
	pub, fc := startedPublisher(t, &config.MQTTConfig{Name: "b"})

	if !pub.PublishHealth(HealthMessage{Device: "press1", Online: true, Status: "Connected"}) {
		t.Fatal("PublishHealth failed")
	}
	msgs := fc.messages("plant/press1/health")
	if len(msgs) != 1 {
		t.Fatalf("got %d health messages", len(msgs))
	}
	var h HealthMessage
	if err := json.Unmarshal(msgs[0].payload, &h); err != nil {
		t.Fatal(err)
	}
	if !h.Online || h.Status != "Connected" || h.Timestamp == "" {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestPublisher_WriteRequests(t *testing.T) {
	pub, fc := startedPublisher(t, &config.MQTTConfig{Name: "b"})

	var mu sync.Mutex
	var writes []string
	pub.SetWriteValidator(func(dev, variable string) bool { return variable != "readonly" })
	pub.SetWriteHandler(func(dev, variable string, value interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, dev+"/"+variable)
		if variable == "broken" {
			return errors.New("driver failed")
		}
		return nil
	})

	fc.mu.Lock()
	handler := fc.subs["plant/+/write"]
	fc.mu.Unlock()
	if handler == nil {
		t.Fatalf("no write subscription, have %v", fc.subs)
	}

	tests := []struct {
		name    string
		payload string
		success bool
		errPart string
	}{
		{"ok", `{"variable":"speed","value":5}`, true, ""},
		{"handler error", `{"variable":"broken","value":1}`, false, "driver failed"},
		{"not writable", `{"variable":"readonly","value":1}`, false, "not writable"},
		{"device mismatch", `{"device":"press2","variable":"speed","value":1}`, false, "mismatch"},
		{"missing variable", `{"value":1}`, false, "required"},
		{"bad json", `{`, false, "invalid JSON"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler(fc, fakeMessage{topic: "plant/press1/write", payload: []byte(tt.payload)})
			msgs := fc.waitFor(t, "plant/press1/write/response", i+1)

			var resp WriteResponse
			if err := json.Unmarshal(msgs[i].payload, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success != tt.success {
				t.Errorf("success = %v, want %v (%s)", resp.Success, tt.success, resp.Error)
			}
			if !strings.Contains(resp.Error, tt.errPart) {
				t.Errorf("error %q does not contain %q", resp.Error, tt.errPart)
			}
			if resp.Device != "press1" {
				t.Errorf("device = %q", resp.Device)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 2 {
		t.Errorf("handler called %d times, want 2: %v", len(writes), writes)
	}
}

func TestPublisher_StopDisconnects(t *testing.T) {
	fc := newFakeClient()
	pub := NewPublisher(&config.MQTTConfig{Name: "b"}, "plant")
	pub.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }
	if err := pub.Start(); err != nil {
		t.Fatal(err)
	}
	pub.Stop()
	if pub.IsRunning() {
		t.Error("still running after Stop")
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.disconnected {
		t.Error("client not disconnected")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	cfgs := []config.MQTTConfig{
		{Name: "b", Enabled: true},
		{Name: "a", Enabled: false},
	}
	m.LoadFromConfig(cfgs, "plant")

	list := m.List()
	if len(list) != 2 || list[0].Name() != "a" || list[1].Name() != "b" {
		t.Fatalf("unexpected list")
	}

	fc := newFakeClient()
	for _, pub := range list {
		pub.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }
	}

	m.SetWriteHandler(func(string, string, interface{}) error { return nil })
	if m.Get("a").writeHandler == nil {
		t.Error("write handler not propagated")
	}

	if n := m.StartAll(); n != 1 {
		t.Errorf("StartAll started %d, want 1", n)
	}
	if !m.AnyRunning() {
		t.Error("expected a running publisher")
	}

	m.Publish(Update{Device: "press1", Variable: "speed", Value: 1}, false)
	if len(fc.messages("plant/press1/variables/speed")) != 1 {
		t.Error("manager publish not delivered")
	}

	m.Remove("b")
	if m.Get("b") != nil || m.AnyRunning() {
		t.Error("Remove should stop and drop the publisher")
	}
	m.StopAll()
}
