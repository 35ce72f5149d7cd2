package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"s7gate/config"
)

type setCall struct {
	value string
	ttl   time.Duration
}

// fakeRedis keeps strings and lists in memory and records publishes.
type fakeRedis struct {
	mu        sync.Mutex
	pingErr   error
	strings   map[string]setCall
	lists     map[string][]string
	published map[string][]string
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings:   make(map[string]setCall),
		lists:     make(map[string][]string),
		published: make(map[string][]string),
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	return ""
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = setCall{value: toString(value), ttl: ttl}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], toString(message))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{toString(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if stop+1 < int64(len(list)) {
		list = list[:stop+1]
	}
	f.lists[key] = list[start:]
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, k := range keys {
			// Queue producers RPUSH, so the head is the oldest entry
			if list := f.lists[k]; len(list) > 0 {
				f.lists[k] = list[1:]
				f.mu.Unlock()
				return redis.NewStringSliceResult([]string{k, list[0]}, nil)
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) enqueue(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], value)
}

func (f *fakeRedis) channel(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[name]...)
}

func startedPublisher(t *testing.T, cfg *config.ValkeyConfig) (*Publisher, *fakeRedis) {
	t.Helper()
	fr := newFakeRedis()
	pub := NewPublisher(cfg, "plant")
	pub.newClient = func(*redis.Options) commander { return fr }
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { pub.Stop() })
	return pub, fr
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"plant", "", "press1", "variables", "speed"}, "plant:press1:variables:speed"},
		{[]string{"plant:", ":line2", "press1"}, "plant:line2:press1"},
		{[]string{"", ""}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := joinKey(tt.segments...); got != tt.want {
				t.Errorf("joinKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublisher_Keys(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant")
	if got := pub.ValueKey("press1", "speed"); got != "plant:press1:variables:speed" {
		t.Errorf("ValueKey = %q", got)
	}
	pub = NewPublisher(&config.ValkeyConfig{Name: "v", Selector: "line2"}, "plant")
	if got := pub.ArchiveKey("press1", "speed"); got != "plant:line2:press1:archive:speed" {
		t.Errorf("ArchiveKey = %q", got)
	}
}

func TestPublisher_StartFailure(t *testing.T) {
	fr := newFakeRedis()
	fr.pingErr = errors.New("connection refused")
	pub := NewPublisher(&config.ValkeyConfig{Name: "v", Address: "localhost:6379"}, "plant")
	pub.newClient = func(*redis.Options) commander { return fr }

	if err := pub.Start(); err == nil {
		t.Fatal("expected error")
	}
	if pub.IsRunning() {
		t.Error("should not be running")
	}
	if !fr.closed {
		t.Error("client should be closed after a failed ping")
	}
}

func TestPublisher_Publish(t *testing.T) {
	pub, fr := startedPublisher(t, &config.ValkeyConfig{
		Name:           "v",
		KeyTTL:         time.Minute,
		PublishChanges: true,
	})

	err := pub.Publish(Update{Device: "press1", Variable: "speed", Type: "Int", Unit: "rpm", Value: int16(42), Writable: true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	set, ok := fr.strings["plant:press1:variables:speed"]
	if !ok {
		t.Fatalf("value key not set: %v", fr.strings)
	}
	if set.ttl != time.Minute {
		t.Errorf("ttl = %v", set.ttl)
	}

	var msg ValueMessage
	if err := json.Unmarshal([]byte(set.value), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Namespace != "plant" || msg.Device != "press1" || msg.Variable != "speed" || msg.Value != float64(42) {
		t.Errorf("unexpected message %+v", msg)
	}

	if n := len(fr.channel("plant:press1:changes")); n != 1 {
		t.Errorf("device channel got %d messages", n)
	}
	if n := len(fr.channel("plant:_all:changes")); n != 1 {
		t.Errorf("all channel got %d messages", n)
	}
	if len(fr.lists) != 0 {
		t.Errorf("non-archived variable should not be archived: %v", fr.lists)
	}
}

func TestPublisher_Archive(t *testing.T) {
	pub, fr := startedPublisher(t, &config.ValkeyConfig{Name: "v", ArchiveLength: 3})

	for i := 0; i < 5; i++ {
		if err := pub.Publish(Update{Device: "press1", Variable: "speed", Value: i, Archived: true}); err != nil {
			t.Fatal(err)
		}
	}

	list := fr.lists["plant:press1:archive:speed"]
	if len(list) != 3 {
		t.Fatalf("archive length = %d, want 3", len(list))
	}
	var newest ValueMessage
	if err := json.Unmarshal([]byte(list[0]), &newest); err != nil {
		t.Fatal(err)
	}
	if newest.Value != float64(4) {
		t.Errorf("newest entry = %v, want 4", newest.Value)
	}
	if len(fr.channel("plant:press1:changes")) != 0 {
		t.Error("changes published with PublishChanges disabled")
	}
}

func TestPublisher_DefaultArchiveLength(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{}, "plant")
	if got := pub.archiveLength(); got != DefaultArchiveLength {
		t.Errorf("archiveLength = %d", got)
	}
}

func TestPublisher_Health(t *testing.T) {
	pub, fr := startedPublisher(t, &config.ValkeyConfig{Name: "v", PublishChanges: true})

	if err := pub.PublishHealth(HealthMessage{Device: "press1", Online: false, Status: "Error", Error: "timeout"}); err != nil {
		t.Fatal(err)
	}
	set, ok := fr.strings["plant:press1:health"]
	if !ok {
		t.Fatal("health key not set")
	}
	var h HealthMessage
	if err := json.Unmarshal([]byte(set.value), &h); err != nil {
		t.Fatal(err)
	}
	if h.Namespace != "plant" || h.Status != "Error" || h.Error != "timeout" || h.Timestamp.IsZero() {
		t.Errorf("unexpected health %+v", h)
	}
	if len(fr.channel("plant:press1:health")) != 1 {
		t.Error("health change not published")
	}
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant")
	if err := pub.Publish(Update{Device: "d", Variable: "v"}); err != nil {
		t.Errorf("Publish on stopped publisher: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Stop on stopped publisher: %v", err)
	}
}

func TestPublisher_ProcessWriteRequest(t *testing.T) {
	tests := []struct {
		name      string
		validator func(string, string) bool
		handler   func(string, string, interface{}) error
		success   bool
		errText   string
	}{
		{
			name:    "success",
			handler: func(string, string, interface{}) error { return nil },
			success: true,
		},
		{
			name:      "not writable",
			validator: func(string, string) bool { return false },
			handler:   func(string, string, interface{}) error { return nil },
			errText:   "variable is not writable",
		},
		{
			name:    "no handler",
			errText: "no write handler configured",
		},
		{
			name:    "handler error",
			handler: func(string, string, interface{}) error { return errors.New("driver busy") },
			errText: "driver busy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := newFakeRedis()
			pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant")
			pub.SetWriteValidator(tt.validator)
			pub.SetWriteHandler(tt.handler)

			pub.processWriteRequest(fr, WriteRequest{Device: "press1", Variable: "speed", Value: 7.0}, "resp")

			msgs := fr.channel("resp")
			if len(msgs) != 1 {
				t.Fatalf("got %d responses", len(msgs))
			}
			var resp WriteResponse
			if err := json.Unmarshal([]byte(msgs[0]), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success != tt.success || resp.Error != tt.errText {
				t.Errorf("response = %+v", resp)
			}
			if resp.Device != "press1" || resp.Variable != "speed" {
				t.Errorf("routing fields = %+v", resp)
			}
		})
	}
}

func TestPublisher_Writeback(t *testing.T) {
	written := make(chan string, 1)
	fr := newFakeRedis()
	pub := NewPublisher(&config.ValkeyConfig{Name: "v", EnableWriteback: true}, "plant")
	pub.newClient = func(*redis.Options) commander { return fr }
	pub.SetWriteHandler(func(dev, variable string, value interface{}) error {
		written <- dev + "/" + variable
		return nil
	})
	if err := pub.Start(); err != nil {
		t.Fatal(err)
	}
	defer pub.Stop()

	fr.enqueue("plant:writes", `{"device":"press1","variable":"speed","value":3}`)

	select {
	case got := <-written:
		if got != "press1/speed" {
			t.Errorf("wrote %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write request not processed")
	}

	deadline := time.Now().Add(time.Second)
	for len(fr.channel("plant:write:responses")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(fr.channel("plant:write:responses")) != 1 {
		t.Error("write response not published")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a", Enabled: true}, {Name: "b"}}, "plant")

	fr := newFakeRedis()
	for _, pub := range m.List() {
		pub.newClient = func(*redis.Options) commander { return fr }
	}

	if n := m.StartAll(); n != 1 {
		t.Errorf("StartAll = %d, want 1", n)
	}
	if !m.AnyRunning() {
		t.Error("expected a running publisher")
	}

	m.Publish(Update{Device: "press1", Variable: "speed", Value: 1})
	fr.mu.Lock()
	_, ok := fr.strings["plant:press1:variables:speed"]
	fr.mu.Unlock()
	if !ok {
		t.Error("value not stored through manager")
	}

	if !m.Remove("a") || m.Remove("missing") {
		t.Error("unexpected Remove result")
	}
	if m.Get("a") != nil || m.AnyRunning() {
		t.Error("removed publisher still present")
	}
	m.StopAll()
}
