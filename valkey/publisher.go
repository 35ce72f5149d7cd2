// Package valkey stores variable values in Valkey/Redis, publishes change
// notifications, keeps capped archive lists and serves a write-back queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"s7gate/config"
	"s7gate/logging"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// DefaultArchiveLength is the number of entries kept per archived variable
// when the configuration leaves it unset.
const DefaultArchiveLength = 1000

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment and skipping empty ones.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// commander is the subset of the go-redis client the publisher uses.
type commander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// Update is a single variable value to store.
type Update struct {
	Device    string
	Variable  string
	ID        string
	Type      string
	Unit      string
	Value     interface{}
	Writable  bool
	Archived  bool
	Timestamp time.Time
}

// ValueMessage is the JSON document stored for each variable.
type ValueMessage struct {
	Namespace string      `json:"namespace"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	ID        string      `json:"id,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Unit      string      `json:"unit,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is an entry of the write queue.
type WriteRequest struct {
	Device   string      `json:"device"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is published on the write response channel.
type WriteResponse struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON document stored under <device>:health.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	Device    string    `json:"device"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing variable values to one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    commander
	running   bool
	mu        sync.RWMutex

	newClient func(*redis.Options) commander

	writeHandler      func(deviceName, variable string, value interface{}) error
	writeValidator    func(deviceName, variable string) bool
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		newClient: func(o *redis.Options) commander { return redis.NewClient(o) },
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := p.newClient(opts)
	debugLog("Connecting to %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Connection to %s failed: %v", p.config.Address, err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	debugLog("Connected to %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The write-back listener blocks at most one BLPOP timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	return client.Close()
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// key builds namespace[:selector]:segments...
func (p *Publisher) key(segments ...string) string {
	return joinKey(append([]string{p.namespace, p.config.Selector}, segments...)...)
}

// ValueKey returns the key holding the latest value of a variable.
func (p *Publisher) ValueKey(deviceName, variable string) string {
	return p.key(deviceName, "variables", variable)
}

// ArchiveKey returns the capped list holding the history of a variable.
func (p *Publisher) ArchiveKey(deviceName, variable string) string {
	return p.key(deviceName, "archive", variable)
}

func (p *Publisher) archiveLength() int64 {
	if p.config.ArchiveLength > 0 {
		return int64(p.config.ArchiveLength)
	}
	return DefaultArchiveLength
}

func (p *Publisher) snapshot() (commander, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client, p.running && p.client != nil
}

// Publish stores a variable value, notifies subscribers when enabled and
// appends to the archive list for archived variables.
func (p *Publisher) Publish(u Update) error {
	client, ok := p.snapshot()
	if !ok {
		return nil
	}

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := ValueMessage{
		Namespace: p.namespace,
		Device:    u.Device,
		Variable:  u.Variable,
		ID:        u.ID,
		Value:     u.Value,
		Type:      u.Type,
		Unit:      u.Unit,
		Writable:  u.Writable,
		Timestamp: ts.UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.ValueKey(u.Device, u.Variable), data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if u.Archived {
		key := p.ArchiveKey(u.Device, u.Variable)
		if err := client.LPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to archive value: %w", err)
		}
		if err := client.LTrim(ctx, key, 0, p.archiveLength()-1).Err(); err != nil {
			return fmt.Errorf("failed to trim archive: %w", err)
		}
	}

	if p.config.PublishChanges {
		client.Publish(ctx, p.key(u.Device, "changes"), data)
		client.Publish(ctx, p.key("_all", "changes"), data)
	}
	return nil
}

// PublishHealth stores the health document of a device.
func (p *Publisher) PublishHealth(h HealthMessage) error {
	client, ok := p.snapshot()
	if !ok {
		return nil
	}

	h.Namespace = p.namespace
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.key(h.Device, "health")
	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler func(deviceName, variable string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator func(deviceName, variable string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the callback invoked after a connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests from the queue until stop is closed.
func (p *Publisher) writebackListener(client commander, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.key("writes")
	responseChannel := p.key("write", "responses")

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}
		p.processWriteRequest(client, req, responseChannel)
	}
}

func (p *Publisher) processWriteRequest(client commander, req WriteRequest, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	response := WriteResponse{
		Device:    req.Device,
		Variable:  req.Variable,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case validator != nil && !validator(req.Device, req.Variable):
		response.Error = "variable is not writable"
	case handler == nil:
		response.Error = "no write handler configured"
	default:
		if err := handler(req.Device, req.Variable, req.Value); err != nil {
			response.Error = err.Error()
		} else {
			response.Success = true
		}
	}

	data, _ := json.Marshal(response)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, responseChannel, data)

	debugLog("Write %s:%s = %v -> success=%v", req.Device, req.Variable, req.Value, response.Success)
}
