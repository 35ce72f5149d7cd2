package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"s7gate/config"
)

// Update is a single variable value to produce.
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

// ValueMessage is the JSON structure produced for value changes.
type ValueMessage struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	ID        string      `json:"id,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Writable  bool        `json:"writable"`
	Archived  bool        `json:"archived,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure produced for device health.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// MessageKey returns the partitioning key of a variable.
func MessageKey(deviceName, variable string) []byte {
	return []byte(deviceName + "/" + variable)
}

// publishJob is a pending produce. An empty cacheKey skips change tracking.
type publishJob struct {
	producer *Producer
	topic    string
	msg      kafka.Message
	cacheKey string
	value    string
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producer connections.
type Manager struct {
	producers  map[string]*Producer
	mu         sync.RWMutex
	lastValues map[string]string // cluster/device/variable -> last produced value
	lastMu     sync.Mutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func (m *Manager) startWorkers() {
	m.startOnce.Do(func() {
		for i := 0; i < MaxPublishWorkers; i++ {
			m.wg.Add(1)
			go m.publishWorker()
		}
	})
}

func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job := <-m.publishQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := job.producer.ProduceWithRetry(ctx, job.topic, job.msg)
			cancel()
			if err != nil {
				logKafka("Failed to publish %s to %s: %v", job.msg.Key, job.topic, err)
				continue
			}
			if job.cacheKey != "" {
				m.lastMu.Lock()
				m.lastValues[job.cacheKey] = job.value
				m.lastMu.Unlock()
			}
		}
	}
}

// AddCluster adds a cluster. An existing cluster with the same name is kept.
func (m *Manager) AddCluster(cfg *Config) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.producers[cfg.Name]; exists {
		return p
	}
	p := NewProducer(cfg)
	m.producers[cfg.Name] = p
	return p
}

// RemoveCluster disconnects and removes a cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	p, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()

	if exists {
		p.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}

// Connect connects to the named cluster.
func (m *Manager) Connect(name string) error {
	p := m.GetProducer(name)
	if p == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.Connect()
}

// Disconnect disconnects from the named cluster.
func (m *Manager) Disconnect(name string) {
	if p := m.GetProducer(name); p != nil {
		p.Disconnect()
	}
}

// ConnectEnabled connects all enabled clusters and starts the publish workers.
func (m *Manager) ConnectEnabled() {
	m.startWorkers()
	for _, p := range m.snapshot() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			logKafka("Failed to connect %s: %v", p.config.Name, err)
		}
	}
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.stopOnce.Do(func() { close(m.stopChan) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logKafka("Timeout waiting for publish workers to stop")
	}

	for _, p := range m.snapshot() {
		p.Disconnect()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.GetStatus(), p.GetError()
}

// LoadFromConfig adds clusters from the persisted configuration.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, namespace string) {
	for i := range cfgs {
		m.AddCluster(FromConfig(&cfgs[i], namespace))
	}
}

// publishing reports whether p should receive value and health messages.
func publishing(p *Producer) bool {
	return p.GetStatus() == StatusConnected && p.config.PublishChanges && p.config.Topic != ""
}

func (m *Manager) enqueue(job publishJob) {
	select {
	case m.publishQueue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.msg.Key)
	}
}

// Publish queues a value change for every publishing cluster, skipping
// clusters that already produced the same value unless force is set.
func (m *Manager) Publish(u Update, force bool) {
	m.startWorkers()

	current := fmt.Sprintf("%v", u.Value)
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var payload []byte
	for _, p := range m.snapshot() {
		if !publishing(p) {
			continue
		}

		cacheKey := p.config.Name + "/" + u.Device + "/" + u.Variable
		m.lastMu.Lock()
		last, exists := m.lastValues[cacheKey]
		m.lastMu.Unlock()
		if exists && !force && last == current {
			continue
		}

		if payload == nil {
			data, err := json.Marshal(ValueMessage{
				Device:    u.Device,
				Variable:  u.Variable,
				ID:        u.ID,
				Value:     u.Value,
				Type:      u.Type,
				Unit:      u.Unit,
				Writable:  u.Writable,
				Archived:  u.Archived,
				Timestamp: ts.UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				logKafka("Marshal error for %s/%s: %v", u.Device, u.Variable, err)
				return
			}
			payload = data
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.Topic,
			msg:      kafka.Message{Key: MessageKey(u.Device, u.Variable), Value: payload, Time: ts},
			cacheKey: cacheKey,
			value:    current,
		})
	}
}

// PublishHealth queues a health message for every publishing cluster.
func (m *Manager) PublishHealth(h HealthMessage) {
	m.startWorkers()

	if h.Timestamp == "" {
		h.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return
	}

	for _, p := range m.snapshot() {
		if !publishing(p) {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.HealthTopic(),
			msg:      kafka.Message{Key: []byte(h.Device), Value: payload, Time: time.Now()},
		})
	}
}

// AnyPublishing returns true if any cluster is connected with publishing enabled.
func (m *Manager) AnyPublishing() bool {
	for _, p := range m.snapshot() {
		if publishing(p) {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing republish of all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]string)
	m.lastMu.Unlock()
}
