// Package mqtt publishes variable values to MQTT brokers and accepts
// write requests on per-device write topics.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7gate/config"
	"s7gate/logging"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

var (
	errQueueFull    = errors.New("write queue full, try again later")
	errNoHandler    = errors.New("no write handler configured")
	errConnTimeout  = errors.New("connection timeout")
	errNotWritable  = errors.New("variable not writable")
	errWrongDevice  = errors.New("device mismatch")
	errMissingField = errors.New("variable is required")
)

// writeJob is a pending write, or an error-only response when err is set.
type writeJob struct {
	client   pahomqtt.Client
	root     string
	device   string
	variable string
	value    interface{}
	err      error
}

// Update is a single variable value to publish.
type Update struct {
	Device    string
	Variable  string
	ID        string
	Type      string
	Unit      string
	Value     interface{}
	Writable  bool
	Timestamp time.Time
}

// ValueMessage is the JSON structure published for each variable.
type ValueMessage struct {
	Namespace string      `json:"namespace"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	ID        string      `json:"id,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published on <root>/<device>/health.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
// Device is optional; when present it must match the topic.
type WriteRequest struct {
	Device   string      `json:"device,omitempty"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a write. Returns an error if the write fails.
type WriteHandler func(deviceName, variable string, value interface{}) error

// WriteValidator reports whether a variable exists and accepts writes.
type WriteValidator func(deviceName, variable string) bool

// Publisher handles one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	// Last published values keyed by device/variable
	lastValues map[string]string
	lastMu     sync.Mutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		newClient:  pahomqtt.NewClient,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	scheme := "tcp"
	if p.config.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.config.Broker, p.config.Port)
}

// TopicRoot returns <namespace> or <namespace>/<selector>.
func (p *Publisher) TopicRoot() string {
	if p.config.Selector != "" {
		return p.namespace + "/" + p.config.Selector
	}
	return p.namespace
}

// BuildTopic returns the value topic of a variable.
func (p *Publisher) BuildTopic(deviceName, variable string) string {
	return fmt.Sprintf("%s/%s/variables/%s", p.TopicRoot(), deviceName, variable)
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientID := p.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", p.namespace, p.config.Name)
	}
	opts.SetClientID(clientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	return opts
}

// Start connects to the broker, starts the write workers and subscribes
// to the write topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Connect without holding the lock
	client := p.newClient(p.clientOptions())
	logMQTT("Connecting to %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("Connection timeout to %s", p.Address())
		return errConnTimeout
	}
	if err := token.Error(); err != nil {
		logMQTT("Connection error to %s: %v", p.Address(), err)
		return err
	}
	logMQTT("Connected to %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.Unlock()

	// Force a full republish after reconnecting
	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}

	p.subscribeWriteTopic(client)
	return nil
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()

				if handler == nil {
					err = errNoHandler
				} else {
					logMQTT("Executing write: %s/%s = %v", job.device, job.variable, job.value)
					err = handler(job.device, job.variable, job.value)
					if err != nil {
						logMQTT("Write error %s/%s: %v", job.device, job.variable, err)
					}
				}
			}
			p.publishWriteResponse(job, err)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// Publish sends a retained value message if the value changed since the
// last publish, or when force is set. Reports whether a message was sent.
func (p *Publisher) Publish(u Update, force bool) bool {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	key := u.Device + "/" + u.Variable
	current := fmt.Sprintf("%v", u.Value)

	p.lastMu.Lock()
	last, exists := p.lastValues[key]
	p.lastMu.Unlock()

	if exists && !force && last == current {
		return false
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
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logMQTT("Marshal error for %s: %v", key, err)
		return false
	}

	token := client.Publish(p.BuildTopic(u.Device, u.Variable), 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[key] = current
	p.lastMu.Unlock()
	return true
}

// PublishHealth publishes a retained health message for a device.
func (p *Publisher) PublishHealth(h HealthMessage) bool {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}
	if h.Timestamp == "" {
		h.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return false
	}
	topic := fmt.Sprintf("%s/%s/health", p.TopicRoot(), h.Device)
	token := client.Publish(topic, 1, true, payload)
	return token.WaitTimeout(2*time.Second) && token.Error() == nil
}

// Forget drops the dedup state of a variable so its next value is published.
func (p *Publisher) Forget(deviceName, variable string) {
	p.lastMu.Lock()
	delete(p.lastValues, deviceName+"/"+variable)
	p.lastMu.Unlock()
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// writeFilter matches <root>/<device>/write for every device.
func (p *Publisher) writeFilter() string {
	return p.TopicRoot() + "/+/write"
}

func (p *Publisher) subscribeWriteTopic(client pahomqtt.Client) {
	topic := p.writeFilter()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2 * time.Second) {
		logMQTT("Subscribe timeout for %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		logMQTT("Subscribe error for %s: %v", topic, err)
		return
	}
	logMQTT("Subscribed to: %s", topic)
}

// deviceFromWriteTopic extracts the device segment of <root>/<device>/write.
func deviceFromWriteTopic(root, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, root+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/write")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Write request on %s: %s", msg.Topic(), string(msg.Payload()))

	p.mu.RLock()
	validator := p.writeValidator
	queue := p.writeQueue
	p.mu.RUnlock()

	root := p.TopicRoot()
	deviceName, ok := deviceFromWriteTopic(root, msg.Topic())
	if !ok {
		logMQTT("Ignoring write on unexpected topic %s", msg.Topic())
		return
	}

	job := writeJob{client: client, root: root, device: deviceName}

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
		p.enqueue(queue, job)
		return
	}
	job.variable = req.Variable
	job.value = req.Value

	switch {
	case req.Variable == "":
		job.err = errMissingField
	case req.Device != "" && req.Device != deviceName:
		job.err = fmt.Errorf("%w: topic %s, payload %s", errWrongDevice, deviceName, req.Device)
	case validator != nil && !validator(deviceName, req.Variable):
		job.err = fmt.Errorf("%w: %s/%s", errNotWritable, deviceName, req.Variable)
	}
	p.enqueue(queue, job)
}

// enqueue hands a job to the worker pool, answering directly when it is full.
func (p *Publisher) enqueue(queue chan writeJob, job writeJob) {
	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s/%s", job.device, job.variable)
		go p.publishWriteResponse(job, errQueueFull)
	}
}

func (p *Publisher) publishWriteResponse(job writeJob, err error) {
	resp := WriteResponse{
		Device:    job.device,
		Variable:  job.variable,
		Value:     job.value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)

	topic := fmt.Sprintf("%s/%s/write/response", job.root, job.device)
	token := job.client.Publish(topic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
