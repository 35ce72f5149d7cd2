// Package engine ties the device manager to the brokers and owns every
// mutation that must be persisted to the configuration file.
package engine

import (
	"sync"

	"s7gate/config"
	"s7gate/driver"
	"s7gate/kafka"
	"s7gate/mqtt"
	"s7gate/plcman"
	"s7gate/valkey"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc

	// DriverFactory replaces the S7 driver constructor. Nil uses driver.New.
	DriverFactory func(driver.Config) *driver.Driver
}

// Engine centralizes config mutations, manager orchestration and callback
// wiring. The REST API is a thin consumer.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc
	newDriver  func(driver.Config) *driver.Driver

	plcMan    *plcman.Manager
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager

	Events *EventBus

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a new Engine. Call Start() to initialize managers and wiring.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		newDriver:  c.DriverFactory,
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
}

// Start creates all managers, wires callbacks and auto-starts enabled
// devices and brokers. Devices that fail to load are logged and skipped.
func (e *Engine) Start() {
	cfg := e.cfg

	opts := []plcman.Option{plcman.WithMaxRequestLength(cfg.MaxRequestLength)}
	if e.newDriver != nil {
		opts = append(opts, plcman.WithDriverFactory(e.newDriver))
	}
	e.plcMan = plcman.NewManager(cfg.PollRate, opts...)
	if err := e.plcMan.LoadFromConfig(cfg); err != nil {
		e.logFn("Some devices failed to load: %v", err)
	}

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	e.valkeyMgr = valkey.NewManager()
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	e.kafkaMgr = kafka.NewManager()
	e.kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	e.setupValueChangeHandlers()
	e.setupWriteHandlers()

	e.valkeyMgr.SetOnConnectCallback(e.forcePublishAllValuesToValkey)

	e.plcMan.SetOnLog(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})
	e.plcMan.SetOnChange(func() {
		e.emit(EventDeviceStatusChanged, nil)
	})

	e.plcMan.Start()
	e.plcMan.ConnectEnabled(cfg)

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			for _, pub := range e.mqttMgr.List() {
				if pub.IsRunning() {
					e.emit(EventServiceStarted, ServiceEvent{Kind: "mqtt", Name: pub.Name()})
				}
			}
			e.forcePublishAllValuesToMQTT()
		}
	}()

	go func() {
		if started := e.valkeyMgr.StartAll(); started > 0 {
			for _, pub := range e.valkeyMgr.List() {
				if pub.IsRunning() {
					e.emit(EventServiceStarted, ServiceEvent{Kind: "valkey", Name: pub.Name()})
				}
			}
		}
	}()

	go func() {
		e.kafkaMgr.ConnectEnabled()
		for _, name := range e.kafkaMgr.ListClusters() {
			if status, _ := e.kafkaMgr.GetClusterStatus(name); status == kafka.StatusConnected {
				e.emit(EventServiceStarted, ServiceEvent{Kind: "kafka", Name: name})
			}
		}
	}()

	go e.publishHealthLoop()
}

// Stop shuts down all managers. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)

		if e.mqttMgr != nil {
			e.mqttMgr.StopAll()
			e.emit(EventServiceStopped, ServiceEvent{Kind: "mqtt"})
		}
		if e.valkeyMgr != nil {
			e.valkeyMgr.StopAll()
			e.emit(EventServiceStopped, ServiceEvent{Kind: "valkey"})
		}
		if e.kafkaMgr != nil {
			e.kafkaMgr.StopAll()
			e.emit(EventServiceStopped, ServiceEvent{Kind: "kafka"})
		}
		if e.plcMan != nil {
			e.plcMan.Stop()
			e.plcMan.DisconnectAll()
		}
	})
}

// Managers provides access to shared backend managers.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetPLCMan() *plcman.Manager
	GetMQTTMgr() *mqtt.Manager
	GetValkeyMgr() *valkey.Manager
	GetKafkaMgr() *kafka.Manager
}

var _ Managers = (*Engine)(nil)

func (e *Engine) GetConfig() *config.Config     { return e.cfg }
func (e *Engine) GetConfigPath() string         { return e.configPath }
func (e *Engine) GetPLCMan() *plcman.Manager    { return e.plcMan }
func (e *Engine) GetMQTTMgr() *mqtt.Manager     { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager   { return e.kafkaMgr }

// saveConfig writes the config and releases the lock taken by the caller.
func (e *Engine) saveConfig() error {
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
