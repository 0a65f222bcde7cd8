//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/usbdev"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	Discovery   bool // publish Home Assistant discovery for boards
}

// FlashService is what the bridge needs from the flash service.
type FlashService interface {
	Events() *flash.EventBus
	Start(req flash.Request) (*flash.Handle, error)
}

// DeviceLister lists the allow-listed boards currently connected.
type DeviceLister interface {
	List() []usbdev.Device
}

// Bridge publishes flash progress to MQTT and accepts flash requests from it.
//
// Topics, relative to the prefix:
//
//	bridge/state         online/offline (retained, LWT)
//	<board>/progress     every progress event
//	<board>/result       the last finished session (retained)
//	flash/set            {"serial","port","firmware"} starts a session
//	flash/response       {"session_id"} or {"error"} for each flash/set
type Bridge struct {
	client    pahomqtt.Client
	flash     FlashService
	devices   DeviceLister
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()

	// pub is the publish path; tests replace it.
	pub func(topic string, payload []byte, retained bool)

	mu        sync.Mutex
	announced map[string]bool // boards with discovery published
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(svc FlashService, devices DeviceLister, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(svc, devices, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "qtpy-flash"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(svc FlashService, devices DeviceLister, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		flash:     svc,
		devices:   devices,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]bool),
	}
	b.pub = b.publish
	return b
}

// Start subscribes to flash events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.flash.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event flash.Event) {
	switch d := event.Data.(type) {
	case flash.Progress:
		key := topicKey(d.Serial, "")
		if key == "" {
			return
		}
		b.pub(progressTopic(b.prefix, key), mustJSON(d), false)
	case flash.SessionInfo:
		key := topicKey(d.Serial, d.Port)
		switch event.Type {
		case flash.EventSessionStarted:
			b.announce(d)
		case flash.EventSessionFinished:
			b.pub(resultTopic(b.prefix, key), resultPayload(d), true)
		}
	}
}

// progressTopic returns the topic for a board's progress events.
func progressTopic(prefix, key string) string {
	return prefix + "/" + key + "/progress"
}

// resultTopic returns the retained topic for a board's last result.
func resultTopic(prefix, key string) string {
	return prefix + "/" + key + "/result"
}

type result struct {
	flash.SessionInfo
	Success bool `json:"success"`
}

// resultPayload renders a finished session for the result topic.
func resultPayload(info flash.SessionInfo) []byte {
	return mustJSON(result{SessionInfo: info, Success: info.State == flash.StateSucceeded})
}

func (b *Bridge) announce(info flash.SessionInfo) {
	if !b.discovery {
		return
	}
	dev := usbdev.Device{Name: info.DeviceName, SerialNumber: info.Serial, Port: info.Port}
	id := deviceIdentifier(dev)

	b.mu.Lock()
	done := b.announced[id]
	b.announced[id] = true
	b.mu.Unlock()
	if !done {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.pub(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	if !b.discovery || b.devices == nil {
		return
	}
	for _, dev := range b.devices.List() {
		b.mu.Lock()
		b.announced[deviceIdentifier(dev)] = true
		b.mu.Unlock()
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev usbdev.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.pub(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "serial", dev.SerialNumber, "name", deviceDisplayName(dev))
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/flash/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Warn("MQTT subscribe failed", "topic", topic, "err", token.Error())
		}
	}()
}

// parseFlashCommand decodes a flash/set payload.
func parseFlashCommand(payload []byte) (flash.Request, error) {
	var req flash.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return flash.Request{}, fmt.Errorf("invalid command JSON: %w", err)
	}
	if req.Firmware == "" {
		return flash.Request{}, errors.New("firmware is required")
	}
	if req.Serial == "" && req.Port == "" {
		return flash.Request{}, flash.ErrInvalidRequest
	}
	return req, nil
}

func (b *Bridge) handleCommand(payload []byte) {
	respTopic := b.prefix + "/flash/response"

	req, err := parseFlashCommand(payload)
	if err != nil {
		b.logger.Warn("invalid flash command", "err", err)
		b.pub(respTopic, mustJSON(map[string]string{"error": err.Error()}), false)
		return
	}

	h, err := b.flash.Start(req)
	if err != nil {
		b.logger.Warn("flash command rejected", "serial", req.Serial, "port", req.Port, "firmware", req.Firmware, "err", err)
		b.pub(respTopic, mustJSON(map[string]string{"error": err.Error(), "serial": req.Serial, "port": req.Port}), false)
		return
	}
	b.logger.Info("flash started from MQTT", "session", h.ID(), "serial", req.Serial, "firmware", req.Firmware)
	b.pub(respTopic, mustJSON(map[string]string{"session_id": h.ID(), "serial": req.Serial, "port": req.Port}), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
