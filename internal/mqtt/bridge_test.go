//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/usbdev"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeFlash struct {
	bus  *flash.EventBus
	err  error
	reqs []flash.Request
}

func (f *fakeFlash) Events() *flash.EventBus { return f.bus }

func (f *fakeFlash) Start(req flash.Request) (*flash.Handle, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &flash.Handle{}, nil
}

type fakeLister []usbdev.Device

func (f fakeLister) List() []usbdev.Device { return f }

var testBoard = usbdev.Device{
	Name:         "QT Py M0",
	VendorID:     usbdev.VendorAdafruit,
	ProductID:    usbdev.ProductQTPyApp,
	SerialNumber: "F2A1B3C4504B5354",
	Port:         "/dev/ttyACM0",
}

func newTestBridge(discovery bool) (*Bridge, *fakeFlash, *[]published) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := &fakeFlash{bus: flash.NewEventBus(logger)}
	b := newBridge(svc, fakeLister{testBoard}, Config{TopicPrefix: "qtpy", Discovery: discovery}, logger)

	var mu sync.Mutex
	var out []published
	b.pub = func(topic string, payload []byte, retained bool) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, published{topic, payload, retained})
	}
	return b, svc, &out
}

func TestTopicKey(t *testing.T) {
	tests := []struct {
		serial, port, want string
	}{
		{"F2A1B3C4504B5354", "COM5", "F2A1B3C4504B5354"},
		{"", "/dev/ttyACM0", "ttyACM0"},
		{"", "/dev/cu.usbmodem14101", "cu_usbmodem14101"},
		{"", "COM5", "COM5"},
		{"a/b#c", "", "a_b_c"},
	}
	for _, tt := range tests {
		if got := topicKey(tt.serial, tt.port); got != tt.want {
			t.Errorf("topicKey(%q, %q) = %q, want %q", tt.serial, tt.port, got, tt.want)
		}
	}
}

func TestStateTopicFormat(t *testing.T) {
	if got := progressTopic("qtpy", "SN1"); got != "qtpy/SN1/progress" {
		t.Errorf("progressTopic = %q", got)
	}
	if got := resultTopic("qtpy", "SN1"); got != "qtpy/SN1/result" {
		t.Errorf("resultTopic = %q", got)
	}
}

func TestBridgePublishesProgressAndResult(t *testing.T) {
	b, svc, out := newTestBridge(false)
	b.Start()
	defer b.unsub()

	info := flash.SessionInfo{ID: "s1", Serial: testBoard.SerialNumber, Port: "COM5", FirmwareID: "test", State: flash.StateIdle}
	svc.bus.Emit(flash.Event{Type: flash.EventSessionStarted, Data: info})
	svc.bus.Emit(flash.Event{Type: flash.EventProgress, Data: flash.Progress{
		SessionID: "s1", Serial: testBoard.SerialNumber, State: flash.StateFlashing, Text: "Flashing board...", Informational: true,
	}})
	info.State = flash.StateSucceeded
	svc.bus.Emit(flash.Event{Type: flash.EventSessionFinished, Data: info})

	if len(*out) != 2 {
		t.Fatalf("published = %d, want 2", len(*out))
	}

	p := (*out)[0]
	if p.topic != "qtpy/F2A1B3C4504B5354/progress" || p.retained {
		t.Errorf("progress = %s retained=%v", p.topic, p.retained)
	}
	var prog map[string]interface{}
	if err := json.Unmarshal(p.payload, &prog); err != nil {
		t.Fatal(err)
	}
	if prog["state"] != "flashing" || prog["text"] != "Flashing board..." {
		t.Errorf("progress payload = %v", prog)
	}

	r := (*out)[1]
	if r.topic != "qtpy/F2A1B3C4504B5354/result" || !r.retained {
		t.Errorf("result = %s retained=%v", r.topic, r.retained)
	}
	var res map[string]interface{}
	if err := json.Unmarshal(r.payload, &res); err != nil {
		t.Fatal(err)
	}
	if res["success"] != true || res["state"] != "succeeded" || res["firmware_id"] != "test" {
		t.Errorf("result payload = %v", res)
	}
}

func TestBridgeAnnouncesBoardOnce(t *testing.T) {
	b, svc, out := newTestBridge(true)
	b.Start()
	defer b.unsub()

	info := flash.SessionInfo{ID: "s1", DeviceName: "QT Py M0", Serial: "AAAA0001", Port: "COM9"}
	svc.bus.Emit(flash.Event{Type: flash.EventSessionStarted, Data: info})
	svc.bus.Emit(flash.Event{Type: flash.EventSessionStarted, Data: info})

	if len(*out) != 3 {
		t.Fatalf("published = %d, want 3 discovery messages", len(*out))
	}
	for _, m := range *out {
		if !m.retained {
			t.Errorf("%s not retained", m.topic)
		}
	}
}

func TestDiscoveryForBoard(t *testing.T) {
	msgs := buildDiscovery(testBoard, "qtpy")
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}

	var last *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/sensor/qtpy_F2A1B3C4504B5354/last_flash/config" {
			last = &msgs[i]
		}
	}
	if last == nil {
		t.Fatal("last_flash discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.StateTopic != "qtpy/F2A1B3C4504B5354/result" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "qtpy/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.UniqueID != "qtpy_F2A1B3C4504B5354_last_flash" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.Name != "QT Py M0 F2A1B3C4504B5354 Last Flash" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.Device.Manufacturer != "Adafruit" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}
}

func TestPublishAllDiscovery(t *testing.T) {
	b, _, out := newTestBridge(true)
	b.publishAllDiscovery()
	if len(*out) != 3 {
		t.Fatalf("published = %d, want 3", len(*out))
	}

	b.announce(flash.SessionInfo{DeviceName: testBoard.Name, Serial: testBoard.SerialNumber})
	if len(*out) != 3 {
		t.Errorf("board announced twice")
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		dev  usbdev.Device
		want string
	}{
		{usbdev.Device{Name: "QT Py M0", SerialNumber: "SN1"}, "QT Py M0 SN1"},
		{usbdev.Device{Name: "QT Py M0"}, "QT Py M0"},
		{usbdev.Device{VendorID: 0x239a, ProductID: 0x80cb}, "USB device " + usbdev.ID{Vendor: 0x239a, Product: 0x80cb}.String()},
	}
	for _, tt := range tests {
		if got := deviceDisplayName(tt.dev); got != tt.want {
			t.Errorf("deviceDisplayName(%+v) = %q, want %q", tt.dev, got, tt.want)
		}
	}
}

func TestCommandParse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"serial", `{"serial":"SN1","firmware":"test"}`, false},
		{"port", `{"port":"COM5","firmware":"test"}`, false},
		{"no firmware", `{"serial":"SN1"}`, true},
		{"no board", `{"firmware":"test"}`, true},
		{"bad json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlashCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := parseFlashCommand([]byte(`{"firmware":"test"}`)); !errors.Is(err, flash.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestHandleCommand(t *testing.T) {
	b, svc, out := newTestBridge(false)

	b.handleCommand([]byte(`{"serial":"SN1","firmware":"test"}`))
	if len(svc.reqs) != 1 || svc.reqs[0].Serial != "SN1" || svc.reqs[0].Firmware != "test" {
		t.Fatalf("requests = %+v", svc.reqs)
	}

	svc.err = flash.ErrBusy
	b.handleCommand([]byte(`{"serial":"SN1","firmware":"test"}`))
	b.handleCommand([]byte(`nope`))

	if len(svc.reqs) != 2 {
		t.Errorf("requests = %d, want 2", len(svc.reqs))
	}
	if len(*out) != 3 {
		t.Fatalf("responses = %d, want 3", len(*out))
	}
	for _, m := range *out {
		if m.topic != "qtpy/flash/response" {
			t.Errorf("topic = %q", m.topic)
		}
	}
	var resp map[string]string
	if err := json.Unmarshal((*out)[1].payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] == "" {
		t.Errorf("busy response = %v", resp)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(chan) = %s, want {}", got)
	}
}
