//go:build !no_automation

package automation

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/usbdev"

	lua "github.com/yuin/gopher-lua"
)

type fakeFlash struct {
	bus *flash.EventBus
	err error

	mu   sync.Mutex
	reqs []flash.Request
}

func newFakeFlash() *fakeFlash {
	return &fakeFlash{bus: flash.NewEventBus(testLogger())}
}

func (f *fakeFlash) Events() *flash.EventBus { return f.bus }

func (f *fakeFlash) Start(req flash.Request) (*flash.Handle, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &flash.Handle{}, nil
}

func (f *fakeFlash) requests() []flash.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flash.Request(nil), f.reqs...)
}

type fakeLister []usbdev.Device

func (f fakeLister) List() []usbdev.Device { return f }

var boardA = usbdev.Device{
	Name:         "QT Py M0",
	VendorID:     usbdev.VendorAdafruit,
	ProductID:    usbdev.ProductQTPyApp,
	SerialNumber: "AAAA0001",
	Port:         "COM5",
}

func newEngineFixture(t *testing.T) (*Engine, *fakeFlash, *Manager) {
	t.Helper()
	svc := newFakeFlash()
	m := newTestManager(t)
	e := NewEngine(svc, fakeLister{boardA}, m, testLogger(), SystemConfig{})
	return e, svc, m
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		in   interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "COM5", lua.LTString},
		{"int", 3, lua.LTNumber},
		{"int64", int64(3), lua.LTNumber},
		{"uint16", uint16(0x239a), lua.LTNumber},
		{"float", 1.5, lua.LTNumber},
		{"time", time.Unix(100, 0), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{"a", "b"}, lua.LTTable},
		{"other", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.in).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatchesHandler(t *testing.T) {
	data := map[string]interface{}{"serial": "AAAA0001", "state": "failed"}

	tests := []struct {
		name string
		h    luaEventHandler
		typ  string
		want bool
	}{
		{"type only", luaEventHandler{eventType: flash.EventSessionFinished}, flash.EventSessionFinished, true},
		{"wrong type", luaEventHandler{eventType: flash.EventProgress}, flash.EventSessionFinished, false},
		{"serial match", luaEventHandler{eventType: flash.EventSessionFinished, serial: "AAAA0001"}, flash.EventSessionFinished, true},
		{"serial mismatch", luaEventHandler{eventType: flash.EventSessionFinished, serial: "BBBB0002"}, flash.EventSessionFinished, false},
		{"state match", luaEventHandler{eventType: flash.EventSessionFinished, state: "failed"}, flash.EventSessionFinished, true},
		{"state mismatch", luaEventHandler{eventType: flash.EventSessionFinished, state: "succeeded"}, flash.EventSessionFinished, false},
		{"both", luaEventHandler{eventType: flash.EventSessionFinished, serial: "AAAA0001", state: "failed"}, flash.EventSessionFinished, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.h, tt.typ, data); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventDataProgress(t *testing.T) {
	d := eventData(flash.Event{Type: flash.EventProgress, Data: flash.Progress{
		SessionID: "s1",
		Serial:    "AAAA0001",
		State:     flash.StateFailed,
		Text:      flash.KindMountTimeout.Message(),
		Kind:      flash.KindMountTimeout,
	}})

	if d["session_id"] != "s1" || d["serial"] != "AAAA0001" {
		t.Errorf("data = %v", d)
	}
	if d["state"] != "failed" {
		t.Errorf("state = %v, want failed", d["state"])
	}
	if d["kind"] != string(flash.KindMountTimeout) {
		t.Errorf("kind = %v", d["kind"])
	}
	if d["success"] != false {
		t.Errorf("success = %v, want false", d["success"])
	}
	if _, ok := d["stderr"]; ok {
		t.Error("stderr set without programmer output")
	}

	d = eventData(flash.Event{Type: flash.EventProgress, Data: flash.Progress{
		State:  flash.StateFailed,
		Kind:   flash.KindProgrammerExitFailure,
		Stderr: "No device found on COM5",
	}})
	if d["stderr"] != "No device found on COM5" {
		t.Errorf("stderr = %v", d["stderr"])
	}
}

func TestEventDataSessionInfo(t *testing.T) {
	running := eventData(flash.Event{Type: flash.EventSessionStarted, Data: flash.SessionInfo{
		ID:     "s1",
		Serial: "AAAA0001",
		Port:   "COM5",
		State:  flash.StateIdle,
	}})
	if _, ok := running["success"]; ok {
		t.Error("success set for a running session")
	}
	if _, ok := running["final_port"]; ok {
		t.Error("final_port set without relocation")
	}

	done := eventData(flash.Event{Type: flash.EventSessionFinished, Data: flash.SessionInfo{
		ID:        "s1",
		Serial:    "AAAA0001",
		Port:      "COM5",
		FinalPort: "COM7",
		State:     flash.StateSucceeded,
	}})
	if done["success"] != true {
		t.Errorf("success = %v, want true", done["success"])
	}
	if done["final_port"] != "COM7" {
		t.Errorf("final_port = %v, want COM7", done["final_port"])
	}

	if len(eventData(flash.Event{Type: "other", Data: 42})) != 0 {
		t.Error("unknown payload produced data")
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, _, _ := newEngineFixture(t)

	r := e.RunLuaCode(`
flash.log("hello")
system.log("warn", "careful")
`)
	if !r.OK {
		t.Fatalf("run failed: %s", r.Error)
	}
	want := []string{"hello", "[warn] careful"}
	if len(r.Logs) != len(want) {
		t.Fatalf("logs = %v, want %v", r.Logs, want)
	}
	for i := range want {
		if r.Logs[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, r.Logs[i], want[i])
		}
	}
}

func TestRunLuaCodeDryRunDoesNotFlash(t *testing.T) {
	e, svc, _ := newEngineFixture(t)

	r := e.RunLuaCode(`
flash.on(flash.events.FINISHED, {state = "failed"}, function(ev)
  local id = flash.start(ev.serial, "blink")
  flash.log(ev.state .. " " .. id)
end)
`)
	if !r.OK {
		t.Fatalf("run failed: %s", r.Error)
	}
	if len(r.Logs) != 1 || r.Logs[0] != "failed dry-run" {
		t.Errorf("logs = %v", r.Logs)
	}
	if n := len(svc.requests()); n != 0 {
		t.Errorf("flash requests = %d, want 0", n)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newEngineFixture(t)

	tests := []struct {
		name string
		code string
	}{
		{"syntax", `flash.log(`},
		{"runtime", `error("boom")`},
		{"sandbox", `os.exit(1)`},
		{"bad on", `flash.on("x", 42)`},
		{"handler error", `flash.on("session_finished", function(ev) error("nope") end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.RunLuaCode(tt.code)
			if r.OK {
				t.Error("expected failure")
			}
			if r.Error == "" {
				t.Error("empty error")
			}
		})
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the run timeout")
	}
	e, _, _ := newEngineFixture(t)
	r := e.RunLuaCode(`while true do end`)
	if r.OK || !strings.Contains(r.Error, "timeout") {
		t.Errorf("result = %+v, want timeout", r)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	if r := e.RunScript("missing"); r.OK {
		t.Error("expected failure for missing script")
	}
}

func TestFlashDevices(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	r := e.RunLuaCode(`
local devs = flash.devices()
flash.log(#devs .. " " .. devs[1].serial .. " " .. devs[1].port .. " " .. devs[1].id)
`)
	if !r.OK {
		t.Fatalf("run failed: %s", r.Error)
	}
	want := "1 AAAA0001 COM5 " + boardA.ID().String()
	if len(r.Logs) != 1 || r.Logs[0] != want {
		t.Errorf("logs = %v, want [%s]", r.Logs, want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestEngineChainsFlashOnFinish(t *testing.T) {
	e, svc, m := newEngineFixture(t)

	_, err := m.Save(&Script{
		ID:   "chain",
		Meta: ScriptMeta{Name: "chain", Enabled: true},
		LuaCode: `
flash.on(flash.events.FINISHED, {serial = "AAAA0001", state = "succeeded"}, function(ev)
  flash.start("BBBB0002", "blink")
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(&Script{
		ID:      "off",
		Meta:    ScriptMeta{Name: "off", Enabled: false},
		LuaCode: `flash.on("session_finished", function(ev) flash.start("CCCC0003", "blink") end)`,
	}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	if got := e.Running(); len(got) != 1 || got[0] != "chain" {
		t.Fatalf("running = %v, want [chain]", got)
	}

	svc.bus.Emit(flash.Event{Type: flash.EventSessionFinished, Data: flash.SessionInfo{
		ID: "s1", Serial: "BBBB0002", State: flash.StateSucceeded,
	}})
	svc.bus.Emit(flash.Event{Type: flash.EventSessionFinished, Data: flash.SessionInfo{
		ID: "s2", Serial: "AAAA0001", State: flash.StateFailed,
	}})
	svc.bus.Emit(flash.Event{Type: flash.EventSessionFinished, Data: flash.SessionInfo{
		ID: "s3", Serial: "AAAA0001", State: flash.StateSucceeded,
	}})

	waitFor(t, func() bool { return len(svc.requests()) > 0 })
	time.Sleep(50 * time.Millisecond)

	reqs := svc.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %v, want one", reqs)
	}
	if reqs[0].Serial != "BBBB0002" || reqs[0].Firmware != "blink" {
		t.Errorf("request = %+v", reqs[0])
	}
}

func TestEngineStartFailureReturnsError(t *testing.T) {
	e, svc, m := newEngineFixture(t)
	svc.err = errors.New("busy")

	if _, err := m.Save(&Script{
		ID:   "retry",
		Meta: ScriptMeta{Name: "retry", Enabled: true},
		LuaCode: `
flash.on(flash.events.FINISHED, function(ev)
  local id, err = flash.start(ev.serial, "blink")
  if id == nil then flash.start("report", err) end
end)
`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	svc.bus.Emit(flash.Event{Type: flash.EventSessionFinished, Data: flash.SessionInfo{
		ID: "s1", Serial: "AAAA0001", State: flash.StateFailed,
	}})

	waitFor(t, func() bool { return len(svc.requests()) >= 2 })
	reqs := svc.requests()
	if reqs[1].Serial != "report" || reqs[1].Firmware != "busy" {
		t.Errorf("second request = %+v", reqs[1])
	}
}

func TestEngineReloadAndStopScript(t *testing.T) {
	e, _, m := newEngineFixture(t)

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "noop", Enabled: true}, LuaCode: `flash.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if got := e.Running(); len(got) != 1 {
		t.Fatalf("running = %v", got)
	}
	e.StopScript(s.ID)
	if got := e.Running(); len(got) != 0 {
		t.Errorf("running after stop = %v", got)
	}
	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}
