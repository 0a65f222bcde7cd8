//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/usbdev"

	lua "github.com/yuin/gopher-lua"
)

const runTimeout = 5 * time.Second

// FlashService is what scripts can reach of the flash service.
type FlashService interface {
	Events() *flash.EventBus
	Start(req flash.Request) (*flash.Handle, error)
}

// DeviceLister lists the allow-listed boards currently connected.
type DeviceLister interface {
	List() []usbdev.Device
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a Lua callback registered with flash.on.
type luaEventHandler struct {
	eventType string
	serial    string // only this board (empty = any)
	state     string // only this session state (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf, when set, captures flash.log/system.log output of a one-shot run.
	logf func(string)
}

// Engine runs hook scripts and feeds them flash events.
type Engine struct {
	flash   FlashService
	devices DeviceLister
	manager *Manager
	logger  *slog.Logger

	systemCfg SystemConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(svc FlashService, devices DeviceLister, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		flash:     svc,
		devices:   devices,
		manager:   mgr,
		logger:    logger.With("component", "automation"),
		systemCfg: sysCfg,
		vms:       make(map[string]*scriptVM),
	}
}

// Start subscribes to flash events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.flash.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from flash events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM. Handlers the code registers
// are invoked once with a synthetic event of their type. Scripts must not
// start real flashes from a dry run, so flash.start is disabled.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	registerFlashModule(L, vm, e, true)
	registerSystemModule(L, vm, e)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string{}, logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = luaErrorString(err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		ev.RawSetString("session_id", lua.LString("dry-run"))
		ev.RawSetString("serial", lua.LString(h.serial))
		state := h.state
		if state == "" {
			state = flash.StateSucceeded.String()
		}
		ev.RawSetString("state", lua.LString(state))
		ev.RawSetString("success", lua.LBool(state == flash.StateSucceeded.String()))
		ev.RawSetString("text", lua.LString("dry run"))

		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func luaErrorString(err error) string {
	s := err.Error()
	if strings.Contains(s, "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return s
}

// newSandbox creates a Lua state without file, process or module access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerFlashModule(L, vm, e, false)
	registerSystemModule(L, vm, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// The VM goroutine owns L from here on.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a flash event to every matching Lua handler.
func (e *Engine) dispatchEvent(event flash.Event) {
	data := eventData(event)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, data) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, data) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]interface{}) bool {
	if h.eventType != eventType {
		return false
	}
	if h.serial != "" {
		if serial, _ := data["serial"].(string); serial != h.serial {
			return false
		}
	}
	if h.state != "" {
		if state, _ := data["state"].(string); state != h.state {
			return false
		}
	}
	return true
}

// eventData flattens a flash event payload into the fields scripts see.
func eventData(event flash.Event) map[string]interface{} {
	switch d := event.Data.(type) {
	case flash.Progress:
		m := map[string]interface{}{
			"session_id":    d.SessionID,
			"serial":        d.Serial,
			"state":         d.State.String(),
			"text":          d.Text,
			"informational": d.Informational,
			"success":       d.Success,
		}
		if d.Kind != "" {
			m["kind"] = string(d.Kind)
		}
		if d.Stderr != "" {
			m["stderr"] = d.Stderr
		}
		return m
	case flash.SessionInfo:
		m := map[string]interface{}{
			"session_id":    d.ID,
			"serial":        d.Serial,
			"port":          d.Port,
			"device_name":   d.DeviceName,
			"firmware_id":   d.FirmwareID,
			"firmware_path": d.FirmwarePath,
			"state":         d.State.String(),
		}
		if d.FinalPort != "" {
			m["final_port"] = d.FinalPort
		}
		if d.Kind != "" {
			m["kind"] = string(d.Kind)
		}
		if d.State.Terminal() {
			m["success"] = d.State == flash.StateSucceeded
		}
		return m
	case map[string]interface{}:
		return d
	default:
		return map[string]interface{}{}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(eventType))
	for k, v := range data {
		ev.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", eventType, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
