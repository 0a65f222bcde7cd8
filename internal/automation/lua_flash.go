//go:build !no_automation

package automation

import (
	"time"

	"qtpy-flash/internal/flash"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerFlashModule registers the `flash` global table in a Lua state.
func registerFlashModule(L *lua.LState, vm *scriptVM, e *Engine, dryRun bool) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return flashOn(L, vm)
	}))
	mod.RawSetString("start", L.NewFunction(func(L *lua.LState) int {
		return flashStart(L, e, dryRun)
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return flashDevices(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return flashAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if vm.logf != nil {
			vm.logf(msg)
		}
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	events := L.NewTable()
	events.RawSetString("STARTED", lua.LString(flash.EventSessionStarted))
	events.RawSetString("PROGRESS", lua.LString(flash.EventProgress))
	events.RawSetString("FINISHED", lua.LString(flash.EventSessionFinished))
	mod.RawSetString("events", events)

	L.SetGlobal("flash", mod)
}

// flash.on(type, [filter], callback)
//
// filter may carry `serial` and `state`.
func flashOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if v := arg.RawGetString("serial"); v != lua.LNil {
			h.serial = v.String()
		}
		if v := arg.RawGetString("state"); v != lua.LNil {
			h.state = v.String()
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// flash.start(serial, firmware_id) -> session_id | nil, err
func flashStart(L *lua.LState, e *Engine, dryRun bool) int {
	serial := L.CheckString(1)
	fw := L.CheckString(2)

	if dryRun {
		e.logger.Info("flash.start skipped in dry run", "serial", serial, "firmware", fw)
		L.Push(lua.LString("dry-run"))
		return 1
	}

	h, err := e.flash.Start(flash.Request{Serial: serial, Firmware: fw})
	if err != nil {
		e.logger.Warn("flash.start failed", "serial", serial, "firmware", fw, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	e.logger.Info("flash started by script", "serial", serial, "firmware", fw, "session", h.ID())
	L.Push(lua.LString(h.ID()))
	return 1
}

// flash.devices() — returns a table of connected boards
func flashDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	if e.devices == nil {
		L.Push(tbl)
		return 1
	}
	for i, dev := range e.devices.List() {
		d := L.NewTable()
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("serial", lua.LString(dev.SerialNumber))
		d.RawSetString("port", lua.LString(dev.Port))
		d.RawSetString("id", lua.LString(dev.ID().String()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// flash.after(seconds, callback) — delayed execution on the script's VM
func flashAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}
