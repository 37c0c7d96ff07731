package automation

import (
	"time"

	"zigbee-window-go/internal/window"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerWindowModule registers the `window` global table in a Lua state.
func registerWindowModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return windowOn(L, vm)
	}))

	mod.RawSetString("set_mode", L.NewFunction(func(L *lua.LState) int {
		return windowSetMode(L, e)
	}))

	mod.RawSetString("set_gap", L.NewFunction(func(L *lua.LState) int {
		return windowSetGap(L, e)
	}))

	mod.RawSetString("calibrate", L.NewFunction(func(L *lua.LState) int {
		return windowCalibrate(L, e)
	}))

	mod.RawSetString("ack_resistance", L.NewFunction(func(L *lua.LState) int {
		e.machine.AckResistance()
		return 0
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return windowState(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return windowAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("window", mod)
}

// window.on(type, callback). An empty type matches every event.
func windowOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
	vm.mu.Unlock()

	return 0
}

// window.set_mode("closed"|"open"|"ventilate") -> ok, err
func windowSetMode(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)

	var mode window.Mode
	switch name {
	case "closed":
		mode = window.ModeClosed
	case "open":
		mode = window.ModeOpen
	case "ventilate":
		mode = window.ModeVentilate
	default:
		L.Push(lua.LFalse)
		L.Push(lua.LString("unknown mode " + name))
		return 2
	}

	if err := e.machine.SetMode(mode); err != nil {
		e.logger.Warn("script set_mode", "mode", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// window.set_gap(percentage) -> ok, err
func windowSetGap(L *lua.LState, e *Engine) int {
	pct := L.CheckInt(1)

	if err := e.machine.SetGapPercentage(pct); err != nil {
		e.logger.Warn("script set_gap", "percentage", pct, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// window.calibrate() -> ok, err
func windowCalibrate(L *lua.LState, e *Engine) int {
	if err := e.machine.Calibrate(); err != nil {
		e.logger.Warn("script calibrate", "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// window.state() -> table
func windowState(L *lua.LState, e *Engine) int {
	st := e.machine.State()

	tbl := L.NewTable()
	tbl.RawSetString("mode", lua.LString(st.ModeName))
	tbl.RawSetString("handle_angle", lua.LNumber(st.HandleAngle))
	tbl.RawSetString("gap_percentage", lua.LNumber(st.GapPercentage))
	tbl.RawSetString("calibrated", lua.LBool(st.Calibrated))
	tbl.RawSetString("in_motion", lua.LBool(st.InMotion))
	tbl.RawSetString("resistance_detected", lua.LBool(st.ResistanceDetected))
	L.Push(tbl)
	return 1
}

// window.after(seconds, callback) runs the callback on the script's VM
// after the delay. Cancelled when the script stops.
func windowAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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
