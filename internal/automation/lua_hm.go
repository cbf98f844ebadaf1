//go:build !no_automation

package automation

import (
	"context"
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/hm"
)

const (
	maxHandlersPerScript = 100
	sendTimeout          = 5 * time.Second
)

// registerHMModule installs the `hm` global table.
func registerHMModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":       func(L *lua.LState) int { return hmOn(L, vm) },
		"send":     func(L *lua.LState) int { return hmSend(L, e) },
		"log":      func(L *lua.LState) int { return hmLog(L, vm, e) },
		"after":    func(L *lua.LState) int { return hmAfter(L, vm, e) },
		"peers":    func(L *lua.LState) int { return hmPeers(L, e) },
		"describe": hmDescribe,
		"time":     hmTime,
		"between":  hmBetween,
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("hm", mod)
}

// hm.on(event_type, [filter], fn). The filter may name src, dst and type
// (message type as a number or "0x.." string).
func hmOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1), msgType: -1}

	var filter *lua.LTable
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		filter = L.CheckTable(2)
		h.fn = L.CheckFunction(3)
	}

	if filter != nil {
		if v := filter.RawGetString("src"); v != lua.LNil {
			h.src = v.String()
		}
		if v := filter.RawGetString("dst"); v != lua.LNil {
			h.dst = v.String()
		}
		switch v := filter.RawGetString("type").(type) {
		case lua.LNumber:
			h.msgType = int(v)
		case lua.LString:
			n, err := strconv.ParseUint(string(v), 0, 8)
			if err != nil {
				L.ArgError(2, "invalid message type: "+string(v))
				return 0
			}
			h.msgType = int(n)
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// hm.send(hex) returns true, or false and an error string.
func hmSend(L *lua.LState, e *Engine) int {
	m, err := coordinator.ParseMessage(L.CheckString(1))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err = e.bridge.Send(ctx, m)
		cancel()
	}
	if err != nil {
		e.logger.Warn("script send failed", "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func hmLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// hm.after(seconds, fn) runs fn on the script's VM after a delay.
func hmAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
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
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// hm.peers() returns the devices heard since start.
func hmPeers(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, p := range e.bridge.Peers().List() {
		t := L.NewTable()
		t.RawSetString("hmid", lua.LString(p.HMID))
		t.RawSetString("serial", lua.LString(p.Serial))
		t.RawSetString("messages", lua.LNumber(p.Messages))
		t.RawSetString("last_type", lua.LString(p.LastType))
		t.RawSetString("last_seen", lua.LNumber(p.LastSeen.Unix()))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// hm.describe(hex) returns the dissected message, or nil and an error.
func hmDescribe(L *lua.LState) int {
	m, err := coordinator.ParseMessage(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	fields := eventFields(coordinator.Event{Data: hm.Describe(m)})
	L.Push(goToLua(L, fields))
	return 1
}

// hm.time(component) returns part of the local time.
func hmTime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "clock":
		L.Push(lua.LString(now.Format("15:04:05")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// hm.between(from_hour, to_hour) reports whether the current hour lies in
// [from, to). Ranges may wrap midnight.
func hmBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
