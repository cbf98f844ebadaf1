//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/ota"
)

const (
	runTimeout    = 5 * time.Second
	commandBuffer = 64
)

// luaEventHandler is a callback registered with hm.on.
type luaEventHandler struct {
	eventType string
	src       string // empty matches any sender
	dst       string
	msgType   int // -1 matches any message type
	fn        *lua.LFunction
}

// scriptVM is a running Lua state. Only the goroutine draining commands
// touches the state.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf receives hm.log output. Nil logs to the engine logger only.
	logf func(string)
}

// Engine runs enabled scripts and dispatches bus events to their
// handlers.
type Engine struct {
	bridge  Bridge
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(b Bridge, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		bridge:  b,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.bridge.Events().OnAll(e.dispatchEvent)

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

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the script's VM and starts it again if enabled.
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

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether the script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.Code)
}

// RunLuaCode executes code in a throwaway VM, then calls every handler it
// registered once with a synthetic event built from the handler's filter.
// Log output is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := &scriptVM{
		commands: make(chan func(*lua.LState), commandBuffer),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (5s)"
			}
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
		if h.src != "" {
			ev.RawSetString("src", lua.LString(h.src))
		}
		if h.dst != "" {
			ev.RawSetString("dst", lua.LString(h.dst))
		}
		if h.msgType >= 0 {
			ev.RawSetString("msg_type", lua.LNumber(h.msgType))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newState creates a sandboxed Lua state with the hm module.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm.state = L
	registerHMModule(L, vm, e)
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
	vm := &scriptVM{
		commands: make(chan func(*lua.LState), commandBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	L := e.newState(vm)

	if err := L.DoString(s.Code); err != nil {
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

// dispatchEvent queues matching handlers on their VMs. It runs on the
// emitter's goroutine and never blocks.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	fields := eventFields(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, fields) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "type", event.Type)
			}
		}
	}
}

// eventFields flattens event data into the table handed to Lua.
func eventFields(event coordinator.Event) map[string]interface{} {
	switch d := event.Data.(type) {
	case hm.Dissection:
		flags := make([]interface{}, len(d.Flags))
		for i, f := range d.Flags {
			flags[i] = f
		}
		return map[string]interface{}{
			"raw":       d.Raw,
			"msg_id":    d.MsgID,
			"ctl":       d.Ctl,
			"flags":     flags,
			"msg_type":  d.Type,
			"type_name": d.TypeName,
			"src":       d.Src,
			"dst":       d.Dst,
			"payload":   d.Payload,
		}
	case coordinator.SendResult:
		return map[string]interface{}{"message": d.Message, "dst": d.Dst, "error": d.Error}
	case coordinator.Peer:
		return map[string]interface{}{"src": d.HMID, "serial": d.Serial, "update_mode": d.UpdateMode}
	case ota.Progress:
		return map[string]interface{}{
			"phase":  string(d.Phase),
			"serial": d.Serial,
			"src":    d.HMID.String(),
			"block":  d.Block,
			"blocks": d.Blocks,
		}
	case string:
		return map[string]interface{}{"state": d}
	}
	return nil
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]interface{}) bool {
	if h.eventType != eventType {
		return false
	}
	if h.src != "" {
		if src, _ := fields["src"].(string); !strings.EqualFold(src, h.src) {
			return false
		}
	}
	if h.dst != "" {
		if dst, _ := fields["dst"].(string); !strings.EqualFold(dst, h.dst) {
			return false
		}
	}
	if h.msgType >= 0 {
		if typ, ok := fields["msg_type"].(byte); !ok || int(typ) != h.msgType {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(eventType))
	for k, v := range fields {
		ev.RawSetString(k, goToLua(L, v))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "event", eventType, "err", err)
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
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
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
