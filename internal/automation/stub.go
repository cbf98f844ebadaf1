//go:build no_automation

package automation

import "log/slog"

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, nil }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(_ string) error           { return nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

func NewEngine(_ Bridge, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                         {}
func (e *Engine) Stop()                          {}
func (e *Engine) ReloadScript(_ string) error    { return nil }
func (e *Engine) StopScript(_ string)            {}
func (e *Engine) Running(_ string) bool          { return false }
func (e *Engine) RunScript(_ string) *RunResult  { return disabled() }
func (e *Engine) RunLuaCode(_ string) *RunResult { return disabled() }

func disabled() *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
