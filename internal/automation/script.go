package automation

import (
	"context"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/hm"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a Lua file in the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	Code     string     `json:"code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Bridge is what scripts can reach. *coordinator.Coordinator implements it.
type Bridge interface {
	Events() *coordinator.EventBus
	Send(ctx context.Context, m hm.Message) error
	Peers() *coordinator.PeerTable
}
