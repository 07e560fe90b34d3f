package automation

import (
	"context"
	"time"

	"udk-dimmer-home/internal/bus"
	"udk-dimmer-home/internal/hub"
)

// Controller is the hub surface scripts drive. *hub.Hub implements it;
// tests substitute a fake.
type Controller interface {
	SetLevel(ctx context.Context, module string, channel, level uint8, fade time.Duration) error
	TurnOff(ctx context.Context, module string, channel uint8, fade time.Duration) error
	ChannelState(module string, channel uint8) (bus.ChannelState, error)
	Modules() []hub.ModuleInfo
	Events() *hub.EventBus
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script represents a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // raw Lua source (without header)
	FilePath string     `json:"-"`        // absolute path on disk
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}
