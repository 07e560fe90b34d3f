//go:build no_automation

package main

import (
	"log/slog"

	"udk-dimmer-home/internal/hub"
	"udk-dimmer-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *hub.Hub, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
