//go:build no_automation

package main

import (
	"log/slog"

	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/usbdev"
	"qtpy-flash/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *flash.Service, _ *usbdev.Registry, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
