//go:build no_mqtt

package main

import (
	"log/slog"

	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/usbdev"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *flash.Service, _ *usbdev.Registry, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
