//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"qtpy-flash/internal/usbdev"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/qtpy_F2A1.../last_flash/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// topicKey names a board in topics: its serial number, or a sanitized port
// path when the platform reports none.
func topicKey(serial, port string) string {
	if serial != "" {
		return sanitize(serial)
	}
	return sanitize(strings.TrimPrefix(port, "/dev/"))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev usbdev.Device) string {
	return "qtpy_" + topicKey(dev.SerialNumber, dev.Port)
}

// deviceDisplayName returns a display name for the board.
func deviceDisplayName(dev usbdev.Device) string {
	name := dev.Name
	if name == "" {
		name = "USB device " + dev.ID().String()
	}
	if dev.SerialNumber != "" {
		return name + " " + dev.SerialNumber
	}
	return name
}

// buildDiscovery generates HA entities for a board's flash results.
func buildDiscovery(dev usbdev.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := resultTopic(prefix, topicKey(dev.SerialNumber, dev.Port))
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Adafruit",
		Model:        dev.Name,
		Name:         displayName,
	}

	return []discoveryMsg{
		buildEntity("sensor", nodeID, displayName, stateTopic, avail, haDev,
			"last_flash", "Last Flash", "", "mdi:chip",
			"{{ value_json.state }}"),
		buildEntity("sensor", nodeID, displayName, stateTopic, avail, haDev,
			"firmware", "Firmware", "", "mdi:memory",
			"{{ value_json.firmware_id }}"),
		buildEntity("binary_sensor", nodeID, displayName, stateTopic, avail, haDev,
			"flash_problem", "Flash Problem", "problem", "",
			"{{ 'OFF' if value_json.success else 'ON' }}"),
	}
}

func buildEntity(component, nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
