//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"udk-dimmer-home/internal/hub"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/udk_hallway_1/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery. All channels of one
// dimmer module share a device entry so HA groups them.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haLight is the HA discovery payload for a JSON-schema light.
type haLight struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema"`
	Device              haDevice `json:"device"`
}

// topicName sanitizes a module name for use inside MQTT topics.
func topicName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// moduleIdentifier returns the unique identifier for the HA device registry.
func moduleIdentifier(module string) string {
	return "udk_" + topicName(module)
}

// stateTopic returns the retained state topic for one output.
func stateTopic(prefix, module string, channel uint8) string {
	return fmt.Sprintf("%s/%s/%d", prefix, topicName(module), channel)
}

// commandTopic returns the command topic for one output.
func commandTopic(prefix, module string, channel uint8) string {
	return stateTopic(prefix, module, channel) + "/set"
}

// buildDiscovery generates one HA light entity per channel of a module.
func buildDiscovery(info hub.ModuleInfo, prefix string) []discoveryMsg {
	nodeID := moduleIdentifier(info.Name)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "UDK",
		Model:        "UDK-0410",
		Name:         info.Name,
	}

	msgs := make([]discoveryMsg, 0, len(info.Channels))
	for _, ch := range info.Channels {
		payload := haLight{
			Name:                fmt.Sprintf("%s %d", info.Name, ch.Channel),
			UniqueID:            fmt.Sprintf("%s_%d", nodeID, ch.Channel),
			StateTopic:          stateTopic(prefix, info.Name, ch.Channel),
			CommandTopic:        commandTopic(prefix, info.Name, ch.Channel),
			AvailabilityTopic:   prefix + "/bridge/state",
			Brightness:          true,
			BrightnessScale:     255,
			SupportedColorModes: []string{"brightness"},
			Schema:              "json",
			Device:              haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/light/%s_%d/config", nodeID, ch.Channel),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that delete a
// module's entities from HA.
func buildRemoveDiscovery(module string, channels uint8) []discoveryMsg {
	nodeID := moduleIdentifier(module)
	msgs := make([]discoveryMsg, 0, channels)
	for ch := uint8(1); ch <= channels; ch++ {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/light/%s_%d/config", nodeID, ch),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// lightState is the JSON state payload HA's json schema expects.
type lightState struct {
	State      string `json:"state"`
	Brightness uint8  `json:"brightness"`
}

func statePayload(level uint8, on bool) []byte {
	st := lightState{State: "OFF", Brightness: level}
	if on {
		st.State = "ON"
	}
	return mustJSON(st)
}

// lightCommand is the JSON command payload from HA's json schema.
type lightCommand struct {
	State      string   `json:"state"`
	Brightness *uint8   `json:"brightness"`
	Transition *float64 `json:"transition"` // seconds
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
