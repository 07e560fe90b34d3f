//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"udk-dimmer-home/internal/hub"
)

func TestTopicName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hallway", "hallway"},
		{"Living Room", "living_room"},
		{"kitchen-2", "kitchen-2"},
		{"étage", "_tage"},
	}
	for _, tc := range tests {
		if got := topicName(tc.in); got != tc.want {
			t.Errorf("topicName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTopics(t *testing.T) {
	if got := stateTopic("udk", "Hallway", 3); got != "udk/hallway/3" {
		t.Errorf("stateTopic = %q", got)
	}
	if got := commandTopic("udk", "Hallway", 3); got != "udk/hallway/3/set" {
		t.Errorf("commandTopic = %q", got)
	}
}

func TestBuildDiscovery(t *testing.T) {
	info := hub.ModuleInfo{
		Name:    "hallway",
		Address: 1,
		Channels: []hub.ChannelInfo{
			{Channel: 1}, {Channel: 2},
		},
	}

	msgs := buildDiscovery(info, "udk")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/light/udk_hallway_1/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}

	var light haLight
	if err := json.Unmarshal(msgs[1].Payload, &light); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if light.UniqueID != "udk_hallway_2" {
		t.Errorf("unique_id = %q", light.UniqueID)
	}
	if light.StateTopic != "udk/hallway/2" || light.CommandTopic != "udk/hallway/2/set" {
		t.Errorf("topics = %q, %q", light.StateTopic, light.CommandTopic)
	}
	if light.Schema != "json" || !light.Brightness || light.BrightnessScale != 255 {
		t.Errorf("light schema config: %+v", light)
	}
	if light.AvailabilityTopic != "udk/bridge/state" {
		t.Errorf("availability_topic = %q", light.AvailabilityTopic)
	}
	if len(light.Device.Identifiers) != 1 || light.Device.Identifiers[0] != "udk_hallway" {
		t.Errorf("device identifiers = %v", light.Device.Identifiers)
	}
}

func TestBuildRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("hallway", 4)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Payload != nil {
			t.Errorf("remove message %q has payload", msg.Topic)
		}
	}
	if msgs[3].Topic != "homeassistant/light/udk_hallway_4/config" {
		t.Errorf("topic = %q", msgs[3].Topic)
	}
}

func TestStatePayload(t *testing.T) {
	var st lightState
	if err := json.Unmarshal(statePayload(180, true), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.State != "ON" || st.Brightness != 180 {
		t.Errorf("got %+v", st)
	}

	if err := json.Unmarshal(statePayload(0, false), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.State != "OFF" {
		t.Errorf("got %+v", st)
	}
}

func TestLightCommandParsing(t *testing.T) {
	var cmd lightCommand
	if err := json.Unmarshal([]byte(`{"state":"ON","brightness":128,"transition":1.5}`), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.State != "ON" {
		t.Errorf("state = %q", cmd.State)
	}
	if cmd.Brightness == nil || *cmd.Brightness != 128 {
		t.Errorf("brightness = %v", cmd.Brightness)
	}
	if cmd.Transition == nil || *cmd.Transition != 1.5 {
		t.Errorf("transition = %v", cmd.Transition)
	}

	// brightness zero must stay distinguishable from absent
	cmd = lightCommand{}
	if err := json.Unmarshal([]byte(`{"state":"ON"}`), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Brightness != nil {
		t.Errorf("absent brightness parsed as %v", *cmd.Brightness)
	}
}
