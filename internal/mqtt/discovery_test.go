//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"homematic-go-bridge/internal/coordinator"
)

func TestDiscoveryPeer(t *testing.T) {
	p := coordinator.Peer{HMID: "123456", Serial: "KEQ0123456"}

	msgs := buildDiscovery(p, "homematic")
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}

	var typeMsg *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/sensor/hm_123456/type/config" {
			typeMsg = &msgs[i]
		}
	}
	if typeMsg == nil {
		t.Fatal("type discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(typeMsg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "HomeMatic KEQ0123456 Message Type" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "hm_123456_type" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "homematic/123456/message" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "homematic/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.ValueTemplate != "{{ value_json.type_name }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
}

func TestDiscoveryWithoutHMID(t *testing.T) {
	if msgs := buildDiscovery(coordinator.Peer{}, "homematic"); len(msgs) != 0 {
		t.Errorf("expected no discovery, got %d", len(msgs))
	}
}

func TestPeerDisplayName(t *testing.T) {
	tests := []struct {
		name string
		peer coordinator.Peer
		want string
	}{
		{"serial", coordinator.Peer{HMID: "123456", Serial: "KEQ0123456"}, "HomeMatic KEQ0123456"},
		{"hmid fallback", coordinator.Peer{HMID: "123456"}, "HomeMatic 123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := peerDisplayName(tt.peer); got != tt.want {
				t.Errorf("peerDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if string(mustJSON(func() {})) != "{}" {
		t.Error("unmarshalable value should give {}")
	}
}
