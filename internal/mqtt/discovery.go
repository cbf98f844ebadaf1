//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"homematic-go-bridge/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/hm_123456/type/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Device            haDevice `json:"device"`
}

// peerDisplayName prefers the serial, which is what is printed on the
// device.
func peerDisplayName(p coordinator.Peer) string {
	if p.Serial != "" {
		return "HomeMatic " + p.Serial
	}
	return "HomeMatic " + p.HMID
}

func peerIdentifier(p coordinator.Peer) string {
	return "hm_" + p.HMID
}

// buildDiscovery generates sensors fed by the peer's message topic.
func buildDiscovery(p coordinator.Peer, prefix string) []discoveryMsg {
	if p.HMID == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + p.HMID + "/message"
	nodeID := peerIdentifier(p)
	displayName := peerDisplayName(p)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "eQ-3",
		Name:         displayName,
	}

	return []discoveryMsg{
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"type", "Message Type", "mdi:message-text", "{{ value_json.type_name }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"payload", "Payload", "mdi:code-brackets", "{{ value_json.payload }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"raw", "Raw Frame", "mdi:radio-tower", "{{ value_json.raw }}"),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		Icon:              icon,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
