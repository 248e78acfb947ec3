//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"home-energy/internal/aggregate"
	"home-energy/internal/topology"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/home_energy_h1/energy_monthly/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is an HA sensor discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	Device              haDevice `json:"device"`
}

// topicSegment lowercases s and keeps only characters that are safe in an
// MQTT topic level or HA object ID.
func topicSegment(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// hubIdentifier returns the unique identifier for the HA device registry.
func hubIdentifier(hubCode string) string {
	return "home_energy_" + topicSegment(hubCode)
}

// energyTopic is where an aggregate is published, retained.
func energyTopic(prefix string, agg *aggregate.Aggregate) string {
	if agg.Level == aggregate.LevelRoom {
		return fmt.Sprintf("%s/%s/rooms/%s/energy/%s", prefix, topicSegment(agg.HubCode), topicSegment(agg.RoomID), agg.Window)
	}
	return fmt.Sprintf("%s/%s/energy/%s", prefix, topicSegment(agg.HubCode), agg.Window)
}

// buildDiscovery generates one energy sensor per window for a hub. Admin
// hubs are modelled as buildings, tenant hubs as dwellings.
func buildDiscovery(hub *topology.Hub, prefix string, windows []aggregate.Window) []discoveryMsg {
	nodeID := hubIdentifier(hub.HubCode)
	model := "Dwelling"
	if hub.HomeType == topology.HomeAdmin {
		model = "Building"
	}
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "home-energy",
		Model:        model,
		Name:         hub.DisplayName(),
	}

	msgs := make([]discoveryMsg, 0, len(windows))
	for _, w := range windows {
		stateTopic := energyTopic(prefix, &aggregate.Aggregate{HubCode: hub.HubCode, Window: w})
		payload := haDiscovery{
			Name:                hub.DisplayName() + " Energy " + windowTitle(w),
			UniqueID:            nodeID + "_energy_" + string(w),
			StateTopic:          stateTopic,
			AvailabilityTopic:   prefix + "/bridge/state",
			ValueTemplate:       "{{ value_json.total }}",
			JSONAttributesTopic: stateTopic,
			UnitOfMeasurement:   aggregate.Unit,
			DeviceClass:         "energy",
			StateClass:          "total",
			Device:              haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/energy_%s/config", nodeID, w),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that remove the
// hub's sensors for the given windows from HA.
func buildRemoveDiscovery(hubCode string, windows []aggregate.Window) []discoveryMsg {
	nodeID := hubIdentifier(hubCode)
	msgs := make([]discoveryMsg, 0, len(windows))
	for _, w := range windows {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/energy_%s/config", nodeID, w),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

func windowTitle(w aggregate.Window) string {
	s := string(w)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
