//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"elero-go-home/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/elero_3/cover/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haCover is an HA MQTT cover discovery payload.
type haCover struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateTopic          string   `json:"state_topic"`
	ValueTemplate       string   `json:"value_template"`
	CommandTopic        string   `json:"command_topic"`
	PositionTopic       string   `json:"position_topic"`
	PositionTemplate    string   `json:"position_template"`
	SetPositionTopic    string   `json:"set_position_topic"`
	SetPositionTemplate string   `json:"set_position_template"`
	AvailabilityTopic   string   `json:"availability_topic"`
	PayloadOpen         string   `json:"payload_open"`
	PayloadClose        string   `json:"payload_close"`
	PayloadStop         string   `json:"payload_stop"`
	Device              haDevice `json:"device"`
}

// topicName lowercases name and keeps only characters safe in MQTT topics.
func topicName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func channelIdentifier(id int) string {
	return "elero_" + strconv.Itoa(id)
}

func groupIdentifier(name string) string {
	return "elero_group_" + topicName(name)
}

func buildChannelDiscovery(ch coordinator.ChannelInfo, prefix, discoveryPrefix string) discoveryMsg {
	nodeID := channelIdentifier(ch.ID)
	return buildCover(nodeID, ch.Name, prefix, discoveryPrefix, haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Elero",
		Model:        "Channel " + strconv.Itoa(ch.ID),
		Name:         ch.Name,
	})
}

func buildGroupDiscovery(g coordinator.GroupInfo, prefix, discoveryPrefix string) discoveryMsg {
	nodeID := groupIdentifier(g.Name)
	return buildCover(nodeID, g.Name, prefix, discoveryPrefix, haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Elero",
		Model:        "Group",
		Name:         g.Name,
	})
}

func buildCover(nodeID, name, prefix, discoveryPrefix string, dev haDevice) discoveryMsg {
	topic := fmt.Sprintf("%s/cover/%s/cover/config", discoveryPrefix, nodeID)
	stateTopic := prefix + "/" + topicName(name)
	cmdTopic := stateTopic + "/set"
	payload := haCover{
		Name:                name,
		UniqueID:            nodeID + "_cover",
		DeviceClass:         "shutter",
		StateTopic:          stateTopic,
		ValueTemplate:       "{{ value_json.state }}",
		CommandTopic:        cmdTopic,
		PositionTopic:       stateTopic,
		PositionTemplate:    "{{ value_json.position }}",
		SetPositionTopic:    cmdTopic,
		SetPositionTemplate: `{"position": {{ position }}}`,
		AvailabilityTopic:   prefix + "/bridge/state",
		PayloadOpen:         "OPEN",
		PayloadClose:        "CLOSE",
		PayloadStop:         "STOP",
		Device:              dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
