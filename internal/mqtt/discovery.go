//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"xlc-gateway/internal/event"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/xlc_2200.../temperature/config"
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
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

type sensorDef struct {
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	stateClass  string
	field       string
}

var heartbeatSensors = []sensorDef{
	{"temperature", "Temperature", "temperature", "°C", "measurement", "sensor.temperature"},
	{"humidity", "Humidity", "humidity", "%", "measurement", "sensor.humidity"},
	{"target_temperature", "Target Temperature", "temperature", "°C", "measurement", "target_temperature"},
	{"current", "Current", "current", "A", "measurement", "current_amps"},
	{"energy_today", "Energy Today", "energy", "kWh", "total_increasing", "today_energy_kwh"},
	{"energy_total", "Energy Total", "energy", "kWh", "total_increasing", "total_energy_kwh"},
	{"battery", "Remote Battery", "battery", "%", "measurement", "remote_battery_percent"},
	{"error_code", "Error Code", "", "", "", "error_code"},
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id string) string {
	return "xlc_" + id
}

// buildDiscovery generates HA discovery messages for one controller: one
// sensor per heartbeat value, a power switch and a connectivity sensor.
func buildDiscovery(id, prefix string) []discoveryMsg {
	nodeID := deviceIdentifier(id)
	avail := prefix + "/bridge/state"
	hbTopic := prefix + "/" + id + "/" + event.NameHeartbeat
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "XLC",
		Model:        "HVAC controller",
		Name:         "XLC " + id,
	}

	msgs := make([]discoveryMsg, 0, len(heartbeatSensors)+2)
	for _, s := range heartbeatSensors {
		msgs = append(msgs, buildSensor(nodeID, hbTopic, avail, haDev, s))
	}
	msgs = append(msgs, buildPowerSwitch(nodeID, hbTopic, avail, prefix+"/"+id+"/set", haDev))
	msgs = append(msgs, buildConnectivity(nodeID, prefix+"/"+id+"/"+event.NameStatus, avail, haDev))
	return msgs
}

func buildSensor(nodeID, stateTopic, avail string, haDev haDevice, s sensorDef) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, s.objectID)
	payload := haDiscovery{
		Name:              haDev.Name + " " + s.suffix,
		UniqueID:          nodeID + "_" + s.objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.data." + s.field + " }}",
		UnitOfMeasurement: s.unit,
		DeviceClass:       s.deviceClass,
		StateClass:        s.stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildPowerSwitch(nodeID, stateTopic, avail, cmdTopic string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/power/config", nodeID)
	payload := haDiscovery{
		Name:              haDev.Name + " Power",
		UniqueID:          nodeID + "_power",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.data.power == 1 else 'OFF' }}",
		CommandTemplate:   `{"power": {{ 1 if value == 'ON' else 0 }}}`,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildConnectivity(nodeID, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/connectivity/config", nodeID)
	payload := haDiscovery{
		Name:              haDev.Name + " Connected",
		UniqueID:          nodeID + "_connectivity",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.data.value == 'online' else 'OFF' }}",
		DeviceClass:       "connectivity",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
