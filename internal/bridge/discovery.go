package bridge

// Home Assistant MQTT discovery payloads. One config struct covers
// the entity types the bridge announces (buttons, sensors, cameras);
// fields irrelevant to a type stay empty and are omitted.

type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type entityConfig struct {
	Name              string      `json:"name"`
	UniqueID          string      `json:"unique_id"`
	Device            *deviceInfo `json:"device,omitempty"`
	AvailabilityTopic string      `json:"availability_topic,omitempty"`
	Icon              string      `json:"icon,omitempty"`

	// Sensor fields.
	StateTopic        string `json:"state_topic,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`

	// Button fields.
	CommandTopic string `json:"command_topic,omitempty"`
	PayloadPress string `json:"payload_press,omitempty"`

	// Camera field.
	Topic string `json:"topic,omitempty"`
}
