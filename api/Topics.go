package api

// IoT Hub MQTT protocol definitions

// HubAPIVersion is the api-version sent in the MQTT username
const HubAPIVersion = "2021-04-12"

// HubMqttPort is the MQTT over TLS port of the hub
const HubMqttPort = 8883

// TopicTelemetry topic for device to cloud messages, followed by the encoded message properties
const TopicTelemetry = "devices/{id}/messages/events/"

// TopicDesiredPatch topic filter for desired property patches
const TopicDesiredPatch = "$iothub/twin/PATCH/properties/desired/"

// TopicReportedPatch topic to publish reported properties, followed by the request ID
const TopicReportedPatch = "$iothub/twin/PATCH/properties/reported/?$rid={rid}"

// TopicTwinResponse topic prefix for responses to twin requests: {status}/?$rid={rid}
const TopicTwinResponse = "$iothub/twin/res/"

// TopicMethodRequest topic prefix for command invocations: {name}/?$rid={rid}
const TopicMethodRequest = "$iothub/methods/POST/"

// TopicMethodResponse topic to respond to a command invocation
const TopicMethodResponse = "$iothub/methods/res/{status}/?$rid={rid}"

// Message property names of telemetry messages
const (
	PropMessageID       = "$.mid"
	PropContentType     = "$.ct"
	PropContentEncoding = "$.ce"
)

// Reported property acknowledgment and command receipt
const (
	AckStatusCompleted     = "completed"
	AckPropertyMessage     = "Property received"
	CommandReceivedData    = "Command received"
	CommandReceiptStatus   = 200
	VersionMarker          = "$version"
	ModelIDPayloadField    = "iotcModelId"
	ProvisioningAPIVersion = "2019-03-31"
)
