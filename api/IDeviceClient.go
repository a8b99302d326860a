// Package api with device client and transport interface definitions
package api

import "context"

// PropertiesHandler handles a single desired property.
// Return true to acknowledge the property as completed, false to leave it unacknowledged.
type PropertiesHandler func(name string, value interface{}) bool

// CommandAckFunc reports the result of a command as a property, correlated by requestID
type CommandAckFunc func(name string, value interface{}, requestID string) error

// CommandHandler handles a received command.
// Receipt of the command is already acknowledged when the handler is invoked. Use ack to
// report the outcome.
type CommandHandler func(command *CommandInvocation, ack CommandAckFunc)

// IDeviceClient is the device side client of an IoT Central application
type IDeviceClient interface {
	// On registers the handler for an event kind, replacing a previous handler.
	//  kind is EventProperties with a PropertiesHandler or EventCommand with a CommandHandler
	On(kind EventKind, handler interface{}) error

	// SetModelID sets the model to associate the device with. Must be called before Connect.
	SetModelID(modelID string)

	// SetGlobalEndpoint sets the provisioning service host. Must be called before Connect.
	SetGlobalEndpoint(endpoint string)

	// SetLogLevel changes the level of the client logger
	SetLogLevel(level LogLevel)

	// Connect provisions the device, opens the hub session and starts the property and
	// command listeners. Returns the first provisioning or connection error.
	Connect() error

	// Disconnect stops the listeners and closes the hub session
	Disconnect()

	// IsConnected returns true after a successful Connect
	IsConnected() bool

	// ConnectionState returns the current connection state
	ConnectionState() ConnectionState

	// SendTelemetry sends a telemetry message
	//  payload is marshalled to JSON, eg {"temperature": 21.5}
	//  properties optional custom message properties, nil to ignore
	//  callback optional, invoked after the message is accepted by the transport
	SendTelemetry(payload interface{}, properties map[string]string, callback func()) error

	// SendProperty sends reported properties
	//  payload in the form {"propName": {"value": propValue}}
	//  callback optional, invoked after the patch is accepted by the transport
	SendProperty(payload interface{}, callback func()) error
}

// ILogger is the logging capability used by the device client
type ILogger interface {
	Info(msg string)
	Debug(msg string)
	SetLogLevel(level LogLevel)
}

// IHubSession is an authenticated session with the assigned hub.
// Receive methods block until a message arrives, the context is cancelled or the session
// terminates, in which case ErrSessionTerminated is returned.
type IHubSession interface {
	SendMessage(msg *TelemetryMessage) error
	SendPropertyPatch(payload []byte) error
	ReceiveDesiredPropertiesPatch(ctx context.Context) (*PropertyPatch, error)
	ReceiveCommand(ctx context.Context) (*CommandInvocation, error)
	AcknowledgeCommand(command *CommandInvocation, status int, body []byte) error
	Close()
}

// IProvisioner registers a device with the provisioning service
type IProvisioner interface {
	Register(ctx context.Context, endpoint string, identity Identity, credential *Credential) (*Registration, error)
}

// ISessionOpener opens a hub session on the assigned hub
type ISessionOpener interface {
	Open(ctx context.Context, assignedHub string, identity Identity, credential *Credential) (IHubSession, error)
}
