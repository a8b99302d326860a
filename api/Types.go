// Package api with the IoT Central device client data model
package api

import "crypto/tls"

// DefaultGlobalEndpoint is the default hostname of the device provisioning service
const DefaultGlobalEndpoint = "global.azure-devices-provisioning.net"

// CredentialKind selects how the device authenticates with provisioning and the hub
type CredentialKind int

const (
	// SymmetricKey is a group enrollment key. The device key is derived from it.
	SymmetricKey CredentialKind = 1
	// X509Cert authenticates with a client certificate and private key
	X509Cert     CredentialKind = 2
	// DeviceKey is an individual device key that is used as is
	DeviceKey    CredentialKind = 3
)

func (kind CredentialKind) String() string {
	switch kind {
	case SymmetricKey:
		return "SymmetricKey"
	case X509Cert:
		return "X509Cert"
	case DeviceKey:
		return "DeviceKey"
	}
	return "Unknown"
}

// LogLevel of the client logger
type LogLevel int

const (
	LogLevelDisabled LogLevel = 1
	LogLevelAPIOnly  LogLevel = 2
	LogLevelAll      LogLevel = 16
)

// ConnectionState of the client. Owned by the client, see IDeviceClient.ConnectionState.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (state ConnectionState) String() string {
	switch state {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// EventKind identifies the handler slot in the event registry
type EventKind int

const (
	EventCommand    EventKind = 2
	EventProperties EventKind = 4
)

// CredentialMaterial holds the secret used by the device.
// Key is used by SymmetricKey and DeviceKey. CertFile, KeyFile and the optional CertPhrase are
// used by X509Cert.
type CredentialMaterial struct {
	Key        string
	CertFile   string
	KeyFile    string
	CertPhrase string
}

// Identity of the device.
// ModelID is optional and associates the device with a device template.
type Identity struct {
	DeviceID string
	ScopeID  string
	Kind     CredentialKind
	Material CredentialMaterial
	ModelID  string
}

// Credential is the resolved credential that is presented to provisioning and the hub.
// SymmetricKey holds the (derived) base64 key for SymmetricKey and DeviceKey kinds.
// Certificate holds the loaded key pair for X509Cert.
type Credential struct {
	Kind         CredentialKind
	SymmetricKey string
	Certificate  *tls.Certificate
}

// Registration is the result of a successful provisioning
type Registration struct {
	AssignedHub string
	DeviceID    string
}

// PatchProperty is a single desired property in a patch
type PatchProperty struct {
	Name string
	// Value is the unmarshalled JSON value of the property
	Value interface{}
	// Version of the patch this property belongs to
	Version int
}

// PropertyPatch is a desired property patch. Properties are in the order they appear in the
// received document. The '$version' marker is not included in Properties.
type PropertyPatch struct {
	Version    int
	Properties []PatchProperty
}

// CommandInvocation is a command received from the application
type CommandInvocation struct {
	Name string
	// Payload is the unmarshalled JSON payload of the command, nil if empty
	Payload interface{}
	// RawPayload is the payload as received
	RawPayload []byte
	// RequestID correlates the command response and any later result report
	RequestID string
}

// TelemetryMessage is an outbound telemetry message
type TelemetryMessage struct {
	MessageID  string
	Payload    []byte
	Properties map[string]string
}
