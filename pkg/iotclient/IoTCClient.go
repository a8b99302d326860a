// Package iotclient with the device client of an IoT Central application.
// The client provisions the device, opens a session with the assigned hub and runs the
// property and command listeners in the background.
package iotclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
	"github.com/wostzone/iotcentral-go/pkg/hubclient"
	"github.com/wostzone/iotcentral-go/pkg/logging"
	"github.com/wostzone/iotcentral-go/pkg/payload"
	"github.com/wostzone/iotcentral-go/pkg/provisioning"
)

// ClientVersion of the device client
const ClientVersion = "0.2.0"

// DefaultIdleInterval is the wait of a listener before it looks for a handler again
const DefaultIdleInterval = 10 * time.Second

// DefaultConnectTimeout bounds provisioning and opening the hub session
const DefaultConnectTimeout = 2 * time.Minute

// Version returns the client version
func Version() string {
	return ClientVersion
}

// IoTCClient is the device client. This implements the api.IDeviceClient interface.
type IoTCClient struct {
	deviceID string
	scopeID  string
	kind     api.CredentialKind
	material api.CredentialMaterial
	logger   api.ILogger
	events   *eventRegistry
	state    atomic.Int32

	// mutex guards the fields below
	mutex          sync.Mutex
	modelID        string
	globalEndpoint string
	idleInterval   time.Duration
	connectTimeout time.Duration
	provisioner    api.IProvisioner
	opener         api.ISessionOpener
	session        api.IHubSession
	stopListeners  context.CancelFunc

	listeners sync.WaitGroup
}

// ConnectionState returns the current connection state
func (client *IoTCClient) ConnectionState() api.ConnectionState {
	return api.ConnectionState(client.state.Load())
}

// Connect provisions the device, opens the hub session and starts the listeners.
// Returns ErrInvalidCredentialFormat, ErrProvisioningFailed or ErrConnectionFailed when the
// attempt fails, or ErrAlreadyConnected if the client is connecting or connected.
func (client *IoTCClient) Connect() error {
	if !client.state.CompareAndSwap(int32(api.Disconnected), int32(api.Connecting)) &&
		!client.state.CompareAndSwap(int32(api.Failed), int32(api.Connecting)) {
		return api.ErrAlreadyConnected
	}
	client.mutex.Lock()
	identity := api.Identity{
		DeviceID: client.deviceID,
		ScopeID:  client.scopeID,
		Kind:     client.kind,
		Material: client.material,
		ModelID:  client.modelID,
	}
	endpoint := client.globalEndpoint
	provisioner := client.provisioner
	opener := client.opener
	connectTimeout := client.connectTimeout
	client.mutex.Unlock()

	credential, err := client.resolveCredential()
	if err != nil {
		client.state.Store(int32(api.Failed))
		client.logger.Info(fmt.Sprintf("ERROR: %s", err))
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	registration, err := provisioner.Register(ctx, endpoint, identity, credential)
	if err != nil {
		client.state.Store(int32(api.Failed))
		client.logger.Info("ERROR: Failed to get device provisioning information")
		if !errors.Is(err, api.ErrProvisioningFailed) && !errors.Is(err, api.ErrInvalidCredentialFormat) {
			err = fmt.Errorf("%w: %s", api.ErrProvisioningFailed, err)
		}
		return err
	}
	client.logger.Debug(registration.AssignedHub)

	sessionIdentity := identity
	if credential.Kind == api.X509Cert {
		if registration.DeviceID != "" {
			sessionIdentity.DeviceID = registration.DeviceID
		}
	} else {
		cs := hubclient.ConnectionString{
			HostName:        registration.AssignedHub,
			DeviceID:        client.deviceID,
			SharedAccessKey: credential.SymmetricKey,
		}
		client.logger.Debug(fmt.Sprintf("IoTHub Connection string: %s", cs))
	}
	session, err := opener.Open(ctx, registration.AssignedHub, sessionIdentity, credential)
	if err != nil {
		client.state.Store(int32(api.Failed))
		client.logger.Info("ERROR: Failed to connect to Hub")
		if !errors.Is(err, api.ErrConnectionFailed) {
			err = fmt.Errorf("%w: %s", api.ErrConnectionFailed, err)
		}
		return err
	}

	listenCtx, stopListeners := context.WithCancel(context.Background())
	client.mutex.Lock()
	if !client.state.CompareAndSwap(int32(api.Connecting), int32(api.Connected)) {
		// disconnected while connecting
		client.mutex.Unlock()
		stopListeners()
		session.Close()
		return api.ErrNotConnected
	}
	client.session = session
	client.stopListeners = stopListeners
	client.listeners.Add(2)
	client.mutex.Unlock()
	client.logger.Debug("Device connected")

	go client.runPropertyListener(listenCtx, session)
	go client.runCommandListener(listenCtx, session)
	return nil
}

// Disconnect stops the listeners and closes the hub session.
// This waits for running handlers to complete and must not be called from a handler.
func (client *IoTCClient) Disconnect() {
	client.mutex.Lock()
	session := client.session
	stopListeners := client.stopListeners
	client.session = nil
	client.stopListeners = nil
	client.state.Store(int32(api.Disconnected))
	client.mutex.Unlock()

	if stopListeners != nil {
		stopListeners()
	}
	if session != nil {
		session.Close()
		client.logger.Debug("Device disconnected")
	}
	client.listeners.Wait()
}

// IsConnected returns true after a successful Connect
func (client *IoTCClient) IsConnected() bool {
	return client.ConnectionState() == api.Connected
}

// On registers the handler of an event kind, replacing the previous handler.
//  kind EventProperties takes a PropertiesHandler, EventCommand takes a CommandHandler
//  handler to invoke, nil to remove the handler
// Returns ErrInvalidHandler if the kind is unknown or the handler doesn't match the kind
func (client *IoTCClient) On(kind api.EventKind, handler interface{}) error {
	return client.events.set(kind, handler)
}

// SendProperty sends reported properties
//  payload in the form {"propName": {"value": propValue}}
//  callback optional, invoked after the hub accepted the properties
func (client *IoTCClient) SendProperty(propPayload interface{}, callback func()) error {
	session := client.currentSession()
	if session == nil {
		return api.ErrNotConnected
	}
	return client.sendProperty(session, propPayload, callback)
}

// SendTelemetry sends a telemetry message with a new message ID
//  payload with the telemetry fields, eg {"temperature": 21.5}. A []byte payload is sent as is.
//  properties optional custom message properties, nil to ignore
//  callback optional, invoked after the message is accepted by the transport
func (client *IoTCClient) SendTelemetry(telemetry interface{}, properties map[string]string, callback func()) error {
	session := client.currentSession()
	if session == nil {
		return api.ErrNotConnected
	}
	data, err := marshal(telemetry)
	if err != nil {
		return err
	}
	client.logger.Info(fmt.Sprintf("Sending telemetry message: %s", data))
	msg := &api.TelemetryMessage{
		MessageID:  uuid.NewString(),
		Payload:    data,
		Properties: properties,
	}
	if err = session.SendMessage(msg); err != nil {
		client.logger.Info(fmt.Sprintf("ERROR: Failed sending telemetry: %s", err))
		return err
	}
	if callback != nil {
		callback()
	}
	return nil
}

// SetGlobalEndpoint sets the provisioning service host. This has no effect once connected.
func (client *IoTCClient) SetGlobalEndpoint(endpoint string) {
	if client.isActive() {
		client.logger.Info("Global endpoint is not changed while connected")
		return
	}
	client.mutex.Lock()
	client.globalEndpoint = endpoint
	client.mutex.Unlock()
	client.logger.Debug("Endpoint changed to: " + endpoint)
}

// SetListenerIdleInterval sets the wait of a listener that has no handler, default 10 seconds
func (client *IoTCClient) SetListenerIdleInterval(interval time.Duration) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if interval > 0 {
		client.idleInterval = interval
	}
}

// SetLogLevel changes the level of the client logger
func (client *IoTCClient) SetLogLevel(level api.LogLevel) {
	client.logger.SetLogLevel(level)
	client.logger.Debug(fmt.Sprintf("Log level set to %d", level))
}

// SetModelID sets the model the device is associated with. This has no effect once connected.
func (client *IoTCClient) SetModelID(modelID string) {
	if client.isActive() {
		client.logger.Info("Model ID is not changed while connected")
		return
	}
	client.mutex.Lock()
	client.modelID = modelID
	client.mutex.Unlock()
	client.logger.Debug("Model Id set to: " + modelID)
}

// SetTransport replaces the provisioning and hub session collaborators.
// This has no effect once connected.
//  provisioner registers the device, nil to keep the current one
//  opener opens the hub session, nil to keep the current one
func (client *IoTCClient) SetTransport(provisioner api.IProvisioner, opener api.ISessionOpener) {
	if client.isActive() {
		client.logger.Info("Transport is not changed while connected")
		return
	}
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if provisioner != nil {
		client.provisioner = provisioner
	}
	if opener != nil {
		client.opener = opener
	}
}

// currentSession returns the open session or nil when not connected
func (client *IoTCClient) currentSession() api.IHubSession {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.session
}

// isActive returns true while connecting or connected
func (client *IoTCClient) isActive() bool {
	state := client.ConnectionState()
	return state == api.Connecting || state == api.Connected
}

// resolveCredential returns the credential to present for the configured credential kind.
// A group key is turned into the device key. A certificate key that can't be decrypted with
// the phrase is tried without it.
func (client *IoTCClient) resolveCredential() (*api.Credential, error) {
	switch client.kind {
	case api.SymmetricKey:
		deviceKey, err := certsetup.DeriveSymmetricKey(client.material.Key, client.deviceID)
		if err != nil {
			return nil, err
		}
		client.logger.Debug("Device key: " + deviceKey)
		return &api.Credential{Kind: api.SymmetricKey, SymmetricKey: deviceKey}, nil
	case api.DeviceKey:
		return &api.Credential{Kind: api.DeviceKey, SymmetricKey: client.material.Key}, nil
	case api.X509Cert:
		cert, err := certsetup.LoadX509KeyPair(client.material.CertFile, client.material.KeyFile,
			client.material.CertPhrase)
		if err != nil {
			client.logger.Debug("No passphrase available for certificate. Trying without it")
			cert, err = certsetup.LoadX509KeyPair(client.material.CertFile, client.material.KeyFile, "")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", api.ErrProvisioningFailed, err)
		}
		return &api.Credential{Kind: api.X509Cert, Certificate: cert}, nil
	}
	return nil, fmt.Errorf("%w: unknown credential kind %d", api.ErrInvalidCredentialFormat, client.kind)
}

// sendProperty sends a reported properties payload on the session
func (client *IoTCClient) sendProperty(session api.IHubSession, propPayload interface{}, callback func()) error {
	data, err := marshal(propPayload)
	if err != nil {
		return err
	}
	client.logger.Debug(fmt.Sprintf("Sending property %s", data))
	if err = session.SendPropertyPatch(data); err != nil {
		client.logger.Info(fmt.Sprintf("ERROR: Failed sending property: %s", err))
		return err
	}
	if callback != nil {
		callback()
	}
	return nil
}

// marshal a payload to JSON. Byte slices are taken as JSON already.
func marshal(msg interface{}) ([]byte, error) {
	if data, isBytes := msg.([]byte); isBytes {
		return data, nil
	}
	return payload.Marshal(msg)
}

// NewIoTCClient creates a device client
//  deviceID of the device, also used as registration ID
//  scopeID of the IoT Central application
//  kind of credential in material
//  material with the group or device key, or the certificate files
//  logger to log with, nil to log api calls to the console
func NewIoTCClient(deviceID string, scopeID string, kind api.CredentialKind,
	material api.CredentialMaterial, logger api.ILogger) *IoTCClient {

	if logger == nil {
		logger = logging.NewConsoleLogger(api.LogLevelAPIOnly)
	}
	client := &IoTCClient{
		deviceID:       deviceID,
		scopeID:        scopeID,
		kind:           kind,
		material:       material,
		logger:         logger,
		events:         newEventRegistry(),
		globalEndpoint: api.DefaultGlobalEndpoint,
		idleInterval:   DefaultIdleInterval,
		connectTimeout: DefaultConnectTimeout,
		provisioner:    provisioning.NewProvisioningClient(""),
		opener:         &hubclient.SessionOpener{},
	}
	client.state.Store(int32(api.Disconnected))
	return client
}
