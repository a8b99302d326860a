package testenv

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
)

// Topics of the device side hub protocol
const (
	telemetryTopicPrefix = "devices/"
	reportedTopicPrefix  = "$iothub/twin/PATCH/properties/reported/"
	methodResponsePrefix = "$iothub/methods/res/"
)

// broker is the gmqtt server lifecycle
type broker interface {
	Run()
	Stop(ctx context.Context) error
}

// HubMessage is a message published by a device
type HubMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// HubConnection describes an accepted device connection
type HubConnection struct {
	ClientID string
	Username string
	// CertCN is the CommonName of the client certificate, "" when a SAS token is used
	CertCN string
}

// FakeHub is an in-process MQTT broker that acts as the device side of an IoT hub.
// It records telemetry, reported properties and command responses, answers reported
// property patches with a twin response and injects desired property patches and commands.
type FakeHub struct {
	// Address the hub listens on, host:port
	Address string
	// CaCertFile verifies the hub and signs device certificates
	CaCertFile string

	mutex          sync.Mutex
	certCNs        map[net.Conn]string
	connections    []HubConnection
	telemetry      []HubMessage
	reported       []HubMessage
	responses      []HubMessage
	reportedStatus int
	reject         bool
	version        int

	service gmqtt.Server
	server  broker
}

// Connections returns the accepted device connections
func (hub *FakeHub) Connections() []HubConnection {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return append([]HubConnection(nil), hub.connections...)
}

// InvokeCommand sends a command to the connected devices
//  name of the command
//  requestID to correlate the response
//  payload of the command, nil for none
func (hub *FakeHub) InvokeCommand(name string, requestID string, payload []byte) {
	topic := fmt.Sprintf("$iothub/methods/POST/%s/?$rid=%s", name, requestID)
	hub.publish(topic, payload)
}

// MethodResponses returns the command responses published by devices
func (hub *FakeHub) MethodResponses() []HubMessage {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return append([]HubMessage(nil), hub.responses...)
}

// Reported returns the reported property patches published by devices
func (hub *FakeHub) Reported() []HubMessage {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return append([]HubMessage(nil), hub.reported...)
}

// SendDesiredPatch sends a desired property patch to the connected devices
func (hub *FakeHub) SendDesiredPatch(patch []byte) {
	hub.mutex.Lock()
	hub.version++
	topic := fmt.Sprintf("$iothub/twin/PATCH/properties/desired/?$version=%d", hub.version)
	hub.mutex.Unlock()
	hub.publish(topic, patch)
}

// SetReject makes the hub refuse new connections
func (hub *FakeHub) SetReject(reject bool) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.reject = reject
}

// SetReportedStatus sets the status of the twin response to reported property patches
func (hub *FakeHub) SetReportedStatus(status int) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.reportedStatus = status
}

// Stop the hub. Connected devices lose their connection.
func (hub *FakeHub) Stop() {
	if hub.server != nil {
		hub.server.Stop(context.Background())
		hub.server = nil
	}
}

// Telemetry returns the telemetry messages published by devices
func (hub *FakeHub) Telemetry() []HubMessage {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return append([]HubMessage(nil), hub.telemetry...)
}

func (hub *FakeHub) publish(topic string, payload []byte) {
	if hub.service == nil {
		logrus.Errorf("FakeHub.publish: hub is not running")
		return
	}
	logrus.Infof("FakeHub.publish: %s", topic)
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	hub.service.PublishService().Publish(msg)
}

// Load implements the gmqtt plugin interface
func (hub *FakeHub) Load(service gmqtt.Server) error {
	hub.service = service
	return nil
}

// Unload implements the gmqtt plugin interface
func (hub *FakeHub) Unload() error {
	return nil
}

// Name implements the gmqtt plugin interface
func (hub *FakeHub) Name() string { return "fakehub" }

// HookWrapper implements the gmqtt plugin interface
func (hub *FakeHub) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     hub.onAcceptWrapper,
		OnConnectWrapper:    hub.onConnectWrapper,
		OnMsgArrivedWrapper: hub.onMsgArrivedWrapper,
	}
}

// onAcceptWrapper records the CommonName of the client certificate, if any
func (hub *FakeHub) onAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		if err := tlsConn.Handshake(); err != nil {
			logrus.Warningf("FakeHub.onAccept: handshake failed: %s", err)
			return false
		}
		state := tlsConn.ConnectionState()
		certCN := ""
		if len(state.VerifiedChains) > 0 && len(state.VerifiedChains[0]) > 0 {
			certCN = state.VerifiedChains[0][0].Subject.CommonName
		}
		hub.mutex.Lock()
		hub.certCNs[conn] = certCN
		hub.mutex.Unlock()
		return accept(ctx, conn)
	}
}

// onConnectWrapper authenticates the device with its certificate or a SAS token
func (hub *FakeHub) onConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		clientID := options.ClientID()

		hub.mutex.Lock()
		certCN := hub.certCNs[client.Connection()]
		reject := hub.reject
		hub.mutex.Unlock()

		authorized := !reject &&
			strings.Contains(options.Username(), "/"+clientID+"/?api-version=") &&
			(certCN == clientID || strings.HasPrefix(options.Password(), "SharedAccessSignature sr="))
		if !authorized {
			logrus.Warningf("FakeHub.onConnect: device '%s' is not authorized", clientID)
			return packets.CodeNotAuthorized
		}
		logrus.Infof("FakeHub.onConnect: device '%s' connected", clientID)
		hub.mutex.Lock()
		hub.connections = append(hub.connections, HubConnection{
			ClientID: clientID,
			Username: options.Username(),
			CertCN:   certCN,
		})
		hub.mutex.Unlock()
		return connect(ctx, client)
	}
}

// onMsgArrivedWrapper records device messages and answers reported property patches
func (hub *FakeHub) onMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		hubMsg := HubMessage{
			ClientID: client.OptionsReader().ClientID(),
			Topic:    topic,
			Payload:  msg.Payload(),
		}
		hub.mutex.Lock()
		switch {
		case strings.HasPrefix(topic, reportedTopicPrefix):
			hub.reported = append(hub.reported, hubMsg)
			hub.version++
			status := hub.reportedStatus
			version := hub.version
			hub.mutex.Unlock()
			params, _ := url.ParseQuery(strings.TrimPrefix(topic, reportedTopicPrefix+"?"))
			resTopic := fmt.Sprintf("$iothub/twin/res/%d/?$rid=%s&$version=%d",
				status, params.Get("$rid"), version)
			hub.publish(resTopic, nil)
			return arrived(ctx, client, msg)
		case strings.HasPrefix(topic, methodResponsePrefix):
			hub.responses = append(hub.responses, hubMsg)
		case strings.HasPrefix(topic, telemetryTopicPrefix+hubMsg.ClientID+"/messages/events/"):
			hub.telemetry = append(hub.telemetry, hubMsg)
		default:
			logrus.Warningf("FakeHub.onMsgArrived: unexpected topic '%s'", topic)
		}
		hub.mutex.Unlock()
		return arrived(ctx, client, msg)
	}
}

// StartFakeHub starts a fake hub on a free local port using MQTT over TLS.
// The CA, server and device certificates are created in certFolder if they don't exist.
//  certFolder to hold the certificates
//  deviceID is the CommonName of a generated device certificate
func StartFakeHub(certFolder string, deviceID string) (*FakeHub, error) {
	err := certsetup.CreateCertificateBundle("127.0.0.1", deviceID, certFolder)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := serverTLSConfig(certFolder)
	if err != nil {
		return nil, err
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		logrus.Errorf("StartFakeHub: unable to listen: %s", err)
		return nil, err
	}
	hub := &FakeHub{
		Address:        listener.Addr().String(),
		CaCertFile:     path.Join(certFolder, certsetup.CaCertFile),
		certCNs:        make(map[net.Conn]string),
		reportedStatus: 204,
	}
	hub.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(listener),
		gmqtt.WithPlugin(hub),
	)
	hub.server.Run()
	logrus.Infof("StartFakeHub: listening on %s", hub.Address)
	return hub, nil
}

// Port returns the port the hub listens on
func (hub *FakeHub) Port() int {
	_, portText, _ := net.SplitHostPort(hub.Address)
	port, _ := strconv.Atoi(portText)
	return port
}
