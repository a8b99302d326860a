// Package mqttclient with the MQTT transport of a device session with the hub
package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// DefaultTimeoutSec with connection, subscription and publication timeouts
const DefaultTimeoutSec = 20

// DefaultKeepAliveSec is the interval between keep alive pings. This is the max wait time to discover a broken connection
const DefaultKeepAliveSec = 60

// ErrNoConnection is returned when publishing without a connection to the server
var ErrNoConnection = errors.New("no connection with server")

// MqttClient client wrapper around pahoClient
// The connection is not re-established once lost. The owner is notified through the
// connection lost handler instead.
type MqttClient struct {
	clientID string // unique ID of the client
	hostPort string // host:port of server to connect to
	pubQos   byte
	subQos   byte
	timeout  time.Duration // connection and request timeout
	//
	pahoClient    pahomqtt.Client // Paho MQTT Client
	tlsCACertFile string          // path to CA certificate, "" to use the system CAs
	onConnLost    func(err error) // notify of a lost connection
	updateMutex   *sync.Mutex     // mutex for async updating of the client
	subscriptions map[string]bool // subscribed topics
}

// Connect to the MQTT broker with a single attempt.
// If a previous connection exists then it is disconnected first.
//  clientCert to authenticate with client certificate. Use nil to authenticate with username/password
//  userName to authenticate with. Use "" to ignore
//  password to authenticate with. Use "" to ignore
func (mqttClient *MqttClient) Connect(clientCert *tls.Certificate, userName string, password string) error {

	// close existing connection
	mqttClient.updateMutex.Lock()
	prevClient := mqttClient.pahoClient
	mqttClient.pahoClient = nil
	mqttClient.updateMutex.Unlock()
	if prevClient != nil && prevClient.IsConnected() {
		prevClient.Disconnect(uint(mqttClient.timeout.Milliseconds()))
	}

	brokerURL := fmt.Sprintf("ssl://%s", mqttClient.hostPort)
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL)
	opts.SetClientID(mqttClient.clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(mqttClient.timeout)
	opts.SetWriteTimeout(mqttClient.timeout)
	opts.SetProtocolVersion(4) // IoT hub only supports MQTT 3.1.1
	opts.SetCleanSession(false)
	opts.SetKeepAlive(DefaultKeepAliveSec * time.Second)

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logrus.Infof("MqttClient.onConnect: Connected to server at %s. ClientId=%s",
			brokerURL, mqttClient.clientID)
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		logrus.Warningf("MqttClient.onConnectionLost: Disconnected from server %s. Error %s, ClientId=%s",
			brokerURL, err, mqttClient.clientID)
		mqttClient.updateMutex.Lock()
		onConnLost := mqttClient.onConnLost
		mqttClient.updateMutex.Unlock()
		if onConnLost != nil {
			onConnLost(err)
		}
	})
	var rootCA *x509.CertPool
	if mqttClient.tlsCACertFile != "" {
		caCertPEM, err := ioutil.ReadFile(mqttClient.tlsCACertFile)
		if err != nil {
			logrus.Errorf("MqttClient.Connect: Unable to read CA certificate chain: %s", err)
			return err
		}
		rootCA = x509.NewCertPool()
		rootCA.AppendCertsFromPEM(caCertPEM)
	}
	tlsConfig := &tls.Config{
		RootCAs: rootCA,
	}
	if clientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*clientCert}
	}
	opts.SetTLSConfig(tlsConfig)
	opts.Username = userName
	opts.Password = password

	logrus.Infof("MqttClient.Connect: Connecting to MQTT server: %s with clientID %s",
		brokerURL, mqttClient.clientID)

	pahoClient := pahomqtt.NewClient(opts)
	token := pahoClient.Connect()
	if !token.WaitTimeout(mqttClient.timeout) {
		pahoClient.Disconnect(0)
		err := fmt.Errorf("connecting to %s timed out after %s", brokerURL, mqttClient.timeout)
		logrus.Errorf("MqttClient.Connect: %s", err)
		return err
	}
	if err := token.Error(); err != nil {
		logrus.Errorf("MqttClient.Connect: Connecting to broker on %s failed: %s", brokerURL, err)
		return err
	}
	mqttClient.updateMutex.Lock()
	mqttClient.pahoClient = pahoClient
	mqttClient.updateMutex.Unlock()
	return nil
}

// Disconnect from the MQTT broker. The connection lost handler is not invoked.
func (mqttClient *MqttClient) Disconnect() {
	mqttClient.updateMutex.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.pahoClient = nil
	mqttClient.onConnLost = nil
	mqttClient.subscriptions = make(map[string]bool)
	mqttClient.updateMutex.Unlock()

	if pahoClient != nil {
		logrus.Infof("MqttClient.Disconnect: Client %s", mqttClient.clientID)
		pahoClient.Disconnect(uint(mqttClient.timeout.Milliseconds()))
	}
}

// IsConnected returns true when a connection with the server is open
func (mqttClient *MqttClient) IsConnected() bool {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	return mqttClient.pahoClient != nil && mqttClient.pahoClient.IsConnectionOpen()
}

// Publish a message to a topic address and wait for the server to accept it
func (mqttClient *MqttClient) Publish(topic string, message []byte) error {
	mqttClient.updateMutex.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.updateMutex.Unlock()

	if pahoClient == nil || !pahoClient.IsConnectionOpen() {
		logrus.Warnf("MqttClient.Publish: Unable to publish to '%s'. No connection with server.", topic)
		return ErrNoConnection
	}
	logrus.Debugf("MqttClient.Publish: topic=%s, qos=%d", topic, mqttClient.pubQos)
	token := pahoClient.Publish(topic, mqttClient.pubQos, false, message)
	if !token.WaitTimeout(mqttClient.timeout) {
		return fmt.Errorf("publish on '%s' timed out", topic)
	}
	err := token.Error()
	if err != nil {
		logrus.Warnf("MqttClient.Publish: Error during publish on address %s: %v", topic, err)
	}
	return err
}

// SetConnectionLostHandler sets the handler to invoke when the connection drops unexpectedly
func (mqttClient *MqttClient) SetConnectionLostHandler(handler func(err error)) {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	mqttClient.onConnLost = handler
}

// Subscribe to a topic address after the connection is established.
// The handler must not block as this delays delivery of other messages.
//  topic: address to subscribe to. This supports mqtt wildcards such as + and #
//  handler: callback handler.
func (mqttClient *MqttClient) Subscribe(
	topic string, handler func(address string, message []byte)) error {

	mqttClient.updateMutex.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.updateMutex.Unlock()
	if pahoClient == nil {
		return ErrNoConnection
	}
	logrus.Infof("MqttClient.Subscribe: topic %s, qos %d", topic, mqttClient.subQos)
	token := pahoClient.Subscribe(topic, mqttClient.subQos,
		func(c pahomqtt.Client, msg pahomqtt.Message) {
			logrus.Debugf("MqttClient.onMessage. address=%s", msg.Topic())
			handler(msg.Topic(), msg.Payload())
		})
	if !token.WaitTimeout(mqttClient.timeout) {
		return fmt.Errorf("subscription to '%s' timed out", topic)
	}
	if err := token.Error(); err != nil {
		logrus.Errorf("MqttClient.Subscribe: topic %s failed: %s", topic, err)
		return err
	}
	mqttClient.updateMutex.Lock()
	mqttClient.subscriptions[topic] = true
	mqttClient.updateMutex.Unlock()
	return nil
}

// Unsubscribe from a topic
func (mqttClient *MqttClient) Unsubscribe(topic string) {
	logrus.Infof("MqttClient.Unsubscribe: topic %s", topic)

	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	if !mqttClient.subscriptions[topic] {
		logrus.Warningf("MqttClient.Unsubscribe: Subscription on topic %s didn't exist. Ignored", topic)
		return
	}
	delete(mqttClient.subscriptions, topic)
	if mqttClient.pahoClient != nil {
		mqttClient.pahoClient.Unsubscribe(topic)
	}
}

// NewMqttClient creates a new MQTT client instance
//  clientID to identify as, the device ID
//  hostPort to connect to
//  caCertFile with the server CA certificate, "" to use the system CAs
//  timeoutSec of the connection and requests, 0 for DefaultTimeoutSec
func NewMqttClient(clientID string, hostPort string, caCertFile string, timeoutSec int) *MqttClient {
	if timeoutSec <= 0 {
		timeoutSec = DefaultTimeoutSec
	}
	mqttClient := &MqttClient{
		clientID:      clientID,
		hostPort:      hostPort,
		pubQos:        1,
		subQos:        1,
		timeout:       time.Duration(timeoutSec) * time.Second,
		tlsCACertFile: caCertFile,
		subscriptions: make(map[string]bool),
		updateMutex:   &sync.Mutex{},
	}
	return mqttClient
}
