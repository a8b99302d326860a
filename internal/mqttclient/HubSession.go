package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/payload"
)

// ContentTypeJSON of telemetry messages
const ContentTypeJSON = "application/json"

// ContentEncodingUTF8 of telemetry messages
const ContentEncodingUTF8 = "utf-8"

// HubSession is an authenticated session with the IoT hub over MQTT.
// This implements the api.IHubSession interface.
type HubSession struct {
	deviceID   string
	mqttClient *MqttClient
	timeout    time.Duration

	desiredQueue *messageQueue
	commandQueue *messageQueue

	pendingMutex sync.Mutex
	pending      map[string]chan int // twin requests waiting for a response status

	done     chan struct{}
	doneOnce sync.Once
}

// Username returns the MQTT username of a device on the hub
//  hub is the assigned hub hostname
//  deviceID of the device
//  modelID optional model to announce, "" to omit
func Username(hub string, deviceID string, modelID string) string {
	username := fmt.Sprintf("%s/%s/?api-version=%s", hub, deviceID, api.HubAPIVersion)
	if modelID != "" {
		username += "&model-id=" + url.QueryEscape(modelID)
	}
	return username
}

// TelemetryTopic returns the topic to publish a telemetry message on.
// The message ID, content type and encoding come first, followed by the custom properties
// in sorted order.
func TelemetryTopic(deviceID string, msg *api.TelemetryMessage) string {
	base := strings.Replace(api.TopicTelemetry, "{id}", deviceID, 1)
	props := []string{
		api.PropMessageID + "=" + url.QueryEscape(msg.MessageID),
		api.PropContentType + "=" + url.QueryEscape(ContentTypeJSON),
		api.PropContentEncoding + "=" + url.QueryEscape(ContentEncodingUTF8),
	}
	names := make([]string, 0, len(msg.Properties))
	for name := range msg.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		props = append(props, url.QueryEscape(name)+"="+url.QueryEscape(msg.Properties[name]))
	}
	return base + strings.Join(props, "&")
}

// ReportedPatchTopic returns the topic to publish reported properties with the request ID
func ReportedPatchTopic(requestID string) string {
	return strings.Replace(api.TopicReportedPatch, "{rid}", requestID, 1)
}

// MethodResponseTopic returns the topic to respond to a command invocation
func MethodResponseTopic(status int, requestID string) string {
	topic := strings.Replace(api.TopicMethodResponse, "{status}", strconv.Itoa(status), 1)
	return strings.Replace(topic, "{rid}", requestID, 1)
}

// ParseRequestTopic splits a topic of the form {prefix}{name}/?{params} into the name
// and its parameters.
// Returns false if the topic does not start with prefix.
func ParseRequestTopic(topic string, prefix string) (name string, params url.Values, ok bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", nil, false
	}
	rest := strings.TrimPrefix(topic, prefix)
	query := ""
	if i := strings.Index(rest, "?"); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	name = strings.TrimSuffix(rest, "/")
	params, err := url.ParseQuery(query)
	if err != nil {
		params = url.Values{}
	}
	return name, params, true
}

// AcknowledgeCommand responds to a command invocation
//  command to respond to
//  status of the response, eg 200
//  body of the response, JSON
func (session *HubSession) AcknowledgeCommand(command *api.CommandInvocation, status int, body []byte) error {
	if session.isDone() {
		return api.ErrSessionTerminated
	}
	topic := MethodResponseTopic(status, command.RequestID)
	return session.mqttClient.Publish(topic, body)
}

// Close the session and disconnect from the hub. Waiting receivers return ErrSessionTerminated.
func (session *HubSession) Close() {
	logrus.Infof("HubSession.Close: closing session of device '%s'", session.deviceID)
	session.terminate()
	session.mqttClient.Disconnect()
}

// Done returns a channel that is closed when the session has terminated
func (session *HubSession) Done() <-chan struct{} {
	return session.done
}

// ReceiveCommand waits for the next command invocation
func (session *HubSession) ReceiveCommand(ctx context.Context) (*api.CommandInvocation, error) {
	item, err := session.commandQueue.wait(ctx, session.done, api.ErrSessionTerminated)
	if err != nil {
		return nil, err
	}
	return item.(*api.CommandInvocation), nil
}

// ReceiveDesiredPropertiesPatch waits for the next desired properties patch
func (session *HubSession) ReceiveDesiredPropertiesPatch(ctx context.Context) (*api.PropertyPatch, error) {
	item, err := session.desiredQueue.wait(ctx, session.done, api.ErrSessionTerminated)
	if err != nil {
		return nil, err
	}
	return item.(*api.PropertyPatch), nil
}

// SendMessage publishes a telemetry message
func (session *HubSession) SendMessage(msg *api.TelemetryMessage) error {
	if session.isDone() {
		return api.ErrSessionTerminated
	}
	topic := TelemetryTopic(session.deviceID, msg)
	return session.mqttClient.Publish(topic, msg.Payload)
}

// SendPropertyPatch publishes reported properties and waits for the hub to accept them
//  patch JSON document with the reported properties
func (session *HubSession) SendPropertyPatch(patch []byte) error {
	if session.isDone() {
		return api.ErrSessionTerminated
	}
	requestID, respChan := session.addPending()
	err := session.mqttClient.Publish(ReportedPatchTopic(requestID), patch)
	if err != nil {
		session.removePending(requestID)
		return err
	}
	return session.waitForResponse(requestID, respChan)
}

// Open connects to the hub and subscribes to properties, commands and twin responses.
//  clientCert for certificate authentication, nil to use the password
//  username as returned by Username()
//  password is the SAS token, "" with certificate authentication
func (session *HubSession) Open(ctx context.Context, clientCert *tls.Certificate, username string, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session.mqttClient.SetConnectionLostHandler(session.onConnectionLost)
	err := session.mqttClient.Connect(clientCert, username, password)
	if err != nil {
		return err
	}
	subscriptions := []struct {
		topic   string
		handler func(topic string, message []byte)
	}{
		{api.TopicDesiredPatch + "#", session.onDesiredPatch},
		{api.TopicMethodRequest + "#", session.onMethodRequest},
		{api.TopicTwinResponse + "#", session.onTwinResponse},
	}
	for _, sub := range subscriptions {
		if err = session.mqttClient.Subscribe(sub.topic, sub.handler); err != nil {
			session.mqttClient.Disconnect()
			return err
		}
	}
	logrus.Infof("HubSession.Open: session of device '%s' is open", session.deviceID)
	return nil
}

func (session *HubSession) addPending() (string, chan int) {
	requestID := uuid.NewString()
	respChan := make(chan int, 1)
	session.pendingMutex.Lock()
	session.pending[requestID] = respChan
	session.pendingMutex.Unlock()
	return requestID, respChan
}

func (session *HubSession) removePending(requestID string) {
	session.pendingMutex.Lock()
	delete(session.pending, requestID)
	session.pendingMutex.Unlock()
}

func (session *HubSession) isDone() bool {
	select {
	case <-session.done:
		return true
	default:
		return false
	}
}

func (session *HubSession) terminate() {
	session.doneOnce.Do(func() {
		close(session.done)
	})
}

func (session *HubSession) waitForResponse(requestID string, respChan chan int) error {
	defer session.removePending(requestID)
	select {
	case status := <-respChan:
		if status < 200 || status >= 300 {
			return fmt.Errorf("request %s rejected with status %d", requestID, status)
		}
		return nil
	case <-session.done:
		return api.ErrSessionTerminated
	case <-time.After(session.timeout):
		return fmt.Errorf("no response to request %s after %s", requestID, session.timeout)
	}
}

func (session *HubSession) onConnectionLost(err error) {
	logrus.Warningf("HubSession.onConnectionLost: session of device '%s' terminated: %s", session.deviceID, err)
	session.terminate()
}

// onDesiredPatch queues a received desired properties patch
func (session *HubSession) onDesiredPatch(topic string, message []byte) {
	patch, err := payload.ParsePropertyPatch(message)
	if err != nil {
		logrus.Warningf("HubSession.onDesiredPatch: Ignored invalid patch on '%s': %s", topic, err)
		return
	}
	session.desiredQueue.push(patch)
}

// onMethodRequest queues a received command
func (session *HubSession) onMethodRequest(topic string, message []byte) {
	name, params, ok := ParseRequestTopic(topic, api.TopicMethodRequest)
	if !ok || name == "" {
		logrus.Warningf("HubSession.onMethodRequest: Ignored command on unexpected topic '%s'", topic)
		return
	}
	raw := append([]byte(nil), message...)
	session.commandQueue.push(&api.CommandInvocation{
		Name:       name,
		Payload:    payload.ParseCommandPayload(raw),
		RawPayload: raw,
		RequestID:  params.Get("$rid"),
	})
}

// onTwinResponse passes the response status to the waiting request
func (session *HubSession) onTwinResponse(topic string, message []byte) {
	statusText, params, ok := ParseRequestTopic(topic, api.TopicTwinResponse)
	if !ok {
		return
	}
	status, err := strconv.Atoi(statusText)
	if err != nil {
		logrus.Warningf("HubSession.onTwinResponse: Invalid status in topic '%s'", topic)
		return
	}
	requestID := params.Get("$rid")
	session.pendingMutex.Lock()
	respChan := session.pending[requestID]
	session.pendingMutex.Unlock()
	if respChan == nil {
		logrus.Debugf("HubSession.onTwinResponse: No pending request with ID '%s'", requestID)
		return
	}
	select {
	case respChan <- status:
	default:
	}
}

// NewHubSession creates a session for the device using the given MQTT client.
// Use Open to connect.
//  deviceID of the device
//  mqttClient to connect with
//  timeout to wait for responses to reported properties
func NewHubSession(deviceID string, mqttClient *MqttClient, timeout time.Duration) *HubSession {
	if timeout <= 0 {
		timeout = DefaultTimeoutSec * time.Second
	}
	session := &HubSession{
		deviceID:     deviceID,
		mqttClient:   mqttClient,
		timeout:      timeout,
		desiredQueue: newMessageQueue(),
		commandQueue: newMessageQueue(),
		pending:      make(map[string]chan int),
		done:         make(chan struct{}),
	}
	return session
}
