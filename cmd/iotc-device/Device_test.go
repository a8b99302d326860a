package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/discovery"
)

// fakeClient records the telemetry sent by the device
type fakeClient struct {
	mutex     sync.Mutex
	connected bool
	telemetry []interface{}
}

func (fc *fakeClient) On(kind api.EventKind, handler interface{}) error { return nil }
func (fc *fakeClient) SetModelID(modelID string)                        {}
func (fc *fakeClient) SetGlobalEndpoint(endpoint string)                {}
func (fc *fakeClient) SetLogLevel(level api.LogLevel)                   {}
func (fc *fakeClient) Connect() error                                   { return nil }
func (fc *fakeClient) Disconnect()                                      {}
func (fc *fakeClient) ConnectionState() api.ConnectionState             { return api.Connected }
func (fc *fakeClient) SendProperty(payload interface{}, callback func()) error {
	return nil
}
func (fc *fakeClient) IsConnected() bool {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	return fc.connected
}
func (fc *fakeClient) SendTelemetry(payload interface{}, properties map[string]string, callback func()) error {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	fc.telemetry = append(fc.telemetry, payload)
	return nil
}
func (fc *fakeClient) sent() int {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()
	return len(fc.telemetry)
}

func TestDeviceProperty(t *testing.T) {
	logrus.Infof("--- TestDeviceProperty ---")
	device := NewDevice(&fakeClient{})

	assert.True(t, device.OnProperty(PropTargetTemperature, 30.0))
	assert.False(t, device.OnProperty(PropTargetTemperature, "warm"))
	assert.True(t, device.OnProperty("fanSpeed", "high"))
	assert.Equal(t, 30.0, device.Property(PropTargetTemperature))
	assert.Equal(t, "high", device.Property("fanSpeed"))
	assert.Nil(t, device.Property("notset"))

	// temperature moves towards the target
	t1 := device.Telemetry()[TelemetryTemperature].(float64)
	t2 := device.Telemetry()[TelemetryTemperature].(float64)
	assert.Greater(t, t1, DefaultTemperature)
	assert.Greater(t, t2, t1)
	assert.Less(t, t2, 30.0)
}

func TestDeviceCommand(t *testing.T) {
	logrus.Infof("--- TestDeviceCommand ---")
	device := NewDevice(&fakeClient{})
	device.OnProperty(PropTargetTemperature, 40.0)
	device.Telemetry()

	var results = make(map[string]interface{})
	ack := func(name string, value interface{}, requestID string) error {
		assert.Equal(t, "rid1", requestID)
		results[name] = value
		return nil
	}
	device.OnCommand(&api.CommandInvocation{Name: CommandEcho, Payload: "hello", RequestID: "rid1"}, ack)
	device.OnCommand(&api.CommandInvocation{Name: CommandReset, RequestID: "rid1"}, ack)
	device.OnCommand(&api.CommandInvocation{Name: "selfDestruct", RequestID: "rid1"}, ack)
	assert.Equal(t, "hello", results[CommandEcho])
	assert.Equal(t, "reset", results[CommandReset])
	assert.Contains(t, results["selfDestruct"], "unknown command")

	temperature := device.Telemetry()[TelemetryTemperature].(float64)
	assert.Equal(t, DefaultTemperature, temperature)
}

func TestDeviceRun(t *testing.T) {
	logrus.Infof("--- TestDeviceRun ---")
	client := &fakeClient{}
	device := NewDevice(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go device.Run(ctx, 10*time.Millisecond)

	// nothing is sent while disconnected
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, client.sent())

	client.mutex.Lock()
	client.connected = true
	client.mutex.Unlock()
	assert.Eventually(t, func() bool { return client.sent() >= 2 }, time.Second, 10*time.Millisecond)

	props := device.ReportedProperties(nil)
	assert.Contains(t, props, PropClientVersion)
	assert.NotContains(t, props, PropIPAddress)
	props = device.ReportedProperties(&discovery.NetworkInfo{IPAddress: "10.0.0.2", MacAddress: "aa:bb:cc:dd:ee:ff"})
	assert.Equal(t, map[string]interface{}{"value": "10.0.0.2"}, props[PropIPAddress])
	assert.Contains(t, props, PropMacAddress)
}
