package iotclient_test

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/internal/testenv"
	"github.com/wostzone/iotcentral-go/pkg/hubclient"
	"github.com/wostzone/iotcentral-go/pkg/iotclient"
	"github.com/wostzone/iotcentral-go/pkg/logging"
	"github.com/wostzone/iotcentral-go/pkg/provisioning"
)

// startServices starts a fake provisioning service that assigns devices to a fake hub
func startServices(t *testing.T) (*testenv.FakeDPS, *testenv.FakeHub) {
	certFolder := t.TempDir()
	dps, err := testenv.StartFakeDPS(certFolder, testDeviceID)
	require.NoError(t, err)
	t.Cleanup(dps.Stop)
	hub, err := testenv.StartFakeHub(certFolder, testDeviceID)
	require.NoError(t, err)
	t.Cleanup(hub.Stop)
	dps.SetAssignment("127.0.0.1", 1, "")
	return dps, hub
}

func reportedWith(hub *testenv.FakeHub, text string) bool {
	for _, msg := range hub.Reported() {
		if strings.Contains(string(msg.Payload), text) {
			return true
		}
	}
	return false
}

func TestEndToEnd(t *testing.T) {
	logrus.Infof("--- TestEndToEnd ---")
	dps, hub := startServices(t)

	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.SymmetricKey,
		api.CredentialMaterial{Key: testGroupKey}, logging.NewConsoleLogger(api.LogLevelAll))
	provisioner := provisioning.NewProvisioningClient(dps.CaCertFile)
	provisioner.PollInterval = 10 * time.Millisecond
	client.SetTransport(provisioner, &hubclient.SessionOpener{CaCertFile: hub.CaCertFile, Port: hub.Port(), TimeoutSec: 5})
	client.SetGlobalEndpoint(dps.Address)
	client.SetModelID("dtmi:example:thermostat;1")
	t.Cleanup(client.Disconnect)

	received := make(chan string, 10)
	client.On(api.EventProperties, func(name string, value interface{}) bool {
		received <- name
		return name != "readOnly"
	})
	client.On(api.EventCommand, func(command *api.CommandInvocation, ack api.CommandAckFunc) {
		ack(command.Name, command.Payload, command.RequestID)
	})

	err := client.Connect()
	require.NoError(t, err)
	assert.True(t, client.IsConnected())

	// the device key derived from the group key authenticates with provisioning and the hub
	auth, _, request := dps.LastRegistration()
	assert.True(t, strings.HasPrefix(auth, "SharedAccessSignature sr="))
	assert.Equal(t, testDeviceID, request["registrationId"])
	conns := hub.Connections()
	require.Len(t, conns, 1)
	assert.True(t, strings.HasPrefix(conns[0].Username, "127.0.0.1/device1/?api-version="))
	assert.Contains(t, conns[0].Username, "model-id=")

	// telemetry
	err = client.SendTelemetry(map[string]interface{}{"temperature": 21.5}, map[string]string{"zone": "north"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(hub.Telemetry()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"temperature":21.5}`, string(hub.Telemetry()[0].Payload))
	assert.True(t, strings.HasSuffix(hub.Telemetry()[0].Topic, "&zone=north"))

	// desired properties are acknowledged unless the handler rejects them
	hub.SendDesiredPatch([]byte(`{"$version":5,"temp":{"value":21},"readOnly":{"value":1}}`))
	require.Eventually(t, func() bool { return reportedWith(hub, `"desiredVersion":5`) },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "temp", <-received)
	assert.Equal(t, "readOnly", <-received)
	assert.True(t, reportedWith(hub, `"temp"`))
	assert.False(t, reportedWith(hub, `"readOnly"`))

	// commands are acknowledged on receipt and the result is reported
	hub.InvokeCommand("echo", "rid1", []byte(`"hello"`))
	require.Eventually(t, func() bool { return reportedWith(hub, `"requestId":"rid1"`) },
		5*time.Second, 10*time.Millisecond)
	responses := hub.MethodResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "$iothub/methods/res/200/?$rid=rid1", responses[0].Topic)

	// reported properties from the application
	err = client.SendProperty(map[string]interface{}{"fanSpeed": map[string]interface{}{"value": "high"}}, nil)
	require.NoError(t, err)
	assert.True(t, reportedWith(hub, `"fanSpeed"`))

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.Equal(t, api.Disconnected, client.ConnectionState())
}

func TestEndToEndHubLost(t *testing.T) {
	logrus.Infof("--- TestEndToEndHubLost ---")
	dps, hub := startServices(t)

	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.DeviceKey,
		api.CredentialMaterial{Key: testDeviceKey}, nil)
	provisioner := provisioning.NewProvisioningClient(dps.CaCertFile)
	provisioner.PollInterval = 10 * time.Millisecond
	client.SetTransport(provisioner, &hubclient.SessionOpener{CaCertFile: hub.CaCertFile, Port: hub.Port(), TimeoutSec: 5})
	client.SetGlobalEndpoint(dps.Address)
	client.SetListenerIdleInterval(20 * time.Millisecond)
	t.Cleanup(client.Disconnect)

	err := client.Connect()
	require.NoError(t, err)

	// without reconnect, sending fails once the hub is gone
	hub.Stop()
	assert.Eventually(t, func() bool {
		return client.SendTelemetry(map[string]interface{}{"temperature": 1}, nil, nil) != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEndHubRejects(t *testing.T) {
	logrus.Infof("--- TestEndToEndHubRejects ---")
	dps, hub := startServices(t)
	hub.SetReject(true)

	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.DeviceKey,
		api.CredentialMaterial{Key: testDeviceKey}, nil)
	provisioner := provisioning.NewProvisioningClient(dps.CaCertFile)
	provisioner.PollInterval = 10 * time.Millisecond
	client.SetTransport(provisioner, &hubclient.SessionOpener{CaCertFile: hub.CaCertFile, Port: hub.Port(), TimeoutSec: 5})
	client.SetGlobalEndpoint(dps.Address)

	err := client.Connect()
	assert.ErrorIs(t, err, api.ErrConnectionFailed)
	assert.False(t, client.IsConnected())
	assert.Equal(t, api.Failed, client.ConnectionState())
}
