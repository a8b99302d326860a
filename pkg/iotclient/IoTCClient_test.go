package iotclient_test

import (
	"bytes"
	"errors"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
	"github.com/wostzone/iotcentral-go/pkg/iotclient"
	"github.com/wostzone/iotcentral-go/pkg/logging"
	"github.com/wostzone/iotcentral-go/pkg/payload"
)

const testDeviceID = "device1"
const testScopeID = "0ne00000001"
const testHub = "myhub.azure-devices.net"

// group key of bytes 0..31 and the key derived from it for testDeviceID
const testGroupKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
const testDeviceKey = "aqmHxAEAfS2s3KseHjJFbpOZg0CLxh9GnP/r9qdkDUQ="

const waitTime = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestClient(t *testing.T) (*iotclient.IoTCClient, *fakeProvisioner, *fakeOpener) {
	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.SymmetricKey,
		api.CredentialMaterial{Key: testGroupKey}, logging.NewConsoleLogger(api.LogLevelAll))
	prov := &fakeProvisioner{}
	opener := &fakeOpener{}
	client.SetTransport(prov, opener)
	client.SetListenerIdleInterval(20 * time.Millisecond)
	t.Cleanup(client.Disconnect)
	return client, prov, opener
}

func patchOf(t *testing.T, doc string) *api.PropertyPatch {
	patch, err := payload.ParsePropertyPatch([]byte(doc))
	require.NoError(t, err)
	return patch
}

func TestVersion(t *testing.T) {
	logrus.Infof("--- TestVersion ---")
	assert.Equal(t, iotclient.ClientVersion, iotclient.Version())
}

func TestConnect(t *testing.T) {
	logrus.Infof("--- TestConnect ---")
	client, prov, opener := newTestClient(t)
	client.SetModelID("dtmi:example:thermostat;1")

	assert.False(t, client.IsConnected())
	assert.Equal(t, api.Disconnected, client.ConnectionState())
	err := client.Connect()
	require.NoError(t, err)
	assert.True(t, client.IsConnected())
	assert.Equal(t, api.Connected, client.ConnectionState())

	assert.Equal(t, api.DefaultGlobalEndpoint, prov.endpoint)
	assert.Equal(t, testScopeID, prov.identity.ScopeID)
	assert.Equal(t, "dtmi:example:thermostat;1", prov.identity.ModelID)
	require.NotNil(t, prov.credential)
	assert.Equal(t, testDeviceKey, prov.credential.SymmetricKey)
	assert.Equal(t, testHub, opener.assignedHub)
	assert.Equal(t, testDeviceID, opener.identity.DeviceID)

	// a second connect is refused
	err = client.Connect()
	assert.ErrorIs(t, err, api.ErrAlreadyConnected)
	assert.Equal(t, 1, prov.calls)

	session := opener.lastSession()
	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.True(t, session.isClosed())
}

func TestConnectGlobalEndpoint(t *testing.T) {
	logrus.Infof("--- TestConnectGlobalEndpoint ---")
	client, prov, _ := newTestClient(t)

	client.SetGlobalEndpoint("127.0.0.1:8443")
	err := client.Connect()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8443", prov.endpoint)

	// no effect once connected
	client.SetGlobalEndpoint("other.example.com")
	client.SetModelID("dtmi:other;1")
	client.Disconnect()
	err = client.Connect()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8443", prov.endpoint)
	assert.Equal(t, "", prov.identity.ModelID)
}

func TestConnectDeviceKey(t *testing.T) {
	logrus.Infof("--- TestConnectDeviceKey ---")
	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.DeviceKey,
		api.CredentialMaterial{Key: testDeviceKey}, nil)
	prov := &fakeProvisioner{}
	client.SetTransport(prov, &fakeOpener{})
	defer client.Disconnect()

	err := client.Connect()
	require.NoError(t, err)
	// device keys are used as is
	assert.Equal(t, testDeviceKey, prov.credential.SymmetricKey)
	assert.Equal(t, api.DeviceKey, prov.credential.Kind)
}

func TestConnectInvalidKey(t *testing.T) {
	logrus.Infof("--- TestConnectInvalidKey ---")
	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.SymmetricKey,
		api.CredentialMaterial{Key: "not-base64!"}, nil)
	prov := &fakeProvisioner{}
	client.SetTransport(prov, &fakeOpener{})

	err := client.Connect()
	assert.ErrorIs(t, err, api.ErrInvalidCredentialFormat)
	assert.False(t, client.IsConnected())
	assert.Equal(t, api.Failed, client.ConnectionState())
	assert.Equal(t, 0, prov.calls)
}

func TestConnectProvisioningFailed(t *testing.T) {
	logrus.Infof("--- TestConnectProvisioningFailed ---")
	client, prov, opener := newTestClient(t)
	prov.err = errors.New("registration rejected")

	err := client.Connect()
	assert.ErrorIs(t, err, api.ErrProvisioningFailed)
	assert.False(t, client.IsConnected())
	assert.Equal(t, api.Failed, client.ConnectionState())
	assert.Equal(t, 0, opener.calls)

	// a new attempt is allowed after failure
	prov.err = nil
	err = client.Connect()
	require.NoError(t, err)
	assert.True(t, client.IsConnected())
}

func TestConnectSessionFailed(t *testing.T) {
	logrus.Infof("--- TestConnectSessionFailed ---")
	client, _, opener := newTestClient(t)
	opener.err = errors.New("hub unreachable")

	err := client.Connect()
	assert.ErrorIs(t, err, api.ErrConnectionFailed)
	assert.False(t, client.IsConnected())
	assert.Equal(t, api.Failed, client.ConnectionState())
}

func TestConnectX509(t *testing.T) {
	logrus.Infof("--- TestConnectX509 ---")
	certFolder := t.TempDir()
	err := certsetup.CreateCertificateBundle("127.0.0.1", testDeviceID, certFolder)
	require.NoError(t, err)

	// the key isn't encrypted so the phrase is ignored
	material := api.CredentialMaterial{
		CertFile:   path.Join(certFolder, certsetup.DeviceCertFile),
		KeyFile:    path.Join(certFolder, certsetup.DeviceKeyFile),
		CertPhrase: "secret",
	}
	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.X509Cert, material, nil)
	prov := &fakeProvisioner{deviceID: "assigned-device1"}
	opener := &fakeOpener{}
	client.SetTransport(prov, opener)
	defer client.Disconnect()

	err = client.Connect()
	require.NoError(t, err)
	require.NotNil(t, prov.credential)
	assert.NotNil(t, prov.credential.Certificate)
	// the session uses the device ID assigned by provisioning
	assert.Equal(t, "assigned-device1", opener.identity.DeviceID)
}

func TestConnectX509EncryptedKey(t *testing.T) {
	logrus.Infof("--- TestConnectX509EncryptedKey ---")
	certFolder := t.TempDir()
	err := certsetup.CreateCertificateBundle("127.0.0.1", testDeviceID, certFolder)
	require.NoError(t, err)

	// a device certificate with an encrypted key
	deviceKey := certsetup.CreateECDSAKeys()
	caCert, err := os.ReadFile(path.Join(certFolder, certsetup.CaCertFile))
	require.NoError(t, err)
	caKey, err := os.ReadFile(path.Join(certFolder, certsetup.CaKeyFile))
	require.NoError(t, err)
	deviceCertPEM, err := certsetup.CreateDeviceCert(testDeviceID, &deviceKey.PublicKey, caCert, caKey)
	require.NoError(t, err)
	certFile := path.Join(certFolder, "encCert.pem")
	keyFile := path.Join(certFolder, "encKey.pem")
	require.NoError(t, os.WriteFile(certFile, deviceCertPEM, 0644))
	require.NoError(t, certsetup.SavePrivateKeyToPEM(deviceKey, "secret", keyFile))

	material := api.CredentialMaterial{CertFile: certFile, KeyFile: keyFile, CertPhrase: "secret"}
	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.X509Cert, material, nil)
	client.SetTransport(&fakeProvisioner{}, &fakeOpener{})
	err = client.Connect()
	require.NoError(t, err)
	client.Disconnect()

	// a wrong phrase falls back to no phrase, which fails for an encrypted key
	material.CertPhrase = "wrong"
	client = iotclient.NewIoTCClient(testDeviceID, testScopeID, api.X509Cert, material, nil)
	client.SetTransport(&fakeProvisioner{}, &fakeOpener{})
	err = client.Connect()
	assert.ErrorIs(t, err, api.ErrProvisioningFailed)
}

func TestOn(t *testing.T) {
	logrus.Infof("--- TestOn ---")
	client, _, _ := newTestClient(t)

	err := client.On(api.EventProperties, func(name string, value interface{}) bool { return true })
	assert.NoError(t, err)
	err = client.On(api.EventProperties, api.PropertiesHandler(func(name string, value interface{}) bool { return true }))
	assert.NoError(t, err)
	err = client.On(api.EventCommand, func(cmd *api.CommandInvocation, ack api.CommandAckFunc) {})
	assert.NoError(t, err)
	err = client.On(api.EventCommand, func(cmd *api.CommandInvocation, ack func(string, interface{}, string) error) {})
	assert.NoError(t, err)
	err = client.On(api.EventCommand, nil)
	assert.NoError(t, err)

	err = client.On(api.EventCommand, func(name string, value interface{}) bool { return true })
	assert.ErrorIs(t, err, api.ErrInvalidHandler)
	err = client.On(api.EventProperties, "handler")
	assert.ErrorIs(t, err, api.ErrInvalidHandler)
	err = client.On(api.EventKind(99), func(name string, value interface{}) bool { return true })
	assert.ErrorIs(t, err, api.ErrInvalidHandler)
}

func TestPropertyAcknowledged(t *testing.T) {
	logrus.Infof("--- TestPropertyAcknowledged ---")
	client, _, opener := newTestClient(t)

	var mutex sync.Mutex
	calls := make([]string, 0)
	client.On(api.EventProperties, func(name string, value interface{}) bool {
		mutex.Lock()
		defer mutex.Unlock()
		calls = append(calls, name)
		assert.Equal(t, float64(21), value)
		return true
	})
	require.NoError(t, client.Connect())
	session := opener.lastSession()

	session.patches <- patchOf(t, `{"$version": 3, "temp": {"value": 21}}`)
	require.Eventually(t, func() bool { return len(session.sentProperties()) == 1 }, waitTime, tick)

	assert.JSONEq(t, `{"temp": {"value": 21, "status": "completed", "desiredVersion": 3, "message": "Property received"}}`,
		string(session.sentProperties()[0]))
	mutex.Lock()
	assert.Equal(t, []string{"temp"}, calls)
	mutex.Unlock()
}

func TestPropertyRejected(t *testing.T) {
	logrus.Infof("--- TestPropertyRejected ---")
	client, _, opener := newTestClient(t)

	var handled int32
	client.On(api.EventProperties, func(name string, value interface{}) bool {
		atomic.AddInt32(&handled, 1)
		if name == "panic" {
			panic("handler failure")
		}
		return name == "accepted"
	})
	require.NoError(t, client.Connect())
	session := opener.lastSession()

	session.patches <- patchOf(t, `{"rejected": {"value": 1}, "$version": 5}`)
	session.patches <- patchOf(t, `{"panic": {"value": true}, "$version": 6}`)
	session.patches <- patchOf(t, `{"accepted": {"value": "on"}, "$version": 7}`)
	require.Eventually(t, func() bool { return len(session.sentProperties()) == 1 }, waitTime, tick)

	// only the accepted property is acknowledged and the loop survives the panic
	assert.Equal(t, int32(3), atomic.LoadInt32(&handled))
	assert.JSONEq(t, `{"accepted": {"value": "on", "status": "completed", "desiredVersion": 7, "message": "Property received"}}`,
		string(session.sentProperties()[0]))
}

func TestHandlerReplaced(t *testing.T) {
	logrus.Infof("--- TestHandlerReplaced ---")
	client, _, opener := newTestClient(t)

	var first, second int32
	client.On(api.EventProperties, func(name string, value interface{}) bool {
		atomic.AddInt32(&first, 1)
		return true
	})
	client.On(api.EventProperties, func(name string, value interface{}) bool {
		atomic.AddInt32(&second, 1)
		return true
	})
	require.NoError(t, client.Connect())
	session := opener.lastSession()

	session.patches <- patchOf(t, `{"a": {"value": 1}, "b": {"value": 2}, "$version": 1}`)
	require.Eventually(t, func() bool { return len(session.sentProperties()) == 2 }, waitTime, tick)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(2), atomic.LoadInt32(&second))
}

func TestCommand(t *testing.T) {
	logrus.Infof("--- TestCommand ---")
	client, _, opener := newTestClient(t)

	client.On(api.EventCommand, func(cmd *api.CommandInvocation, ack api.CommandAckFunc) {
		opener.lastSession().journal.add("handler:" + cmd.Name)
		err := ack(cmd.Name, "rebooted", cmd.RequestID)
		assert.NoError(t, err)
	})
	require.NoError(t, client.Connect())
	session := opener.lastSession()

	session.commands <- &api.CommandInvocation{Name: "reboot", Payload: map[string]interface{}{"delay": 1.0}, RequestID: "r1"}
	require.Eventually(t, func() bool { return len(session.sentProperties()) == 1 }, waitTime, tick)

	assert.Equal(t, []string{"ack:reboot", "handler:reboot"}, session.journal.list())
	acks := session.sentAcks()
	require.Len(t, acks, 1)
	assert.Equal(t, 200, acks[0].status)
	assert.JSONEq(t, `{"result": true, "data": "Command received"}`, string(acks[0].body))
	assert.JSONEq(t, `{"reboot": {"value": "rebooted", "requestId": "r1"}}`, string(session.sentProperties()[0]))
}

func TestCommandHandlerPanic(t *testing.T) {
	logrus.Infof("--- TestCommandHandlerPanic ---")
	client, _, opener := newTestClient(t)

	var handled int32
	client.On(api.EventCommand, func(cmd *api.CommandInvocation, ack api.CommandAckFunc) {
		atomic.AddInt32(&handled, 1)
		panic("command failed")
	})
	require.NoError(t, client.Connect())
	session := opener.lastSession()

	session.commands <- &api.CommandInvocation{Name: "first", RequestID: "1"}
	session.commands <- &api.CommandInvocation{Name: "second", RequestID: "2"}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 2 }, waitTime, tick)
	// each command is acknowledged once regardless of the handler outcome
	assert.Len(t, session.sentAcks(), 2)
}

func TestIdleWithoutHandler(t *testing.T) {
	logrus.Infof("--- TestIdleWithoutHandler ---")
	client, _, opener := newTestClient(t)
	client.SetListenerIdleInterval(30 * time.Millisecond)

	require.NoError(t, client.Connect())
	session := opener.lastSession()
	time.Sleep(100 * time.Millisecond)
	// without handlers the listeners do not receive
	assert.Equal(t, int32(0), atomic.LoadInt32(&session.patchReceives))
	assert.Equal(t, int32(0), atomic.LoadInt32(&session.commandReceives))

	client.On(api.EventCommand, func(cmd *api.CommandInvocation, ack api.CommandAckFunc) {})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&session.commandReceives) > 0 }, waitTime, tick)
	assert.Equal(t, int32(0), atomic.LoadInt32(&session.patchReceives))
}

func TestSessionTerminated(t *testing.T) {
	logrus.Infof("--- TestSessionTerminated ---")
	client, _, opener := newTestClient(t)
	client.On(api.EventProperties, func(name string, value interface{}) bool { return true })
	client.On(api.EventCommand, func(cmd *api.CommandInvocation, ack api.CommandAckFunc) {})

	require.NoError(t, client.Connect())
	session := opener.lastSession()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&session.patchReceives) > 0 && atomic.LoadInt32(&session.commandReceives) > 0
	}, waitTime, tick)

	session.terminate()
	// both listeners end so disconnect completes
	stopped := make(chan bool)
	go func() {
		client.Disconnect()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitTime):
		t.Fatal("listeners did not end")
	}
}

func TestSendTelemetry(t *testing.T) {
	logrus.Infof("--- TestSendTelemetry ---")
	client, _, opener := newTestClient(t)

	err := client.SendTelemetry(map[string]interface{}{"temperature": 21.5}, nil, nil)
	assert.ErrorIs(t, err, api.ErrNotConnected)

	require.NoError(t, client.Connect())
	session := opener.lastSession()
	sent := false
	err = client.SendTelemetry(map[string]interface{}{"temperature": 21.5},
		map[string]string{"zone": "north"}, func() { sent = true })
	require.NoError(t, err)
	assert.True(t, sent)
	err = client.SendTelemetry([]byte(`{"humidity":40}`), nil, nil)
	require.NoError(t, err)

	messages := session.sentMessages()
	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"temperature": 21.5}`, string(messages[0].Payload))
	assert.Equal(t, "north", messages[0].Properties["zone"])
	assert.JSONEq(t, `{"humidity": 40}`, string(messages[1].Payload))
	_, err = uuid.Parse(messages[0].MessageID)
	assert.NoError(t, err)
	assert.NotEqual(t, messages[0].MessageID, messages[1].MessageID)
}

func TestSendProperty(t *testing.T) {
	logrus.Infof("--- TestSendProperty ---")
	client, _, opener := newTestClient(t)

	err := client.SendProperty(map[string]interface{}{"fw": map[string]interface{}{"value": "1.0"}}, nil)
	assert.ErrorIs(t, err, api.ErrNotConnected)

	require.NoError(t, client.Connect())
	sent := false
	err = client.SendProperty(map[string]interface{}{"fw": map[string]interface{}{"value": "1.0"}}, func() { sent = true })
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, opener.lastSession().sentProperties(), 1)
	assert.JSONEq(t, `{"fw": {"value": "1.0"}}`, string(opener.lastSession().sentProperties()[0]))

	// the session is gone
	opener.lastSession().terminate()
	err = client.SendProperty(map[string]interface{}{"fw": map[string]interface{}{"value": "1.1"}}, nil)
	assert.ErrorIs(t, err, api.ErrSessionTerminated)
}

func TestLogLevel(t *testing.T) {
	logrus.Infof("--- TestLogLevel ---")
	buffer := &bytes.Buffer{}
	logger := logging.NewLogger(api.LogLevelAPIOnly, buffer)
	client := iotclient.NewIoTCClient(testDeviceID, testScopeID, api.SymmetricKey,
		api.CredentialMaterial{Key: testGroupKey}, logger)
	client.SetTransport(&fakeProvisioner{}, &fakeOpener{})

	require.NoError(t, client.Connect())
	err := client.SendTelemetry(map[string]interface{}{"temperature": 20}, nil, nil)
	require.NoError(t, err)
	client.Disconnect()
	assert.Contains(t, buffer.String(), "Sending telemetry message")
	assert.NotContains(t, buffer.String(), "Device connected")

	client.SetLogLevel(api.LogLevelAll)
	assert.Equal(t, api.LogLevelAll, logger.LogLevel())
	require.NoError(t, client.Connect())
	client.Disconnect()
	assert.Contains(t, buffer.String(), "Device connected")
}
