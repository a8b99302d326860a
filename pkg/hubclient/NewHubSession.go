package hubclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/internal/mqttclient"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
)

// DefaultTokenTTL is the validity of the SAS token used as session password.
// Tokens are not renewed, the hub closes the session when it expires.
const DefaultTokenTTL = 24 * time.Hour

// SessionOpener opens MQTT sessions with the assigned hub.
// This implements the api.ISessionOpener interface.
type SessionOpener struct {
	// CaCertFile to verify the hub with, "" to use the system CAs
	CaCertFile string
	// Port of the hub, 0 for the MQTT TLS port 8883
	Port int
	// TimeoutSec of connecting and requests, 0 for the default
	TimeoutSec int
	// TokenTTL of the SAS token, 0 for DefaultTokenTTL
	TokenTTL time.Duration
}

// hostPort returns the hub address to connect to
func (opener *SessionOpener) hostPort(hub string) string {
	port := opener.Port
	if port == 0 {
		port = api.HubMqttPort
	}
	return net.JoinHostPort(hub, strconv.Itoa(port))
}

// Open a session with the hub using the credential of the device
//  ctx to abort before connecting
//  assignedHub hostname returned by provisioning
//  identity of the device. The model ID is announced when set.
//  credential with the symmetric key or certificate
func (opener *SessionOpener) Open(ctx context.Context, assignedHub string,
	identity api.Identity, credential *api.Credential) (api.IHubSession, error) {

	if credential == nil {
		return nil, fmt.Errorf("Open: missing credential for device '%s'", identity.DeviceID)
	}
	mqttClient := mqttclient.NewMqttClient(identity.DeviceID,
		opener.hostPort(assignedHub), opener.CaCertFile, opener.TimeoutSec)
	session := mqttclient.NewHubSession(identity.DeviceID, mqttClient,
		time.Duration(opener.TimeoutSec)*time.Second)
	username := mqttclient.Username(assignedHub, identity.DeviceID, identity.ModelID)

	var err error
	if credential.Kind == api.X509Cert {
		if credential.Certificate == nil {
			return nil, fmt.Errorf("Open: missing certificate for device '%s'", identity.DeviceID)
		}
		logrus.Infof("SessionOpener.Open: Opening session on '%s' for device '%s' using its certificate",
			assignedHub, identity.DeviceID)
		err = session.Open(ctx, credential.Certificate, username, "")
	} else {
		ttl := opener.TokenTTL
		if ttl <= 0 {
			ttl = DefaultTokenTTL
		}
		resourceURI := fmt.Sprintf("%s/devices/%s", assignedHub, identity.DeviceID)
		password, err2 := certsetup.CreateSasToken(resourceURI, credential.SymmetricKey, "", time.Now().Add(ttl))
		if err2 != nil {
			return nil, err2
		}
		logrus.Infof("SessionOpener.Open: Opening session on '%s' for device '%s' using a SAS token",
			assignedHub, identity.DeviceID)
		err = session.Open(ctx, nil, username, password)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// OpenWithConnectionString opens a hub session from a device connection string
//  ctx to abort before connecting
//  connectionString HostName=...;DeviceId=...;SharedAccessKey=...
//  modelID optional model to announce
//  opener with the transport settings, nil for defaults
// Returns ErrConnectionFailed if the session cannot be opened
func OpenWithConnectionString(ctx context.Context, connectionString string, modelID string,
	opener *SessionOpener) (api.IHubSession, error) {

	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = &SessionOpener{}
	}
	identity := api.Identity{DeviceID: cs.DeviceID, Kind: api.DeviceKey, ModelID: modelID}
	credential := &api.Credential{Kind: api.DeviceKey, SymmetricKey: cs.SharedAccessKey}
	session, err := opener.Open(ctx, cs.HostName, identity, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrConnectionFailed, err)
	}
	return session, nil
}

// OpenWithX509 opens a hub session authenticated with a client certificate
//  ctx to abort before connecting
//  assignedHub hostname of the hub
//  identity of the device with the certificate files in its material
//  opener with the transport settings, nil for defaults
// Returns ErrInvalidCredentialFormat if the key pair cannot be loaded or ErrConnectionFailed
// if the session cannot be opened
func OpenWithX509(ctx context.Context, assignedHub string, identity api.Identity,
	opener *SessionOpener) (api.IHubSession, error) {

	cert, err := certsetup.LoadX509KeyPair(identity.Material.CertFile, identity.Material.KeyFile,
		identity.Material.CertPhrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrInvalidCredentialFormat, err)
	}
	if opener == nil {
		opener = &SessionOpener{}
	}
	credential := &api.Credential{Kind: api.X509Cert, Certificate: cert}
	session, err := opener.Open(ctx, assignedHub, identity, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrConnectionFailed, err)
	}
	return session, nil
}
