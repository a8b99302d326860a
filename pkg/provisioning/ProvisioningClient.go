// Package provisioning with the device registration client of the device provisioning service
package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
	"github.com/wostzone/iotcentral-go/pkg/payload"
	"github.com/wostzone/iotcentral-go/pkg/tlsclient"
)

// DefaultPollInterval between operation status requests while the registration is being assigned
const DefaultPollInterval = 3 * time.Second

// SasKeyName is the policy name of the registration SAS token
const SasKeyName = "registration"

// sasTokenTTL is the validity of the registration SAS token
const sasTokenTTL = time.Hour

// Registration status values reported by the service
const (
	StatusAssigned   = "assigned"
	StatusAssigning  = "assigning"
	StatusUnassigned = "unassigned"
	StatusFailed     = "failed"
	StatusDisabled   = "disabled"
)

// RegistrationState as reported by the service
type RegistrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"errorMessage"`
}

// OperationStatus is the response to registration and operation status requests
type OperationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState"`
}

// ProvisioningClient registers devices with the provisioning service over HTTPS.
// This implements the api.IProvisioner interface.
type ProvisioningClient struct {
	// CaCertFile to verify the service with, "" to use the system CAs
	CaCertFile string
	// PollInterval between status requests, 0 for DefaultPollInterval
	PollInterval time.Duration
	// RequestTimeout of a single request, 0 for the client default
	RequestTimeout time.Duration
}

// Register the device and wait for it to be assigned to a hub.
// The device ID is used as registration ID.
//  ctx to abort the registration
//  endpoint of the provisioning service, host[:port]
//  identity of the device with its scope and optional model ID
//  credential with the device key or certificate
// Returns ErrProvisioningFailed if the registration is rejected, fails or the service is unreachable
func (pc *ProvisioningClient) Register(ctx context.Context, endpoint string,
	identity api.Identity, credential *api.Credential) (*api.Registration, error) {

	if credential == nil {
		return nil, fmt.Errorf("%w: missing credential", api.ErrProvisioningFailed)
	}
	registrationID := identity.DeviceID
	basePath := fmt.Sprintf("/%s/registrations/%s",
		url.PathEscape(identity.ScopeID), url.PathEscape(registrationID))
	apiVersion := "?api-version=" + api.ProvisioningAPIVersion
	headers := map[string]string{}

	var clientCert = credential.Certificate
	if credential.Kind != api.X509Cert {
		clientCert = nil
		resourceURI := fmt.Sprintf("%s/registrations/%s", identity.ScopeID, registrationID)
		token, err := certsetup.CreateSasToken(resourceURI, credential.SymmetricKey, SasKeyName,
			time.Now().Add(sasTokenTTL))
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = token
	}
	client := tlsclient.NewTLSClient(endpoint, pc.CaCertFile, clientCert, pc.RequestTimeout)
	if err := client.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrProvisioningFailed, err)
	}
	defer client.Stop()

	logrus.Infof("ProvisioningClient.Register: Registering '%s' in scope '%s' with '%s'",
		registrationID, identity.ScopeID, endpoint)
	request := payload.CreateRegistrationRequest(registrationID, identity.ModelID)
	status, err := pc.invoke(ctx, client, http.MethodPut, basePath+"/register"+apiVersion, headers, request)

	pollInterval := pc.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	for err == nil {
		switch status.Status {
		case StatusAssigned:
			return pc.assignment(registrationID, status)
		case StatusAssigning, StatusUnassigned:
			if status.OperationID == "" {
				return nil, fmt.Errorf("%w: status '%s' without operation ID", api.ErrProvisioningFailed, status.Status)
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s", api.ErrProvisioningFailed, ctx.Err())
			case <-time.After(pollInterval):
			}
			opPath := basePath + "/operations/" + url.PathEscape(status.OperationID) + apiVersion
			status, err = pc.invoke(ctx, client, http.MethodGet, opPath, headers, nil)
		default:
			reason := status.Status
			if status.RegistrationState != nil && status.RegistrationState.ErrorMessage != "" {
				reason += ": " + status.RegistrationState.ErrorMessage
			}
			logrus.Errorf("ProvisioningClient.Register: Registration of '%s' failed with status %s",
				registrationID, reason)
			return nil, fmt.Errorf("%w: registration %s", api.ErrProvisioningFailed, reason)
		}
	}
	return nil, fmt.Errorf("%w: %s", api.ErrProvisioningFailed, err)
}

// assignment returns the registration result of an assigned status
func (pc *ProvisioningClient) assignment(registrationID string, status *OperationStatus) (*api.Registration, error) {
	state := status.RegistrationState
	if state == nil || state.AssignedHub == "" {
		return nil, fmt.Errorf("%w: assigned without hub", api.ErrProvisioningFailed)
	}
	deviceID := state.DeviceID
	if deviceID == "" {
		deviceID = registrationID
	}
	logrus.Infof("ProvisioningClient.Register: '%s' is assigned to hub '%s'", deviceID, state.AssignedHub)
	return &api.Registration{AssignedHub: state.AssignedHub, DeviceID: deviceID}, nil
}

// invoke a request and parse the operation status response
func (pc *ProvisioningClient) invoke(ctx context.Context, client *tlsclient.TLSClient, method string,
	path string, headers map[string]string, msg interface{}) (*OperationStatus, error) {

	respBody, err := client.Invoke(ctx, method, path, headers, msg)
	if err != nil {
		return nil, err
	}
	status := &OperationStatus{}
	if err = json.Unmarshal(respBody, status); err != nil {
		return nil, fmt.Errorf("invalid response: %s", err)
	}
	return status, nil
}

// NewProvisioningClient creates a provisioning client
//  caCertFile to verify the service, "" to use the system CAs
func NewProvisioningClient(caCertFile string) *ProvisioningClient {
	return &ProvisioningClient{
		CaCertFile:   caCertFile,
		PollInterval: DefaultPollInterval,
	}
}
