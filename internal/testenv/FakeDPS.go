package testenv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
	"github.com/xeipuuv/gojsonschema"
)

// FakeDPS is a minimal device provisioning service.
// Registrations are assigned to AssignedHub after AssigningPolls operation status requests.
type FakeDPS struct {
	// Address the service listens on, host:port
	Address string
	// CaCertFile verifies the service and signs device certificates
	CaCertFile string
	// DeviceCertFile and DeviceKeyFile of a device certificate signed by the CA
	DeviceCertFile string
	DeviceKeyFile  string

	mutex          sync.Mutex
	assignedHub    string
	assigningPolls int
	failStatus     string
	reject         bool

	polls         int
	registrations int
	lastAuth      string
	lastCertCN    string
	lastRequest   map[string]interface{}

	server *http.Server
}

// registrationSchema is the JSON schema of the registration request body
const registrationSchema = `{
	"type": "object",
	"required": ["registrationId"],
	"additionalProperties": false,
	"properties": {
		"registrationId": {"type": "string", "minLength": 1},
		"payload": {
			"type": "object",
			"required": ["iotcModelId"],
			"properties": {"iotcModelId": {"type": "string"}}
		}
	}
}`

type registrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

type operationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState,omitempty"`
}

// SetAssignment configures the outcome of registrations
//  assignedHub returned on success
//  assigningPolls is the number of status requests that still report 'assigning'
//  failStatus is the final status to report instead of 'assigned', "" for success
func (dps *FakeDPS) SetAssignment(assignedHub string, assigningPolls int, failStatus string) {
	dps.mutex.Lock()
	defer dps.mutex.Unlock()
	dps.assignedHub = assignedHub
	dps.assigningPolls = assigningPolls
	dps.failStatus = failStatus
}

// SetReject makes the service reject registrations as unauthorized
func (dps *FakeDPS) SetReject(reject bool) {
	dps.mutex.Lock()
	defer dps.mutex.Unlock()
	dps.reject = reject
}

// LastRegistration returns the authorization header, client certificate CommonName and body
// of the last registration request
func (dps *FakeDPS) LastRegistration() (auth string, certCN string, request map[string]interface{}) {
	dps.mutex.Lock()
	defer dps.mutex.Unlock()
	return dps.lastAuth, dps.lastCertCN, dps.lastRequest
}

// Counts returns the number of registration and operation status requests
func (dps *FakeDPS) Counts() (registrations int, polls int) {
	dps.mutex.Lock()
	defer dps.mutex.Unlock()
	return dps.registrations, dps.polls
}

// Stop the service
func (dps *FakeDPS) Stop() {
	if dps.server != nil {
		dps.server.Shutdown(context.Background())
		dps.server = nil
	}
}

func (dps *FakeDPS) handleRegister(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	request := make(map[string]interface{})
	err := json.NewDecoder(req.Body).Decode(&request)

	dps.mutex.Lock()
	defer dps.mutex.Unlock()
	dps.registrations++
	dps.polls = 0
	dps.lastAuth = req.Header.Get("Authorization")
	dps.lastCertCN = ""
	if req.TLS != nil && len(req.TLS.PeerCertificates) > 0 {
		dps.lastCertCN = req.TLS.PeerCertificates[0].Subject.CommonName
	}
	dps.lastRequest = request
	logrus.Infof("FakeDPS.handleRegister: scope '%s', registration '%s'", vars["scopeID"], vars["registrationID"])

	if err == nil {
		err = validateRegistration(request, vars["registrationID"])
	}
	if err != nil {
		logrus.Warningf("FakeDPS.handleRegister: invalid request: %s", err)
		resp.WriteHeader(http.StatusBadRequest)
		resp.Write([]byte(`{"errorCode":400004,"message":"Bad request"}`))
		return
	}
	if dps.reject || (dps.lastAuth == "" && dps.lastCertCN == "") {
		resp.WriteHeader(http.StatusUnauthorized)
		resp.Write([]byte(`{"errorCode":401002,"message":"Unauthorized"}`))
		return
	}
	dps.writeJSON(resp, http.StatusAccepted, operationStatus{
		OperationID: uuid.NewString(),
		Status:      "assigning",
	})
}

func (dps *FakeDPS) handleOperationStatus(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	dps.mutex.Lock()
	defer dps.mutex.Unlock()
	dps.polls++

	status := operationStatus{OperationID: vars["operationID"], Status: "assigning"}
	if dps.polls > dps.assigningPolls {
		state := &registrationState{RegistrationID: vars["registrationID"]}
		if dps.failStatus != "" {
			state.Status = dps.failStatus
			state.ErrorMessage = "registration " + dps.failStatus
		} else {
			state.Status = "assigned"
			state.AssignedHub = dps.assignedHub
			state.DeviceID = vars["registrationID"]
		}
		status.Status = state.Status
		status.RegistrationState = state
	}
	dps.writeJSON(resp, http.StatusOK, status)
}

// validateRegistration checks the registration request body against the registration schema
func validateRegistration(request map[string]interface{}, registrationID string) error {
	schemaLoader := gojsonschema.NewStringLoader(registrationSchema)
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(request))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msg := "the registration is not valid:"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf(" %s;", e)
		}
		return errors.New(msg)
	}
	if request["registrationId"] != registrationID {
		return fmt.Errorf("registration ID '%v' doesn't match the path '%s'", request["registrationId"], registrationID)
	}
	return nil
}

func (dps *FakeDPS) writeJSON(resp http.ResponseWriter, code int, msg interface{}) {
	data, _ := json.Marshal(msg)
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	resp.Write(data)
}

// StartFakeDPS starts a fake provisioning service on a free local port.
// The CA, server and device certificates are created in certFolder.
//  certFolder to hold the certificates
//  deviceID is the CommonName of the generated device certificate
func StartFakeDPS(certFolder string, deviceID string) (*FakeDPS, error) {
	err := certsetup.CreateCertificateBundle("127.0.0.1", deviceID, certFolder)
	if err != nil {
		return nil, err
	}
	dps := &FakeDPS{
		CaCertFile:     path.Join(certFolder, certsetup.CaCertFile),
		DeviceCertFile: path.Join(certFolder, certsetup.DeviceCertFile),
		DeviceKeyFile:  path.Join(certFolder, certsetup.DeviceKeyFile),
		assignedHub:    "fakehub.azure-devices.net",
	}
	router := mux.NewRouter()
	router.Handle("/{scopeID}/registrations/{registrationID}/register",
		handlers.CompressHandler(http.HandlerFunc(dps.handleRegister))).Methods(http.MethodPut)
	router.Handle("/{scopeID}/registrations/{registrationID}/operations/{operationID}",
		handlers.CompressHandler(http.HandlerFunc(dps.handleOperationStatus))).Methods(http.MethodGet)

	dps.server, dps.Address, err = StartTLSServer("127.0.0.1:0", certFolder, router)
	if err != nil {
		return nil, err
	}
	return dps, nil
}
