package api

import "errors"

// Errors returned by the device client. Causes are wrapped, use errors.Is to test.
var (
	// ErrInvalidCredentialFormat the group or device key is not valid base64
	ErrInvalidCredentialFormat = errors.New("invalid credential format")
	// ErrProvisioningFailed registration was rejected or the service is unreachable
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrConnectionFailed the hub session could not be opened
	ErrConnectionFailed = errors.New("connection failed")
	// ErrSessionTerminated the hub session ended while waiting for a message
	ErrSessionTerminated = errors.New("session terminated")

	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrInvalidHandler   = errors.New("invalid handler for event")
)
