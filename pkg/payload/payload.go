// Package payload with the JSON documents exchanged with the IoT Central application
package payload

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
)

// Marshal serializes a payload to JSON
func Marshal(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

// CreatePropertyAck creates the reported property that acknowledges a desired property
//  name of the property
//  value that was applied
//  desiredVersion is the version of the patch that contained the property
func CreatePropertyAck(name string, value interface{}, desiredVersion int) map[string]interface{} {
	return map[string]interface{}{
		name: map[string]interface{}{
			"value":          value,
			"status":         api.AckStatusCompleted,
			"desiredVersion": desiredVersion,
			"message":        api.AckPropertyMessage,
		},
	}
}

// CreateCommandResult creates the reported property that carries the result of a command
//  name of the command or property to report
//  value of the result
//  requestID of the command invocation
func CreateCommandResult(name string, value interface{}, requestID string) map[string]interface{} {
	return map[string]interface{}{
		name: map[string]interface{}{
			"value":     value,
			"requestId": requestID,
		},
	}
}

// CreateCommandReceipt creates the body of the immediate command response
func CreateCommandReceipt() map[string]interface{} {
	return map[string]interface{}{
		"result": true,
		"data":   api.CommandReceivedData,
	}
}

// CreateRegistrationRequest creates the provisioning registration body.
// The model ID is included as payload when given.
func CreateRegistrationRequest(registrationID string, modelID string) map[string]interface{} {
	request := map[string]interface{}{
		"registrationId": registrationID,
	}
	if modelID != "" {
		request["payload"] = map[string]interface{}{api.ModelIDPayloadField: modelID}
	}
	return request
}

// ParseCommandPayload unmarshals a command payload.
// Returns nil for an empty payload and the payload as string if it isn't JSON.
func ParseCommandPayload(raw []byte) interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw)
	}
	return value
}

// ParsePropertyPatch parses a desired property patch document.
// Properties keep the order of the document and the '$version' marker is moved into Version.
// A property whose value is an object must carry a 'value' field. Properties that don't are
// skipped with a warning. Plain values are used as is.
// Returns an error if the document isn't a JSON object.
func ParsePropertyPatch(raw []byte) (*api.PropertyPatch, error) {
	patch := &api.PropertyPatch{Properties: make([]api.PatchProperty, 0)}
	// the std decoder is used for its token stream, which preserves property order
	dec := stdjson.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(stdjson.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("ParsePropertyPatch: patch is not a JSON object")
	}
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		name := tok.(string)
		var value interface{}
		if err = dec.Decode(&value); err != nil {
			return nil, err
		}
		if name == api.VersionMarker {
			if version, ok := value.(float64); ok {
				patch.Version = int(version)
			}
			continue
		}
		if obj, isObject := value.(map[string]interface{}); isObject {
			propValue, hasValue := obj["value"]
			if !hasValue {
				logrus.Warningf("ParsePropertyPatch: property '%s' has no value. Skipped", name)
				continue
			}
			value = propValue
		}
		patch.Properties = append(patch.Properties, api.PatchProperty{Name: name, Value: value})
	}
	for i := range patch.Properties {
		patch.Properties[i].Version = patch.Version
	}
	return patch, nil
}
