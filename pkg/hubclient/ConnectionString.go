// Package hubclient for opening device sessions with the IoT hub
package hubclient

import (
	"fmt"
	"strings"

	"github.com/wostzone/iotcentral-go/api"
)

// Connection string field names
const (
	FieldHostName        = "HostName"
	FieldDeviceID        = "DeviceId"
	FieldSharedAccessKey = "SharedAccessKey"
)

// ConnectionString identifies a device on a hub using a shared access key
type ConnectionString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
}

// String returns the connection string in the form HostName=...;DeviceId=...;SharedAccessKey=...
func (cs ConnectionString) String() string {
	return fmt.Sprintf("%s=%s;%s=%s;%s=%s",
		FieldHostName, cs.HostName,
		FieldDeviceID, cs.DeviceID,
		FieldSharedAccessKey, cs.SharedAccessKey)
}

// ParseConnectionString parses a device connection string.
// Unknown fields are ignored. The key is kept as is, including trailing '=' padding.
// Returns ErrInvalidCredentialFormat if a field is missing
func ParseConnectionString(connectionString string) (ConnectionString, error) {
	cs := ConnectionString{}
	for _, field := range strings.Split(connectionString, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		parts := strings.SplitN(field, "=", 2)
		if len(parts) != 2 {
			return cs, fmt.Errorf("%w: invalid connection string field '%s'", api.ErrInvalidCredentialFormat, field)
		}
		switch parts[0] {
		case FieldHostName:
			cs.HostName = parts[1]
		case FieldDeviceID:
			cs.DeviceID = parts[1]
		case FieldSharedAccessKey:
			cs.SharedAccessKey = parts[1]
		}
	}
	if cs.HostName == "" || cs.DeviceID == "" || cs.SharedAccessKey == "" {
		return cs, fmt.Errorf("%w: connection string requires %s, %s and %s",
			api.ErrInvalidCredentialFormat, FieldHostName, FieldDeviceID, FieldSharedAccessKey)
	}
	return cs, nil
}
