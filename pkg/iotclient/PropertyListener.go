package iotclient

import (
	"context"
	"fmt"
	"time"

	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/payload"
)

// runPropertyListener receives desired property patches and passes each property to the
// properties handler. Properties the handler accepts are acknowledged.
// This runs until the session terminates or ctx is cancelled.
func (client *IoTCClient) runPropertyListener(ctx context.Context, session api.IHubSession) {
	defer client.listeners.Done()
	client.logger.Debug("Setup properties listener")

	for {
		if client.events.propertiesHandler() == nil {
			client.logger.Debug("Properties callback not found")
			if !client.idle(ctx) {
				return
			}
			continue
		}
		patch, err := session.ReceiveDesiredPropertiesPatch(ctx)
		if err != nil {
			client.listenerEnded(ctx, "Properties", err)
			return
		}
		client.logger.Debug(fmt.Sprintf("Received desired properties. version %d, %d properties",
			patch.Version, len(patch.Properties)))

		// the handler may have been replaced while waiting
		handler := client.events.propertiesHandler()
		if handler == nil {
			client.logger.Debug("Properties callback removed. Patch ignored")
			continue
		}
		for _, prop := range patch.Properties {
			client.handleProperty(session, handler, prop)
		}
	}
}

// handleProperty invokes the handler for a single property and acknowledges it on success
func (client *IoTCClient) handleProperty(session api.IHubSession, handler api.PropertiesHandler, prop api.PatchProperty) {
	defer func() {
		if r := recover(); r != nil {
			client.logger.Info(fmt.Sprintf("ERROR: Handler of property '%s' failed: %v", prop.Name, r))
		}
	}()
	if !handler(prop.Name, prop.Value) {
		client.logger.Debug(fmt.Sprintf("Property \"%s\" unsuccessfully processed", prop.Name))
		return
	}
	client.logger.Debug("Acknowledging " + prop.Name)
	ack := payload.CreatePropertyAck(prop.Name, prop.Value, prop.Version)
	_ = client.sendProperty(session, ack, nil)
}

// idle waits the idle interval.
// Returns false if ctx was cancelled while waiting.
func (client *IoTCClient) idle(ctx context.Context) bool {
	client.mutex.Lock()
	interval := client.idleInterval
	client.mutex.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// listenerEnded logs the end of a listener. Stopping through Disconnect isn't an error.
func (client *IoTCClient) listenerEnded(ctx context.Context, name string, err error) {
	if ctx.Err() != nil {
		client.logger.Debug(name + " listener stopped")
		return
	}
	client.logger.Info(fmt.Sprintf("ERROR: %s listener ended: %s", name, err))
}
