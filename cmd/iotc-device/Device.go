package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/discovery"
	"github.com/wostzone/iotcentral-go/pkg/iotclient"
)

// Properties and commands of the sample device
const (
	PropTargetTemperature = "targetTemperature"
	PropClientVersion     = "clientVersion"
	PropIPAddress         = "ipAddress"
	PropMacAddress        = "macAddress"
	CommandEcho           = "echo"
	CommandReset          = "reset"
	TelemetryTemperature  = "temperature"
)

// DefaultTemperature is the temperature the device starts at and resets to
const DefaultTemperature = 20.0

// Device is a simulated thermostat. The temperature moves towards the target temperature
// that is set through a writable property.
type Device struct {
	client      api.IDeviceClient
	mutex       sync.Mutex
	temperature float64
	target      float64
	properties  map[string]interface{}
}

// OnProperty handles a desired property. Unknown properties are stored as is.
// Returns false if the target temperature is not a number.
func (device *Device) OnProperty(name string, value interface{}) bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	logrus.Infof("Device.OnProperty: %s=%v", name, value)
	if name == PropTargetTemperature {
		target, ok := value.(float64)
		if !ok {
			logrus.Warningf("Device.OnProperty: target temperature '%v' is not a number", value)
			return false
		}
		device.target = target
	}
	device.properties[name] = value
	return true
}

// OnCommand handles a command from the application and reports its result
func (device *Device) OnCommand(command *api.CommandInvocation, ack api.CommandAckFunc) {
	logrus.Infof("Device.OnCommand: '%s' with payload: %s", command.Name, command.RawPayload)
	var result interface{}
	switch command.Name {
	case CommandEcho:
		result = command.Payload
	case CommandReset:
		device.mutex.Lock()
		device.temperature = DefaultTemperature
		device.target = DefaultTemperature
		device.mutex.Unlock()
		result = "reset"
	default:
		result = fmt.Sprintf("unknown command '%s'", command.Name)
	}
	if err := ack(command.Name, result, command.RequestID); err != nil {
		logrus.Warningf("Device.OnCommand: result of '%s' not reported: %s", command.Name, err)
	}
}

// Property returns the last received value of a desired property, nil if not received
func (device *Device) Property(name string) interface{} {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.properties[name]
}

// ReportedProperties returns the read-only properties the device reports after connecting
//  network with the addresses of the device, nil if unknown
func (device *Device) ReportedProperties(network *discovery.NetworkInfo) map[string]interface{} {
	props := map[string]interface{}{
		PropClientVersion: map[string]interface{}{"value": iotclient.Version()},
	}
	if network != nil {
		props[PropIPAddress] = map[string]interface{}{"value": network.IPAddress}
		if network.MacAddress != "" {
			props[PropMacAddress] = map[string]interface{}{"value": network.MacAddress}
		}
	}
	return props
}

// Telemetry advances the simulation one step and returns the telemetry fields
func (device *Device) Telemetry() map[string]interface{} {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.temperature += (device.target - device.temperature) / 4
	return map[string]interface{}{TelemetryTemperature: device.temperature}
}

// Run sends telemetry each interval until the context is cancelled
func (device *Device) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !device.client.IsConnected() {
				logrus.Debugf("Device.Run: not connected, telemetry skipped")
				continue
			}
			err := device.client.SendTelemetry(device.Telemetry(), map[string]string{"source": "iotc-device"}, nil)
			if err != nil {
				logrus.Warningf("Device.Run: sending telemetry failed: %s", err)
			}
		}
	}
}

// NewDevice creates the simulated device that uses the given client
func NewDevice(client api.IDeviceClient) *Device {
	return &Device{
		client:      client,
		temperature: DefaultTemperature,
		target:      DefaultTemperature,
		properties:  make(map[string]interface{}),
	}
}
