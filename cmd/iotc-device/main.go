// Package main with the iotc-device sample device program.
// The device registers with IoT Central, reports a simulated temperature and handles
// writable properties and commands until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
	"github.com/wostzone/iotcentral-go/pkg/deviceconfig"
	"github.com/wostzone/iotcentral-go/pkg/discovery"
	"github.com/wostzone/iotcentral-go/pkg/hubclient"
	"github.com/wostzone/iotcentral-go/pkg/iotclient"
	"github.com/wostzone/iotcentral-go/pkg/logging"
	"github.com/wostzone/iotcentral-go/pkg/provisioning"
	"github.com/wostzone/iotcentral-go/pkg/watcher"
)

func main() {
	cfg, err := deviceconfig.LoadCommandlineConfig("")
	if err != nil {
		logrus.Errorf("iotc-device: invalid configuration: %s", err)
		os.Exit(1)
	}
	if err = run(cfg); err != nil {
		logrus.Errorf("iotc-device: %s", err)
		os.Exit(1)
	}
}

// newClient creates the device client from the configuration
func newClient(cfg *deviceconfig.DeviceConfig) (*iotclient.IoTCClient, error) {
	kind, err := cfg.CredentialKind()
	if err != nil {
		return nil, err
	}
	logger := logging.NewConsoleLogger(cfg.ClientLogLevel())
	client := iotclient.NewIoTCClient(cfg.DeviceID, cfg.ScopeID, kind, cfg.CredentialMaterial(), logger)
	if cfg.ModelID != "" {
		client.SetModelID(cfg.ModelID)
	}
	client.SetGlobalEndpoint(cfg.GlobalEndpoint)
	client.SetListenerIdleInterval(time.Duration(cfg.IdleIntervalSec) * time.Second)

	provisioner := provisioning.NewProvisioningClient(cfg.CaCertFile)
	provisioner.RequestTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	opener := &hubclient.SessionOpener{CaCertFile: cfg.CaCertFile, TimeoutSec: cfg.TimeoutSec}
	client.SetTransport(provisioner, opener)
	return client, nil
}

// watchConfig reloads the log levels when the configuration file changes
func watchConfig(cfg *deviceconfig.DeviceConfig, client api.IDeviceClient) func() {
	configFile := path.Join(cfg.ConfigFolder, deviceconfig.DeviceConfigName)
	w, err := watcher.WatchFile(configFile, func() error {
		newConfig := *cfg
		if err := deviceconfig.LoadConfig(configFile, &newConfig, nil); err != nil {
			return err
		}
		client.SetLogLevel(newConfig.ClientLogLevel())
		return deviceconfig.SetLogging(newConfig.Loglevel, newConfig.LogFile)
	})
	if err != nil {
		logrus.Infof("iotc-device: configuration '%s' is not watched", configFile)
		return func() {}
	}
	return func() { w.Close() }
}

// run the device until a signal is received
func run(cfg *deviceconfig.DeviceConfig) error {
	// one process per device identity
	lock := fslock.New(path.Join(cfg.Home, cfg.DeviceID+".lock"))
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("device '%s' is already running: %w", cfg.DeviceID, err)
	}
	defer lock.Unlock()

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	device := NewDevice(client)
	client.On(api.EventProperties, device.OnProperty)
	client.On(api.EventCommand, device.OnCommand)

	logrus.Infof("iotc-device: connecting device '%s' using client version %s", cfg.DeviceID, iotclient.Version())
	if err = client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()
	stopWatching := watchConfig(cfg, client)
	defer stopWatching()

	network, _ := discovery.GetOutboundInfo(net.JoinHostPort(cfg.GlobalEndpoint, "443"))
	if err = client.SendProperty(device.ReportedProperties(network), nil); err != nil {
		logrus.Warningf("iotc-device: reporting properties failed: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go device.Run(ctx, time.Duration(cfg.TelemetryIntervalSec)*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Warningf("iotc-device: received signal %s, disconnecting", sig)
	return nil
}
