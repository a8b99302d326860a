// Package deviceconfig with the device configuration struct and methods
package deviceconfig

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/api"
	"gopkg.in/yaml.v2"
)

// DeviceConfigName the configuration file name of the device
const DeviceConfigName = "iotc-device.yaml"

// DeviceLogFile the file name of the device logging
const DeviceLogFile = "iotc-device.log"

// Default values of the configuration
const (
	DefaultIdleIntervalSec      = 10
	DefaultTelemetryIntervalSec = 5
	DefaultTimeoutSec           = 20
)

// Credential types in the configuration
const (
	CredentialSymmetricKey = "symmetricKey"
	CredentialDeviceKey    = "deviceKey"
	CredentialX509         = "x509"
)

// Client log levels in the configuration
const (
	IoTCLogDisabled = "disabled"
	IoTCLogAPI      = "api"
	IoTCLogAll      = "all"
)

// DeviceConfig with the device configuration parameters
// Environment variables override the configuration file, commandline flags override both.
type DeviceConfig struct {
	// logging
	Loglevel     string `yaml:"logLevel" env:"IOTC_LOGLEVEL"`            // debug, info, warning, error. Default is warning
	LogFile      string `yaml:"logFile" env:"IOTC_LOGFILE"`              // device logging to file
	IoTCLogLevel string `yaml:"iotcLogLevel" env:"IOTC_CLIENT_LOGLEVEL"` // disabled, api or all. Default is api

	// identity
	DeviceID       string `yaml:"deviceId" env:"IOTC_DEVICE_ID"`
	ScopeID        string `yaml:"scopeId" env:"IOTC_SCOPE_ID"`
	CredentialType string `yaml:"credentialType" env:"IOTC_CREDENTIAL_TYPE"` // symmetricKey, deviceKey or x509
	Key            string `yaml:"key,omitempty" env:"IOTC_KEY"`              // group or device key
	CertFile       string `yaml:"certFile,omitempty" env:"IOTC_CERT_FILE"`   // x509 device certificate
	KeyFile        string `yaml:"keyFile,omitempty" env:"IOTC_KEY_FILE"`     // x509 device private key
	CertPhrase     string `yaml:"certPhrase,omitempty" env:"IOTC_CERT_PHRASE"`
	ModelID        string `yaml:"modelId,omitempty" env:"IOTC_MODEL_ID"`

	// connection
	GlobalEndpoint string `yaml:"globalEndpoint" env:"IOTC_GLOBAL_ENDPOINT"` // provisioning service host
	CaCertFile     string `yaml:"caCertFile,omitempty"`                      // CA to verify the services, default system CAs
	TimeoutSec     int    `yaml:"timeoutSec,omitempty"`                      // connection and request timeout

	// device behavior
	IdleIntervalSec      int `yaml:"idleIntervalSec,omitempty"`      // listener wait without handler
	TelemetryIntervalSec int `yaml:"telemetryIntervalSec,omitempty"` // interval of the sample telemetry

	// Folders
	Home         string `yaml:"home"`         // application home directory. Default is parent of executable.
	ConfigFolder string `yaml:"configFolder"` // location of configuration files. Default is {home}/config
}

// CredentialKind returns the api credential kind of the configured credential type
func (cfg *DeviceConfig) CredentialKind() (api.CredentialKind, error) {
	switch strings.ToLower(cfg.CredentialType) {
	case strings.ToLower(CredentialSymmetricKey), "":
		return api.SymmetricKey, nil
	case strings.ToLower(CredentialDeviceKey):
		return api.DeviceKey, nil
	case CredentialX509, "x509cert":
		return api.X509Cert, nil
	}
	return 0, fmt.Errorf("unknown credential type '%s'", cfg.CredentialType)
}

// CredentialMaterial returns the credential material of the configured credential.
// Relative certificate paths are relative to the configuration folder.
func (cfg *DeviceConfig) CredentialMaterial() api.CredentialMaterial {
	material := api.CredentialMaterial{
		Key:        cfg.Key,
		CertFile:   cfg.CertFile,
		KeyFile:    cfg.KeyFile,
		CertPhrase: cfg.CertPhrase,
	}
	if material.CertFile != "" && !path.IsAbs(material.CertFile) {
		material.CertFile = path.Join(cfg.ConfigFolder, material.CertFile)
	}
	if material.KeyFile != "" && !path.IsAbs(material.KeyFile) {
		material.KeyFile = path.Join(cfg.ConfigFolder, material.KeyFile)
	}
	return material
}

// ClientLogLevel returns the log level of the device client
func (cfg *DeviceConfig) ClientLogLevel() api.LogLevel {
	switch strings.ToLower(cfg.IoTCLogLevel) {
	case IoTCLogDisabled:
		return api.LogLevelDisabled
	case IoTCLogAll:
		return api.LogLevelAll
	}
	return api.LogLevelAPIOnly
}

// CreateDefaultDeviceConfig with default values
// homeFolder is the home of the application, log and configuration folders.
// Use "" for default: parent of application binary
// When relative path is given, it is relative to the application binary
func CreateDefaultDeviceConfig(homeFolder string) *DeviceConfig {
	appBin, _ := os.Executable()
	binFolder := path.Dir(appBin)
	if homeFolder == "" {
		homeFolder = path.Dir(binFolder)
	} else if !path.IsAbs(homeFolder) {
		// turn relative home folder in absolute path
		homeFolder = path.Join(binFolder, homeFolder)
	}
	logrus.Infof("AppBin is: %s; Home is: %s", appBin, homeFolder)
	config := &DeviceConfig{
		Home:                 homeFolder,
		ConfigFolder:         path.Join(homeFolder, "config"),
		Loglevel:             "warning",
		LogFile:              path.Join(homeFolder, "logs", DeviceLogFile),
		IoTCLogLevel:         IoTCLogAPI,
		CredentialType:       CredentialSymmetricKey,
		GlobalEndpoint:       api.DefaultGlobalEndpoint,
		TimeoutSec:           DefaultTimeoutSec,
		IdleIntervalSec:      DefaultIdleIntervalSec,
		TelemetryIntervalSec: DefaultTelemetryIntervalSec,
	}
	return config
}

// LoadConfig loads the configuration from file into the given config
//  configFile path to yaml configuration file
//  config interface to typed structure matching the config. Must have yaml tags
//  substituteMap map to substitude {{.key}} with value from map, nil to ignore
// Returns nil if successful
func LoadConfig(configFile string, config interface{}, substituteMap map[string]string) error {
	var err error
	var rawConfig []byte
	rawConfig, err = ioutil.ReadFile(configFile)
	if err != nil {
		logrus.Infof("Unable to load config file: %s", err)
		return err
	}
	logrus.Infof("Loaded config file '%s'", configFile)
	rawText := string(rawConfig)
	if substituteMap != nil {
		rawText = SubstituteText(rawText, substituteMap)
	}

	err = yaml.Unmarshal([]byte(rawText), config)
	if err != nil {
		logrus.Errorf("Error parsing config file '%s': %s", configFile, err)
		return err
	}
	return nil
}

// SubstituteText substitutes template strings in the text
//  text to substitude template strings, eg "hello {{.destination}}"
//  substituteMap with replacement keywords, eg {"destination":"world"}
// Returns text with template strings replaced. Text that isn't a valid template is returned as is.
func SubstituteText(text string, substituteMap map[string]string) string {
	var msg bytes.Buffer

	tpl, err := template.New("").Parse(text)
	if err != nil {
		logrus.Warningf("SubstituteText: not a valid template: %s", err)
		return text
	}
	tpl.Execute(&msg, substituteMap)
	return msg.String()
}

// ValidateDeviceConfig checks if values in the device configuration are correct
// Returns an error if the config is invalid
func ValidateDeviceConfig(config *DeviceConfig) error {
	if config.DeviceID == "" {
		err := fmt.Errorf("device ID not provided")
		logrus.Error(err)
		return err
	}
	if config.ScopeID == "" {
		err := fmt.Errorf("scope ID not provided")
		logrus.Error(err)
		return err
	}
	kind, err := config.CredentialKind()
	if err != nil {
		logrus.Error(err)
		return err
	}
	material := config.CredentialMaterial()
	if kind == api.X509Cert {
		for _, file := range []string{material.CertFile, material.KeyFile} {
			if _, err = os.Stat(file); err != nil {
				logrus.Errorf("Certificate file '%s' not found", file)
				return err
			}
		}
	} else if material.Key == "" {
		err = fmt.Errorf("key not provided for credential type '%s'", config.CredentialType)
		logrus.Error(err)
		return err
	}
	if config.CaCertFile != "" {
		if _, err = os.Stat(config.CaCertFile); os.IsNotExist(err) {
			logrus.Errorf("CA certificate '%s' not found", config.CaCertFile)
			return err
		}
	}
	return nil
}
