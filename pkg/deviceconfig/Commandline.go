package deviceconfig

import (
	"flag"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

// SetDeviceCommandlineArgs creates common device commandline flag commands for parsing commandlines
//
// -c              /path/to/iotc-device.yaml optional alt configuration, default is {home}/config/iotc-device.yaml
// -home           /path/to/app/home    optional alternative application home folder
// -configFolder   /path/to/alt/config  optional alternative config folder
// -deviceId       device1              device ID to register as
// -scopeId        0ne000000            scope ID of the application
// -credentialType symmetricKey         symmetricKey, deviceKey or x509
// -key            base64key            group or device key
// -modelId        dtmi:...             optional model ID
// -endpoint       global.azure-devices-provisioning.net  provisioning service
// -logFile        /path/to/iotc-device.log optional logfile
// -logLevel       warning              for extra logging
// -iotcLogLevel   api                  disabled, api or all
//
func SetDeviceCommandlineArgs(config *DeviceConfig) {
	// Flags -c and --home are handled separately in LoadDeviceConfig. It is added here to avoid flag parse error
	flag.String("c", DeviceConfigName, "Set the device configuration file ")
	flag.StringVar(&config.Home, "home", config.Home, "Application working `folder`")

	flag.StringVar(&config.ConfigFolder, "configFolder", config.ConfigFolder, "Configuration `folder`")
	flag.StringVar(&config.DeviceID, "deviceId", config.DeviceID, "Device ID to register as")
	flag.StringVar(&config.ScopeID, "scopeId", config.ScopeID, "Scope ID of the IoT Central application")
	flag.StringVar(&config.CredentialType, "credentialType", config.CredentialType,
		"Credential type: {`symmetricKey`|deviceKey|x509}")
	flag.StringVar(&config.Key, "key", config.Key, "Group enrollment key or device key")
	flag.StringVar(&config.CertFile, "certFile", config.CertFile, "Device certificate `file` for x509")
	flag.StringVar(&config.KeyFile, "keyFile", config.KeyFile, "Device private key `file` for x509")
	flag.StringVar(&config.ModelID, "modelId", config.ModelID, "Model ID of the device")
	flag.StringVar(&config.GlobalEndpoint, "endpoint", config.GlobalEndpoint, "Provisioning service host")
	flag.StringVar(&config.LogFile, "logFile", config.LogFile, "Log to file")
	flag.StringVar(&config.Loglevel, "logLevel", config.Loglevel, "Loglevel: {error|`warning`|info|debug}")
	flag.StringVar(&config.IoTCLogLevel, "iotcLogLevel", config.IoTCLogLevel, "Client loglevel: {disabled|`api`|all}")
}

// LoadDeviceConfig loads the device configuration file and applies the environment.
// This uses the -home and -c commandline arguments without the flag package.
//
//  - Commandline "-c"  specifies an alternative configuration file
//  - Commandline "--home" sets the home folder as the base of ./config and ./logs directories
//
//  homeFolder overrides the default home folder. Leave empty to use parent of application binary.
//  substituteMap to substitute {{.key}} in the configuration file, nil to ignore
// A missing configuration file is not an error as the environment or commandline can provide
// the configuration.
// Returns the device configuration and error code in case of error
func LoadDeviceConfig(homeFolder string, substituteMap map[string]string) (*DeviceConfig, error) {
	args := os.Args[1:]
	if homeFolder == "" {
		// Option --home overrides the default home folder. Intended for testing.
		for index, arg := range args {
			if (arg == "--home" || arg == "-home") && index+1 < len(args) {
				homeFolder = args[index+1]
				// make relative paths absolute
				if !path.IsAbs(homeFolder) {
					cwd, _ := os.Getwd()
					homeFolder = path.Join(cwd, homeFolder)
				}
				break
			}
		}
	}

	// set configuration defaults
	deviceConfig := CreateDefaultDeviceConfig(homeFolder)
	configFile := path.Join(deviceConfig.ConfigFolder, DeviceConfigName)

	// Option -c overrides the default config file. Intended for testing.
	for index, arg := range args {
		if arg == "-c" && index+1 < len(args) {
			configFile = args[index+1]
			// make relative paths absolute
			if !path.IsAbs(configFile) {
				configFile = path.Join(deviceConfig.Home, configFile)
			}
			logrus.Infof("Commandline option '-c %s' overrides default config file", configFile)
			break
		}
	}
	logrus.Infof("Using %s as device config file", configFile)
	if _, err := os.Stat(configFile); err == nil {
		err = LoadConfig(configFile, deviceConfig, substituteMap)
		if err != nil {
			return deviceConfig, err
		}
	} else {
		logrus.Infof("Device configuration file %s not found. Using defaults", configFile)
	}
	err := ApplyEnvironment(deviceConfig)
	return deviceConfig, err
}

// LoadCommandlineConfig loads the device configuration (See LoadDeviceConfig)
// and applies commandline parameters to allow modifying this configuration from the
// commandline. The result is validated and logging is set up.
// Returns the device configuration and error code in case of error
func LoadCommandlineConfig(homeFolder string) (*DeviceConfig, error) {
	deviceConfig, err := LoadDeviceConfig(homeFolder, nil)
	if err != nil {
		return deviceConfig, err
	}

	SetDeviceCommandlineArgs(deviceConfig)
	// catch parsing errors, in case flag.ErrorHandling = flag.ContinueOnError
	err = flag.CommandLine.Parse(os.Args[1:])

	// Validation after the commandline completed the config
	if err == nil {
		err = ValidateDeviceConfig(deviceConfig)
	}
	if err == nil {
		err = SetLogging(deviceConfig.Loglevel, deviceConfig.LogFile)
	}
	return deviceConfig, err
}
