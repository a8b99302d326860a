package deviceconfig

import (
	"errors"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
)

// ApplyEnvironment overrides the configuration with the IOTC_ environment variables.
// See the env tags of DeviceConfig for the variable names. Unset variables leave the
// configuration unchanged.
func ApplyEnvironment(config *DeviceConfig) error {
	err := envdecode.Decode(config)
	if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil
	} else if err != nil {
		logrus.Errorf("ApplyEnvironment: invalid environment: %s", err)
		return err
	}
	logrus.Infof("ApplyEnvironment: configuration updated from environment")
	return nil
}
