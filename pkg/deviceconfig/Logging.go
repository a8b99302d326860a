package deviceconfig

import (
	"io"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

// SetLogging sets the logging level and output file of the global logger
//  levelName is the requested logging level: error, warning, info, debug
//  filename is the output log file full name including path, use "" for stdout only
// Returns an error if the log file can't be opened. Logging to stdout continues.
func SetLogging(levelName string, filename string) error {
	loggingLevel, err := logrus.ParseLevel(levelName)
	if err != nil {
		loggingLevel = logrus.WarnLevel
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000",
	})
	logrus.SetLevel(loggingLevel)
	logrus.SetOutput(os.Stdout)

	if filename != "" {
		os.MkdirAll(path.Dir(filename), 0755)
		logFileHandle, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			logrus.Errorf("SetLogging: Unable to open logfile: %s", err)
			return err
		}
		logrus.Infof("SetLogging: Send '%s' logging to '%s'", levelName, filename)
		logrus.SetOutput(io.MultiWriter(os.Stdout, logFileHandle))
	}
	return nil
}
