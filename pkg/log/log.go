// Package log builds the single *logrus.Entry every subsystem
// constructor takes (docker.New, registry.NewAppState,
// servicemanager.New, ...), mirroring the teacher's
// log.NewLogger/commands.NewOSCommand(log, ...) pattern of injecting
// one shared logger rather than each package reaching for a global.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the top-level logger. debug (or DEBUG=TRUE in the
// environment) switches from a discard-by-default production logger
// to one that appends structured JSON lines to <configDir>/vm.log,
// exactly as the teacher's newDevelopmentLogger does for
// development.log.
func NewLogger(debug bool, configDir, version string) *logrus.Entry {
	var logger *logrus.Logger
	if debug || os.Getenv("DEBUG") == "TRUE" {
		logger = newDevelopmentLogger(configDir)
	} else {
		logger = newProductionLogger()
	}
	logger.Formatter = &logrus.JSONFormatter{}

	return logger.WithFields(logrus.Fields{
		"debug":   debug,
		"version": version,
	})
}

func getLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(configDir string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(getLogLevel())
	file, err := os.OpenFile(filepath.Join(configDir, "vm.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	logger.SetOutput(file)
	return logger
}

func newProductionLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
