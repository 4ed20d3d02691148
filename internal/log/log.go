package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	Configure(os.Getenv("LOG_LEVEL"))
}

// Configure sets the shared logger's level. Unknown or empty levels fall back
// to info.
func Configure(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
