package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// InitLogrus configures the package-level logger. Called again by the CLI once
// the --debug flag has been parsed.
func InitLogrus() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	InitLogrus()
}
