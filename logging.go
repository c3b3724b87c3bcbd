package comm

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging sets the global logrus level and formatter. Format is
// "text" or "json"; an empty level or format keeps the current setting.
func ConfigureLogging(level, format string) error {
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logrus.SetLevel(parsed)
	}

	switch strings.ToLower(format) {
	case "":
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log format %q: expected text or json", format)
	}
	return nil
}
