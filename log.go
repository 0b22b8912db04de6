package blockfs

import "github.com/sirupsen/logrus"

// logger is the package-wide structured logger. Every component logs through
// this instead of calling logrus's package-level functions directly, so a
// host application can redirect or silence engine logs with SetLogger.
var logger = logrus.StandardLogger()

// SetLogger replaces the logger used by the engine. Passing nil restores the
// standard logrus logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		logger = logrus.StandardLogger()
		return
	}
	logger = l
}
