package transport

import "github.com/sirupsen/logrus"

// debugLog is the package-level sink for low-level trace messages
// (dropped/decrypted packets, processed frames, pushed-back lost data).
// It is logrus' standard logger, whose default level is info, so debug()
// output is suppressed unless that logger's level is raised to debug or
// above. The quic package logs through its own logrus.New() logger and
// does not change this one.
var debugLog = logrus.StandardLogger()

func debug(format string, args ...interface{}) {
	if !debugLog.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	debugLog.Debugf(format, args...)
}
