package util

import log "github.com/sirupsen/logrus"

func AddSyslogHook() {
	// The syslog package is not available for Windows. Entries keep going to the
	// configured output.
	log.Debug("syslog output is not supported on windows")
}
