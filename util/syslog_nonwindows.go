//go:build !windows

package util

import (
	"log/syslog"

	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// AddSyslogHook mirrors log entries to the local syslog daemon under the srika-updater tag
func AddSyslogHook() {
	hook, err := lSyslog.NewSyslogHook("", "", syslog.LOG_INFO, "srika-updater")
	if err != nil {
		log.Errorf("Failed creating syslog hook: %s", err)
		return
	}
	log.AddHook(hook)
}
