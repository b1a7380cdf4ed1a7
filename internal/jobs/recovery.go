package jobs

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// recoverJob гасит панику фоновой задачи, чтобы cron продолжил работу.
func recoverJob(name string) {
	if r := recover(); r != nil {
		log.WithFields(log.Fields{
			"component": "panic_recovery",
			"job":       name,
			"panic":     fmt.Sprintf("%v", r),
			"stack":     string(debug.Stack()),
		}).Error("[CRON] ПАНИКА в задаче — восстановлено")
	}
}
