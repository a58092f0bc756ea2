// Package xlog provides the structured logging used across scriptsock
// for the conditions spec.md §4.1/§7 require to be "surfaced to the host
// as an uncaught exception" when no user error handler is registered.
//
// Author: momentics <momentics@gmail.com>
package xlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	log  *logrus.Logger
)

// Logger returns the process-wide logrus logger, initialised lazily with
// a text formatter matching the rest of the corpus's plain-stderr style.
func Logger() *logrus.Logger {
	once.Do(func() {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return log
}

// Uncaught logs err as an uncaught exception, the stand-in (spec.md §4.1,
// §7) for the host runtime's uncaught-exception channel when no `error`
// callback is registered.
func Uncaught(fields logrus.Fields, err error) {
	Logger().WithFields(fields).WithError(err).Error("uncaught error: no handler registered")
}
