/* Logger.go: logrus-backed implementation of types.Logger
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/kraken-hpc/ipmisession/lib/types"
	"github.com/sirupsen/logrus"
)

///////////////////////
// Auxiliary Objects /
/////////////////////

// create shortcut aliases for log levels
const (
	DDDEBUG  = types.LLDDDEBUG
	DDEBUG   = types.LLDDEBUG
	DEBUG    = types.LLDEBUG
	INFO     = types.LLINFO
	NOTICE   = types.LLNOTICE
	WARNING  = types.LLWARNING
	ERROR    = types.LLERROR
	CRITICAL = types.LLCRITICAL
	FATAL    = types.LLFATAL
	PANIC    = types.LLPANIC
)

// logrus has fewer levels; the extra kraken levels fold into their neighbours
var logrusLevels = map[types.LoggerLevel]logrus.Level{
	PANIC:    logrus.PanicLevel,
	FATAL:    logrus.FatalLevel,
	CRITICAL: logrus.ErrorLevel,
	ERROR:    logrus.ErrorLevel,
	WARNING:  logrus.WarnLevel,
	NOTICE:   logrus.InfoLevel,
	INFO:     logrus.InfoLevel,
	DEBUG:    logrus.DebugLevel,
	DDEBUG:   logrus.TraceLevel,
	DDDEBUG:  logrus.TraceLevel,
}

//////////////////////////
// LogrusLogger Object /
////////////////////////

var _ types.Logger = (*LogrusLogger)(nil)

// A LogrusLogger sends log events to a logrus.Logger, tagged with the module name
// Filtering is done on the kraken level; the logrus logger is left at Trace.
type LogrusLogger struct {
	l  *logrus.Logger
	m  string
	lv types.LoggerLevel
}

// NewLogrusLogger creates a LogrusLogger writing text to w
func NewLogrusLogger(w io.Writer, module string, lv types.LoggerLevel) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return &LogrusLogger{l: l, m: module, lv: lv}
}

// Log submits a Log message with a LoggerLevel
// PANIC and FATAL are logged at error severity; the logger never exits or panics on its own.
func (l *LogrusLogger) Log(lv types.LoggerLevel, m string) {
	if !l.IsEnabledFor(lv) {
		return
	}
	ll, ok := logrusLevels[lv]
	if !ok || ll < logrus.ErrorLevel {
		ll = logrus.ErrorLevel
	}
	plv := fmt.Sprintf("%d", lv)
	if int(lv) < len(types.LoggerLevels) {
		plv = types.LoggerLevels[lv]
	}
	l.l.WithFields(logrus.Fields{
		"module": l.m,
		"level":  plv,
	}).Log(ll, strings.TrimSpace(m))
}

// Logf is the same as Log but with sprintf formatting
func (l *LogrusLogger) Logf(lv types.LoggerLevel, f string, v ...interface{}) {
	if l.IsEnabledFor(lv) {
		l.Log(lv, fmt.Sprintf(f, v...))
	}
}

// SetModule sets an identifier string for the component that will use this Logger
func (l *LogrusLogger) SetModule(m string) { l.m = m }

// GetModule gets the current module string
func (l *LogrusLogger) GetModule() string { return l.m }

// SetLoggerLevel sets the log filtering level
func (l *LogrusLogger) SetLoggerLevel(lv types.LoggerLevel) { l.lv = lv }

// GetLoggerLevel gets the log filtering level
func (l *LogrusLogger) GetLoggerLevel() types.LoggerLevel { return l.lv }

// IsEnabledFor determines if this Logger would send a message at a particular level
func (l *LogrusLogger) IsEnabledFor(lv types.LoggerLevel) (r bool) {
	if lv <= l.lv {
		return true
	}
	return
}

// Sub returns a logger sharing this one's sink and level under a different module name
func (l *LogrusLogger) Sub(module string) *LogrusLogger {
	return &LogrusLogger{l: l.l, m: module, lv: l.lv}
}

// subLogger derives a module logger where the implementation allows it
func subLogger(log types.Logger, module string) types.Logger {
	if ll, ok := log.(*LogrusLogger); ok {
		return ll.Sub(module)
	}
	return log
}
