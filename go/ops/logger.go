// Package ops provides the structured logging interface used throughout
// netsshd, so that session/job context can be attached once and carried
// through every subsequent log call without re-threading it by hand.
package ops

import (
	log "github.com/sirupsen/logrus"
)

// Logger publishes a log event with fields. Implementations may filter by
// level, write to stderr, or append to a session transcript sink.
type Logger interface {
	Log(level log.Level, fields log.Fields, message string) error
	Level() log.Level
}

// NewLoggerWithFields wraps delegate and returns a Logger that merges `add`
// into every subsequent event's fields, without re-copying the map when the
// event would be filtered out anyway.
func NewLoggerWithFields(delegate Logger, add log.Fields) Logger {
	return &withFieldsLogger{delegate: delegate, add: add}
}

type withFieldsLogger struct {
	delegate Logger
	add      log.Fields
}

func (l *withFieldsLogger) Level() log.Level { return l.delegate.Level() }

func (l *withFieldsLogger) Log(level log.Level, fields log.Fields, message string) error {
	var finalFields log.Fields
	if l.requiresMapCopy(level, len(fields)) {
		finalFields = log.Fields{}
		for k, v := range l.add {
			finalFields[k] = v
		}
		for k, v := range fields {
			finalFields[k] = v
		}
	} else {
		finalFields = l.add
	}
	return l.delegate.Log(level, finalFields, message)
}

// requiresMapCopy avoids allocating a merged map when there's nothing to
// merge, or when the event wouldn't pass the level filter anyway.
func (l *withFieldsLogger) requiresMapCopy(level log.Level, givenFieldsLen int) bool {
	return givenFieldsLen > 0 && level <= l.delegate.Level()
}

type stdLogAppender struct{}

func (stdLogAppender) Level() log.Level { return log.GetLevel() }

func (l stdLogAppender) Log(level log.Level, fields log.Fields, message string) error {
	if level > l.Level() {
		return nil
	}
	log.WithFields(fields).Log(level, message)
	return nil
}

// StdLogger returns a Logger that forwards directly to the logrus package
// singleton. Used by cmd/netsshd before any per-job context exists.
func StdLogger() Logger {
	return stdLogAppender{}
}

// ForJob returns a Logger decorated with the job's stable identifying
// fields, used by the executor and worker pool so every log line from a
// job's execution carries its id without callers repeating it.
func ForJob(base Logger, jobID, deviceType, host string) Logger {
	return NewLoggerWithFields(base, log.Fields{
		"job_id":      jobID,
		"device_type": deviceType,
		"host":        host,
	})
}
