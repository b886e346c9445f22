package raft

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Logger is the seam the core logs through. Production wiring is
// defaultLogger, a thin adapter over github.com/pingcap/log (the same
// logging library the teacher's raftstore package calls directly); tests
// substitute a silent or capturing implementation instead of asserting on
// global log state.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

type defaultLogger struct {
	group int32
	self  int32
}

// NewLogger returns the production Logger, tagging every line with the
// group/node identifiers the way the teacher's peer.go tags every log line
// with region/peer ids.
func NewLogger(groupID, nodeID int32) Logger {
	return &defaultLogger{group: groupID, self: nodeID}
}

func (l *defaultLogger) prefix(format string) string {
	return fmt.Sprintf("[%d:%d] %s", l.group, l.self, format)
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	log.Debug(fmt.Sprintf(l.prefix(format), args...))
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	log.Info(fmt.Sprintf(l.prefix(format), args...))
}

func (l *defaultLogger) Warningf(format string, args ...interface{}) {
	log.Warn(fmt.Sprintf(l.prefix(format), args...))
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	log.Error(fmt.Sprintf(l.prefix(format), args...))
}

func (l *defaultLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(l.prefix(format), args...)
	log.Error(msg, zap.Stack("stack"))
	panic(msg)
}

// discardLogger is used by tests that don't want log output.
type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{})    {}
func (discardLogger) Infof(string, ...interface{})     {}
func (discardLogger) Warningf(string, ...interface{})  {}
func (discardLogger) Errorf(string, ...interface{})    {}
func (discardLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
